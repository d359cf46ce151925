package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/extract"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/gallery"
	"github.com/kozaktomas/face-attendance/internal/session"
)

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "invalid request body"

// maxJSONBody bounds decoded request bodies.
const maxJSONBody = 4 << 20

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(v)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, attendance.ErrInvalidTransition),
		errors.Is(err, session.ErrSessionStopped):
		return http.StatusConflict
	case errors.Is(err, facematch.ErrDimensionMismatch),
		errors.Is(err, facematch.ErrEmptyDescriptor),
		errors.Is(err, gallery.ErrNoDescriptors),
		errors.Is(err, attendance.ErrUnknownEventType),
		errors.Is(err, attendance.ErrMissingIdentity),
		errors.Is(err, attendance.ErrDateNotAllowed),
		errors.Is(err, extract.ErrMultipleFaces):
		return http.StatusBadRequest
	case errors.Is(err, database.ErrNotFound),
		errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNoExtractor):
		return http.StatusServiceUnavailable
	}
	var serverErr *extract.ServerError
	if errors.As(err, &serverErr) {
		if serverErr.Temporary() {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// respondServiceError translates err into a JSON error. Internal errors are logged
// and answered with message only.
func respondServiceError(w http.ResponseWriter, err error, message string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error(message, "error", err)
		respondError(w, status, message)
		return
	}
	respondError(w, status, err.Error())
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports liveness of the service and its database.
type HealthHandler struct {
	db    Pinger
	store *gallery.Store
}

// NewHealthHandler creates a health handler. db may be nil.
func NewHealthHandler(db Pinger, store *gallery.Store) *HealthHandler {
	return &HealthHandler{db: db, store: store}
}

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status     string `json:"status"`
	Database   string `json:"database,omitempty"`
	Identities int    `json:"identities"`
	Active     int    `json:"active"`
	Dimension  int    `json:"dimension"`
}

// Check handles the health check endpoint.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if h.store != nil {
		resp.Identities = h.store.Len()
		resp.Active = h.store.ActiveCount()
		resp.Dimension = h.store.Dim()
	}

	status := http.StatusOK
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			slog.Warn("health check: database unreachable", "error", err)
			resp.Status = "degraded"
			resp.Database = "unreachable"
			status = http.StatusServiceUnavailable
		} else {
			resp.Database = "ok"
		}
	}
	respondJSON(w, status, resp)
}

// queryFloat parses a float query parameter, 0 when absent or malformed.
func queryFloat(r *http.Request, key string) float64 {
	v, _ := strconv.ParseFloat(r.URL.Query().Get(key), 64)
	return v
}

// queryInt parses an int query parameter, 0 when absent or malformed.
func queryInt(r *http.Request, key string) int {
	v, _ := strconv.Atoi(r.URL.Query().Get(key))
	return v
}
