package handlers

import (
	"bytes"
	"log/slog"
	"net/http"
	"time"

	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/export"
	"github.com/kozaktomas/face-attendance/internal/gallery"
)

// AttendanceMetrics counts manually recorded events.
type AttendanceMetrics interface {
	AttendanceRecorded(event string)
}

// AttendanceHandler handles attendance endpoints.
type AttendanceHandler struct {
	service    *attendance.Service
	store      *gallery.Store
	identities database.IdentityReader
	metrics    AttendanceMetrics
}

// NewAttendanceHandler creates a new attendance handler. identities resolves names
// for exports, inactive identities included; identities and metrics may be nil.
func NewAttendanceHandler(service *attendance.Service, store *gallery.Store, identities database.IdentityReader, metrics AttendanceMetrics) *AttendanceHandler {
	return &AttendanceHandler{
		service:    service,
		store:      store,
		identities: identities,
		metrics:    metrics,
	}
}

// RecordRequest is the body of a manual attendance event.
type RecordRequest struct {
	IdentityID string   `json:"identity_id"`
	EventType  string   `json:"event_type"`
	Date       string   `json:"date"` // YYYY-MM-DD, empty for today
	Confidence *float64 `json:"confidence"`
	Notes      string   `json:"notes"`
}

// RecordResponse is a record together with the state it is in.
type RecordResponse struct {
	Record *database.AttendanceRecord `json:"record,omitempty"`
	State  string                     `json:"state"`
}

// Record applies a check-in or check-out event.
func (h *AttendanceHandler) Record(w http.ResponseWriter, r *http.Request) {
	var req RecordRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	eventType, err := attendance.ParseEventType(req.EventType)
	if err != nil {
		respondServiceError(w, err, "")
		return
	}
	date, ok := h.parseDate(w, req.Date)
	if !ok {
		return
	}

	record, err := h.service.RecordEvent(r.Context(), attendance.Event{
		IdentityID: req.IdentityID,
		Date:       date,
		Type:       eventType,
		Confidence: req.Confidence,
		Notes:      req.Notes,
	})
	if err != nil {
		respondServiceError(w, err, "failed to record attendance")
		return
	}

	if h.metrics != nil {
		h.metrics.AttendanceRecorded(string(eventType))
	}
	slog.Info("attendance recorded",
		"identity", sanitizeForLog(req.IdentityID),
		"event", eventType,
		"status", record.Status)

	respondJSON(w, http.StatusOK, RecordResponse{Record: record, State: attendance.StateOf(record).String()})
}

// State returns the current state of one identity's day.
func (h *AttendanceHandler) State(w http.ResponseWriter, r *http.Request) {
	identityID := r.URL.Query().Get("identity_id")
	if identityID == "" {
		respondError(w, http.StatusBadRequest, "identity_id is required")
		return
	}
	date, ok := h.parseDate(w, r.URL.Query().Get("date"))
	if !ok {
		return
	}

	state, record, err := h.service.CurrentState(r.Context(), identityID, date)
	if err != nil {
		respondServiceError(w, err, "failed to get attendance state")
		return
	}
	respondJSON(w, http.StatusOK, RecordResponse{Record: record, State: state.String()})
}

// List returns records for a day, or for one identity over a date range.
func (h *AttendanceHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		records []database.AttendanceRecord
		err     error
	)
	if identityID := q.Get("identity_id"); identityID != "" {
		from, ok := h.parseDate(w, q.Get("from"))
		if !ok {
			return
		}
		to, ok := h.parseDate(w, q.Get("to"))
		if !ok {
			return
		}
		records, err = h.service.RecordsForIdentity(r.Context(), identityID, from, to)
	} else {
		date, ok := h.parseDateOrToday(w, q.Get("date"))
		if !ok {
			return
		}
		records, err = h.service.RecordsForDate(r.Context(), date)
	}
	if err != nil {
		respondServiceError(w, err, "failed to list attendance")
		return
	}

	if records == nil {
		records = []database.AttendanceRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

// Summary returns the day's aggregate against the active roster.
func (h *AttendanceHandler) Summary(w http.ResponseWriter, r *http.Request) {
	date, ok := h.parseDateOrToday(w, r.URL.Query().Get("date"))
	if !ok {
		return
	}

	summary, err := h.service.Summary(r.Context(), date, h.store.ActiveCount())
	if err != nil {
		respondServiceError(w, err, "failed to summarize attendance")
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// Export streams the day's records as a CSV download.
func (h *AttendanceHandler) Export(w http.ResponseWriter, r *http.Request) {
	date, ok := h.parseDateOrToday(w, r.URL.Query().Get("date"))
	if !ok {
		return
	}

	records, err := h.service.RecordsForDate(r.Context(), date)
	if err != nil {
		respondServiceError(w, err, "failed to export attendance")
		return
	}

	var buf bytes.Buffer
	lookup, err := export.DirectoryLookup(r.Context(), h.identities, h.store.Get)
	if err != nil {
		respondServiceError(w, err, "failed to export attendance")
		return
	}
	if err := export.WriteCSV(&buf, records, lookup, h.service.Location()); err != nil {
		respondServiceError(w, err, "failed to export attendance")
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.Filename(date)+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// parseDate parses an optional YYYY-MM-DD value in the service's zone.
func (h *AttendanceHandler) parseDate(w http.ResponseWriter, s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, true
	}
	date, err := database.ParseDate(s, h.service.Location())
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid date, expected YYYY-MM-DD")
		return time.Time{}, false
	}
	return date, true
}

func (h *AttendanceHandler) parseDateOrToday(w http.ResponseWriter, s string) (time.Time, bool) {
	if s == "" {
		return h.service.Today(), true
	}
	return h.parseDate(w, s)
}
