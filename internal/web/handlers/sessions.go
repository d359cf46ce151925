package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/session"
)

// SessionsHandler handles capture session endpoints.
type SessionsHandler struct {
	manager      *session.Manager
	extractor    session.Extractor
	frameTimeout time.Duration
}

// NewSessionsHandler creates a new sessions handler. extractor may be nil, in
// which case frame probes and camera-polling sessions are unavailable.
func NewSessionsHandler(manager *session.Manager, extractor session.Extractor, frameTimeout time.Duration) *SessionsHandler {
	return &SessionsHandler{
		manager:      manager,
		extractor:    extractor,
		frameTimeout: frameTimeout,
	}
}

// StartSessionRequest is the body of the start endpoint.
type StartSessionRequest struct {
	Label         string  `json:"label"`
	EventType     string  `json:"event_type"`
	Threshold     float64 `json:"threshold"`
	MinConfidence float64 `json:"min_confidence"`
	Interval      string  `json:"interval"`   // Go duration, e.g. "2s"
	SourceURL     string  `json:"source_url"` // camera snapshot URL polled every interval
}

// Start opens a capture session. With source_url the session polls that
// camera; otherwise probes are pushed to it.
func (h *SessionsHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	opts := session.Options{
		Label:         strings.TrimSpace(req.Label),
		Threshold:     req.Threshold,
		MinConfidence: req.MinConfidence,
	}
	if req.EventType != "" {
		eventType, err := attendance.ParseEventType(req.EventType)
		if err != nil {
			respondServiceError(w, err, "")
			return
		}
		opts.EventType = eventType
	}
	if req.Interval != "" {
		interval, err := time.ParseDuration(req.Interval)
		if err != nil || interval <= 0 {
			respondError(w, http.StatusBadRequest, "invalid interval")
			return
		}
		opts.Interval = interval
	}
	if req.Threshold < 0 || req.MinConfidence < 0 || req.MinConfidence > 1 {
		respondError(w, http.StatusBadRequest, "threshold and min_confidence must be non-negative, min_confidence at most 1")
		return
	}

	var s *session.Session
	if req.SourceURL != "" {
		if h.extractor == nil {
			respondServiceError(w, session.ErrNoExtractor, "")
			return
		}
		if !strings.HasPrefix(req.SourceURL, "http://") && !strings.HasPrefix(req.SourceURL, "https://") {
			respondError(w, http.StatusBadRequest, "source_url must be an http(s) URL")
			return
		}
		source := session.FrameProbes(session.NewHTTPFrameSource(req.SourceURL, h.frameTimeout), h.extractor)
		s = h.manager.StartPolling(opts, source)
	} else {
		s = h.manager.Start(opts)
	}

	respondJSON(w, http.StatusCreated, s.Info())
}

// List returns all sessions, newest first.
func (h *SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	sessions := h.manager.List()
	response := make([]session.Info, len(sessions))
	for i, s := range sessions {
		response[i] = s.Info()
	}
	respondJSON(w, http.StatusOK, response)
}

// Get returns one session.
func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	s := h.manager.Get(chi.URLParam(r, "id"))
	if s == nil {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}
	respondJSON(w, http.StatusOK, s.Info())
}

// Stop stops a session and returns its final state.
func (h *SessionsHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s := h.manager.Get(id)
	if s == nil {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := h.manager.Stop(id); err != nil {
		respondServiceError(w, err, "failed to stop session")
		return
	}
	respondJSON(w, http.StatusOK, s.Info())
}

// ProbeRequest carries one descriptor for a session.
type ProbeRequest struct {
	Descriptor []float32 `json:"descriptor"`
}

// Probe submits a descriptor to a push session.
func (h *SessionsHandler) Probe(w http.ResponseWriter, r *http.Request) {
	s := h.manager.Get(chi.URLParam(r, "id"))
	if s == nil {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}

	var req ProbeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	ev, err := s.Submit(r.Context(), req.Descriptor)
	if err != nil {
		respondServiceError(w, err, "failed to submit probe")
		return
	}
	respondJSON(w, http.StatusOK, ev)
}

// Frame submits a raw image to a push session. The request body is the image.
func (h *SessionsHandler) Frame(w http.ResponseWriter, r *http.Request) {
	s := h.manager.Get(chi.URLParam(r, "id"))
	if s == nil {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}

	frame, err := io.ReadAll(io.LimitReader(r.Body, constants.MaxFrameBytes))
	if err != nil || len(frame) == 0 {
		respondError(w, http.StatusBadRequest, "missing frame")
		return
	}

	ev, err := s.SubmitFrame(r.Context(), frame)
	if err != nil {
		respondServiceError(w, err, "failed to submit frame")
		return
	}
	if ev.Type == session.OutcomeError {
		slog.Debug("frame probe failed", "session_id", s.ID, "message", ev.Message)
	}
	respondJSON(w, http.StatusOK, ev)
}

// Events streams a session's events over SSE.
func (h *SessionsHandler) Events(w http.ResponseWriter, r *http.Request) {
	streamSessionEvents(w, r, h.manager.Get)
}
