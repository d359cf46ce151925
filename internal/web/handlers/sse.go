package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/face-attendance/internal/session"
)

// sseHeartbeat keeps idle kiosk streams open through proxies.
const sseHeartbeat = 20 * time.Second

// eventStream writes server-sent events to one client.
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	seq     int
}

func newEventStream(w http.ResponseWriter) (*eventStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &eventStream{w: w, flusher: flusher}, true
}

// send writes one event. A write error means the client is gone.
func (s *eventStream) send(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", name, err)
	}
	s.seq++
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", s.seq, name, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *eventStream) ping() error {
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// streamSessionEvents sends the session status, then every session event until
// the session stops or the client goes away.
func streamSessionEvents(w http.ResponseWriter, r *http.Request, lookup func(string) *session.Session) {
	s := lookup(chi.URLParam(r, "id"))
	if s == nil {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}

	events := s.AddListener()
	defer s.RemoveListener(events)

	stream, ok := newEventStream(w)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	if err := stream.send("status", s.Info()); err != nil || !s.Running() {
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if stream.ping() != nil {
				return
			}
		case event, ok := <-events:
			if !ok {
				return
			}
			if stream.send(string(event.Type), event) != nil || event.Type == session.OutcomeStopped {
				return
			}
		}
	}
}
