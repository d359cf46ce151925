package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/kozaktomas/face-attendance/internal/session"
)

func startSession(t *testing.T, handler *SessionsHandler, req StartSessionRequest) session.Info {
	t.Helper()
	recorder := httptest.NewRecorder()
	handler.Start(recorder, jsonRequest(t, "POST", "/api/v1/sessions", req))
	assertStatusCode(t, recorder, http.StatusCreated)

	var info session.Info
	parseJSONResponse(t, recorder, &info)
	return info
}

func submitProbe(t *testing.T, handler *SessionsHandler, id string, probe []float32) (*httptest.ResponseRecorder, session.Event) {
	t.Helper()
	req := jsonRequest(t, "POST", "/api/v1/sessions/"+id+"/probes", ProbeRequest{Descriptor: probe})
	recorder := httptest.NewRecorder()
	handler.Probe(recorder, requestWithChiParams(req, map[string]string{"id": id}))

	var ev session.Event
	if recorder.Code == http.StatusOK {
		parseJSONResponse(t, recorder, &ev)
	}
	return recorder, ev
}

func TestSessionsHandler_Start(t *testing.T) {
	f := newFixture(t)
	handler := NewSessionsHandler(f.manager(t), nil, time.Second)

	info := startSession(t, handler, StartSessionRequest{Label: " Front door ", EventType: "check_out", Threshold: 0.5})

	if info.ID == "" || !info.Running || info.Polling {
		t.Errorf("unexpected session info: %+v", info)
	}
	if info.Label != "Front door" {
		t.Errorf("expected label 'Front door', got %q", info.Label)
	}
	if info.EventType != attendance.CheckOut {
		t.Errorf("expected check-out session, got %s", info.EventType)
	}
	if info.Threshold != 0.5 {
		t.Errorf("expected threshold 0.5, got %v", info.Threshold)
	}
}

func TestSessionsHandler_StartDefaults(t *testing.T) {
	f := newFixture(t)
	handler := NewSessionsHandler(f.manager(t), nil, time.Second)

	info := startSession(t, handler, StartSessionRequest{})

	if info.EventType != attendance.CheckIn {
		t.Errorf("expected check-in by default, got %s", info.EventType)
	}
	if info.Threshold != 0.6 {
		t.Errorf("expected default threshold 0.6, got %v", info.Threshold)
	}
}

func TestSessionsHandler_StartValidation(t *testing.T) {
	tests := []struct {
		name       string
		req        StartSessionRequest
		wantStatus int
	}{
		{"unknown event type", StartSessionRequest{EventType: "lunch"}, http.StatusBadRequest},
		{"bad interval", StartSessionRequest{Interval: "soon"}, http.StatusBadRequest},
		{"negative interval", StartSessionRequest{Interval: "-1s"}, http.StatusBadRequest},
		{"confidence above one", StartSessionRequest{MinConfidence: 1.5}, http.StatusBadRequest},
		{"camera without extractor", StartSessionRequest{SourceURL: "http://camera.local/snapshot.jpg"}, http.StatusServiceUnavailable},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			m := f.manager(t)
			handler := NewSessionsHandler(m, nil, time.Second)

			recorder := httptest.NewRecorder()
			handler.Start(recorder, jsonRequest(t, "POST", "/api/v1/sessions", tc.req))

			assertStatusCode(t, recorder, tc.wantStatus)
			if n := len(m.List()); n != 0 {
				t.Errorf("expected no sessions, got %d", n)
			}
		})
	}
}

func TestSessionsHandler_StartRejectsNonHTTPSource(t *testing.T) {
	f := newFixture(t)
	handler := NewSessionsHandler(f.manager(t), &fakeExtractor{}, time.Second)

	recorder := httptest.NewRecorder()
	handler.Start(recorder, jsonRequest(t, "POST", "/api/v1/sessions", StartSessionRequest{SourceURL: "file:///etc/passwd"}))

	assertStatusCode(t, recorder, http.StatusBadRequest)
}

func TestSessionsHandler_Probe(t *testing.T) {
	f := newFixture(t)
	handler := NewSessionsHandler(f.manager(t), nil, time.Second)
	info := startSession(t, handler, StartSessionRequest{Label: "lobby"})

	recorder, ev := submitProbe(t, handler, info.ID, aliceProbe)
	assertStatusCode(t, recorder, http.StatusOK)
	if ev.Type != session.OutcomeRecorded || ev.IdentityID != "alice" || ev.DisplayName != "Alice Nováková" {
		t.Errorf("unexpected first event: %+v", ev)
	}

	_, ev = submitProbe(t, handler, info.ID, aliceProbe)
	if ev.Type != session.OutcomeAlreadyRecorded {
		t.Errorf("expected already_recorded, got %s", ev.Type)
	}

	_, ev = submitProbe(t, handler, info.ID, unknownProbe)
	if ev.Type != session.OutcomeNoMatch {
		t.Errorf("expected no_match, got %s", ev.Type)
	}

	if n := f.records.Len(); n != 1 {
		t.Errorf("expected exactly one attendance record, got %d", n)
	}
}

func TestSessionsHandler_ProbeUnknownSession(t *testing.T) {
	f := newFixture(t)
	handler := NewSessionsHandler(f.manager(t), nil, time.Second)

	recorder, _ := submitProbe(t, handler, "missing", aliceProbe)
	assertStatusCode(t, recorder, http.StatusNotFound)
}

func TestSessionsHandler_Frame(t *testing.T) {
	f := newFixture(t)

	t.Run("without extractor", func(t *testing.T) {
		handler := NewSessionsHandler(f.manager(t), nil, time.Second)
		info := startSession(t, handler, StartSessionRequest{})

		req := httptest.NewRequest("POST", "/api/v1/sessions/"+info.ID+"/frames", bytes.NewReader([]byte("frame")))
		recorder := httptest.NewRecorder()
		handler.Frame(recorder, requestWithChiParams(req, map[string]string{"id": info.ID}))

		assertStatusCode(t, recorder, http.StatusServiceUnavailable)
	})

	t.Run("with extractor", func(t *testing.T) {
		ex := &fakeExtractor{probe: aliceProbe}
		handler := NewSessionsHandler(f.manager(t, session.WithExtractor(ex)), ex, time.Second)
		info := startSession(t, handler, StartSessionRequest{})

		req := httptest.NewRequest("POST", "/api/v1/sessions/"+info.ID+"/frames", bytes.NewReader([]byte("frame")))
		recorder := httptest.NewRecorder()
		handler.Frame(recorder, requestWithChiParams(req, map[string]string{"id": info.ID}))

		assertStatusCode(t, recorder, http.StatusOK)

		var ev session.Event
		parseJSONResponse(t, recorder, &ev)
		if ev.IdentityID != "alice" {
			t.Errorf("expected alice, got %+v", ev)
		}
	})

	t.Run("empty body", func(t *testing.T) {
		handler := NewSessionsHandler(f.manager(t), nil, time.Second)
		info := startSession(t, handler, StartSessionRequest{})

		req := httptest.NewRequest("POST", "/api/v1/sessions/"+info.ID+"/frames", http.NoBody)
		recorder := httptest.NewRecorder()
		handler.Frame(recorder, requestWithChiParams(req, map[string]string{"id": info.ID}))

		assertStatusCode(t, recorder, http.StatusBadRequest)
		assertJSONError(t, recorder, "missing frame")
	})
}

func TestSessionsHandler_ListGetStop(t *testing.T) {
	f := newFixture(t)
	handler := NewSessionsHandler(f.manager(t), nil, time.Second)

	first := startSession(t, handler, StartSessionRequest{Label: "first"})
	time.Sleep(time.Millisecond)
	second := startSession(t, handler, StartSessionRequest{Label: "second"})

	recorder := httptest.NewRecorder()
	handler.List(recorder, httptest.NewRequest("GET", "/api/v1/sessions", nil))
	assertStatusCode(t, recorder, http.StatusOK)

	var list []session.Info
	parseJSONResponse(t, recorder, &list)
	if len(list) != 2 || list[0].ID != second.ID {
		t.Fatalf("expected newest session first, got %+v", list)
	}

	recorder = httptest.NewRecorder()
	handler.Get(recorder, requestWithChiParams(httptest.NewRequest("GET", "/", nil), map[string]string{"id": first.ID}))
	assertStatusCode(t, recorder, http.StatusOK)

	recorder = httptest.NewRecorder()
	handler.Stop(recorder, requestWithChiParams(httptest.NewRequest("DELETE", "/", nil), map[string]string{"id": first.ID}))
	assertStatusCode(t, recorder, http.StatusOK)

	var stopped session.Info
	parseJSONResponse(t, recorder, &stopped)
	if stopped.Running || stopped.StoppedAt == nil {
		t.Errorf("expected stopped session, got %+v", stopped)
	}

	recorder = httptest.NewRecorder()
	handler.Get(recorder, requestWithChiParams(httptest.NewRequest("GET", "/", nil), map[string]string{"id": first.ID}))
	assertStatusCode(t, recorder, http.StatusNotFound)

	recorder = httptest.NewRecorder()
	handler.Stop(recorder, requestWithChiParams(httptest.NewRequest("DELETE", "/", nil), map[string]string{"id": first.ID}))
	assertStatusCode(t, recorder, http.StatusNotFound)
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	name string
	data string
}

func readSSEEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading event stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			return ev
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestSessionsHandler_Events(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	handler := NewSessionsHandler(m, nil, time.Second)

	router := chi.NewRouter()
	router.Get("/sessions/{id}/events", handler.Events)
	srv := httptest.NewServer(router)
	defer srv.Close()

	s := m.Start(session.Options{Label: "stream"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/sessions/"+s.ID+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}
	reader := bufio.NewReader(resp.Body)

	status := readSSEEvent(t, reader)
	if status.name != "status" {
		t.Fatalf("expected status event first, got %q", status.name)
	}

	if _, err := s.Submit(ctx, aliceProbe); err != nil {
		t.Fatal(err)
	}
	recorded := readSSEEvent(t, reader)
	if recorded.name != string(session.OutcomeRecorded) {
		t.Fatalf("expected recorded event, got %q", recorded.name)
	}
	var ev session.Event
	if err := json.Unmarshal([]byte(recorded.data), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.IdentityID != "alice" || ev.SessionID != s.ID {
		t.Errorf("unexpected event payload: %+v", ev)
	}

	if err := m.Stop(s.ID); err != nil {
		t.Fatal(err)
	}
	if stopped := readSSEEvent(t, reader); stopped.name != string(session.OutcomeStopped) {
		t.Fatalf("expected stopped event, got %q", stopped.name)
	}
}

func TestSessionsHandler_EventsUnknownSession(t *testing.T) {
	f := newFixture(t)
	handler := NewSessionsHandler(f.manager(t), nil, time.Second)

	recorder := httptest.NewRecorder()
	handler.Events(recorder, requestWithChiParams(httptest.NewRequest("GET", "/", nil), map[string]string{"id": "missing"}))

	assertStatusCode(t, recorder, http.StatusNotFound)
}
