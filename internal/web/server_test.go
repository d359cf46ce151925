package web

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/database/mock"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/gallery"
	"github.com/kozaktomas/face-attendance/internal/metrics"
	"github.com/kozaktomas/face-attendance/internal/session"
)

const testToken = "kiosk-token"

func newTestServer(t *testing.T) *Server {
	t.Helper()

	identities := mock.NewMockIdentityStore()
	store := gallery.New()
	enroller := gallery.NewEnroller(store, identities, 0.6)
	alice := database.Identity{ID: "alice", DisplayName: "Alice", Descriptors: [][]float32{{0, 0, 0, 0}}, Active: true}
	if _, err := enroller.Enroll(context.Background(), alice); err != nil {
		t.Fatal(err)
	}
	matcher := facematch.NewMatcher(store)
	service := attendance.NewService(mock.NewMockAttendanceStore(), attendance.WithLocation(time.UTC))
	m, err := metrics.New()
	if err != nil {
		t.Fatal(err)
	}
	sessions := session.NewManager(matcher, service, session.WithNames(store), session.WithMetrics(m))
	t.Cleanup(sessions.Close)

	cfg := &config.Config{
		Web:       config.WebConfig{Host: "127.0.0.1", Port: 0, APIToken: testToken},
		Matching:  config.MatchingConfig{Threshold: 0.6},
		Extractor: config.ExtractorConfig{Timeout: time.Second},
	}
	return NewServer(cfg, Dependencies{
		Identities: identities,
		Store:      store,
		Enroller:   enroller,
		Matcher:    matcher,
		Attendance: service,
		Sessions:   sessions,
		Metrics:    m,
	})
}

func TestServer_Routes(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		token      string
		wantStatus int
	}{
		{"health is open", "GET", "/api/v1/health", "", "", http.StatusOK},
		{"metrics is open", "GET", "/metrics", "", "", http.StatusOK},
		{"api requires token", "GET", "/api/v1/identities", "", "", http.StatusUnauthorized},
		{"wrong token", "GET", "/api/v1/identities", "", "nope", http.StatusUnauthorized},
		{"identities", "GET", "/api/v1/identities", "", testToken, http.StatusOK},
		{"identity", "GET", "/api/v1/identities/alice", "", testToken, http.StatusOK},
		{"identify", "POST", "/api/v1/identify", `{"descriptor":[0,0,0,0.1]}`, testToken, http.StatusOK},
		{"attendance", "GET", "/api/v1/attendance", "", testToken, http.StatusOK},
		{"summary", "GET", "/api/v1/attendance/summary", "", testToken, http.StatusOK},
		{"export", "GET", "/api/v1/attendance/export", "", testToken, http.StatusOK},
		{"sessions", "GET", "/api/v1/sessions", "", testToken, http.StatusOK},
		{"start session", "POST", "/api/v1/sessions", `{"label":"lobby"}`, testToken, http.StatusCreated},
		{"unknown session", "GET", "/api/v1/sessions/nope", "", testToken, http.StatusNotFound},
		{"unknown route", "GET", "/api/v1/photos", "", testToken, http.StatusNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, bytes.NewBufferString(tc.body))
			if tc.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			recorder := httptest.NewRecorder()
			s.Router().ServeHTTP(recorder, req)

			if recorder.Code != tc.wantStatus {
				t.Errorf("%s %s = %d, want %d\nBody: %s", tc.method, tc.path, recorder.Code, tc.wantStatus, recorder.Body.String())
			}
		})
	}
}

func TestServer_MetricsExposeSessions(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/v1/sessions", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testToken)
	s.Router().ServeHTTP(httptest.NewRecorder(), req)

	recorder := httptest.NewRecorder()
	s.Router().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(recorder.Body.String(), "face_attendance_sessions_active 1") {
		t.Errorf("expected one active session in metrics output:\n%s", recorder.Body.String())
	}
}
