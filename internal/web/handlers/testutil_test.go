package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/database/mock"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/gallery"
	"github.com/kozaktomas/face-attendance/internal/session"
)

func vec(dim int, v float32) []float32 {
	d := make([]float32, dim)
	for i := range d {
		d[i] = v
	}
	return d
}

var (
	aliceProbe   = vec(8, 0.01)
	unknownProbe = vec(8, 0.5)
)

// fixture wires the real gallery, matcher and attendance service over mock stores.
// Alice (vec 0) and Bob (vec 1) are enrolled.
type fixture struct {
	identities *mock.MockIdentityStore
	records    *mock.MockAttendanceStore
	store      *gallery.Store
	enroller   *gallery.Enroller
	matcher    *facematch.Matcher
	service    *attendance.Service
}

func newFixture(t *testing.T, opts ...attendance.Option) *fixture {
	t.Helper()
	f := &fixture{
		identities: mock.NewMockIdentityStore(),
		records:    mock.NewMockAttendanceStore(),
		store:      gallery.New(),
	}
	f.enroller = gallery.NewEnroller(f.store, f.identities, 0.6)
	f.matcher = facematch.NewMatcher(f.store)
	opts = append([]attendance.Option{attendance.WithLocation(time.UTC)}, opts...)
	f.service = attendance.NewService(f.records, opts...)

	for _, identity := range []database.Identity{
		{
			ID:          "alice",
			DisplayName: "Alice Nováková",
			Descriptors: [][]float32{vec(8, 0)},
			Metadata:    map[string]string{database.MetaDepartment: "Engineering"},
			Active:      true,
		},
		{ID: "bob", DisplayName: "Bob", Descriptors: [][]float32{vec(8, 1)}, Active: true},
	} {
		if _, err := f.enroller.Enroll(context.Background(), identity); err != nil {
			t.Fatalf("Enroll(%s) error = %v", identity.ID, err)
		}
	}
	return f
}

func (f *fixture) manager(t *testing.T, opts ...session.ManagerOption) *session.Manager {
	t.Helper()
	opts = append([]session.ManagerOption{session.WithNames(f.store)}, opts...)
	m := session.NewManager(f.matcher, f.service, opts...)
	t.Cleanup(m.Close)
	return m
}

// fakeExtractor returns a fixed descriptor for every frame.
type fakeExtractor struct {
	probe []float32
	err   error
}

func (e *fakeExtractor) Extract(ctx context.Context, frame []byte) ([]float32, error) {
	return e.probe, e.err
}

// jsonRequest creates a request with a JSON body
func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal request body: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertContentType checks if the response has the expected content type
func assertContentType(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	ct := recorder.Header().Get("Content-Type")
	if ct != expected {
		t.Errorf("expected Content-Type '%s', got '%s'", expected, ct)
	}
}

// assertJSONError checks if the response is a JSON error with the expected message
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["error"] != expectedMessage {
		t.Errorf("expected error '%s', got '%s'", expectedMessage, result["error"])
	}
}
