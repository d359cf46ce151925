package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/kozaktomas/face-attendance/internal/database"
)

// nine is 2024-03-05 09:00:05 UTC.
var nine = time.Date(2024, 3, 5, 9, 0, 5, 0, time.UTC)

func fixedClock(t time.Time) attendance.Option {
	return attendance.WithClock(func() time.Time { return t })
}

type countingMetrics struct {
	mu     sync.Mutex
	events []string
}

func (m *countingMetrics) AttendanceRecorded(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func TestAttendanceHandler_Record(t *testing.T) {
	f := newFixture(t, fixedClock(nine))
	metrics := &countingMetrics{}
	handler := NewAttendanceHandler(f.service, f.store, f.identities, metrics)

	confidence := 0.97
	recorder := httptest.NewRecorder()
	handler.Record(recorder, jsonRequest(t, "POST", "/api/v1/attendance", RecordRequest{
		IdentityID: "alice",
		EventType:  "check_in",
		Confidence: &confidence,
	}))

	assertStatusCode(t, recorder, http.StatusOK)

	var resp RecordResponse
	parseJSONResponse(t, recorder, &resp)
	if resp.State != "checked_in" {
		t.Errorf("expected state checked_in, got %s", resp.State)
	}
	if resp.Record == nil || resp.Record.Status != database.StatusPresent {
		t.Fatalf("expected a present record, got %+v", resp.Record)
	}
	if resp.Record.ConfidenceScore == nil || *resp.Record.ConfidenceScore != 0.97 {
		t.Errorf("confidence not stored: %v", resp.Record.ConfidenceScore)
	}
	if len(metrics.events) != 1 || metrics.events[0] != string(attendance.CheckIn) {
		t.Errorf("expected one check-in metric, got %v", metrics.events)
	}
}

func TestAttendanceHandler_RecordTransitions(t *testing.T) {
	tests := []struct {
		name       string
		events     []string
		wantStatus int
		wantError  string
	}{
		{"check out after check in", []string{"check-in", "check-out"}, http.StatusOK, ""},
		{"double check in", []string{"check-in", "check-in"}, http.StatusConflict, attendance.ErrAlreadyCheckedIn.Error()},
		{"check out without check in", []string{"check-out"}, http.StatusConflict, attendance.ErrNoCheckInFound.Error()},
		{"double check out", []string{"check-in", "check-out", "check-out"}, http.StatusConflict, attendance.ErrAlreadyCheckedOut.Error()},
		{"unknown event", []string{"lunch"}, http.StatusBadRequest, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, fixedClock(nine))
			handler := NewAttendanceHandler(f.service, f.store, f.identities, nil)

			var recorder *httptest.ResponseRecorder
			for _, ev := range tc.events {
				recorder = httptest.NewRecorder()
				handler.Record(recorder, jsonRequest(t, "POST", "/api/v1/attendance", RecordRequest{IdentityID: "alice", EventType: ev}))
			}

			assertStatusCode(t, recorder, tc.wantStatus)
			if tc.wantError != "" {
				assertJSONError(t, recorder, tc.wantError)
			}
		})
	}
}

func TestAttendanceHandler_RecordValidation(t *testing.T) {
	f := newFixture(t, fixedClock(nine))
	handler := NewAttendanceHandler(f.service, f.store, f.identities, nil)

	tests := []struct {
		name string
		req  RecordRequest
	}{
		{"missing identity", RecordRequest{EventType: "check-in"}},
		{"bad date", RecordRequest{IdentityID: "alice", EventType: "check-in", Date: "05/03/2024"}},
		{"back-filled check-in", RecordRequest{IdentityID: "alice", EventType: "check-in", Date: "2024-03-04"}},
		{"future check-out", RecordRequest{IdentityID: "alice", EventType: "check-out", Date: "2024-03-06"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			handler.Record(recorder, jsonRequest(t, "POST", "/api/v1/attendance", tc.req))
			assertStatusCode(t, recorder, http.StatusBadRequest)
		})
	}
	if f.records.Len() != 0 {
		t.Errorf("expected no records, got %d", f.records.Len())
	}
}

func TestAttendanceHandler_State(t *testing.T) {
	f := newFixture(t, fixedClock(nine))
	handler := NewAttendanceHandler(f.service, f.store, f.identities, nil)

	recorder := httptest.NewRecorder()
	handler.State(recorder, httptest.NewRequest("GET", "/api/v1/attendance/state?identity_id=bob", nil))

	assertStatusCode(t, recorder, http.StatusOK)

	var resp RecordResponse
	parseJSONResponse(t, recorder, &resp)
	if resp.State != "none" || resp.Record != nil {
		t.Errorf("expected no record, got %+v", resp)
	}

	recorder = httptest.NewRecorder()
	handler.State(recorder, httptest.NewRequest("GET", "/api/v1/attendance/state", nil))
	assertStatusCode(t, recorder, http.StatusBadRequest)
}

func seedDay(t *testing.T, f *fixture) {
	t.Helper()
	in := nine
	out := nine.Add(8*time.Hour + 30*time.Minute)
	score := 0.973
	f.records.Put(database.AttendanceRecord{
		IdentityID:      "alice",
		Date:            database.NormalizeDate(nine, time.UTC),
		CheckInTime:     &in,
		CheckOutTime:    &out,
		Status:          database.StatusLate,
		ConfidenceScore: &score,
	})
}

func TestAttendanceHandler_List(t *testing.T) {
	f := newFixture(t, fixedClock(nine))
	seedDay(t, f)
	handler := NewAttendanceHandler(f.service, f.store, f.identities, nil)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"today", "/api/v1/attendance", 1},
		{"explicit date", "/api/v1/attendance?date=2024-03-05", 1},
		{"other date", "/api/v1/attendance?date=2024-03-06", 0},
		{"identity range", "/api/v1/attendance?identity_id=alice&from=2024-03-01&to=2024-03-31", 1},
		{"other identity", "/api/v1/attendance?identity_id=bob", 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			handler.List(recorder, httptest.NewRequest("GET", tc.path, nil))

			assertStatusCode(t, recorder, http.StatusOK)

			var records []database.AttendanceRecord
			parseJSONResponse(t, recorder, &records)
			if len(records) != tc.want {
				t.Errorf("expected %d records, got %d", tc.want, len(records))
			}
		})
	}
}

func TestAttendanceHandler_ListStorageError(t *testing.T) {
	f := newFixture(t, fixedClock(nine))
	f.records.ListError = errors.New("connection reset")
	handler := NewAttendanceHandler(f.service, f.store, f.identities, nil)

	recorder := httptest.NewRecorder()
	handler.List(recorder, httptest.NewRequest("GET", "/api/v1/attendance", nil))

	assertStatusCode(t, recorder, http.StatusInternalServerError)
	assertJSONError(t, recorder, "failed to list attendance")
}

func TestAttendanceHandler_Summary(t *testing.T) {
	f := newFixture(t, fixedClock(nine))
	seedDay(t, f)
	handler := NewAttendanceHandler(f.service, f.store, f.identities, nil)

	recorder := httptest.NewRecorder()
	handler.Summary(recorder, httptest.NewRequest("GET", "/api/v1/attendance/summary?date=2024-03-05", nil))

	assertStatusCode(t, recorder, http.StatusOK)

	var summary attendance.Summary
	parseJSONResponse(t, recorder, &summary)
	if summary.Roster != 2 || summary.Present != 1 || summary.Absent != 1 || summary.Late != 1 || summary.CheckedOut != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if summary.Rate != 0.5 {
		t.Errorf("expected rate 0.5, got %v", summary.Rate)
	}
}

func TestAttendanceHandler_Export(t *testing.T) {
	f := newFixture(t, fixedClock(nine))
	seedDay(t, f)
	handler := NewAttendanceHandler(f.service, f.store, f.identities, nil)

	recorder := httptest.NewRecorder()
	handler.Export(recorder, httptest.NewRequest("GET", "/api/v1/attendance/export?date=2024-03-05", nil))

	assertStatusCode(t, recorder, http.StatusOK)
	assertContentType(t, recorder, "text/csv; charset=utf-8")

	if cd := recorder.Header().Get("Content-Disposition"); !strings.Contains(cd, "attendance-2024-03-05.csv") {
		t.Errorf("unexpected Content-Disposition %q", cd)
	}

	lines := strings.Split(strings.TrimSpace(recorder.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header and one row, got %d lines:\n%s", len(lines), recorder.Body.String())
	}
	if !strings.HasPrefix(lines[0], "Employee ID,Name") {
		t.Errorf("unexpected header %q", lines[0])
	}
	for _, want := range []string{"Alice Nováková", "Engineering", "09:00:05", "17:30:05", "late", "8:30", "97.3%"} {
		if !strings.Contains(lines[1], want) {
			t.Errorf("row %q missing %q", lines[1], want)
		}
	}
}

func TestAttendanceHandler_ExportDeactivatedIdentity(t *testing.T) {
	f := newFixture(t, fixedClock(nine))
	seedDay(t, f)
	ctx := context.Background()

	// Alice leaves after checking in; the next refresh drops her from the gallery.
	if err := f.enroller.SetActive(ctx, "alice", false); err != nil {
		t.Fatal(err)
	}
	f.store.Replace(nil)
	handler := NewAttendanceHandler(f.service, f.store, f.identities, nil)

	recorder := httptest.NewRecorder()
	handler.Export(recorder, httptest.NewRequest("GET", "/api/v1/attendance/export?date=2024-03-05", nil))

	assertStatusCode(t, recorder, http.StatusOK)
	body := recorder.Body.String()
	for _, want := range []string{"Alice Nováková", "Engineering"} {
		if !strings.Contains(body, want) {
			t.Errorf("export missing %q:\n%s", want, body)
		}
	}
}

func TestAttendanceHandler_ExportDirectoryError(t *testing.T) {
	f := newFixture(t, fixedClock(nine))
	seedDay(t, f)
	f.identities.ListError = errors.New("connection reset")
	handler := NewAttendanceHandler(f.service, f.store, f.identities, nil)

	recorder := httptest.NewRecorder()
	handler.Export(recorder, httptest.NewRequest("GET", "/api/v1/attendance/export?date=2024-03-05", nil))

	assertStatusCode(t, recorder, http.StatusInternalServerError)
	assertJSONError(t, recorder, "failed to export attendance")
}
