// Package attendance implements the per-identity daily check-in/check-out state machine.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kozaktomas/face-attendance/internal/database"
)

// EventType is the attendance event being recorded.
type EventType string

const (
	CheckIn  EventType = "check-in"
	CheckOut EventType = "check-out"
)

// ParseEventType accepts "check-in"/"check-out" and their underscore spellings.
func ParseEventType(s string) (EventType, error) {
	switch s {
	case "check-in", "check_in", "checkin":
		return CheckIn, nil
	case "check-out", "check_out", "checkout":
		return CheckOut, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEventType, s)
}

// State is the position of a day's record in the state machine.
type State int

const (
	StateNone State = iota
	StateCheckedIn
	StateCheckedOut
)

func (s State) String() string {
	switch s {
	case StateCheckedIn:
		return "checked_in"
	case StateCheckedOut:
		return "checked_out"
	}
	return "none"
}

// StateOf derives the state from a stored record (nil means no record).
func StateOf(r *database.AttendanceRecord) State {
	switch {
	case r == nil || r.CheckInTime == nil:
		return StateNone
	case r.CheckOutTime == nil:
		return StateCheckedIn
	default:
		return StateCheckedOut
	}
}

// Event is a request to move an identity's record for a day.
type Event struct {
	IdentityID string
	Date       time.Time // zero means today
	Type       EventType
	Confidence *float64
	Notes      string
}

// Service applies attendance events against an AttendanceStore.
type Service struct {
	store  database.AttendanceStore
	policy StatusPolicy
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithPolicy sets the status policy for new check-ins.
func WithPolicy(p StatusPolicy) Option {
	return func(s *Service) {
		s.policy = p
	}
}

// WithLocation sets the time zone that defines calendar days.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		s.loc = loc
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// NewService creates an attendance service.
func NewService(store database.AttendanceStore, opts ...Option) *Service {
	s := &Service{
		store:  store,
		policy: PresentPolicy{},
		loc:    time.Local,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Location returns the time zone used for calendar days.
func (s *Service) Location() *time.Location {
	return s.loc
}

// Today returns the current calendar day.
func (s *Service) Today() time.Time {
	return database.NormalizeDate(s.now(), s.loc)
}

// RecordEvent applies a check-in or check-out and returns the resulting record.
// Rejections wrap ErrInvalidTransition. A lost race on the store is retried once
// against a fresh read.
func (s *Service) RecordEvent(ctx context.Context, ev Event) (*database.AttendanceRecord, error) {
	if ev.IdentityID == "" {
		return nil, ErrMissingIdentity
	}

	now := s.now()
	date := ev.Date
	if date.IsZero() {
		date = now
	}
	date = database.NormalizeDate(date, s.loc)
	today := database.NormalizeDate(now, s.loc)

	// Event times are always stamped with the clock, so a check-in can only
	// open today's record. A check-out may still close an earlier open day.
	switch ev.Type {
	case CheckIn:
		if !date.Equal(today) {
			return nil, fmt.Errorf("%w: check-in must be for %s", ErrDateNotAllowed, today.Format(database.DateLayout))
		}
		return s.checkIn(ctx, ev, date, now)
	case CheckOut:
		if date.After(today) {
			return nil, fmt.Errorf("%w: check-out for future date %s", ErrDateNotAllowed, date.Format(database.DateLayout))
		}
		return s.checkOut(ctx, ev, date, now)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
}

func (s *Service) checkIn(ctx context.Context, ev Event, date, now time.Time) (*database.AttendanceRecord, error) {
	existing, err := s.store.Find(ctx, ev.IdentityID, date)
	if err != nil {
		return nil, fmt.Errorf("find attendance record: %w", err)
	}
	switch StateOf(existing) {
	case StateCheckedIn:
		return nil, ErrAlreadyCheckedIn
	case StateCheckedOut:
		return nil, ErrAlreadyCheckedOut
	}

	checkInTime := now
	rec, err := s.store.CreateCheckIn(ctx, database.AttendanceRecord{
		IdentityID:      ev.IdentityID,
		Date:            date,
		CheckInTime:     &checkInTime,
		Status:          s.policy.Classify(date, now),
		ConfidenceScore: ev.Confidence,
		Notes:           ev.Notes,
	})
	if errors.Is(err, database.ErrConflict) {
		// Another writer got there first; report what it wrote.
		existing, err = s.store.Find(ctx, ev.IdentityID, date)
		if err != nil {
			return nil, fmt.Errorf("re-read attendance record: %w", err)
		}
		if existing != nil {
			s.logger.Debug("check-in lost race", "identity_id", ev.IdentityID, "date", date.Format(database.DateLayout))
			return nil, ErrAlreadyCheckedIn
		}
		return nil, fmt.Errorf("create check-in: %w", database.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("create check-in: %w", err)
	}

	s.logger.Info("checked in", "identity_id", ev.IdentityID, "date", date.Format(database.DateLayout), "status", rec.Status)
	return rec, nil
}

func (s *Service) checkOut(ctx context.Context, ev Event, date, now time.Time) (*database.AttendanceRecord, error) {
	existing, err := s.store.Find(ctx, ev.IdentityID, date)
	if err != nil {
		return nil, fmt.Errorf("find attendance record: %w", err)
	}
	if err := checkOutAllowed(existing, now); err != nil {
		return nil, err
	}

	co := database.CheckOut{
		IdentityID: ev.IdentityID,
		Date:       date,
		Time:       now,
		Confidence: ev.Confidence,
		Notes:      ev.Notes,
	}
	rec, err := s.store.CompleteCheckOut(ctx, co)
	if errors.Is(err, database.ErrConflict) {
		existing, err = s.store.Find(ctx, ev.IdentityID, date)
		if err != nil {
			return nil, fmt.Errorf("re-read attendance record: %w", err)
		}
		if err := checkOutAllowed(existing, now); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("complete check-out: %w", database.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("complete check-out: %w", err)
	}

	s.logger.Info("checked out", "identity_id", ev.IdentityID, "date", date.Format(database.DateLayout))
	return rec, nil
}

func checkOutAllowed(existing *database.AttendanceRecord, now time.Time) error {
	switch StateOf(existing) {
	case StateNone:
		return ErrNoCheckInFound
	case StateCheckedOut:
		return ErrAlreadyCheckedOut
	}
	if now.Before(*existing.CheckInTime) {
		return ErrCheckOutBeforeCheckIn
	}
	return nil
}

// CurrentState returns the state of an identity's record for a day (zero date = today).
func (s *Service) CurrentState(ctx context.Context, identityID string, date time.Time) (State, *database.AttendanceRecord, error) {
	if date.IsZero() {
		date = s.now()
	}
	rec, err := s.store.Find(ctx, identityID, database.NormalizeDate(date, s.loc))
	if err != nil {
		return StateNone, nil, fmt.Errorf("find attendance record: %w", err)
	}
	return StateOf(rec), rec, nil
}

// RecordsForDate lists a day's records ordered by check-in time.
func (s *Service) RecordsForDate(ctx context.Context, date time.Time) ([]database.AttendanceRecord, error) {
	records, err := s.store.ListByDate(ctx, database.NormalizeDate(date, s.loc))
	if err != nil {
		return nil, fmt.Errorf("list attendance records: %w", err)
	}
	return records, nil
}

// RecordsForIdentity lists an identity's records between from and to (inclusive, zero = open).
func (s *Service) RecordsForIdentity(ctx context.Context, identityID string, from, to time.Time) ([]database.AttendanceRecord, error) {
	filter := database.RecordFilter{IdentityID: identityID}
	if !from.IsZero() {
		filter.From = database.NormalizeDate(from, s.loc)
	}
	if !to.IsZero() {
		filter.To = database.NormalizeDate(to, s.loc)
	}
	records, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list attendance records: %w", err)
	}
	return records, nil
}
