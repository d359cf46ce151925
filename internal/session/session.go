package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/kozaktomas/face-attendance/internal/constants"
)

var (
	// ErrSessionStopped is returned when submitting to a stopped session.
	ErrSessionStopped = errors.New("session stopped")
	// ErrNoExtractor is returned by SubmitFrame when no extractor is configured.
	ErrNoExtractor = errors.New("no face extractor configured")
)

// Stats counts probe outcomes for a session.
type Stats struct {
	Probes          int64 `json:"probes"`
	Recorded        int64 `json:"recorded"`
	AlreadyRecorded int64 `json:"already_recorded"`
	NoMatch         int64 `json:"no_match"`
	NoFace          int64 `json:"no_face"`
	Rejected        int64 `json:"rejected"`
	Skipped         int64 `json:"skipped"`
	Errors          int64 `json:"errors"`
}

// Info is a point-in-time view of a session.
type Info struct {
	ID            string               `json:"id"`
	Label         string               `json:"label,omitempty"`
	EventType     attendance.EventType `json:"event_type"`
	Threshold     float64              `json:"threshold"`
	MinConfidence float64              `json:"min_confidence"`
	Interval      string               `json:"interval"`
	Polling       bool                 `json:"polling"`
	Running       bool                 `json:"running"`
	StartedAt     time.Time            `json:"started_at"`
	StoppedAt     *time.Time           `json:"stopped_at,omitempty"`
	Stats         Stats                `json:"stats"`
	LastEvent     *Event               `json:"last_event,omitempty"`
}

// Session is one capture terminal run. Probes are processed one at a time;
// a probe arriving while another is in flight is skipped.
type Session struct {
	EventBroadcaster

	ID        string
	StartedAt time.Time

	m       *Manager
	opts    Options
	polling bool
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex // guards stopped, stoppedAt and work.Add
	stopped   bool
	stoppedAt time.Time
	stopOnce  sync.Once

	loop     sync.WaitGroup
	work     sync.WaitGroup
	inFlight atomic.Bool

	statsMu   sync.Mutex
	stats     Stats
	lastEvent *Event
}

func newSession(m *Manager, id string, opts Options, polling, limited bool) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        id,
		StartedAt: time.Now(),
		m:         m,
		opts:      opts,
		polling:   polling,
		ctx:       ctx,
		cancel:    cancel,
	}
	if limited && !polling {
		s.limiter = rate.NewLimiter(rate.Every(opts.Interval), 1)
	}
	return s
}

// Options returns the effective session options.
func (s *Session) Options() Options {
	return s.opts
}

// Running reports whether the session still accepts probes.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped
}

// Submit processes one probe descriptor synchronously. A nil or empty probe
// means no face was detected in the frame.
func (s *Session) Submit(ctx context.Context, probe []float32) (Event, error) {
	return s.submit(ctx, func(context.Context) ([]float32, error) {
		return probe, nil
	})
}

// SubmitFrame extracts a probe from a camera frame and processes it.
func (s *Session) SubmitFrame(ctx context.Context, frame []byte) (Event, error) {
	if s.m.extractor == nil {
		return Event{}, ErrNoExtractor
	}
	return s.submit(ctx, func(ctx context.Context) ([]float32, error) {
		return s.m.extractor.Extract(ctx, frame)
	})
}

func (s *Session) submit(ctx context.Context, probe func(context.Context) ([]float32, error)) (Event, error) {
	if !s.begin() {
		if !s.Running() {
			return Event{}, ErrSessionStopped
		}
		return s.emit(Event{Type: OutcomeSkipped, Message: "previous probe still in flight"}), nil
	}
	defer s.finish()

	if s.limiter != nil && !s.limiter.Allow() {
		return s.emit(Event{Type: OutcomeSkipped, Message: "rate limited"}), nil
	}
	return s.emit(s.acquire(ctx, probe)), nil
}

// begin claims the in-flight slot. It fails when the session is stopped or busy.
func (s *Session) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		return false
	}
	s.work.Add(1)
	return true
}

func (s *Session) finish() {
	s.inFlight.Store(false)
	s.work.Done()
}

// run polls source every interval until the session is stopped.
func (s *Session) run(source ProbeSource) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !s.begin() {
				if s.ctx.Err() != nil {
					return
				}
				s.count(OutcomeSkipped)
				continue
			}
			go func() {
				defer s.finish()
				ev := s.acquire(s.ctx, source.Next)
				if ev.Type == OutcomeError && s.ctx.Err() != nil {
					// Capture aborted by Stop.
					return
				}
				s.emit(ev)
			}()
		}
	}
}

func (s *Session) acquire(ctx context.Context, next func(context.Context) ([]float32, error)) Event {
	probe, err := next(ctx)
	if err != nil {
		return Event{Type: OutcomeError, Message: fmt.Sprintf("capture probe: %v", err)}
	}
	return s.process(ctx, probe)
}

// process identifies a probe and records the session's event for the match.
func (s *Session) process(ctx context.Context, probe []float32) Event {
	if len(probe) == 0 {
		return Event{Type: OutcomeNoFace}
	}

	res, err := s.m.identifier.Identify(probe, s.opts.Threshold)
	if err != nil {
		return Event{Type: OutcomeError, Message: err.Error()}
	}
	if !res.Matched {
		return Event{Type: OutcomeNoMatch, Distance: res.Distance}
	}
	ev := Event{IdentityID: res.IdentityID, Distance: res.Distance, Confidence: res.Confidence}
	if res.Confidence < s.opts.MinConfidence {
		ev.Type = OutcomeNoMatch
		ev.Message = fmt.Sprintf("confidence %.3f below minimum %.3f", res.Confidence, s.opts.MinConfidence)
		return ev
	}

	day := s.m.recorder.Today()
	key := recordedKey(res.IdentityID, s.opts.EventType, day)
	if s.m.isRecorded(key) {
		ev.Type = OutcomeAlreadyRecorded
		return ev
	}

	unlock := s.m.locks.Lock(res.IdentityID)
	defer unlock()
	if s.m.isRecorded(key) {
		ev.Type = OutcomeAlreadyRecorded
		return ev
	}

	// Stopping the session must not abandon a write half way.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.SessionStopTimeout)
	defer cancel()

	confidence := res.Confidence
	rec, err := s.m.recorder.RecordEvent(wctx, attendance.Event{
		IdentityID: res.IdentityID,
		Date:       day,
		Type:       s.opts.EventType,
		Confidence: &confidence,
		Notes:      s.notes(),
	})
	switch {
	case err == nil:
		s.m.markRecorded(key, day)
		ev.Type = OutcomeRecorded
		ev.Record = rec
	case errors.Is(err, attendance.ErrAlreadyCheckedIn), errors.Is(err, attendance.ErrAlreadyCheckedOut):
		s.m.markRecorded(key, day)
		ev.Type = OutcomeAlreadyRecorded
	case errors.Is(err, attendance.ErrInvalidTransition):
		ev.Type = OutcomeRejected
		ev.Message = err.Error()
	default:
		s.m.logger.Error("failed to record attendance", "session_id", s.ID, "identity_id", res.IdentityID, "error", err)
		ev.Type = OutcomeError
		ev.Message = err.Error()
	}
	return ev
}

func (s *Session) notes() string {
	if s.opts.Label == "" {
		return ""
	}
	return "session: " + s.opts.Label
}

// emit stamps, counts and broadcasts an event.
func (s *Session) emit(ev Event) Event {
	ev.SessionID = s.ID
	ev.At = time.Now()
	if ev.IdentityID != "" && s.m.names != nil {
		if identity, ok := s.m.names.Get(ev.IdentityID); ok {
			ev.DisplayName = identity.DisplayName
		}
	}

	s.count(ev.Type)
	s.statsMu.Lock()
	last := ev
	s.lastEvent = &last
	s.statsMu.Unlock()

	if s.m.metrics != nil && ev.Type != OutcomeStopped {
		s.m.metrics.ObserveProbe(string(ev.Type), ev.Distance)
	}
	s.SendEvent(ev)
	s.m.publish(ev)
	return ev
}

func (s *Session) count(o Outcome) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	switch o {
	case OutcomeRecorded:
		s.stats.Recorded++
	case OutcomeAlreadyRecorded:
		s.stats.AlreadyRecorded++
	case OutcomeNoMatch:
		s.stats.NoMatch++
	case OutcomeNoFace:
		s.stats.NoFace++
	case OutcomeRejected:
		s.stats.Rejected++
	case OutcomeSkipped:
		s.stats.Skipped++
	case OutcomeError:
		s.stats.Errors++
	case OutcomeStopped:
		return
	}
	s.stats.Probes++
}

// Stop cancels polling, waits for the in-flight probe to finish and emits
// the stopped event. It is safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.stoppedAt = time.Now()
		s.mu.Unlock()

		s.cancel()
		s.loop.Wait()
		s.work.Wait()

		s.emit(Event{Type: OutcomeStopped})
		if s.m.metrics != nil {
			s.m.metrics.SessionStopped()
		}
		s.m.logger.Info("capture session stopped", "session_id", s.ID, "label", s.opts.Label)
	})
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	running := !s.stopped
	var stoppedAt *time.Time
	if s.stopped {
		t := s.stoppedAt
		stoppedAt = &t
	}
	s.mu.Unlock()

	s.statsMu.Lock()
	stats := s.stats
	var last *Event
	if s.lastEvent != nil {
		e := *s.lastEvent
		last = &e
	}
	s.statsMu.Unlock()

	return Info{
		ID:            s.ID,
		Label:         s.opts.Label,
		EventType:     s.opts.EventType,
		Threshold:     s.opts.Threshold,
		MinConfidence: s.opts.MinConfidence,
		Interval:      s.opts.Interval.String(),
		Polling:       s.polling,
		Running:       running,
		StartedAt:     s.StartedAt,
		StoppedAt:     stoppedAt,
		Stats:         stats,
		LastEvent:     last,
	}
}

// Stats returns the outcome counters.
func (s *Session) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}
