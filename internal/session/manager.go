// Package session ties periodic probe descriptors from capture terminals to
// identification and attendance writes.
package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/facematch"
)

// ErrSessionNotFound is returned for unknown session IDs.
var ErrSessionNotFound = errors.New("session not found")

// Identifier matches a probe against the gallery.
type Identifier interface {
	Identify(probe []float32, threshold float64) (facematch.MatchResult, error)
}

// Recorder applies attendance events.
type Recorder interface {
	RecordEvent(ctx context.Context, ev attendance.Event) (*database.AttendanceRecord, error)
	Today() time.Time
}

// Extractor turns a camera frame into a probe descriptor. A nil descriptor with
// a nil error means no face was found.
type Extractor interface {
	Extract(ctx context.Context, frame []byte) ([]float32, error)
}

// Publisher forwards session events to an external system.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Names resolves identity display names for events.
type Names interface {
	Get(id string) (database.Identity, bool)
}

// Metrics receives orchestration measurements.
type Metrics interface {
	ObserveProbe(outcome string, distance float64)
	SessionStarted()
	SessionStopped()
}

// Options configures one capture session.
type Options struct {
	Label         string               `json:"label,omitempty"`
	EventType     attendance.EventType `json:"event_type"`
	Threshold     float64              `json:"threshold"`
	MinConfidence float64              `json:"min_confidence"`
	Interval      time.Duration        `json:"interval"`
}

// Manager owns capture sessions and the state they share: per-identity write
// serialization and the cache of identities already recorded today.
type Manager struct {
	identifier Identifier
	recorder   Recorder
	extractor  Extractor
	publisher  Publisher
	names      Names
	metrics    Metrics
	logger     *slog.Logger
	defaults   Options

	locks    *keyedMutex
	recorded *cache.Cache

	sessions map[string]*Session
	mu       sync.RWMutex

	publishMu     sync.RWMutex // guards publishClosed and closing publishCh
	publishClosed bool
	publishCh     chan Event
	publishDone   chan struct{}
	closeOnce     sync.Once
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithExtractor enables frame submission.
func WithExtractor(e Extractor) ManagerOption {
	return func(m *Manager) { m.extractor = e }
}

// WithPublisher forwards every event to p.
func WithPublisher(p Publisher) ManagerOption {
	return func(m *Manager) { m.publisher = p }
}

// WithNames resolves display names for events.
func WithNames(n Names) ManagerOption {
	return func(m *Manager) { m.names = n }
}

// WithMetrics records orchestration metrics.
func WithMetrics(mt Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithDefaults sets the options applied to zero fields of Start's options.
func WithDefaults(o Options) ManagerOption {
	return func(m *Manager) { m.defaults = o }
}

// NewManager creates a session manager. Call Close to stop all sessions.
func NewManager(identifier Identifier, recorder Recorder, opts ...ManagerOption) *Manager {
	m := &Manager{
		identifier: identifier,
		recorder:   recorder,
		logger:     slog.Default(),
		defaults: Options{
			EventType: attendance.CheckIn,
			Threshold: constants.DefaultMatchThreshold,
			Interval:  constants.DefaultSessionInterval,
		},
		locks: newKeyedMutex(),
		// No janitor goroutine: expired entries are ignored by Get and purged on Start.
		recorded: cache.New(24*time.Hour, 0),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.publisher != nil {
		m.publishCh = make(chan Event, constants.EventChannelBuffer)
		m.publishDone = make(chan struct{})
		go m.publishLoop()
	}
	return m
}

func (m *Manager) withDefaults(o Options) Options {
	if o.EventType == "" {
		o.EventType = m.defaults.EventType
	}
	if o.Threshold <= 0 {
		o.Threshold = m.defaults.Threshold
	}
	if o.MinConfidence <= 0 {
		o.MinConfidence = m.defaults.MinConfidence
	}
	if o.Interval <= 0 {
		o.Interval = m.defaults.Interval
	}
	if o.Interval < constants.MinSessionInterval {
		o.Interval = constants.MinSessionInterval
	}
	return o
}

// Start creates a push-mode session that accepts probes through Submit and SubmitFrame.
func (m *Manager) Start(opts Options) *Session {
	return m.start(opts, nil)
}

// StartPolling creates a session that pulls probes from source every interval
// until it is stopped.
func (m *Manager) StartPolling(opts Options, source ProbeSource) *Session {
	return m.start(opts, source)
}

func (m *Manager) start(opts Options, source ProbeSource) *Session {
	m.recorded.DeleteExpired()

	// Push sessions are only rate limited when the caller asks for a cadence.
	limited := opts.Interval > 0
	s := newSession(m, uuid.NewString(), m.withDefaults(opts), source != nil, limited)
	if source != nil {
		s.loop.Add(1)
		go func() {
			defer s.loop.Done()
			s.run(source)
		}()
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SessionStarted()
	}
	m.logger.Info("capture session started", "session_id", s.ID, "label", s.opts.Label, "event_type", s.opts.EventType)
	return s
}

// Get returns a session by ID, or nil.
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// List returns all sessions, newest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Session) int { return b.StartedAt.Compare(a.StartedAt) })
	return out
}

// Stop stops a session and forgets it.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	s.Stop()
	return nil
}

// Close stops every session and the event publisher.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		sessions := make([]*Session, 0, len(m.sessions))
		for id, s := range m.sessions {
			sessions = append(sessions, s)
			delete(m.sessions, id)
		}
		m.mu.Unlock()

		for _, s := range sessions {
			s.Stop()
		}

		if m.publishCh != nil {
			m.publishMu.Lock()
			m.publishClosed = true
			close(m.publishCh)
			m.publishMu.Unlock()
			<-m.publishDone
		}
	})
}

// publish queues an event for the external publisher without blocking.
func (m *Manager) publish(ev Event) {
	if m.publishCh == nil {
		return
	}
	m.publishMu.RLock()
	defer m.publishMu.RUnlock()
	if m.publishClosed {
		return
	}
	select {
	case m.publishCh <- ev:
	default:
		m.logger.Warn("publisher queue full, dropping event", "session_id", ev.SessionID, "type", ev.Type)
	}
}

func (m *Manager) publishLoop() {
	defer close(m.publishDone)
	for ev := range m.publishCh {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := m.publisher.Publish(ctx, ev); err != nil {
			m.logger.Warn("failed to publish session event", "session_id", ev.SessionID, "error", err)
		}
		cancel()
	}
}

// recordedKey identifies an (identity, event type, day) that needs no further writes.
func recordedKey(identityID string, eventType attendance.EventType, day time.Time) string {
	return identityID + "|" + string(eventType) + "|" + day.Format(database.DateLayout)
}

func (m *Manager) markRecorded(key string, day time.Time) {
	ttl := time.Until(day.AddDate(0, 0, 1))
	if ttl <= 0 {
		return
	}
	m.recorded.Set(key, struct{}{}, ttl)
}

func (m *Manager) isRecorded(key string) bool {
	_, ok := m.recorded.Get(key)
	return ok
}
