package session

import (
	"sync"
	"time"

	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/database"
)

// Outcome classifies what happened to one probe.
type Outcome string

const (
	OutcomeRecorded        Outcome = "recorded"
	OutcomeAlreadyRecorded Outcome = "already_recorded"
	OutcomeNoMatch         Outcome = "no_match"
	OutcomeNoFace          Outcome = "no_face"
	OutcomeRejected        Outcome = "rejected" // the state machine refused the event (e.g. check-out without check-in)
	OutcomeSkipped         Outcome = "skipped"  // dropped by backpressure or rate limiting
	OutcomeError           Outcome = "error"
	OutcomeStopped         Outcome = "stopped"
)

// Event is emitted once per probe and once when the session stops.
type Event struct {
	Type        Outcome                    `json:"type"`
	SessionID   string                     `json:"session_id"`
	IdentityID  string                     `json:"identity_id,omitempty"`
	DisplayName string                     `json:"display_name,omitempty"`
	Distance    float64                    `json:"distance,omitempty"`
	Confidence  float64                    `json:"confidence,omitempty"`
	Record      *database.AttendanceRecord `json:"record,omitempty"`
	Message     string                     `json:"message,omitempty"`
	At          time.Time                  `json:"at"`
}

// EventBroadcaster provides listener management and event broadcasting for sessions.
type EventBroadcaster struct {
	listeners []chan Event
	mu        sync.RWMutex
}

// AddListener adds an event listener.
func (b *EventBroadcaster) AddListener() chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, constants.EventChannelBuffer)
	b.listeners = append(b.listeners, ch)
	return ch
}

// RemoveListener removes an event listener.
func (b *EventBroadcaster) RemoveListener(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, listener := range b.listeners {
		if listener == ch {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// SendEvent sends an event to all listeners.
func (b *EventBroadcaster) SendEvent(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, listener := range b.listeners {
		select {
		case listener <- event:
		default:
			// Listener buffer full, skip.
		}
	}
}

// ListenerCount returns the number of attached listeners.
func (b *EventBroadcaster) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
