package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/session"
)

func TestTopic(t *testing.T) {
	tests := []struct {
		typ  session.Outcome
		want string
	}{
		{session.OutcomeRecorded, "attendance/events/recorded"},
		{session.OutcomeNoMatch, "attendance/events/no_match"},
		{session.OutcomeStopped, "attendance/events/stopped"},
	}
	for _, tt := range tests {
		if got := Topic("attendance/events", session.Event{Type: tt.typ}); got != tt.want {
			t.Errorf("Topic(%s) = %s, want %s", tt.typ, got, tt.want)
		}
	}
}

func TestNewMQTTPublisher_RequiresBroker(t *testing.T) {
	if _, err := NewMQTTPublisher(context.Background(), config.MQTTConfig{}, nil); err == nil {
		t.Error("NewMQTTPublisher() expected error without broker")
	}
}

type fakeToken struct {
	done chan struct{}
	err  error
}

func (f *fakeToken) Wait() bool                     { <-f.done; return true }
func (f *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (f *fakeToken) Done() <-chan struct{}          { return f.done }
func (f *fakeToken) Error() error                   { return f.err }

func TestWait(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		tok := &fakeToken{done: make(chan struct{}), err: errors.New("refused")}
		close(tok.done)
		if err := wait(context.Background(), tok, time.Second); err == nil || err.Error() != "refused" {
			t.Errorf("wait() error = %v, want refused", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		tok := &fakeToken{done: make(chan struct{})}
		if err := wait(context.Background(), tok, 10*time.Millisecond); err == nil {
			t.Error("wait() expected timeout")
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		tok := &fakeToken{done: make(chan struct{})}
		if err := wait(ctx, tok, time.Second); !errors.Is(err, context.Canceled) {
			t.Errorf("wait() error = %v, want context.Canceled", err)
		}
	})
}
