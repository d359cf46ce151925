package attendance

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is wrapped by every state machine rejection.
var ErrInvalidTransition = errors.New("invalid attendance transition")

var (
	ErrAlreadyCheckedIn      = fmt.Errorf("%w: already checked in today", ErrInvalidTransition)
	ErrAlreadyCheckedOut     = fmt.Errorf("%w: already checked out today", ErrInvalidTransition)
	ErrNoCheckInFound        = fmt.Errorf("%w: no check-in record found for today", ErrInvalidTransition)
	ErrCheckOutBeforeCheckIn = fmt.Errorf("%w: check-out precedes check-in", ErrInvalidTransition)
)

var (
	ErrUnknownEventType = errors.New("unknown attendance event type")
	ErrMissingIdentity  = errors.New("identity ID is required")
	ErrDateNotAllowed   = errors.New("attendance date not allowed")
)
