package database

import "errors"

var (
	// ErrConflict is returned when a write loses a race on the (identity, date) key
	// or a conditional update finds the row no longer in the expected state.
	ErrConflict = errors.New("conflicting attendance record")

	// ErrNotFound is returned when a referenced identity does not exist.
	ErrNotFound = errors.New("not found")
)
