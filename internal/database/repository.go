package database

import (
	"context"
	"time"
)

// IdentityReader provides read-only access to enrolled identities
type IdentityReader interface {
	// Get retrieves an identity with its descriptors, returns nil if not found
	Get(ctx context.Context, id string) (*Identity, error)
	// List returns all identities (active and inactive) ordered by creation
	List(ctx context.Context) ([]Identity, error)
	// ListActive returns active identities with their descriptors, in enrollment order
	ListActive(ctx context.Context) ([]Identity, error)
	// Count returns the number of active identities
	Count(ctx context.Context) (int, error)
}

// IdentityWriter provides write access to enrolled identities
type IdentityWriter interface {
	IdentityReader

	// Save creates or replaces an identity and all its descriptors atomically
	Save(ctx context.Context, identity Identity) error
	// AddDescriptor appends a reference descriptor, returns ErrNotFound for unknown identities
	AddDescriptor(ctx context.Context, id string, descriptor []float32) error
	// SetActive toggles whether an identity takes part in matching
	SetActive(ctx context.Context, id string, active bool) error
	// Delete removes an identity and its descriptors. Deleting a missing identity is not an error
	Delete(ctx context.Context, id string) error
	// DescriptorDim returns the length of the descriptors stored for any identity other
	// than excludeID, active or not, or 0 when there are none
	DescriptorDim(ctx context.Context, excludeID string) (int, error)
}

// AttendanceStore persists daily attendance records.
// Implementations must make CreateCheckIn and CompleteCheckOut atomic with respect
// to the (identity, date) key: losers get ErrConflict.
type AttendanceStore interface {
	// Find returns the record for (identityID, date), or nil if none exists
	Find(ctx context.Context, identityID string, date time.Time) (*AttendanceRecord, error)
	// CreateCheckIn inserts a new record if none exists for (IdentityID, Date)
	CreateCheckIn(ctx context.Context, record AttendanceRecord) (*AttendanceRecord, error)
	// CompleteCheckOut sets the check-out time on a checked-in, not yet checked-out record
	CompleteCheckOut(ctx context.Context, checkOut CheckOut) (*AttendanceRecord, error)
	// ListByDate returns all records for a day ordered by check-in time
	ListByDate(ctx context.Context, date time.Time) ([]AttendanceRecord, error)
	// List returns records matching the filter, newest day first
	List(ctx context.Context, filter RecordFilter) ([]AttendanceRecord, error)
}
