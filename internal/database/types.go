package database

import (
	"time"
)

// Metadata keys understood by export and the HR directory import.
const (
	MetaDepartment = "department"
	MetaPosition   = "position"
	MetaExternalID = "external_id"
)

// Identity is an enrolled person with one or more reference descriptors.
type Identity struct {
	ID          string
	DisplayName string
	Descriptors [][]float32
	Metadata    map[string]string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Dim returns the dimensionality of the identity's descriptors, or 0 if it has none.
func (i *Identity) Dim() int {
	if len(i.Descriptors) == 0 {
		return 0
	}
	return len(i.Descriptors[0])
}

// Department is a convenience accessor for Metadata[MetaDepartment].
func (i *Identity) Department() string {
	return i.Metadata[MetaDepartment]
}

// AttendanceStatus classifies a day's attendance record.
type AttendanceStatus string

// Absent and half-day are only ever assigned by reconciliation outside the check-in path.
const (
	StatusPresent AttendanceStatus = "present"
	StatusAbsent  AttendanceStatus = "absent"
	StatusLate    AttendanceStatus = "late"
	StatusHalfDay AttendanceStatus = "half_day"
)

// Valid reports whether s is a known status.
func (s AttendanceStatus) Valid() bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusLate, StatusHalfDay:
		return true
	}
	return false
}

// AttendanceRecord is the per-identity, per-day attendance row.
// At most one exists per (IdentityID, Date).
type AttendanceRecord struct {
	ID              int64            `json:"id"`
	IdentityID      string           `json:"identity_id"`
	Date            time.Time        `json:"date"`
	CheckInTime     *time.Time       `json:"check_in_time,omitempty"`
	CheckOutTime    *time.Time       `json:"check_out_time,omitempty"`
	Status          AttendanceStatus `json:"status"`
	ConfidenceScore *float64         `json:"confidence_score,omitempty"`
	Notes           string           `json:"notes,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Worked returns the time between check-in and check-out, or false if the day is not complete.
func (r *AttendanceRecord) Worked() (time.Duration, bool) {
	if r.CheckInTime == nil || r.CheckOutTime == nil {
		return 0, false
	}
	return r.CheckOutTime.Sub(*r.CheckInTime), true
}

// CheckOut describes the conditional update that completes a day.
type CheckOut struct {
	IdentityID string
	Date       time.Time
	Time       time.Time
	Confidence *float64 // replaces the stored score when set
	Notes      string   // replaces the stored notes when non-empty
}

// RecordFilter narrows attendance listings. Zero values mean "any".
type RecordFilter struct {
	IdentityID string
	From       time.Time
	To         time.Time // inclusive
}
