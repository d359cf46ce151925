package attendance

import (
	"time"

	"github.com/kozaktomas/face-attendance/internal/database"
)

// StatusPolicy assigns the status of a new check-in.
type StatusPolicy interface {
	Classify(date, checkIn time.Time) database.AttendanceStatus
}

// PresentPolicy marks every check-in present.
type PresentPolicy struct{}

func (PresentPolicy) Classify(date, checkIn time.Time) database.AttendanceStatus {
	return database.StatusPresent
}

// CutoffPolicy marks check-ins after Cutoff past the day's local midnight as late.
type CutoffPolicy struct {
	Cutoff time.Duration
}

func (p CutoffPolicy) Classify(date, checkIn time.Time) database.AttendanceStatus {
	deadline := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location()).Add(p.Cutoff)
	if checkIn.After(deadline) {
		return database.StatusLate
	}
	return database.StatusPresent
}
