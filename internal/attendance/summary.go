package attendance

import (
	"context"
	"time"

	"github.com/kozaktomas/face-attendance/internal/database"
)

// Summary aggregates one day of attendance against the roster size.
// Absence is inferred: roster members without a record count as absent.
type Summary struct {
	Date       string  `json:"date"`
	Roster     int     `json:"roster"`
	Present    int     `json:"present"` // checked in, on time or late
	Late       int     `json:"late"`
	CheckedOut int     `json:"checked_out"`
	StillIn    int     `json:"still_in"`
	Absent     int     `json:"absent"`
	Rate       float64 `json:"rate"` // Present / Roster, 0 for an empty roster
}

// Summarize computes a Summary from a day's records.
func Summarize(date time.Time, records []database.AttendanceRecord, rosterSize int) Summary {
	sum := Summary{Date: date.Format(database.DateLayout), Roster: rosterSize}
	seen := make(map[string]bool, len(records))
	for i := range records {
		r := &records[i]
		if seen[r.IdentityID] {
			continue
		}
		seen[r.IdentityID] = true

		switch StateOf(r) {
		case StateCheckedIn:
			sum.StillIn++
		case StateCheckedOut:
			sum.CheckedOut++
		default:
			continue
		}
		sum.Present++
		if r.Status == database.StatusLate {
			sum.Late++
		}
	}

	sum.Absent = max(rosterSize-sum.Present, 0)
	if rosterSize > 0 {
		sum.Rate = float64(sum.Present) / float64(rosterSize)
	}
	return sum
}

// Summary loads a day's records and summarizes them.
func (s *Service) Summary(ctx context.Context, date time.Time, rosterSize int) (Summary, error) {
	date = database.NormalizeDate(date, s.loc)
	records, err := s.RecordsForDate(ctx, date)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(date, records, rosterSize), nil
}
