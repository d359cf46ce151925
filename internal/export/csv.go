// Package export renders attendance records for payroll and HR tools.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kozaktomas/face-attendance/internal/database"
)

// Header is the column layout of attendance exports.
var Header = []string{
	"Employee ID",
	"Name",
	"Department",
	"Position",
	"Date",
	"Check In",
	"Check Out",
	"Status",
	"Hours Worked",
	"Confidence Score",
}

// IdentityLookup resolves identity details for a record.
type IdentityLookup func(id string) (database.Identity, bool)

// DirectoryLookup loads every stored identity, inactive ones included, so that
// history stays readable after an identity is deactivated. When dir is nil the
// fallback lookup (typically the in-memory gallery) is used as is.
func DirectoryLookup(ctx context.Context, dir database.IdentityReader, fallback IdentityLookup) (IdentityLookup, error) {
	if dir == nil {
		return fallback, nil
	}
	all, err := dir.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	byID := make(map[string]database.Identity, len(all))
	for _, identity := range all {
		byID[identity.ID] = identity
	}
	return func(id string) (database.Identity, bool) {
		identity, ok := byID[id]
		return identity, ok
	}, nil
}

// Filename returns the download name for a day's export.
func Filename(date time.Time) string {
	return "attendance-" + date.Format(database.DateLayout) + ".csv"
}

// WriteCSV writes records as CSV, rendering times in loc. Identities the lookup
// does not know are exported with their ID only.
func WriteCSV(w io.Writer, records []database.AttendanceRecord, lookup IdentityLookup, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for i := range records {
		if err := cw.Write(row(&records[i], lookup, loc)); err != nil {
			return fmt.Errorf("write record %d: %w", records[i].ID, err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func row(r *database.AttendanceRecord, lookup IdentityLookup, loc *time.Location) []string {
	var identity database.Identity
	if lookup != nil {
		identity, _ = lookup(r.IdentityID)
	}
	employeeID := identity.Metadata[database.MetaExternalID]
	if employeeID == "" {
		employeeID = r.IdentityID
	}

	return []string{
		safeCell(employeeID),
		safeCell(identity.DisplayName),
		safeCell(identity.Metadata[database.MetaDepartment]),
		safeCell(identity.Metadata[database.MetaPosition]),
		r.Date.Format(database.DateLayout),
		clock(r.CheckInTime, loc),
		clock(r.CheckOutTime, loc),
		string(r.Status),
		hoursWorked(r),
		confidence(r.ConfidenceScore),
	}
}

// safeCell stops spreadsheet tools from evaluating roster text as a formula.
func safeCell(v string) string {
	if v != "" && strings.ContainsRune("=+-@\t\r", rune(v[0])) {
		return "'" + v
	}
	return v
}

func clock(t *time.Time, loc *time.Location) string {
	if t == nil {
		return ""
	}
	return t.In(loc).Format(time.TimeOnly)
}

// hoursWorked renders the worked duration as H:MM.
func hoursWorked(r *database.AttendanceRecord) string {
	d, ok := r.Worked()
	if !ok {
		return ""
	}
	minutes := int(d.Minutes())
	return fmt.Sprintf("%d:%02d", minutes/60, minutes%60)
}

func confidence(score *float64) string {
	if score == nil {
		return ""
	}
	return fmt.Sprintf("%.1f%%", *score*100)
}
