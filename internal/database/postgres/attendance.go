package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kozaktomas/face-attendance/internal/database"
)

// AttendanceRepository provides PostgreSQL-backed attendance storage.
// The (identity_id, date) unique key and conditional updates make concurrent
// writers safe without application locks.
type AttendanceRepository struct {
	pool *Pool
	loc  *time.Location
}

// NewAttendanceRepository creates a repository that interprets DATE columns in loc.
func NewAttendanceRepository(pool *Pool, loc *time.Location) *AttendanceRepository {
	if loc == nil {
		loc = time.Local
	}
	return &AttendanceRepository{pool: pool, loc: loc}
}

const recordColumns = `id, identity_id, to_char(date, 'YYYY-MM-DD'), check_in_time, check_out_time,
	status, confidence_score, notes, created_at, updated_at`

func (r *AttendanceRepository) scanRecord(scan func(dest ...any) error) (*database.AttendanceRecord, error) {
	var (
		rec        database.AttendanceRecord
		date       string
		checkIn    sql.NullTime
		checkOut   sql.NullTime
		status     string
		confidence sql.NullFloat64
	)
	if err := scan(&rec.ID, &rec.IdentityID, &date, &checkIn, &checkOut, &status, &confidence, &rec.Notes, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}

	d, err := database.ParseDate(date, r.loc)
	if err != nil {
		return nil, fmt.Errorf("parse date %q: %w", date, err)
	}
	rec.Date = d
	rec.Status = database.AttendanceStatus(status)
	if checkIn.Valid {
		t := checkIn.Time
		rec.CheckInTime = &t
	}
	if checkOut.Valid {
		t := checkOut.Time
		rec.CheckOutTime = &t
	}
	if confidence.Valid {
		v := confidence.Float64
		rec.ConfidenceScore = &v
	}
	return &rec, nil
}

func dateArg(t time.Time) string {
	return t.Format(database.DateLayout)
}

// Find returns the record for (identityID, date), or nil if none exists.
func (r *AttendanceRepository) Find(ctx context.Context, identityID string, date time.Time) (*database.AttendanceRecord, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM attendance_records WHERE identity_id = $1 AND date = $2::date`,
		identityID, dateArg(date))
	rec, err := r.scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find attendance record: %w", err)
	}
	return rec, nil
}

// CreateCheckIn inserts a new record. ErrConflict means a record for the day already exists.
func (r *AttendanceRepository) CreateCheckIn(ctx context.Context, record database.AttendanceRecord) (*database.AttendanceRecord, error) {
	status := record.Status
	if status == "" {
		status = database.StatusPresent
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO attendance_records (identity_id, date, check_in_time, status, confidence_score, notes)
		VALUES ($1, $2::date, $3, $4, $5, $6)
		ON CONFLICT (identity_id, date) DO NOTHING
		RETURNING `+recordColumns,
		record.IdentityID, dateArg(record.Date), record.CheckInTime, string(status), record.ConfidenceScore, record.Notes)

	rec, err := r.scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("insert check-in: %w", err)
	}
	return rec, nil
}

// CompleteCheckOut sets the check-out time if the record is checked in, not yet
// checked out and the time does not precede check-in. Otherwise ErrConflict.
func (r *AttendanceRepository) CompleteCheckOut(ctx context.Context, co database.CheckOut) (*database.AttendanceRecord, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE attendance_records SET
			check_out_time = $3,
			confidence_score = COALESCE($4, confidence_score),
			notes = CASE WHEN $5 = '' THEN notes ELSE $5 END,
			updated_at = NOW()
		WHERE identity_id = $1 AND date = $2::date
		  AND check_in_time IS NOT NULL
		  AND check_out_time IS NULL
		  AND check_in_time <= $3
		RETURNING `+recordColumns,
		co.IdentityID, dateArg(co.Date), co.Time, co.Confidence, co.Notes)

	rec, err := r.scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("update check-out: %w", err)
	}
	return rec, nil
}

// ListByDate returns all records for a day ordered by check-in time.
func (r *AttendanceRepository) ListByDate(ctx context.Context, date time.Time) ([]database.AttendanceRecord, error) {
	return r.List(ctx, database.RecordFilter{From: date, To: date})
}

// List returns records matching the filter, newest day first.
func (r *AttendanceRepository) List(ctx context.Context, filter database.RecordFilter) ([]database.AttendanceRecord, error) {
	var (
		conds []string
		args  []any
	)
	if filter.IdentityID != "" {
		args = append(args, filter.IdentityID)
		conds = append(conds, fmt.Sprintf("identity_id = $%d", len(args)))
	}
	if !filter.From.IsZero() {
		args = append(args, dateArg(filter.From))
		conds = append(conds, fmt.Sprintf("date >= $%d::date", len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, dateArg(filter.To))
		conds = append(conds, fmt.Sprintf("date <= $%d::date", len(args)))
	}

	query := `SELECT ` + recordColumns + ` FROM attendance_records`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY date DESC, check_in_time ASC NULLS LAST, id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attendance records: %w", err)
	}
	defer rows.Close()

	var records []database.AttendanceRecord
	for rows.Next() {
		rec, err := r.scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan attendance record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attendance records: %w", err)
	}
	return records, nil
}
