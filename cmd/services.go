package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/database/postgres"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/gallery"
	"github.com/kozaktomas/face-attendance/internal/metrics"
)

// services is the recognition core shared by serve and the one-shot commands.
type services struct {
	cfg        *config.Config
	loc        *time.Location
	pool       *postgres.Pool
	identities *postgres.IdentityRepository
	records    *postgres.AttendanceRepository
	store      *gallery.Store
	enroller   *gallery.Enroller
	matcher    *facematch.Matcher
	attendance *attendance.Service
}

// openServices connects to PostgreSQL, loads the gallery and builds the matcher and
// attendance service on top of it. m may be nil.
func openServices(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*services, error) {
	if cfg.Database.URL == "" {
		return nil, errors.New("DATABASE_URL environment variable is required")
	}

	loc, err := cfg.Attendance.Location()
	if err != nil {
		return nil, err
	}
	policy, err := statusPolicy(cfg.Attendance)
	if err != nil {
		return nil, err
	}

	pool, err := postgres.Open(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}

	s := &services{
		cfg:        cfg,
		loc:        loc,
		pool:       pool,
		identities: postgres.NewIdentityRepository(pool),
		records:    postgres.NewAttendanceRepository(pool, loc),
	}

	opts := []gallery.Option{
		gallery.WithDirectory(s.identities),
		gallery.WithDimension(cfg.Matching.Dimension),
		gallery.WithLogger(slog.Default()),
	}
	if m != nil {
		opts = append(opts, gallery.WithChangeHook(m.SetGallerySize), gallery.WithRefreshHook(m.GalleryRefreshed))
	}
	s.store = gallery.New(opts...)
	if err := s.store.Refresh(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to load gallery: %w", err)
	}

	s.enroller = gallery.NewEnroller(s.store, s.identities, cfg.Matching.Threshold)
	s.matcher = facematch.NewMatcher(s.store)
	s.attendance = attendance.NewService(s.records,
		attendance.WithPolicy(policy),
		attendance.WithLocation(loc),
		attendance.WithLogger(slog.Default()),
	)
	return s, nil
}

func (s *services) Close() {
	if err := s.pool.Close(); err != nil {
		slog.Warn("closing database pool", "error", err)
	}
}

// statusPolicy selects late classification when a cutoff is configured.
func statusPolicy(cfg config.AttendanceConfig) (attendance.StatusPolicy, error) {
	cutoff, ok, err := cfg.Cutoff()
	if err != nil {
		return nil, err
	}
	if !ok {
		return attendance.PresentPolicy{}, nil
	}
	return attendance.CutoffPolicy{Cutoff: cutoff}, nil
}

// parseDay parses a YYYY-MM-DD flag value in loc. Empty means zero (today).
func parseDay(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := database.ParseDate(s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return t, nil
}

// formatDuration formats a duration as a human-readable string
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
