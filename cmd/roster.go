package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/database/mariadb"
)

var rosterCmd = &cobra.Command{
	Use:   "roster",
	Short: "Manage the employee roster imported from the HR database",
}

var rosterSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Import employees with face descriptors from the HR database",
	Long: `Import active employees that have a face descriptor on file from the HR
MariaDB database (DIRECTORY_DSN) into the identity gallery.

Each employee maps to a stable identity ID derived from the employee ID, so
repeated syncs update the same identities.

Examples:
  # Run sync with default concurrency
  face-attendance roster sync

  # Deactivate identities of employees no longer in the roster
  face-attendance roster sync --deactivate-missing

  # JSON output for scripting
  face-attendance roster sync --json`,
	RunE: runRosterSync,
}

func init() {
	rootCmd.AddCommand(rosterCmd)
	rosterCmd.AddCommand(rosterSyncCmd)

	rosterSyncCmd.Flags().Int("concurrency", constants.DefaultConcurrency, "Number of parallel workers")
	rosterSyncCmd.Flags().Bool("deactivate-missing", false, "Deactivate imported identities absent from the roster")
	rosterSyncCmd.Flags().Bool("json", false, "Output as JSON instead of progress bar")
}

// RosterSyncResult represents the result of a roster sync
type RosterSyncResult struct {
	Success       bool   `json:"success"`
	Employees     int    `json:"employees"`
	Enrolled      int    `json:"enrolled"`
	Skipped       int    `json:"skipped"`
	Deactivated   int    `json:"deactivated"`
	Duplicates    int    `json:"possible_duplicates"`
	Errors        int    `json:"errors"`
	DurationMs    int64  `json:"duration_ms"`
	DurationHuman string `json:"duration_human,omitempty"`
}

func runRosterSync(cmd *cobra.Command, args []string) error {
	concurrency := max(mustGetInt(cmd, "concurrency"), 1)
	deactivateMissing := mustGetBool(cmd, "deactivate-missing")
	jsonOutput := mustGetBool(cmd, "json")

	ctx := context.Background()
	cfg := config.Load()
	startTime := time.Now()

	if cfg.Directory.DSN == "" {
		return errors.New("DIRECTORY_DSN environment variable is required")
	}

	if !jsonOutput {
		fmt.Println("Connecting to HR database...")
	}
	hr, err := mariadb.NewPool(cfg.Directory.DSN)
	if err != nil {
		return fmt.Errorf("failed to connect to HR database: %w", err)
	}
	defer hr.Close()

	employees, err := hr.Employees(ctx)
	if err != nil {
		return fmt.Errorf("failed to load employees: %w", err)
	}

	svc, err := openServices(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	var identities []database.Identity
	skipped := 0
	for _, e := range employees {
		identity, err := e.Identity()
		if err != nil || len(identity.Descriptors) == 0 {
			slog.Warn("skipping employee without a usable face descriptor", "employee_id", e.EmployeeID, "error", err)
			skipped++
			continue
		}
		identities = append(identities, identity)
	}

	if !jsonOutput {
		fmt.Printf("Found %d employees, %d with usable descriptors\n\n", len(employees), len(identities))
	}

	var bar *progressbar.ProgressBar
	if !jsonOutput && len(identities) > 0 {
		bar = progressbar.NewOptions(len(identities),
			progressbar.OptionSetDescription("Syncing roster"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("employees"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
	}

	var enrolled, duplicates, errorCount int64
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for _, identity := range identities {
		wg.Add(1)
		go func(identity database.Identity) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			result, err := svc.enroller.Enroll(ctx, identity)
			if err != nil {
				slog.Error("failed to enroll employee",
					"employee_id", identity.Metadata[database.MetaExternalID], "error", err)
				atomic.AddInt64(&errorCount, 1)
			} else {
				atomic.AddInt64(&enrolled, 1)
				atomic.AddInt64(&duplicates, int64(len(result.PossibleDuplicates)))
			}

			if bar != nil {
				bar.Add(1)
			}
		}(identity)
	}

	wg.Wait()

	if bar != nil {
		fmt.Println()
	}

	deactivated := 0
	if deactivateMissing {
		deactivated, err = deactivateMissingEmployees(ctx, svc, identities)
		if err != nil {
			return err
		}
	}

	duration := time.Since(startTime)
	result := RosterSyncResult{
		Success:       errorCount == 0,
		Employees:     len(employees),
		Enrolled:      int(enrolled),
		Skipped:       skipped,
		Deactivated:   deactivated,
		Duplicates:    int(duplicates),
		Errors:        int(errorCount),
		DurationMs:    duration.Milliseconds(),
		DurationHuman: formatDuration(duration),
	}

	if jsonOutput {
		// Remove human-readable duration for JSON output
		result.DurationHuman = ""
		return outputJSON(result)
	}

	fmt.Println("\nSync complete!")
	fmt.Printf("  Employees:   %d\n", result.Employees)
	fmt.Printf("  Enrolled:    %d\n", result.Enrolled)
	if result.Skipped > 0 {
		fmt.Printf("  Skipped:     %d\n", result.Skipped)
	}
	if result.Deactivated > 0 {
		fmt.Printf("  Deactivated: %d\n", result.Deactivated)
	}
	if result.Duplicates > 0 {
		fmt.Printf("  Possible duplicates: %d\n", result.Duplicates)
	}
	if result.Errors > 0 {
		fmt.Printf("  Errors:      %d\n", result.Errors)
	}
	fmt.Printf("  Duration:    %s\n", result.DurationHuman)

	return nil
}

// deactivateMissingEmployees deactivates HR-imported identities that are no longer
// on the roster. Identities enrolled by hand carry no external ID and are left alone.
func deactivateMissingEmployees(ctx context.Context, svc *services, roster []database.Identity) (int, error) {
	current := make(map[string]bool, len(roster))
	for _, identity := range roster {
		current[identity.ID] = true
	}

	all, err := svc.identities.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list identities: %w", err)
	}

	deactivated := 0
	for _, identity := range all {
		if !identity.Active || current[identity.ID] || identity.Metadata[database.MetaExternalID] == "" {
			continue
		}
		if err := svc.enroller.SetActive(ctx, identity.ID, false); err != nil {
			return deactivated, fmt.Errorf("failed to deactivate %s: %w", identity.ID, err)
		}
		deactivated++
	}
	return deactivated, nil
}
