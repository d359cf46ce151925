package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/export"
)

var attendanceCmd = &cobra.Command{
	Use:   "attendance",
	Short: "Record and report daily attendance",
}

var attendanceCheckInCmd = &cobra.Command{
	Use:   "check-in <identity-id>",
	Short: "Record a manual check-in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAttendanceEvent(cmd, args[0], attendance.CheckIn)
	},
}

var attendanceCheckOutCmd = &cobra.Command{
	Use:   "check-out <identity-id>",
	Short: "Record a manual check-out",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAttendanceEvent(cmd, args[0], attendance.CheckOut)
	},
}

var attendanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List attendance records",
	Long: `List attendance records for a day, or for one identity over a date range.

Examples:
  face-attendance attendance list --date 2024-03-05
  face-attendance attendance list --identity alice --from 2024-03-01 --to 2024-03-31 --json`,
	RunE: runAttendanceList,
}

var attendanceSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show the daily attendance summary",
	RunE:  runAttendanceSummary,
}

var attendanceExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a day's attendance as CSV",
	Long: `Export a day's attendance as CSV.

Examples:
  # Write today's records to attendance-YYYY-MM-DD.csv
  face-attendance attendance export

  # Print a specific day to stdout
  face-attendance attendance export --date 2024-03-05 --output -`,
	RunE: runAttendanceExport,
}

func init() {
	rootCmd.AddCommand(attendanceCmd)
	attendanceCmd.AddCommand(attendanceCheckInCmd, attendanceCheckOutCmd, attendanceListCmd, attendanceSummaryCmd, attendanceExportCmd)

	for _, c := range []*cobra.Command{attendanceCheckInCmd, attendanceCheckOutCmd} {
		c.Flags().String("date", "", "Day (YYYY-MM-DD, defaults to today; only check-out may name an earlier day)")
		c.Flags().Float64("confidence", -1, "Confidence score to store (0-1)")
		c.Flags().String("notes", "", "Free-form notes")
		c.Flags().Bool("json", false, "Output as JSON")
	}

	attendanceListCmd.Flags().String("date", "", "Day (YYYY-MM-DD, defaults to today)")
	attendanceListCmd.Flags().String("identity", "", "Only this identity")
	attendanceListCmd.Flags().String("from", "", "First day of the range (with --identity)")
	attendanceListCmd.Flags().String("to", "", "Last day of the range (with --identity)")
	attendanceListCmd.Flags().Bool("json", false, "Output as JSON")

	attendanceSummaryCmd.Flags().String("date", "", "Day (YYYY-MM-DD, defaults to today)")
	attendanceSummaryCmd.Flags().Bool("json", false, "Output as JSON")

	attendanceExportCmd.Flags().String("date", "", "Day (YYYY-MM-DD, defaults to today)")
	attendanceExportCmd.Flags().String("output", "", "Output file, - for stdout (defaults to attendance-DATE.csv)")
}

func runAttendanceEvent(cmd *cobra.Command, identityID string, eventType attendance.EventType) error {
	jsonOutput := mustGetBool(cmd, "json")

	ctx := context.Background()
	svc, err := openServices(ctx, config.Load(), nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	date, err := parseDay(mustGetString(cmd, "date"), svc.loc)
	if err != nil {
		return err
	}
	ev := attendance.Event{
		IdentityID: identityID,
		Date:       date,
		Type:       eventType,
		Notes:      mustGetString(cmd, "notes"),
	}
	if c := mustGetFloat64(cmd, "confidence"); c >= 0 {
		ev.Confidence = &c
	}

	record, err := svc.attendance.RecordEvent(ctx, ev)
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", eventType, err)
	}

	if jsonOutput {
		return outputJSON(record)
	}
	name := identityID
	if identity, ok := svc.store.Get(identityID); ok {
		name = identity.DisplayName
	}
	switch eventType {
	case attendance.CheckIn:
		fmt.Printf("Checked in %s at %s (%s)\n", name, clockTime(record.CheckInTime, svc.loc), record.Status)
	case attendance.CheckOut:
		fmt.Printf("Checked out %s at %s\n", name, clockTime(record.CheckOutTime, svc.loc))
	}
	return nil
}

func runAttendanceList(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	identityID := mustGetString(cmd, "identity")

	ctx := context.Background()
	svc, err := openServices(ctx, config.Load(), nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	var records []database.AttendanceRecord
	if identityID != "" {
		from, err := parseDay(mustGetString(cmd, "from"), svc.loc)
		if err != nil {
			return err
		}
		to, err := parseDay(mustGetString(cmd, "to"), svc.loc)
		if err != nil {
			return err
		}
		records, err = svc.attendance.RecordsForIdentity(ctx, identityID, from, to)
		if err != nil {
			return fmt.Errorf("failed to list attendance: %w", err)
		}
	} else {
		day, err := dayOrToday(mustGetString(cmd, "date"), svc)
		if err != nil {
			return err
		}
		if records, err = svc.attendance.RecordsForDate(ctx, day); err != nil {
			return fmt.Errorf("failed to list attendance: %w", err)
		}
	}

	if jsonOutput {
		if records == nil {
			records = []database.AttendanceRecord{}
		}
		return outputJSON(records)
	}
	if len(records) == 0 {
		fmt.Println("No attendance records found.")
		return nil
	}

	lookup, err := export.DirectoryLookup(ctx, svc.identities, svc.store.Get)
	if err != nil {
		return fmt.Errorf("failed to resolve names: %w", err)
	}
	fmt.Printf("%-10s  %-30s  %-8s  %-8s  %s\n", "Date", "Name", "In", "Out", "Status")
	for i := range records {
		r := &records[i]
		name := r.IdentityID
		if identity, ok := lookup(r.IdentityID); ok {
			name = identity.DisplayName
		}
		fmt.Printf("%-10s  %-30s  %-8s  %-8s  %s\n",
			r.Date.Format(database.DateLayout), name,
			clockTime(r.CheckInTime, svc.loc), clockTime(r.CheckOutTime, svc.loc), r.Status)
	}
	return nil
}

func runAttendanceSummary(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")

	ctx := context.Background()
	svc, err := openServices(ctx, config.Load(), nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	day, err := dayOrToday(mustGetString(cmd, "date"), svc)
	if err != nil {
		return err
	}
	summary, err := svc.attendance.Summary(ctx, day, svc.store.ActiveCount())
	if err != nil {
		return fmt.Errorf("failed to summarize attendance: %w", err)
	}

	if jsonOutput {
		return outputJSON(summary)
	}
	fmt.Printf("Attendance for %s\n", summary.Date)
	fmt.Printf("  Roster:      %d\n", summary.Roster)
	fmt.Printf("  Present:     %d (%.1f%%)\n", summary.Present, summary.Rate*100)
	fmt.Printf("  Late:        %d\n", summary.Late)
	fmt.Printf("  Still in:    %d\n", summary.StillIn)
	fmt.Printf("  Checked out: %d\n", summary.CheckedOut)
	fmt.Printf("  Absent:      %d\n", summary.Absent)
	return nil
}

func runAttendanceExport(cmd *cobra.Command, args []string) error {
	output := mustGetString(cmd, "output")

	ctx := context.Background()
	svc, err := openServices(ctx, config.Load(), nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	day, err := dayOrToday(mustGetString(cmd, "date"), svc)
	if err != nil {
		return err
	}
	records, err := svc.attendance.RecordsForDate(ctx, day)
	if err != nil {
		return fmt.Errorf("failed to list attendance: %w", err)
	}

	if output == "-" {
		return writeExport(os.Stdout, records, svc)
	}
	if output == "" {
		output = export.Filename(day)
	}
	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", output, err)
	}
	if err := writeExport(f, records, svc); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", output, err)
	}
	fmt.Printf("Exported %d records to %s\n", len(records), output)
	return nil
}

func writeExport(w io.Writer, records []database.AttendanceRecord, svc *services) error {
	lookup, err := export.DirectoryLookup(context.Background(), svc.identities, svc.store.Get)
	if err != nil {
		return fmt.Errorf("failed to export attendance: %w", err)
	}
	bw := bufio.NewWriter(w)
	if err := export.WriteCSV(bw, records, lookup, svc.loc); err != nil {
		return fmt.Errorf("failed to export attendance: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to export attendance: %w", err)
	}
	return nil
}

func dayOrToday(s string, svc *services) (time.Time, error) {
	day, err := parseDay(s, svc.loc)
	if err != nil {
		return time.Time{}, err
	}
	if day.IsZero() {
		return svc.attendance.Today(), nil
	}
	return day, nil
}

func clockTime(t *time.Time, loc *time.Location) string {
	if t == nil {
		return "-"
	}
	return t.In(loc).Format(time.TimeOnly)
}
