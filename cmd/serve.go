package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/extract"
	"github.com/kozaktomas/face-attendance/internal/metrics"
	"github.com/kozaktomas/face-attendance/internal/notify"
	"github.com/kozaktomas/face-attendance/internal/session"
	"github.com/kozaktomas/face-attendance/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the Face Attendance HTTP API.

The server loads the gallery from PostgreSQL, refreshes it periodically and
exposes enrollment, identification, attendance and capture session endpoints
under /api/v1. Session events are streamed over SSE and, when MQTT_BROKER is
set, published to MQTT.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if port := mustGetInt(cmd, "port"); port > 0 {
		cfg.Web.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		cfg.Web.Host = host
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	fmt.Printf("Connecting to PostgreSQL database...\n")
	svc, err := openServices(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer svc.Close()
	fmt.Printf("Gallery loaded with %d active identities\n", svc.store.ActiveCount())

	refreshInterval := cfg.Session.RefreshInterval
	if refreshInterval <= 0 {
		refreshInterval = constants.DefaultRefreshInterval
	}
	go svc.store.RunRefresh(ctx, refreshInterval)

	extractor := extract.NewClient(cfg.Extractor.URL, cfg.Extractor.Timeout)

	managerOpts := []session.ManagerOption{
		session.WithExtractor(extractor),
		session.WithNames(svc.store),
		session.WithMetrics(m),
		session.WithLogger(slog.Default()),
		session.WithDefaults(session.Options{
			EventType:     attendance.CheckIn,
			Threshold:     cfg.Matching.Threshold,
			MinConfidence: cfg.Matching.MinConfidence,
			Interval:      cfg.Session.Interval,
		}),
	}
	if cfg.MQTT.Broker != "" {
		publisher, err := notify.NewMQTTPublisher(ctx, cfg.MQTT, slog.Default())
		if err != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
		defer publisher.Close()
		managerOpts = append(managerOpts, session.WithPublisher(publisher))
		fmt.Printf("Publishing session events to %s\n", cfg.MQTT.Broker)
	}
	manager := session.NewManager(svc.matcher, svc.attendance, managerOpts...)
	defer manager.Close()

	server := web.NewServer(cfg, web.Dependencies{
		DB:         svc.pool,
		Identities: svc.identities,
		Store:      svc.store,
		Enroller:   svc.enroller,
		Matcher:    svc.matcher,
		Attendance: svc.attendance,
		Sessions:   manager,
		Extractor:  extractor,
		Metrics:    m,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	if cfg.Web.APIToken == "" {
		slog.Warn("WEB_API_TOKEN is not set, the API is unauthenticated")
	}
	fmt.Printf("Starting Face Attendance API on http://%s:%d\n", cfg.Web.Host, cfg.Web.Port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	<-shutdownDone
	return nil
}
