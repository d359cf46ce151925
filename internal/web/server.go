// Package web serves the HTTP API for enrollment, identification, attendance and capture sessions.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/gallery"
	"github.com/kozaktomas/face-attendance/internal/metrics"
	"github.com/kozaktomas/face-attendance/internal/session"
	"github.com/kozaktomas/face-attendance/internal/web/handlers"
	"github.com/kozaktomas/face-attendance/internal/web/middleware"
)

// Dependencies are the components the API exposes. DB, Identities, Extractor
// and Metrics are optional.
type Dependencies struct {
	DB         handlers.Pinger
	Identities database.IdentityReader
	Store      *gallery.Store
	Enroller   *gallery.Enroller
	Matcher    *facematch.Matcher
	Attendance *attendance.Service
	Sessions   *session.Manager
	Extractor  session.Extractor
	Metrics    *metrics.Metrics
}

// Server is the HTTP API process.
type Server struct {
	config     *config.Config
	deps       Dependencies
	router     *chi.Mux
	httpServer *http.Server
}

// NewServer builds the router and middleware stack. Nothing listens until Start.
func NewServer(cfg *config.Config, deps Dependencies) *Server {
	s := &Server{config: cfg, deps: deps, router: chi.NewRouter()}

	var observer middleware.RequestObserver
	if deps.Metrics != nil {
		observer = deps.Metrics
	}
	s.router.Use(
		chiMiddleware.RequestID,
		chiMiddleware.RealIP,
		middleware.RequestLog(observer),
		chiMiddleware.Recoverer,
		middleware.SecurityHeaders(),
		middleware.CORS(cfg.Web.AllowedOrigins),
	)
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.Web.Host, strconv.Itoa(cfg.Web.Port)),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
		// No WriteTimeout: session event streams stay open while the session runs.
	}
	return s
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	slog.Info("web server listening", "addr", s.httpServer.Addr, "auth", s.config.Web.APIToken != "")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("web server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router exposes the handler tree for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
