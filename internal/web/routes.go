package web

import (
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/kozaktomas/face-attendance/internal/web/handlers"
	"github.com/kozaktomas/face-attendance/internal/web/middleware"
)

// requestTimeout bounds every non-streaming API request.
const requestTimeout = time.Minute

func (s *Server) setupRoutes() {
	d := s.deps

	// Create handlers
	healthHandler := handlers.NewHealthHandler(d.DB, d.Store)
	identitiesHandler := handlers.NewIdentitiesHandler(d.Store, d.Enroller, d.Identities)
	identifyHandler := handlers.NewIdentifyHandler(d.Matcher, d.Store, d.Extractor, s.config.Matching.Threshold)
	var attendanceMetrics handlers.AttendanceMetrics
	if d.Metrics != nil {
		attendanceMetrics = d.Metrics
	}
	attendanceHandler := handlers.NewAttendanceHandler(d.Attendance, d.Store, d.Identities, attendanceMetrics)
	sessionsHandler := handlers.NewSessionsHandler(d.Sessions, d.Extractor, s.config.Extractor.Timeout)

	// Health check and metrics (no auth required)
	s.router.Get("/api/v1/health", healthHandler.Check)
	s.router.Handle("/metrics", d.Metrics.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireToken(s.config.Web.APIToken))

		// Session event streams outlive the request timeout
		r.Get("/sessions/{id}/events", sessionsHandler.Events)

		r.Group(func(r chi.Router) {
			r.Use(chiMiddleware.Timeout(requestTimeout))

			// Identities
			r.Get("/identities", identitiesHandler.List)
			r.Post("/identities", identitiesHandler.Create)
			r.Get("/identities/{id}", identitiesHandler.Get)
			r.Delete("/identities/{id}", identitiesHandler.Delete)
			r.Post("/identities/{id}/descriptors", identitiesHandler.AddDescriptor)
			r.Put("/identities/{id}/descriptors", identitiesHandler.ReplaceDescriptors)
			r.Put("/identities/{id}/active", identitiesHandler.SetActive)
			r.Post("/gallery/refresh", identitiesHandler.Refresh)

			// Identification
			r.Post("/identify", identifyHandler.Identify)

			// Attendance
			r.Get("/attendance", attendanceHandler.List)
			r.Post("/attendance", attendanceHandler.Record)
			r.Get("/attendance/state", attendanceHandler.State)
			r.Get("/attendance/summary", attendanceHandler.Summary)
			r.Get("/attendance/export", attendanceHandler.Export)

			// Capture sessions
			r.Get("/sessions", sessionsHandler.List)
			r.Post("/sessions", sessionsHandler.Start)
			r.Get("/sessions/{id}", sessionsHandler.Get)
			r.Delete("/sessions/{id}", sessionsHandler.Stop)
			r.Post("/sessions/{id}/probes", sessionsHandler.Probe)
			r.Post("/sessions/{id}/frames", sessionsHandler.Frame)
		})
	})
}
