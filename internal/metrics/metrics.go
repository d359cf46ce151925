// Package metrics exposes Prometheus metrics for matching and capture sessions.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "face_attendance"

// Metrics holds the application's collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	probesTotal       *prometheus.CounterVec
	matchDistance     prometheus.Histogram
	attendanceTotal   *prometheus.CounterVec
	sessionsActive    prometheus.Gauge
	galleryIdentities prometheus.Gauge
	refreshTotal      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
}

// New creates and registers all collectors.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		probesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_total",
				Help:      "Probes processed, by outcome",
			},
			[]string{"outcome"},
		),
		matchDistance: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "match_distance",
				Help:      "Distance from a probe to its nearest enrolled descriptor",
				Buckets:   prometheus.LinearBuckets(0.1, 0.1, 12),
			},
		),
		attendanceTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attendance_events_total",
				Help:      "Attendance events written, by event type",
			},
			[]string{"event"},
		),
		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Capture sessions currently running",
			},
		),
		galleryIdentities: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gallery_active_identities",
				Help:      "Active identities in the in-memory gallery",
			},
		),
		refreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gallery_refresh_total",
				Help:      "Gallery reloads from the identity directory, by status",
			},
			[]string{"status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "API request latency, by route pattern and status code",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "method", "code"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.probesTotal,
		m.matchDistance,
		m.attendanceTotal,
		m.sessionsActive,
		m.galleryIdentities,
		m.refreshTotal,
		m.requestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveProbe counts a probe outcome. Distances are recorded for probes that reached the gallery.
func (m *Metrics) ObserveProbe(outcome string, distance float64) {
	if m == nil {
		return
	}
	m.probesTotal.WithLabelValues(outcome).Inc()
	if distance > 0 {
		m.matchDistance.Observe(distance)
	}
	if outcome == "recorded" {
		m.attendanceTotal.WithLabelValues("session").Inc()
	}
}

// AttendanceRecorded counts an attendance write made outside capture sessions.
func (m *Metrics) AttendanceRecorded(event string) {
	if m == nil {
		return
	}
	m.attendanceTotal.WithLabelValues(event).Inc()
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// SessionStopped decrements the active session gauge.
func (m *Metrics) SessionStopped() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

// SetGallerySize records the number of active identities.
func (m *Metrics) SetGallerySize(active int) {
	if m == nil {
		return
	}
	m.galleryIdentities.Set(float64(active))
}

// GalleryRefreshed counts a directory reload.
func (m *Metrics) GalleryRefreshed(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.refreshTotal.WithLabelValues(status).Inc()
}

// ObserveRequest records one API request. route is the router pattern, not the raw path.
func (m *Metrics) ObserveRequest(route, method string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(route, method, strconv.Itoa(code)).Observe(elapsed.Seconds())
}
