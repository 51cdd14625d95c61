// Package metrics exposes Prometheus metrics for sessions, applications and channels
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/applypilot/pkg/models"
)

const namespace = "applypilot"

// Collector owns a private registry. A nil *Collector records nothing.
type Collector struct {
	logger   zerolog.Logger
	registry *prometheus.Registry

	sessionsStarted  *prometheus.CounterVec
	sessionsFinished *prometheus.CounterVec
	activeSessions   *prometheus.GaugeVec

	applications        *prometheus.CounterVec
	applicationDuration *prometheus.HistogramVec

	openChannels *prometheus.GaugeVec
	rateLimited  *prometheus.CounterVec
	injections   *prometheus.CounterVec
}

// NewCollector creates and registers all metrics
func NewCollector(logger zerolog.Logger) *Collector {
	c := &Collector{
		logger:   logger.With().Str("component", "metrics").Logger(),
		registry: prometheus.NewRegistry(),
	}

	c.sessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Automation sessions started",
		},
		[]string{"platform"},
	)
	c.sessionsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Automation sessions that reached a terminal status",
		},
		[]string{"platform", "status"},
	)
	c.activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently in the active map",
		},
		[]string{"platform"},
	)
	c.applications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "applications_total",
			Help:      "Job applications by outcome",
		},
		[]string{"platform", "status"},
	)
	c.applicationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "application_duration_seconds",
			Help:      "Time from opening a job tab to its outcome",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 900},
		},
		[]string{"platform", "status"},
	)
	c.openChannels = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_channels",
			Help:      "Live content-script channels",
		},
		[]string{"platform"},
	)
	c.rateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-user rate limit",
		},
		[]string{"route"},
	)
	c.injections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_injections_total",
			Help:      "Session context injections into tabs",
		},
		[]string{"result"},
	)

	c.registry.MustRegister(
		c.sessionsStarted,
		c.sessionsFinished,
		c.activeSessions,
		c.applications,
		c.applicationDuration,
		c.openChannels,
		c.rateLimited,
		c.injections,
	)

	c.logger.Info().Msg("Metrics collector initialized")
	return c
}

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) SessionStarted(p models.Platform) {
	if c == nil {
		return
	}
	c.sessionsStarted.WithLabelValues(string(p)).Inc()
	c.activeSessions.WithLabelValues(string(p)).Inc()
}

func (c *Collector) SessionFinished(p models.Platform, status models.SessionStatus) {
	if c == nil {
		return
	}
	c.sessionsFinished.WithLabelValues(string(p), string(status)).Inc()
	c.activeSessions.WithLabelValues(string(p)).Dec()
}

func (c *Collector) ApplicationFinished(p models.Platform, status models.LinkStatus, took time.Duration) {
	if c == nil {
		return
	}
	c.applications.WithLabelValues(string(p), string(status)).Inc()
	if took > 0 {
		c.applicationDuration.WithLabelValues(string(p), string(status)).Observe(took.Seconds())
	}
}

// ChannelCount matches the channel registry's count hook
func (c *Collector) ChannelCount(p models.Platform, n int) {
	if c == nil {
		return
	}
	c.openChannels.WithLabelValues(string(p)).Set(float64(n))
}

func (c *Collector) RateLimited(route string) {
	if c == nil {
		return
	}
	c.rateLimited.WithLabelValues(route).Inc()
}

func (c *Collector) Injection(ok bool) {
	if c == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	c.injections.WithLabelValues(result).Inc()
}
