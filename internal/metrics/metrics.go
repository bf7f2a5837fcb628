// Package metrics defines the Prometheus collectors exported by Relance.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zulandar/relance/internal/models"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	// Dispatch metrics
	Attempts        *prometheus.CounterVec
	Stops           *prometheus.CounterVec
	Skips           *prometheus.CounterVec
	ClaimContention prometheus.Counter
	ScanDuration    prometheus.Histogram
	ScanCandidates  prometheus.Histogram
	SendDuration    *prometheus.HistogramVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Cache metrics
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
}

// New registers every collector with reg. Pass prometheus.NewRegistry() in
// tests to avoid duplicate registration panics.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Attempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relance_dispatch_attempts_total",
				Help: "Follow-up send attempts by channel, kind and outcome",
			},
			[]string{"channel", "kind", "outcome"},
		),
		Stops: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relance_followups_stopped_total",
				Help: "Follow-ups stopped by the engine, by reason",
			},
			[]string{"reason"},
		),
		Skips: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relance_dispatch_skipped_total",
				Help: "Candidates skipped during a scan, by cause",
			},
			[]string{"cause"},
		),
		ClaimContention: f.NewCounter(prometheus.CounterOpts{
			Name: "relance_claim_contention_total",
			Help: "Claims lost to another worker",
		}),
		ScanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relance_scan_duration_seconds",
			Help:    "Duration of one dispatch scan",
			Buckets: prometheus.DefBuckets,
		}),
		ScanCandidates: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relance_scan_candidates",
			Help:    "Due candidates found per scan",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000},
		}),
		SendDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relance_send_duration_seconds",
				Help:    "Transport latency by channel",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relance_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relance_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "relance_settings_cache_hits_total",
			Help: "Settings cache hits",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "relance_settings_cache_misses_total",
			Help: "Settings cache misses",
		}),
	}
}

// RecordAttempt counts one send attempt and its transport latency.
func (m *Metrics) RecordAttempt(ch models.Channel, kind models.TriggerKind, outcome models.Outcome, took time.Duration) {
	m.Attempts.WithLabelValues(string(ch), string(kind), string(outcome)).Inc()
	m.SendDuration.WithLabelValues(string(ch)).Observe(took.Seconds())
}

// RecordStop counts a follow-up stopped by a condition.
func (m *Metrics) RecordStop(reason models.StopReason) {
	m.Stops.WithLabelValues(string(reason)).Inc()
}

// RecordSkip counts a skipped candidate.
func (m *Metrics) RecordSkip(cause string) {
	m.Skips.WithLabelValues(cause).Inc()
}

// RecordScan observes one completed scan.
func (m *Metrics) RecordScan(candidates int, took time.Duration) {
	m.ScanCandidates.Observe(float64(candidates))
	m.ScanDuration.Observe(took.Seconds())
}

// RecordCache counts a settings cache lookup.
func (m *Metrics) RecordCache(hit bool) {
	if hit {
		m.CacheHits.Inc()
		return
	}
	m.CacheMisses.Inc()
}

// Middleware returns a gin middleware recording request counts and latency.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath() // route pattern, not the raw path
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}
