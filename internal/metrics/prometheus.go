// Package metrics provides Prometheus metrics for the complaint
// pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MarkPhamm/local-warehouse-pipeline/internal/watermark"
)

// Metrics holds all pipeline metrics.
type Metrics struct {
	// Counters
	RecordsFetched  *prometheus.CounterVec
	RowsLoaded      *prometheus.CounterVec
	FetchRetries    prometheus.Counter
	CompanyFailures *prometheus.CounterVec

	// Gauges
	WatermarkDate prometheus.Gauge

	// Histograms
	RunDuration prometheus.Histogram

	registry *prometheus.Registry
	enabled  bool
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g., ":9090"
}

// ApplyDefaults sets default values for metrics config.
func (c *Config) ApplyDefaults() {
	if c.Address == "" {
		c.Address = ":9090"
	}
}

// New creates a new metrics instance.
func New(cfg Config) *Metrics {
	cfg.ApplyDefaults()

	m := &Metrics{
		enabled:  cfg.Enabled,
		registry: prometheus.NewRegistry(),
	}

	if !cfg.Enabled {
		return m
	}

	m.RecordsFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cfpb",
			Name:      "records_fetched_total",
			Help:      "Total records fetched from the source API",
		},
		[]string{"company"},
	)

	m.RowsLoaded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cfpb",
			Name:      "rows_loaded_total",
			Help:      "Total rows merged into the target table",
		},
		[]string{"company"},
	)

	m.FetchRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cfpb",
			Name:      "fetch_retries_total",
			Help:      "Total retried page requests",
		},
	)

	m.CompanyFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cfpb",
			Name:      "company_failures_total",
			Help:      "Total per-company failures by pipeline phase",
		},
		[]string{"phase"},
	)

	m.WatermarkDate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cfpb",
			Name:      "watermark_date_seconds",
			Help:      "Current watermark as a unix timestamp",
		},
	)

	m.RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "cfpb",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of pipeline runs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	m.registry.MustRegister(
		m.RecordsFetched,
		m.RowsLoaded,
		m.FetchRetries,
		m.CompanyFailures,
		m.WatermarkDate,
		m.RunDuration,
	)
	m.registry.MustRegister(prometheus.NewGoCollector())

	return m
}

// Handler returns an HTTP handler for metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts a metrics HTTP server.
func (m *Metrics) StartServer(addr string) error {
	if !m.enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return http.ListenAndServe(addr, mux)
}

// IsEnabled returns true if metrics are enabled.
func (m *Metrics) IsEnabled() bool {
	return m.enabled
}

// Helper methods for common operations

// RecordFetched adds fetched records for a company.
func (m *Metrics) RecordFetched(company string, count int) {
	if m.enabled && m.RecordsFetched != nil {
		m.RecordsFetched.WithLabelValues(company).Add(float64(count))
	}
}

// RecordLoaded adds merged rows for a company.
func (m *Metrics) RecordLoaded(company string, count int64) {
	if m.enabled && m.RowsLoaded != nil {
		m.RowsLoaded.WithLabelValues(company).Add(float64(count))
	}
}

// RecordRetry increments the retried-request counter.
func (m *Metrics) RecordRetry() {
	if m.enabled && m.FetchRetries != nil {
		m.FetchRetries.Inc()
	}
}

// RecordFailure increments the failure counter for a phase.
func (m *Metrics) RecordFailure(phase string) {
	if m.enabled && m.CompanyFailures != nil {
		m.CompanyFailures.WithLabelValues(phase).Inc()
	}
}

// SetWatermark records the current watermark date.
func (m *Metrics) SetWatermark(d watermark.Date) {
	if m.enabled && m.WatermarkDate != nil {
		m.WatermarkDate.Set(float64(d.Time().Unix()))
	}
}

// RecordRunDuration records a completed run's duration.
func (m *Metrics) RecordRunDuration(d time.Duration) {
	if m.enabled && m.RunDuration != nil {
		m.RunDuration.Observe(d.Seconds())
	}
}
