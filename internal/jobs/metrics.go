package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs        *prometheus.CounterVec
	failures    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	divergences *prometheus.CounterVec
	expiring    *prometheus.GaugeVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddDivergences increments the ledger/cost-layer divergence counter for the
// supplied kind and tenant scope.
func (m *Metrics) AddDivergences(kind, tenantID string, count int) {
	if m == nil || count <= 0 {
		return
	}
	if tenantID == "" {
		tenantID = "unknown"
	}
	m.divergences.WithLabelValues(kind, tenantID).Add(float64(count))
}

// SetExpiringLots records how many lots fall into the given expiry bucket.
func (m *Metrics) SetExpiringLots(bucket string, count int) {
	if m == nil {
		return
	}
	m.expiring.WithLabelValues(bucket).Set(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "larder_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "larder_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "larder_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	divergences := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "larder_ledger_divergences_total",
		Help: "Ledger vs cost-layer divergences detected by reconciliation, by kind and tenant.",
	}, []string{"kind", "tenant"})
	expiring := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "larder_expiring_lots",
		Help: "Lots with positive balance per expiry bucket as of the last scan.",
	}, []string{"bucket"})
	registerer.MustRegister(runs, failures, duration, divergences, expiring)
	return &Metrics{runs: runs, failures: failures, duration: duration, divergences: divergences, expiring: expiring}
}
