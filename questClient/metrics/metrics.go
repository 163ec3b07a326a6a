// Package metrics exposes prometheus collectors for the transaction core.
// All methods are safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "questd"

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	queueDepth     prometheus.Gauge
	submissions    *prometheus.CounterVec
	submitDuration prometheus.Histogram
	unsettled      prometheus.Gauge
	settlements    *prometheus.CounterVec
	pollErrors     prometheus.Counter
	readFetches    *prometheus.CounterVec
	readCacheSize  prometheus.Gauge
	invalidations  prometheus.Counter
	roleChecks     *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "pending",
			Help: "Calls waiting in the transaction queue.",
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "submissions_total",
			Help: "Submission attempts by outcome.",
		}, []string{"outcome"}),
		submitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "queue", Name: "submit_duration_seconds",
			Help:    "Time spent waiting on the signer.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		unsettled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "tracker", Name: "unsettled",
			Help: "Transactions submitted but not yet settled.",
		}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tracker", Name: "settlements_total",
			Help: "Terminal transitions by state.",
		}, []string{"state"}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tracker", Name: "poll_errors_total",
			Help: "Receipt polls that failed after retries.",
		}),
		readFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reads", Name: "fetches_total",
			Help: "Underlying contract reads by result.",
		}, []string{"result"}),
		readCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "reads", Name: "cache_entries",
			Help: "Cached read entries.",
		}),
		invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reads", Name: "invalidations_total",
			Help: "Cache entries marked stale by invalidation.",
		}),
		roleChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rolegate", Name: "checks_total",
			Help: "Role checks by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.queueDepth, m.submissions, m.submitDuration,
		m.unsettled, m.settlements, m.pollErrors,
		m.readFetches, m.readCacheSize, m.invalidations,
		m.roleChecks,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// ObserveSubmission records one signer round trip; outcome is "submitted",
// "rejected" or "untracked".
func (m *Metrics) ObserveSubmission(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
	m.submitDuration.Observe(took.Seconds())
}

func (m *Metrics) SetUnsettled(n int) {
	if m == nil {
		return
	}
	m.unsettled.Set(float64(n))
}

func (m *Metrics) IncSettlement(state string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(state).Inc()
}

func (m *Metrics) IncPollError() {
	if m == nil {
		return
	}
	m.pollErrors.Inc()
}

// IncReadFetch counts one underlying read; result is "ok" or "error".
func (m *Metrics) IncReadFetch(result string) {
	if m == nil {
		return
	}
	m.readFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) SetReadCacheSize(n int) {
	if m == nil {
		return
	}
	m.readCacheSize.Set(float64(n))
}

func (m *Metrics) AddInvalidations(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.invalidations.Add(float64(n))
}

// IncRoleCheck counts one gate decision; result is "granted", "denied" or "unknown".
func (m *Metrics) IncRoleCheck(result string) {
	if m == nil {
		return
	}
	m.roleChecks.WithLabelValues(result).Inc()
}
