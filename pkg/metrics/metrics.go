// Package metrics exposes Prometheus instruments for the settlement path.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry prometheus.Gatherer

	// Registry client
	RegistryRequests *prometheus.CounterVec
	RegistryRetries  *prometheus.CounterVec

	// Synchronizer
	SyncCycles      *prometheus.CounterVec
	SyncChanges     *prometheus.CounterVec
	DirectorySize   prometheus.Gauge
	LastSyncSuccess prometheus.Gauge

	// Delivery queue
	QueueDepth       prometheus.Gauge
	DeliveryAttempts *prometheus.CounterVec
	DeliveryLatency  prometheus.Histogram
	Compensations    *prometheus.CounterVec
	Recovered        prometheus.Counter

	// Inbound
	InboundResults *prometheus.CounterVec
}

// New creates and registers the instruments. A nil registry uses a fresh
// private registry so that repeated construction in tests never collides.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	f := promauto.With(registry)

	return &Metrics{
		registry: registry,

		RegistryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bankd_registry_requests_total",
			Help: "Registry requests by operation and outcome",
		}, []string{"operation", "outcome"}),
		RegistryRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bankd_registry_retries_total",
			Help: "Registry request retries by operation",
		}, []string{"operation"}),

		SyncCycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bankd_directory_sync_cycles_total",
			Help: "Directory reconciliation cycles by outcome",
		}, []string{"outcome"}),
		SyncChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bankd_directory_sync_changes_total",
			Help: "Directory entries changed by reconciliation, by class",
		}, []string{"class"}),
		DirectorySize: f.NewGauge(prometheus.GaugeOpts{
			Name: "bankd_directory_entries",
			Help: "Number of banks in the local directory",
		}),
		LastSyncSuccess: f.NewGauge(prometheus.GaugeOpts{
			Name: "bankd_directory_last_sync_timestamp",
			Help: "Unix time of the last successful reconciliation",
		}),

		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "bankd_delivery_queue_depth",
			Help: "Outbound transactions waiting for delivery",
		}),
		DeliveryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bankd_delivery_attempts_total",
			Help: "Outbound delivery attempts by outcome",
		}, []string{"outcome"}),
		DeliveryLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bankd_delivery_latency_seconds",
			Help:    "Outbound delivery attempt latency",
			Buckets: prometheus.DefBuckets,
		}),
		Compensations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bankd_compensations_total",
			Help: "Compensating credits by outcome",
		}, []string{"outcome"}),
		Recovered: f.NewCounter(prometheus.CounterOpts{
			Name: "bankd_delivery_recovered_total",
			Help: "Transactions re-enqueued by the recovery sweep",
		}),

		InboundResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bankd_inbound_results_total",
			Help: "Inbound settlement results by code",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RegistryRequest(op, outcome string) {
	if m == nil {
		return
	}
	m.RegistryRequests.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) RegistryRetry(op string) {
	if m == nil {
		return
	}
	m.RegistryRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) SyncCycle(outcome string, added, updated, removed, size int, at float64) {
	if m == nil {
		return
	}
	m.SyncCycles.WithLabelValues(outcome).Inc()
	if outcome == "failed" {
		return
	}
	m.SyncChanges.WithLabelValues("added").Add(float64(added))
	m.SyncChanges.WithLabelValues("updated").Add(float64(updated))
	m.SyncChanges.WithLabelValues("removed").Add(float64(removed))
	m.DirectorySize.Set(float64(size))
	m.LastSyncSuccess.Set(at)
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) DeliveryAttempt(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.DeliveryAttempts.WithLabelValues(outcome).Inc()
	m.DeliveryLatency.Observe(seconds)
}

func (m *Metrics) Compensation(outcome string) {
	if m == nil {
		return
	}
	m.Compensations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecoveredItem() {
	if m == nil {
		return
	}
	m.Recovered.Inc()
}

func (m *Metrics) InboundResult(result string) {
	if m == nil {
		return
	}
	m.InboundResults.WithLabelValues(result).Inc()
}
