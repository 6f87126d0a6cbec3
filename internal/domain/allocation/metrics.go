package allocation

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSnapshot is the JSON view of allocation counters.
type MetricsSnapshot struct {
	TotalAllocations int64   `json:"total_allocations"`
	TotalCredited    float64 `json:"total_credited"`
	Duplicates       int64   `json:"duplicates"`
	Failures         int64   `json:"failures"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
}

// Metrics keeps an in-process snapshot and mirrors it to Prometheus.
type Metrics struct {
	mu           sync.Mutex
	snap         MetricsSnapshot
	latencyTotal time.Duration

	allocations *prometheus.CounterVec
	credited    prometheus.Counter
	duplicates  prometheus.Counter
	failures    *prometheus.CounterVec
	latency     prometheus.Histogram
}

// NewMetrics registers collectors on reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciler_credit_allocations_total",
			Help: "Successful credit allocations by source",
		}, []string{"source"}),
		credited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconciler_credits_allocated_total",
			Help: "Total credit amount allocated",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconciler_credit_allocation_duplicates_total",
			Help: "Allocation attempts answered from an existing allocation",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciler_credit_allocation_failures_total",
			Help: "Rejected or failed allocation attempts by reason",
		}, []string{"reason"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reconciler_credit_allocation_duration_seconds",
			Help:    "Latency of successful allocations",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.allocations, m.credited, m.duplicates, m.failures, m.latency)
	}
	return m
}

func (m *Metrics) allocated(source string, amount float64, took time.Duration) {
	m.mu.Lock()
	m.snap.TotalAllocations++
	m.snap.TotalCredited += amount
	m.latencyTotal += took
	m.snap.AverageLatencyMs = float64(m.latencyTotal.Milliseconds()) / float64(m.snap.TotalAllocations)
	m.mu.Unlock()

	m.allocations.WithLabelValues(source).Inc()
	m.credited.Add(amount)
	m.latency.Observe(took.Seconds())
}

func (m *Metrics) duplicate() {
	m.mu.Lock()
	m.snap.Duplicates++
	m.mu.Unlock()
	m.duplicates.Inc()
}

func (m *Metrics) failure(reason Reason) {
	m.mu.Lock()
	m.snap.Failures++
	m.mu.Unlock()
	m.failures.WithLabelValues(string(reason)).Inc()
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}
