package monitor

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome is what happened to one queued payment in a cycle.
type Outcome string

const (
	OutcomeSkipped    Outcome = "skipped"
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeUpdated    Outcome = "updated"
	OutcomeAllocated  Outcome = "allocated"
	OutcomeFailed     Outcome = "failed"
	OutcomeTerminated Outcome = "terminated"
	OutcomeRegressed  Outcome = "regressed"
	OutcomeMissing    Outcome = "missing"
	OutcomeUnknown    Outcome = "unknown_status"
	OutcomePanicked   Outcome = "panicked"
)

// MetricsSnapshot is the JSON view of poller counters.
type MetricsSnapshot struct {
	Cycles              int64             `json:"cycles"`
	CycleErrors         int64             `json:"cycle_errors"`
	Processed           int64             `json:"processed"`
	Outcomes            map[Outcome]int64 `json:"outcomes"`
	QueueSize           int               `json:"queue_size"`
	LastCycleAt         *time.Time        `json:"last_cycle_at,omitempty"`
	LastCycleDurationMs int64             `json:"last_cycle_duration_ms"`
	Running             bool              `json:"running"`
}

// Metrics keeps an in-process snapshot and mirrors it to Prometheus.
type Metrics struct {
	mu   sync.Mutex
	snap MetricsSnapshot

	cycles      prometheus.Counter
	cycleErrors prometheus.Counter
	outcomes    *prometheus.CounterVec
	queueSize   prometheus.Gauge
	duration    prometheus.Histogram
}

// NewMetrics registers collectors on reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		snap: MetricsSnapshot{Outcomes: make(map[Outcome]int64)},
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconciler_poll_cycles_total",
			Help: "Completed status poll cycles",
		}),
		cycleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconciler_poll_cycle_errors_total",
			Help: "Poll cycles that could not load the pending queue",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciler_polled_payments_total",
			Help: "Polled payments by outcome",
		}, []string{"outcome"}),
		queueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reconciler_pending_payments",
			Help: "Payments in the poller working set",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reconciler_poll_cycle_duration_seconds",
			Help:    "Wall time of a poll cycle",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.cycles, m.cycleErrors, m.outcomes, m.queueSize, m.duration)
	}
	return m
}

func (m *Metrics) outcome(o Outcome) {
	m.mu.Lock()
	m.snap.Processed++
	m.snap.Outcomes[o]++
	m.mu.Unlock()
	m.outcomes.WithLabelValues(string(o)).Inc()
}

func (m *Metrics) cycle(at time.Time, took time.Duration, queueSize int) {
	m.mu.Lock()
	m.snap.Cycles++
	m.snap.LastCycleAt = &at
	m.snap.LastCycleDurationMs = took.Milliseconds()
	m.snap.QueueSize = queueSize
	m.mu.Unlock()

	m.cycles.Inc()
	m.duration.Observe(took.Seconds())
	m.queueSize.Set(float64(queueSize))
}

func (m *Metrics) cycleError() {
	m.mu.Lock()
	m.snap.CycleErrors++
	m.mu.Unlock()
	m.cycleErrors.Inc()
}

func (m *Metrics) setRunning(running bool) {
	m.mu.Lock()
	m.snap.Running = running
	m.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.snap
	out.Outcomes = make(map[Outcome]int64, len(m.snap.Outcomes))
	for k, v := range m.snap.Outcomes {
		out.Outcomes[k] = v
	}
	return out
}
