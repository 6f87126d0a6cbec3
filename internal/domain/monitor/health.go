package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/mwork/mwork-reconciler/internal/pkg/cache"
)

// Health states, worst last.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// Pinger is anything with a liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Health is the answer of HealthCheck.
type Health struct {
	Status      string            `json:"status"`
	Checks      map[string]string `json:"checks"`
	Running     bool              `json:"poller_running"`
	QueueSize   int               `json:"queue_size"`
	LastCycleAt *time.Time        `json:"last_cycle_at,omitempty"`
}

// HealthChecker probes the poller's dependencies.
type HealthChecker struct {
	poller   *Poller
	cache    Pinger
	database Pinger
	gateway  Pinger
}

func NewHealthChecker(poller *Poller, cache, database, gateway Pinger) *HealthChecker {
	return &HealthChecker{poller: poller, cache: cache, database: database, gateway: gateway}
}

// HealthCheck reports unhealthy when the ledger is unreachable and degraded
// when only the cache or the gateway is.
func (h *HealthChecker) HealthCheck(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res := Health{Status: HealthHealthy, Checks: make(map[string]string, 3)}

	if err := h.database.Ping(ctx); err != nil {
		res.Checks["database"] = "error: " + err.Error()
		res.Status = HealthUnhealthy
	} else {
		res.Checks["database"] = "ok"
	}

	for name, probe := range map[string]Pinger{"cache": h.cache, "gateway": h.gateway} {
		err := probe.Ping(ctx)
		switch {
		case err == nil:
			res.Checks[name] = "ok"
		case errors.Is(err, cache.ErrUnavailable):
			res.Checks[name] = "disabled"
			res.degrade()
		default:
			res.Checks[name] = "error: " + err.Error()
			res.degrade()
		}
	}

	if h.poller != nil {
		snap := h.poller.GetMetrics()
		res.Running = snap.Running
		res.QueueSize = snap.QueueSize
		res.LastCycleAt = snap.LastCycleAt
	}
	return res
}

func (h *Health) degrade() {
	if h.Status == HealthHealthy {
		h.Status = HealthDegraded
	}
}
