package paymentfailure

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Handler receives escalations raised while reconciling payments.
type Handler interface {
	// HandleMonitoringFailure: the gateway could not be polled after all retries.
	HandleMonitoringFailure(ctx context.Context, paymentID, reason string) error
	// HandlePaymentFailure: the gateway reported failed, expired or refunded.
	HandlePaymentFailure(ctx context.Context, paymentID, providerStatus, reason string) error
	// ResolveFailure closes any open escalation for the payment.
	ResolveFailure(ctx context.Context, paymentID, reason string) error
}

// Kind classifies an open escalation.
type Kind string

const (
	KindMonitoring Kind = "monitoring"
	KindPayment    Kind = "payment"
)

// Escalation is an open issue awaiting operator attention.
type Escalation struct {
	PaymentID      string    `json:"payment_id"`
	Kind           Kind      `json:"kind"`
	ProviderStatus string    `json:"provider_status,omitempty"`
	Reason         string    `json:"reason"`
	Occurrences    int       `json:"occurrences"`
	FirstSeenAt    time.Time `json:"first_seen_at"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}

// Tracker logs escalations and keeps the open set in memory for the ops API.
type Tracker struct {
	mu    sync.Mutex
	open  map[string]*Escalation
	total *prometheus.CounterVec
	now   func() time.Time
}

// NewTracker registers its collectors on reg when reg is non-nil.
func NewTracker(reg prometheus.Registerer) *Tracker {
	total := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_payment_escalations_total",
		Help: "Payment escalations raised, by kind and outcome",
	}, []string{"kind", "outcome"})
	if reg != nil {
		reg.MustRegister(total)
	}

	return &Tracker{
		open:  make(map[string]*Escalation),
		total: total,
		now:   time.Now,
	}
}

func (t *Tracker) HandleMonitoringFailure(ctx context.Context, paymentID, reason string) error {
	e := t.record(paymentID, KindMonitoring, "", reason)
	t.total.WithLabelValues(string(KindMonitoring), "raised").Inc()

	log.Error().
		Str("payment_id", paymentID).
		Str("reason", reason).
		Int("occurrences", e.Occurrences).
		Msg("payment monitoring failed")
	return nil
}

func (t *Tracker) HandlePaymentFailure(ctx context.Context, paymentID, providerStatus, reason string) error {
	e := t.record(paymentID, KindPayment, providerStatus, reason)
	t.total.WithLabelValues(string(KindPayment), "raised").Inc()

	log.Warn().
		Str("payment_id", paymentID).
		Str("provider_status", providerStatus).
		Str("reason", reason).
		Int("occurrences", e.Occurrences).
		Msg("payment failed")
	return nil
}

func (t *Tracker) ResolveFailure(ctx context.Context, paymentID, reason string) error {
	t.mu.Lock()
	e, ok := t.open[paymentID]
	delete(t.open, paymentID)
	t.mu.Unlock()

	if !ok {
		return nil
	}

	t.total.WithLabelValues(string(e.Kind), "resolved").Inc()
	log.Info().
		Str("payment_id", paymentID).
		Str("kind", string(e.Kind)).
		Str("reason", reason).
		Msg("payment escalation resolved")
	return nil
}

// Open returns a snapshot of unresolved escalations.
func (t *Tracker) Open() []Escalation {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Escalation, 0, len(t.open))
	for _, e := range t.open {
		out = append(out, *e)
	}
	return out
}

func (t *Tracker) record(paymentID string, kind Kind, providerStatus, reason string) Escalation {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	e, ok := t.open[paymentID]
	if !ok {
		e = &Escalation{PaymentID: paymentID, FirstSeenAt: now}
		t.open[paymentID] = e
	}
	e.Kind = kind
	e.ProviderStatus = providerStatus
	e.Reason = reason
	e.Occurrences++
	e.LastSeenAt = now
	return *e
}
