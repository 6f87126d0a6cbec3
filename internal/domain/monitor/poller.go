package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mwork/mwork-reconciler/internal/domain/allocation"
	"github.com/mwork/mwork-reconciler/internal/domain/credit"
	"github.com/mwork/mwork-reconciler/internal/domain/payment"
	"github.com/mwork/mwork-reconciler/internal/domain/paymentfailure"
	"github.com/mwork/mwork-reconciler/internal/pkg/database"
	"github.com/mwork/mwork-reconciler/internal/pkg/logger"
	"github.com/mwork/mwork-reconciler/internal/pkg/nowpayments"
)

// ErrInvalidPaymentID is returned for ids the gateway could never have issued.
var ErrInvalidPaymentID = errors.New("invalid gateway payment id")

const (
	skipReasonForeignID = "payment id is not a gateway identifier"
	failureReason       = "payment failed during monitoring"
	resolvedReason      = "credits allocated"
	itemTimeout         = 2 * time.Minute
)

// Gateway is the slice of the payment gateway client the poller uses.
type Gateway interface {
	GetPaymentStatus(ctx context.Context, paymentID string) (*nowpayments.PaymentStatus, error)
	Ping(ctx context.Context) error
}

// Ledger is the slice of the credit ledger the poller reads and writes.
type Ledger interface {
	CandidateSource
	FindByPaymentIDForUpdate(ctx context.Context, q database.Querier, paymentID string) (*credit.LedgerEntry, error)
	UpdatePaymentStatus(ctx context.Context, q database.Querier, entryID uuid.UUID, status, payinHash string, meta credit.LedgerMetadata) error
	MarkSkipped(ctx context.Context, paymentID, reason string) error
}

type PaymentRecords interface {
	UpdateStatusByProviderPaymentID(ctx context.Context, q database.Querier, provider payment.Provider, providerPaymentID string, status payment.Status, providerStatus string, metadataPatch map[string]interface{}) (*payment.Payment, error)
}

// Allocator turns a finished payment into credit.
type Allocator interface {
	AllocateCreditsForPayment(ctx context.Context, userID uuid.UUID, paymentID string, requestedUSD float64, status *nowpayments.PaymentStatus) allocation.Result
}

// Config controls cycle cadence and retry behaviour.
type Config struct {
	Interval       time.Duration
	BatchSize      int
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// Deps groups the poller's collaborators.
type Deps struct {
	Tx        database.TxRunner
	Ledger    Ledger
	Payments  PaymentRecords
	Gateway   Gateway
	Allocator Allocator
	Failures  paymentfailure.Handler
	Queue     *Queue
	Metrics   *Metrics
}

// Poller drives payments from pending to a terminal gateway status.
type Poller struct {
	deps Deps
	cfg  Config
	now  func() time.Time

	// sleep waits between retries; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	cycleMu sync.Mutex
}

func NewPoller(deps Deps, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	return &Poller{deps: deps, cfg: cfg, now: time.Now, sleep: sleepCtx}
}

// Start launches the ticker loop. Calling Start twice is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.deps.Metrics.setRunning(true)

	logger.FromContext(ctx).Info().Dur("interval", p.cfg.Interval).Int("batch_size", p.cfg.BatchSize).Msg("Starting payment status poller...")
	go p.loop(ctx, p.done)
}

// Stop cancels the loop and waits for the in-flight cycle.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.deps.Metrics.setRunning(false)
	logger.FromContext(context.Background()).Info().Msg("Payment status poller stopped")
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// Run once immediately on startup
	p.RunCycle(ctx)

	for {
		select {
		case <-ticker.C:
			p.RunCycle(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunCycle processes the whole working set once. Errors are logged and
// counted; they never escape.
func (p *Poller) RunCycle(ctx context.Context) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	log := logger.FromContext(ctx)
	start := p.now()

	entries, err := p.deps.Queue.Load(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load pending payments")
		p.deps.Metrics.cycleError()
		return
	}

	for i := 0; i < len(entries); i += p.cfg.BatchSize {
		if ctx.Err() != nil {
			break
		}
		end := i + p.cfg.BatchSize
		if end > len(entries) {
			end = len(entries)
		}
		p.runBatch(ctx, entries[i:end])
	}

	remaining := len(entries)
	if after, err := p.deps.Queue.Load(ctx); err == nil {
		remaining = len(after)
	}
	took := p.now().Sub(start)
	p.deps.Metrics.cycle(start, took, remaining)
	log.Debug().Int("polled", len(entries)).Int("remaining", remaining).Dur("took", took).Msg("Finished payment poll cycle")
}

func (p *Poller) runBatch(ctx context.Context, batch []credit.PendingEntry) {
	var g errgroup.Group
	g.SetLimit(len(batch))
	for _, entry := range batch {
		entry := entry
		g.Go(func() error {
			p.deps.Metrics.outcome(p.process(ctx, entry))
			return nil
		})
	}
	_ = g.Wait()
}

// process handles one payment in isolation; a panic is contained to it.
func (p *Poller) process(ctx context.Context, entry credit.PendingEntry) (outcome Outcome) {
	ctx = logger.WithPayment(ctx, entry.PaymentID, entry.UserID.String())
	log := logger.FromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("Panic while polling payment")
			outcome = OutcomePanicked
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, itemTimeout)
	defer cancel()

	if !nowpayments.IsPaymentID(entry.PaymentID) {
		if err := p.deps.Ledger.MarkSkipped(ctx, entry.PaymentID, skipReasonForeignID); err != nil {
			log.Error().Err(err).Msg("Failed to mark payment as skipped")
		}
		p.dequeue(ctx, entry.PaymentID)
		log.Info().Msg("Skipping non-gateway payment id")
		return OutcomeSkipped
	}

	status, err := p.pollWithRetry(ctx, entry.PaymentID)
	if err != nil {
		log.Error().Err(err).Msg("Payment status poll failed")
		if herr := p.deps.Failures.HandleMonitoringFailure(ctx, entry.PaymentID, err.Error()); herr != nil {
			log.Error().Err(herr).Msg("Failed to escalate monitoring failure")
		}
		return OutcomeFailed
	}

	return p.apply(ctx, entry.PaymentID, status)
}

// pollWithRetry retries transient gateway errors with exponential backoff.
func (p *Poller) pollWithRetry(ctx context.Context, paymentID string) (*nowpayments.PaymentStatus, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		status, err := p.deps.Gateway.GetPaymentStatus(ctx, paymentID)
		if err == nil {
			return status, nil
		}
		lastErr = err
		if !errors.Is(err, nowpayments.ErrTransient) || attempt == p.cfg.MaxRetries {
			break
		}

		delay := p.cfg.RetryBaseDelay * time.Duration(1<<(attempt-1))
		logger.FromContext(ctx).Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("Payment status poll failed, retrying")
		if err := p.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("poll %s: %w", paymentID, lastErr)
}

// transition is what the status-update transaction decided.
type transition struct {
	entry   *credit.LedgerEntry
	from    string
	to      string
	outcome Outcome
}

// apply records a freshly polled status and routes terminal transitions.
func (p *Poller) apply(ctx context.Context, paymentID string, status *nowpayments.PaymentStatus) Outcome {
	log := logger.FromContext(ctx)

	t, err := p.updateStatus(ctx, paymentID, status)
	if err != nil {
		log.Error().Err(err).Msg("Failed to record payment status")
		return OutcomeFailed
	}

	switch t.outcome {
	case OutcomeMissing:
		log.Warn().Msg("No ledger row for polled payment")
		p.dequeue(ctx, paymentID)
		return t.outcome
	case OutcomeRegressed:
		log.Warn().Str("from", t.from).Str("to", t.to).Msg("Ignoring status regression")
		// A stale answer carries no settlement figures; the next finished poll allocates.
		if t.from == credit.StatusFinished && !t.entry.IsCompleted() {
			return t.outcome
		}
		p.dequeue(ctx, paymentID)
		return t.outcome
	case OutcomeUnknown:
		log.Warn().Str("status", t.to).Msg("Unrecognized gateway status")
		return t.outcome
	}

	if t.outcome == OutcomeUpdated {
		log.Info().Str("from", t.from).Str("to", t.to).Msg("Payment status changed")
	}

	switch {
	case t.to == credit.StatusFinished && !t.entry.IsCompleted():
		return p.allocate(ctx, t.entry, status)
	case isFailure(t.to) && t.outcome == OutcomeUpdated:
		if err := p.deps.Failures.HandlePaymentFailure(ctx, paymentID, t.to, failureReason); err != nil {
			log.Error().Err(err).Msg("Failed to escalate payment failure")
		}
		p.dequeue(ctx, paymentID)
		return OutcomeTerminated
	case isTerminal(t.to):
		p.dequeue(ctx, paymentID)
		return OutcomeTerminated
	}
	return t.outcome
}

// updateStatus runs the status-update transaction.
func (p *Poller) updateStatus(ctx context.Context, paymentID string, status *nowpayments.PaymentStatus) (transition, error) {
	t := transition{to: status.PaymentStatus}

	err := p.deps.Tx.RunInTx(ctx, func(q database.Querier) error {
		entry, err := p.deps.Ledger.FindByPaymentIDForUpdate(ctx, q, paymentID)
		if errors.Is(err, credit.ErrEntryNotFound) {
			t.outcome = OutcomeMissing
			return nil
		}
		if err != nil {
			return err
		}
		t.entry = entry
		t.from = entry.PaymentStatus.String

		switch {
		case !isKnownStatus(t.to):
			t.outcome = OutcomeUnknown
			return nil
		case isRegression(t.from, t.to):
			t.outcome = OutcomeRegressed
			return nil
		case t.from == t.to:
			t.outcome = OutcomeUnchanged
			return nil
		}

		now := p.now().UTC()
		meta := credit.LedgerMetadata{LastProviderStatus: t.to, MonitoredAt: &now}
		if err := p.deps.Ledger.UpdatePaymentStatus(ctx, q, entry.ID, t.to, status.PayinHash, meta); err != nil {
			return err
		}

		patch := map[string]interface{}{"monitoredAt": now}
		if status.PayinHash != "" {
			patch["payinHash"] = status.PayinHash
		}
		if status.ActuallyPaid != nil {
			patch["actuallyPaid"] = *status.ActuallyPaid
		}
		_, err = p.deps.Payments.UpdateStatusByProviderPaymentID(ctx, q, payment.ProviderNowPayments, paymentID, payment.NormalizeProviderStatus(t.to), t.to, patch)
		if errors.Is(err, payment.ErrPaymentNotFound) {
			logger.FromContext(ctx).Warn().Msg("No unified payment record to mirror status onto")
			err = nil
		}
		if err != nil {
			return err
		}

		t.outcome = OutcomeUpdated
		return nil
	})
	return t, err
}

// allocate hands a finished payment to the allocation engine. Internal
// failures keep the payment queued for the next cycle; rejections are final.
func (p *Poller) allocate(ctx context.Context, entry *credit.LedgerEntry, status *nowpayments.PaymentStatus) Outcome {
	log := logger.FromContext(ctx)
	paymentID := entry.PaymentID.String

	requested := entry.Metadata.RequestedAmountUSD
	if requested <= 0 && status.PriceAmount != nil && (status.PriceCurrency == "" || strings.EqualFold(status.PriceCurrency, "usd")) {
		requested = *status.PriceAmount
	}

	res := p.deps.Allocator.AllocateCreditsForPayment(ctx, entry.UserID, paymentID, requested, status)
	if res.Success {
		if err := p.deps.Failures.ResolveFailure(ctx, paymentID, resolvedReason); err != nil {
			log.Error().Err(err).Msg("Failed to resolve escalation")
		}
		p.dequeue(ctx, paymentID)
		return OutcomeAllocated
	}

	if res.Reason == allocation.ReasonInternal {
		if err := p.deps.Failures.HandleMonitoringFailure(ctx, paymentID, "credit allocation failed: "+res.Error); err != nil {
			log.Error().Err(err).Msg("Failed to escalate allocation failure")
		}
		return OutcomeFailed
	}

	reason := "credit allocation rejected: " + string(res.Reason)
	if err := p.deps.Failures.HandlePaymentFailure(ctx, paymentID, status.PaymentStatus, reason); err != nil {
		log.Error().Err(err).Msg("Failed to escalate rejected allocation")
	}
	// Keeps the ledger rebuild from picking the uncredited row up again.
	if err := p.deps.Ledger.MarkSkipped(ctx, paymentID, reason); err != nil {
		log.Error().Err(err).Msg("Failed to mark rejected payment as skipped")
	}
	p.dequeue(ctx, paymentID)
	return OutcomeTerminated
}

func (p *Poller) dequeue(ctx context.Context, paymentID string) {
	if err := p.deps.Queue.Remove(ctx, paymentID); err != nil {
		logger.FromContext(ctx).Warn().Err(err).Msg("Failed to remove payment from queue")
	}
}

// AddPendingPayment starts tracking a payment created by checkout.
func (p *Poller) AddPendingPayment(ctx context.Context, paymentID string, userID uuid.UUID) (bool, error) {
	if !nowpayments.IsPaymentID(paymentID) {
		return false, ErrInvalidPaymentID
	}
	added, err := p.deps.Queue.Add(ctx, credit.PendingEntry{
		PaymentID: paymentID,
		UserID:    userID,
		CreatedAt: p.now().UTC(),
	})
	if err != nil {
		return false, err
	}
	if added {
		logger.FromContext(ctx).Info().Str("payment_id", paymentID).Str("user_id", userID.String()).Msg("Payment added to status poller")
	}
	return added, nil
}

// TriggerPaymentCheck polls one payment immediately, outside the ticker.
func (p *Poller) TriggerPaymentCheck(ctx context.Context, paymentID string) (Outcome, error) {
	if !nowpayments.IsPaymentID(paymentID) {
		return "", ErrInvalidPaymentID
	}
	entry, ok := p.deps.Queue.Contains(ctx, paymentID)
	if !ok {
		entry = credit.PendingEntry{PaymentID: paymentID}
	}
	outcome := p.process(ctx, entry)
	p.deps.Metrics.outcome(outcome)
	return outcome, nil
}

// GetMetrics returns the poller counters.
func (p *Poller) GetMetrics() MetricsSnapshot {
	return p.deps.Metrics.Snapshot()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
