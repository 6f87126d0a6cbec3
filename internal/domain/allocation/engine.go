package allocation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mwork/mwork-reconciler/internal/domain/credit"
	"github.com/mwork/mwork-reconciler/internal/domain/notification"
	"github.com/mwork/mwork-reconciler/internal/domain/payment"
	"github.com/mwork/mwork-reconciler/internal/domain/user"
	"github.com/mwork/mwork-reconciler/internal/pkg/cache"
	"github.com/mwork/mwork-reconciler/internal/pkg/database"
	"github.com/mwork/mwork-reconciler/internal/pkg/logger"
	"github.com/mwork/mwork-reconciler/internal/pkg/nowpayments"
)

const (
	// usdEpsilon absorbs float noise when comparing paid and requested USD.
	usdEpsilon = 1e-6
	// cryptoEpsilon is the tolerance on crypto-denominated amounts.
	cryptoEpsilon = 1e-8

	defaultTxTimeout = 10 * time.Second
	markerTTL        = 24 * time.Hour
)

// MarkerKey is the cache key of the dedupe marker for a payment.
func MarkerKey(paymentID string) string {
	return "payment:allocated:" + paymentID
}

// Ledger is the part of the credit ledger the engine mutates.
type Ledger interface {
	LockUser(ctx context.Context, q database.Querier, userID uuid.UUID) error
	SumBalance(ctx context.Context, q database.Querier, userID uuid.UUID) (float64, error)
	FindByPaymentIDForUpdate(ctx context.Context, q database.Querier, paymentID string) (*credit.LedgerEntry, error)
	FindCompletedByPaymentID(ctx context.Context, paymentID string) (*credit.LedgerEntry, error)
	CompleteAllocation(ctx context.Context, q database.Querier, c credit.Completion) error
}

// PaymentRecords mirrors allocations onto the unified payment record.
type PaymentRecords interface {
	UpdateStatusByProviderPaymentID(ctx context.Context, q database.Querier, provider payment.Provider, providerPaymentID string, status payment.Status, providerStatus string, metadataPatch map[string]interface{}) (*payment.Payment, error)
	LinkCreditTransaction(ctx context.Context, q database.Querier, paymentID, creditTransactionID uuid.UUID) error
}

type Users interface {
	GetByID(ctx context.Context, id uuid.UUID) (*user.User, error)
}

type BalanceCache interface {
	Invalidate(ctx context.Context, userID uuid.UUID)
}

type Notifier interface {
	CreditsAllocated(ctx context.Context, event notification.CreditsAllocated) error
}

// Config holds business limits.
type Config struct {
	Rate                    float64
	MaxCreditPerTransaction float64
	TxTimeout               time.Duration
}

// Deps groups the engine's collaborators.
type Deps struct {
	Tx       database.TxRunner
	Ledger   Ledger
	Payments PaymentRecords
	Users    Users
	Balances BalanceCache
	Cache    *cache.Cache
	Notifier Notifier
	Metrics  *Metrics
}

// Engine converts confirmed payments into ledger credit exactly once.
type Engine struct {
	Deps
	cfg Config
	now func() time.Time
}

func NewEngine(deps Deps, cfg Config) *Engine {
	if cfg.Rate <= 0 {
		cfg.Rate = 1.0
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = defaultTxTimeout
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	return &Engine{Deps: deps, cfg: cfg, now: time.Now}
}

// MetricsSnapshot returns the engine's counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	return e.Deps.Metrics.Snapshot()
}

// plan is everything the atomic unit needs once pre-checks have passed.
type plan struct {
	userID         uuid.UUID
	paymentID      string
	creditAmount   float64
	requestedUSD   float64
	paidUSD        float64
	allocation     *credit.Allocation
	payCurrency    string
	recordStatus   payment.Status
	providerStatus string
	manual         bool
}

// AllocateCreditsForPayment credits the user for a payment the gateway reports
// as finished. Repeated calls for the same payment return the original result
// flagged as a duplicate.
func (e *Engine) AllocateCreditsForPayment(ctx context.Context, userID uuid.UUID, paymentID string, requestedUSD float64, status *nowpayments.PaymentStatus) Result {
	ctx = logger.WithPayment(ctx, paymentID, userID.String())
	log := logger.FromContext(ctx)

	if res, ok := e.findDuplicate(ctx, userID, paymentID); ok {
		return res
	}

	p, err := e.prepare(ctx, userID, paymentID, requestedUSD, status)
	if err != nil {
		log.Warn().Err(err).Msg("allocation rejected")
		e.Deps.Metrics.failure(reasonFor(err))
		return failed(err)
	}

	return e.execute(ctx, p)
}

// prepare runs the pre-checks in order and builds the allocation plan.
func (e *Engine) prepare(ctx context.Context, userID uuid.UUID, paymentID string, requestedUSD float64, status *nowpayments.PaymentStatus) (*plan, error) {
	if math.IsNaN(requestedUSD) || math.IsInf(requestedUSD, 0) || requestedUSD <= 0 {
		return nil, ErrInvalidAmount
	}
	if status == nil {
		return nil, ErrAmountUndeterminable
	}

	paid, alloc, err := ResolvePaidUSD(requestedUSD, status)
	if err != nil {
		return nil, err
	}
	if paid < requestedUSD-usdEpsilon {
		return nil, fmt.Errorf("%w: paid %.8f of %.2f USD", ErrUnderpaid, paid, requestedUSD)
	}

	amount, err := e.validate(ctx, userID, requestedUSD)
	if err != nil {
		return nil, err
	}
	if status.PaymentStatus != "finished" {
		return nil, fmt.Errorf("%w: %s", ErrStatusNotFinished, status.PaymentStatus)
	}
	if status.ActuallyPaid != nil && status.PayAmount != nil && *status.ActuallyPaid < *status.PayAmount-cryptoEpsilon {
		return nil, fmt.Errorf("%w: %.8f of %.8f %s", ErrCryptoUnderpaid, *status.ActuallyPaid, *status.PayAmount, status.PayCurrency)
	}

	return &plan{
		userID:         userID,
		paymentID:      paymentID,
		creditAmount:   amount,
		requestedUSD:   requestedUSD,
		paidUSD:        paid,
		allocation:     alloc,
		payCurrency:    strings.ToLower(status.PayCurrency),
		recordStatus:   payment.StatusSucceeded,
		providerStatus: status.PaymentStatus,
	}, nil
}

// ResolvePaidUSD derives the USD actually paid. A USD outcome amount wins;
// otherwise the crypto paid/due ratio is applied to the requested amount.
func ResolvePaidUSD(requestedUSD float64, status *nowpayments.PaymentStatus) (float64, *credit.Allocation, error) {
	if status.OutcomeAmount != nil && *status.OutcomeAmount > 0 && strings.EqualFold(status.OutcomeCurrency, "usd") {
		return *status.OutcomeAmount, &credit.Allocation{
			Source: credit.SourceOutcome,
			Outcome: &credit.OutcomeAllocation{
				OutcomeAmount:   *status.OutcomeAmount,
				OutcomeCurrency: strings.ToLower(status.OutcomeCurrency),
			},
		}, nil
	}

	if status.ActuallyPaid != nil && status.PayAmount != nil && *status.PayAmount > 0 {
		paid := requestedUSD * (*status.ActuallyPaid / *status.PayAmount)
		return paid, &credit.Allocation{
			Source: credit.SourceRatio,
			Ratio: &credit.RatioAllocation{
				ActuallyPaid: *status.ActuallyPaid,
				PayAmount:    *status.PayAmount,
				PayCurrency:  strings.ToLower(status.PayCurrency),
			},
		}, nil
	}

	return 0, nil, ErrAmountUndeterminable
}

// validate checks the account and computes the credit to grant.
func (e *Engine) validate(ctx context.Context, userID uuid.UUID, amountUSD float64) (float64, error) {
	u, err := e.Users.GetByID(ctx, userID)
	if errors.Is(err, user.ErrUserNotFound) || (err == nil && u == nil) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("%w: load user: %v", ErrInternal, err)
	}
	if !u.IsActive() {
		return 0, ErrUserInactive
	}

	amount := credit.Round2(amountUSD * e.cfg.Rate)
	if amount <= 0 || (e.cfg.MaxCreditPerTransaction > 0 && amount > e.cfg.MaxCreditPerTransaction) {
		return 0, fmt.Errorf("%w: %.2f", ErrCreditOutOfRange, amount)
	}
	return amount, nil
}

// findDuplicate consults the cache marker first, then the ledger. A payment
// already credited to another user is reported as an ownership mismatch.
func (e *Engine) findDuplicate(ctx context.Context, userID uuid.UUID, paymentID string) (Result, bool) {
	log := logger.FromContext(ctx)

	var m marker
	found, err := e.Cache.GetJSON(ctx, MarkerKey(paymentID), &m)
	if err != nil {
		log.Warn().Err(err).Msg("allocation marker read failed")
	}
	if found && m.UserID != uuid.Nil && m.UserID != userID {
		return e.foreignAllocation(ctx, m.UserID), true
	}
	if found {
		e.Deps.Metrics.duplicate()
		log.Info().Str("source", "cache").Msg("payment already allocated")
		return m.result(), true
	}

	entry, err := e.Ledger.FindCompletedByPaymentID(ctx, paymentID)
	if err != nil {
		// The in-transaction check still guards the write.
		log.Warn().Err(err).Msg("completed allocation lookup failed")
		return Result{}, false
	}
	if entry == nil {
		return Result{}, false
	}

	m = markerFor(entry)
	e.setMarker(ctx, paymentID, m)
	if entry.UserID != userID {
		return e.foreignAllocation(ctx, entry.UserID), true
	}
	e.Deps.Metrics.duplicate()
	log.Info().Str("source", "ledger").Msg("payment already allocated")
	return m.result(), true
}

func (e *Engine) foreignAllocation(ctx context.Context, owner uuid.UUID) Result {
	err := fmt.Errorf("%w: already credited", ErrOwnershipMismatch)
	logger.FromContext(ctx).Warn().Err(err).Str("owner_id", owner.String()).Msg("allocation rejected")
	e.Deps.Metrics.failure(ReasonOwnershipMismatch)
	return failed(err)
}

// execute runs the atomic unit and the best-effort follow-ups.
func (e *Engine) execute(ctx context.Context, p *plan) Result {
	log := logger.FromContext(ctx)
	start := e.now()

	// Allocation must not be abandoned halfway because the caller gave up.
	txCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.TxTimeout)
	defer cancel()

	var (
		entry     *credit.LedgerEntry
		completed credit.Completion
	)
	err := e.Tx.RunInTx(txCtx, func(q database.Querier) error {
		if err := e.Ledger.LockUser(txCtx, q, p.userID); err != nil {
			return err
		}
		before, err := e.Ledger.SumBalance(txCtx, q, p.userID)
		if err != nil {
			return err
		}

		entry, err = e.Ledger.FindByPaymentIDForUpdate(txCtx, q, p.paymentID)
		if errors.Is(err, credit.ErrEntryNotFound) {
			return ErrReservationNotFound
		}
		if err != nil {
			return err
		}
		// Lock and balance above are the caller's; they must also be the row owner's.
		if entry.UserID != p.userID {
			return fmt.Errorf("%w: reserved for another user", ErrOwnershipMismatch)
		}
		if entry.IsCompleted() {
			return errAlreadyAllocated
		}

		pinned := strings.ToLower(entry.Metadata.PayCurrency)
		if p.allocation.Source == credit.SourceRatio && pinned != "" && p.payCurrency != "" && pinned != p.payCurrency {
			return fmt.Errorf("%w: reserved %s, paid %s", ErrPayCurrencyMismatch, pinned, p.payCurrency)
		}

		now := e.now().UTC()
		meta := credit.LedgerMetadata{
			PaymentCompleted: true,
			AllocatedAt:      &now,
			PaidAmountUSD:    p.paidUSD,
			PaidRatio:        p.paidUSD / p.requestedUSD,
			AllocationRate:   e.cfg.Rate,
			Allocation:       p.allocation,
		}
		if pinned == "" && p.payCurrency != "" {
			meta.PayCurrency = p.payCurrency
		}
		if p.manual {
			meta.RequestedAmountUSD = p.requestedUSD
		}

		completed = credit.Completion{
			EntryID:       entry.ID,
			Amount:        p.creditAmount,
			BalanceBefore: credit.Round2(before),
			PaymentStatus: "finished",
			Metadata:      meta,
		}
		if err := e.Ledger.CompleteAllocation(txCtx, q, completed); err != nil {
			return err
		}

		return e.linkPaymentRecord(txCtx, q, p, entry.ID)
	})

	if errors.Is(err, errAlreadyAllocated) {
		m := markerFor(entry)
		e.setMarker(ctx, p.paymentID, m)
		e.Deps.Metrics.duplicate()
		log.Info().Str("source", "transaction").Msg("payment already allocated")
		return m.result()
	}
	if err != nil {
		log.Error().Err(err).Msg("credit allocation failed")
		e.Deps.Metrics.failure(reasonFor(err))
		return failed(err)
	}

	res := Result{
		Success:       true,
		CreditAmount:  completed.Amount,
		TransactionID: entry.ID,
		BalanceAfter:  completed.BalanceAfter(),
	}
	took := e.now().Sub(start)

	e.afterCommit(ctx, p, res)
	e.Deps.Metrics.allocated(string(p.allocation.Source), res.CreditAmount, took)

	log.Info().
		Float64("credit_amount", res.CreditAmount).
		Float64("balance_after", res.BalanceAfter).
		Str("transaction_id", res.TransactionID.String()).
		Str("source", string(p.allocation.Source)).
		Dur("took", took).
		Msg("credits allocated")
	return res
}

// linkPaymentRecord mirrors the allocation onto the unified payment record.
// A missing record does not block the credit.
func (e *Engine) linkPaymentRecord(ctx context.Context, q database.Querier, p *plan, transactionID uuid.UUID) error {
	patch := map[string]interface{}{
		"creditTransactionId": transactionID.String(),
		"creditAmount":        p.creditAmount,
	}

	rec, err := e.Payments.UpdateStatusByProviderPaymentID(ctx, q, payment.ProviderNowPayments, p.paymentID, p.recordStatus, p.providerStatus, patch)
	if errors.Is(err, payment.ErrPaymentNotFound) {
		logger.FromContext(ctx).Warn().Msg("no unified payment record to link allocation to")
		return nil
	}
	if err != nil {
		return err
	}
	return e.Payments.LinkCreditTransaction(ctx, q, rec.ID, transactionID)
}

func (e *Engine) afterCommit(ctx context.Context, p *plan, res Result) {
	log := logger.FromContext(ctx)

	if e.Balances != nil {
		e.Balances.Invalidate(ctx, p.userID)
	}
	e.setMarker(ctx, p.paymentID, marker{
		UserID:        p.userID,
		TransactionID: res.TransactionID,
		CreditAmount:  res.CreditAmount,
		BalanceAfter:  res.BalanceAfter,
	})

	if e.Notifier == nil {
		return
	}
	err := e.Notifier.CreditsAllocated(ctx, notification.CreditsAllocated{
		UserID:        p.userID,
		PaymentID:     p.paymentID,
		TransactionID: res.TransactionID,
		CreditAmount:  res.CreditAmount,
		BalanceAfter:  res.BalanceAfter,
		Manual:        p.manual,
		OccurredAt:    e.now().UTC(),
	})
	if err != nil {
		log.Warn().Err(err).Msg("credits allocated notification failed")
	}
}

func (e *Engine) setMarker(ctx context.Context, paymentID string, m marker) {
	if err := e.Cache.SetJSON(ctx, MarkerKey(paymentID), m, markerTTL); err != nil {
		logger.FromContext(ctx).Warn().Err(err).Msg("allocation marker write failed")
	}
}

func markerFor(entry *credit.LedgerEntry) marker {
	return marker{
		UserID:        entry.UserID,
		TransactionID: entry.ID,
		CreditAmount:  entry.Amount,
		BalanceAfter:  entry.BalanceAfter,
	}
}
