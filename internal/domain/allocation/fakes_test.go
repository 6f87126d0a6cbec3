package allocation

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mwork/mwork-reconciler/internal/domain/credit"
	"github.com/mwork/mwork-reconciler/internal/domain/notification"
	"github.com/mwork/mwork-reconciler/internal/domain/payment"
	"github.com/mwork/mwork-reconciler/internal/domain/user"
	"github.com/mwork/mwork-reconciler/internal/pkg/cache"
	"github.com/mwork/mwork-reconciler/internal/pkg/database"
	"github.com/mwork/mwork-reconciler/internal/pkg/nowpayments"
)

// serialRunner stands in for Postgres: one transaction at a time.
type serialRunner struct {
	mu  sync.Mutex
	txs int
}

func (r *serialRunner) RunInTx(ctx context.Context, fn func(q database.Querier) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs++
	return fn(nil)
}

type fakeLedger struct {
	mu          sync.Mutex
	entries     map[string]*credit.LedgerEntry
	opening     map[uuid.UUID]float64
	completions int
	locked      []uuid.UUID
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		entries: make(map[string]*credit.LedgerEntry),
		opening: make(map[uuid.UUID]float64),
	}
}

func (l *fakeLedger) reserve(userID uuid.UUID, paymentID string, meta credit.LedgerMetadata) *credit.LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := &credit.LedgerEntry{
		ID:        uuid.New(),
		UserID:    userID,
		Type:      credit.EntryTypeDeposit,
		PaymentID: sql.NullString{String: paymentID, Valid: true},
		Metadata:  meta,
	}
	l.entries[paymentID] = e
	return e
}

func (l *fakeLedger) LockUser(ctx context.Context, q database.Querier, userID uuid.UUID) error {
	l.mu.Lock()
	l.locked = append(l.locked, userID)
	l.mu.Unlock()
	return nil
}

func (l *fakeLedger) SumBalance(ctx context.Context, q database.Querier, userID uuid.UUID) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sum := l.opening[userID]
	for _, e := range l.entries {
		if e.UserID == userID {
			sum += e.Amount
		}
	}
	return sum, nil
}

func (l *fakeLedger) FindByPaymentIDForUpdate(ctx context.Context, q database.Querier, paymentID string) (*credit.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[paymentID]
	if !ok {
		return nil, credit.ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (l *fakeLedger) FindCompletedByPaymentID(ctx context.Context, paymentID string) (*credit.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[paymentID]
	if !ok || !e.IsCompleted() {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (l *fakeLedger) CompleteAllocation(ctx context.Context, q database.Querier, c credit.Completion) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.ID != c.EntryID {
			continue
		}
		l.completions++
		e.Amount = c.Amount
		e.BalanceBefore = c.BalanceBefore
		e.BalanceAfter = c.BalanceAfter()
		e.PaymentStatus = sql.NullString{String: c.PaymentStatus, Valid: true}

		m := c.Metadata
		m.OrderID = e.Metadata.OrderID
		if m.RequestedAmountUSD == 0 {
			m.RequestedAmountUSD = e.Metadata.RequestedAmountUSD
		}
		if m.PayCurrency == "" {
			m.PayCurrency = e.Metadata.PayCurrency
		}
		e.Metadata = m
		return nil
	}
	return credit.ErrEntryNotFound
}

func (l *fakeLedger) entry(paymentID string) credit.LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.entries[paymentID]
}

type fakePayments struct {
	mu      sync.Mutex
	records map[string]*payment.Payment
	links   map[uuid.UUID]uuid.UUID
}

func newFakePayments() *fakePayments {
	return &fakePayments{
		records: make(map[string]*payment.Payment),
		links:   make(map[uuid.UUID]uuid.UUID),
	}
}

func (p *fakePayments) add(providerPaymentID string) *payment.Payment {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := &payment.Payment{ID: uuid.New(), Provider: payment.ProviderNowPayments, Status: payment.StatusProcessing}
	p.records[providerPaymentID] = rec
	return rec
}

func (p *fakePayments) UpdateStatusByProviderPaymentID(ctx context.Context, q database.Querier, provider payment.Provider, providerPaymentID string, status payment.Status, providerStatus string, patch map[string]interface{}) (*payment.Payment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[providerPaymentID]
	if !ok {
		return nil, payment.ErrPaymentNotFound
	}
	rec.Status = status
	return rec, nil
}

func (p *fakePayments) LinkCreditTransaction(ctx context.Context, q database.Querier, paymentID, creditTransactionID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.links[paymentID] = creditTransactionID
	return nil
}

type fakeUsers map[uuid.UUID]*user.User

func (f fakeUsers) GetByID(ctx context.Context, id uuid.UUID) (*user.User, error) {
	u, ok := f[id]
	if !ok {
		return nil, user.ErrUserNotFound
	}
	return u, nil
}

type fakeBalances struct {
	mu          sync.Mutex
	invalidated []uuid.UUID
}

func (b *fakeBalances) Invalidate(ctx context.Context, userID uuid.UUID) {
	b.mu.Lock()
	b.invalidated = append(b.invalidated, userID)
	b.mu.Unlock()
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notification.CreditsAllocated
}

func (n *fakeNotifier) CreditsAllocated(ctx context.Context, event notification.CreditsAllocated) error {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
	return nil
}

type harness struct {
	engine   *Engine
	runner   *serialRunner
	ledger   *fakeLedger
	payments *fakePayments
	users    fakeUsers
	balances *fakeBalances
	notifier *fakeNotifier
	redis    *miniredis.Miniredis
	cache    *cache.Cache
	userID   uuid.UUID
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	h := &harness{
		runner:   &serialRunner{},
		ledger:   newFakeLedger(),
		payments: newFakePayments(),
		users:    fakeUsers{},
		balances: &fakeBalances{},
		notifier: &fakeNotifier{},
		redis:    mr,
		cache:    cache.New(client),
		userID:   uuid.New(),
	}
	h.users[h.userID] = &user.User{ID: h.userID, Role: user.RoleModel}

	h.engine = NewEngine(Deps{
		Tx:       h.runner,
		Ledger:   h.ledger,
		Payments: h.payments,
		Users:    h.users,
		Balances: h.balances,
		Cache:    h.cache,
		Notifier: h.notifier,
	}, cfg)
	return h
}

func ptr(v float64) *float64 { return &v }

func finishedOutcome(paymentID string, outcomeUSD float64) *nowpayments.PaymentStatus {
	return &nowpayments.PaymentStatus{
		PaymentStatus:   "finished",
		OutcomeAmount:   ptr(outcomeUSD),
		OutcomeCurrency: "usd",
		PayCurrency:     "btc",
		OrderID:         "order-" + paymentID,
	}
}

func finishedRatio(payCurrency string, paid, due float64) *nowpayments.PaymentStatus {
	return &nowpayments.PaymentStatus{
		PaymentStatus: "finished",
		ActuallyPaid:  ptr(paid),
		PayAmount:     ptr(due),
		PayCurrency:   payCurrency,
	}
}
