package monitor

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mwork/mwork-reconciler/internal/domain/allocation"
	"github.com/mwork/mwork-reconciler/internal/domain/credit"
	"github.com/mwork/mwork-reconciler/internal/domain/payment"
	"github.com/mwork/mwork-reconciler/internal/domain/paymentfailure"
	"github.com/mwork/mwork-reconciler/internal/pkg/cache"
	"github.com/mwork/mwork-reconciler/internal/pkg/database"
	"github.com/mwork/mwork-reconciler/internal/pkg/nowpayments"
)

type serialRunner struct{ mu sync.Mutex }

func (r *serialRunner) RunInTx(ctx context.Context, fn func(q database.Querier) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(nil)
}

type fakeLedger struct {
	mu      sync.Mutex
	entries map[string]*credit.LedgerEntry
	order   []string
	skipped map[string]string
	lists   int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{entries: make(map[string]*credit.LedgerEntry), skipped: make(map[string]string)}
}

func (l *fakeLedger) add(paymentID, status string, requestedUSD float64) *credit.LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := &credit.LedgerEntry{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Type:      credit.EntryTypeDeposit,
		PaymentID: sql.NullString{String: paymentID, Valid: true},
		Metadata:  credit.LedgerMetadata{RequestedAmountUSD: requestedUSD},
		CreatedAt: time.Now(),
	}
	if status != "" {
		e.PaymentStatus = sql.NullString{String: status, Valid: true}
	}
	l.entries[paymentID] = e
	l.order = append(l.order, paymentID)
	return e
}

func (l *fakeLedger) status(paymentID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries[paymentID].PaymentStatus.String
}

func (l *fakeLedger) ListMonitorCandidates(ctx context.Context, since time.Time, limit int) ([]credit.PendingEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lists++
	var out []credit.PendingEntry
	for _, id := range l.order {
		e := l.entries[id]
		if l.skipped[id] != "" || e.CreatedAt.Before(since) {
			continue
		}
		if s := e.PaymentStatus.String; isTerminal(s) && !(s == credit.StatusFinished && !e.IsCompleted()) {
			continue
		}
		out = append(out, credit.PendingEntry{PaymentID: id, UserID: e.UserID, CreatedAt: e.CreatedAt})
	}
	return out, nil
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

func (l *fakeLedger) UpdatePaymentStatus(ctx context.Context, q database.Querier, entryID uuid.UUID, status, payinHash string, meta credit.LedgerMetadata) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.ID == entryID {
			e.PaymentStatus = sql.NullString{String: status, Valid: true}
			if payinHash != "" {
				e.PayinHash = sql.NullString{String: payinHash, Valid: true}
			}
			e.Metadata.LastProviderStatus = meta.LastProviderStatus
			e.Metadata.MonitoredAt = meta.MonitoredAt
			return nil
		}
	}
	return credit.ErrEntryNotFound
}

func (l *fakeLedger) MarkSkipped(ctx context.Context, paymentID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.skipped[paymentID] = reason
	return nil
}

type fakePayments struct {
	mu       sync.Mutex
	statuses map[string]payment.Status
	raw      map[string]string
}

func newFakePayments() *fakePayments {
	return &fakePayments{statuses: make(map[string]payment.Status), raw: make(map[string]string)}
}

func (p *fakePayments) UpdateStatusByProviderPaymentID(ctx context.Context, q database.Querier, provider payment.Provider, providerPaymentID string, status payment.Status, providerStatus string, patch map[string]interface{}) (*payment.Payment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.statuses[providerPaymentID]; !ok {
		return nil, payment.ErrPaymentNotFound
	}
	p.statuses[providerPaymentID] = status
	p.raw[providerPaymentID] = providerStatus
	return &payment.Payment{ID: uuid.New(), Status: status}, nil
}

type fakeGateway struct {
	mu      sync.Mutex
	calls   map[string]int
	respond func(paymentID string, call int) (*nowpayments.PaymentStatus, error)
	pingErr error
}

func newFakeGateway(respond func(paymentID string, call int) (*nowpayments.PaymentStatus, error)) *fakeGateway {
	return &fakeGateway{calls: make(map[string]int), respond: respond}
}

func (g *fakeGateway) GetPaymentStatus(ctx context.Context, paymentID string) (*nowpayments.PaymentStatus, error) {
	g.mu.Lock()
	g.calls[paymentID]++
	call := g.calls[paymentID]
	g.mu.Unlock()
	return g.respond(paymentID, call)
}

func (g *fakeGateway) Ping(ctx context.Context) error { return g.pingErr }

func (g *fakeGateway) callCount(paymentID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[paymentID]
}

type allocationCall struct {
	userID    uuid.UUID
	paymentID string
	requested float64
}

type fakeAllocator struct {
	mu     sync.Mutex
	calls  []allocationCall
	result allocation.Result
}

func (a *fakeAllocator) AllocateCreditsForPayment(ctx context.Context, userID uuid.UUID, paymentID string, requestedUSD float64, status *nowpayments.PaymentStatus) allocation.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, allocationCall{userID: userID, paymentID: paymentID, requested: requestedUSD})
	return a.result
}

func statusOf(s string) *nowpayments.PaymentStatus {
	return &nowpayments.PaymentStatus{PaymentStatus: s, PayCurrency: "btc"}
}

type pollerHarness struct {
	poller    *Poller
	ledger    *fakeLedger
	payments  *fakePayments
	gateway   *fakeGateway
	allocator *fakeAllocator
	tracker   *paymentfailure.Tracker
	queue     *Queue
	redis     *miniredis.Miniredis
	sleeps    []time.Duration
	sleepMu   sync.Mutex
}

func newPollerHarness(t *testing.T, gw *fakeGateway, cfg Config) *pollerHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	h := &pollerHarness{
		ledger:    newFakeLedger(),
		payments:  newFakePayments(),
		gateway:   gw,
		allocator: &fakeAllocator{result: allocation.Result{Success: true, CreditAmount: 50, TransactionID: uuid.New()}},
		tracker:   paymentfailure.NewTracker(nil),
		redis:     mr,
	}
	h.queue = NewQueue(cache.New(client), h.ledger, 7*24*time.Hour)
	h.poller = NewPoller(Deps{
		Tx:        &serialRunner{},
		Ledger:    h.ledger,
		Payments:  h.payments,
		Gateway:   gw,
		Allocator: h.allocator,
		Failures:  h.tracker,
		Queue:     h.queue,
	}, cfg)
	h.poller.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleepMu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.sleepMu.Unlock()
		return nil
	}
	return h
}

func (h *pollerHarness) queued(t *testing.T) []string {
	t.Helper()
	entries, err := h.queue.Load(context.Background())
	if err != nil {
		t.Fatalf("queue load: %v", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.PaymentID)
	}
	return ids
}
