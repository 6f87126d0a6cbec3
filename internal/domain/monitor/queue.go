package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/mwork/mwork-reconciler/internal/domain/credit"
	"github.com/mwork/mwork-reconciler/internal/pkg/cache"
	"github.com/mwork/mwork-reconciler/internal/pkg/logger"
)

const (
	// QueueKey holds the JSON snapshot of payments awaiting a terminal status.
	QueueKey = "monitor:pending_payments"
	queueTTL = time.Hour

	rebuildLimit = 500
)

// CandidateSource rebuilds the working set when the snapshot is gone.
type CandidateSource interface {
	ListMonitorCandidates(ctx context.Context, since time.Time, limit int) ([]credit.PendingEntry, error)
}

// Queue is the poller's working set. The Redis snapshot is a convenience;
// the ledger is always able to rebuild it. Without Redis an in-process copy
// with the same lifetime is used instead.
type Queue struct {
	mu     sync.Mutex
	cache  *cache.Cache
	source CandidateSource
	window time.Duration
	now    func() time.Time

	local   []credit.PendingEntry
	localAt time.Time
}

func NewQueue(c *cache.Cache, source CandidateSource, window time.Duration) *Queue {
	return &Queue{cache: c, source: source, window: window, now: time.Now}
}

// Load returns the current working set, rebuilding it from the ledger on a miss.
func (q *Queue) Load(ctx context.Context) ([]credit.PendingEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

// Add enqueues an entry unless its payment is already tracked.
func (q *Queue) Add(ctx context.Context, entry credit.PendingEntry) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.load(ctx)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.PaymentID == entry.PaymentID {
			return false, nil
		}
	}
	q.store(ctx, append(entries, entry))
	return true, nil
}

// Remove drops a payment from the working set.
func (q *Queue) Remove(ctx context.Context, paymentID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.load(ctx)
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.PaymentID != paymentID {
			kept = append(kept, e)
		}
	}
	q.store(ctx, kept)
	return nil
}

// Contains reports whether the payment is currently tracked.
func (q *Queue) Contains(ctx context.Context, paymentID string) (credit.PendingEntry, bool) {
	entries, err := q.Load(ctx)
	if err != nil {
		return credit.PendingEntry{}, false
	}
	for _, e := range entries {
		if e.PaymentID == paymentID {
			return e, true
		}
	}
	return credit.PendingEntry{}, false
}

func (q *Queue) load(ctx context.Context) ([]credit.PendingEntry, error) {
	if q.cache.Enabled() {
		var entries []credit.PendingEntry
		found, err := q.cache.GetJSON(ctx, QueueKey, &entries)
		if err != nil {
			logger.FromContext(ctx).Warn().Err(err).Msg("pending queue read failed, rebuilding from ledger")
		}
		if found {
			return entries, nil
		}
	} else if q.local != nil && q.now().Sub(q.localAt) < queueTTL {
		return append([]credit.PendingEntry(nil), q.local...), nil
	}

	entries, err := q.source.ListMonitorCandidates(ctx, q.now().Add(-q.window), rebuildLimit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []credit.PendingEntry{}
	}
	logger.FromContext(ctx).Debug().Int("count", len(entries)).Msg("pending queue rebuilt from ledger")
	q.store(ctx, entries)
	return entries, nil
}

func (q *Queue) store(ctx context.Context, entries []credit.PendingEntry) {
	if !q.cache.Enabled() {
		q.local = append([]credit.PendingEntry{}, entries...)
		q.localAt = q.now()
		return
	}
	if err := q.cache.SetJSON(ctx, QueueKey, entries, queueTTL); err != nil {
		logger.FromContext(ctx).Warn().Err(err).Msg("pending queue write failed")
	}
}
