package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwork/mwork-reconciler/internal/domain/credit"
	"github.com/mwork/mwork-reconciler/internal/pkg/cache"
)

func TestQueue_RebuildsOnMissAndExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ledger := newFakeLedger()
	ledger.add("1100000001", "waiting", 10)
	credited := ledger.add("1100000002", "finished", 10)
	credited.Metadata.PaymentCompleted = true
	ledger.add("1100000003", "finished", 10)
	ledger.add("1100000004", "expired", 10)
	q := NewQueue(cache.New(client), ledger, time.Hour)
	ctx := context.Background()

	entries, err := q.Load(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "1100000001", entries[0].PaymentID)
	assert.Equal(t, "1100000003", entries[1].PaymentID, "finished without credit is still tracked")
	assert.True(t, mr.Exists(QueueKey))
	assert.Equal(t, queueTTL, mr.TTL(QueueKey))

	_, err = q.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ledger.lists, "second load is served from the snapshot")

	mr.FastForward(queueTTL + time.Second)
	_, err = q.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, ledger.lists)
}

func TestQueue_RecencyWindow(t *testing.T) {
	ledger := newFakeLedger()
	old := ledger.add("1200000001", "waiting", 10)
	old.CreatedAt = time.Now().Add(-10 * 24 * time.Hour)
	ledger.add("1200000002", "waiting", 10)

	entries, err := NewQueue(cache.New(nil), ledger, 7*24*time.Hour).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "1200000002", entries[0].PaymentID)
}

func TestQueue_LocalSnapshotWithoutRedis(t *testing.T) {
	ledger := newFakeLedger()
	q := NewQueue(cache.New(nil), ledger, time.Hour)
	now := time.Now()
	q.now = func() time.Time { return now }
	ctx := context.Background()

	added, err := q.Add(ctx, credit.PendingEntry{PaymentID: "1300000001", UserID: uuid.New()})
	require.NoError(t, err)
	assert.True(t, added)

	entries, err := q.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, q.Remove(ctx, "1300000001"))
	entries, _ = q.Load(ctx)
	assert.Empty(t, entries)
	assert.Equal(t, 1, ledger.lists)

	now = now.Add(queueTTL + time.Minute)
	_, _ = q.Load(ctx)
	assert.Equal(t, 2, ledger.lists)
}

func TestQueue_RedisOutageFallsBackToLedger(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ledger := newFakeLedger()
	ledger.add("1400000001", "", 10)
	mr.SetError("ERR backend down")

	entries, err := NewQueue(cache.New(client), ledger, time.Hour).Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
