package credit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mwork/mwork-reconciler/internal/pkg/cache"
)

const balanceCacheTTL = 5 * time.Minute

// BalanceCacheKey is the cache key holding a user's last known balance.
func BalanceCacheKey(userID uuid.UUID) string {
	return "user:balance:" + userID.String()
}

// BalanceReader reads balances through the cache. The ledger stays the
// source of truth; cache failures fall back to it silently.
type BalanceReader struct {
	repo  Repository
	cache *cache.Cache
}

func NewBalanceReader(repo Repository, c *cache.Cache) *BalanceReader {
	return &BalanceReader{repo: repo, cache: c}
}

func (s *BalanceReader) GetBalance(ctx context.Context, userID uuid.UUID) (float64, error) {
	key := BalanceCacheKey(userID)

	var cached float64
	found, err := s.cache.GetJSON(ctx, key, &cached)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID.String()).Msg("balance cache read failed")
	}
	if found {
		return cached, nil
	}

	balance, err := s.repo.Balance(ctx, userID)
	if err != nil {
		return 0, err
	}
	balance = Round2(balance)

	if err := s.cache.SetJSON(ctx, key, balance, balanceCacheTTL); err != nil {
		log.Warn().Err(err).Str("user_id", userID.String()).Msg("balance cache write failed")
	}
	return balance, nil
}

// Invalidate drops the cached balance after a ledger mutation.
func (s *BalanceReader) Invalidate(ctx context.Context, userID uuid.UUID) {
	if err := s.cache.Delete(ctx, BalanceCacheKey(userID)); err != nil {
		log.Warn().Err(err).Str("user_id", userID.String()).Msg("balance cache invalidation failed")
	}
}
