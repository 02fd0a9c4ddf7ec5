package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/atmx/strategy-vault/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for strategy and hedge reads. Transactions go to the primary and
// invalidate every key they touched once they commit.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	var touched []string
	err := s.primary.Atomic(ctx, func(tx Tx) error {
		touched = touched[:0]
		return fn(&invalidatingTx{Tx: tx, touched: &touched})
	})
	if err != nil {
		return err
	}
	if len(touched) == 0 {
		return nil
	}
	// The commit stands even if the caller has gone away; the cache must
	// follow it.
	if err := s.rdb.Del(context.WithoutCancel(ctx), touched...).Err(); err != nil {
		log.Warn().Err(err).Strs("keys", touched).Dur("ttl", s.ttl).
			Msg("cache invalidation failed, entries expire with their ttl")
	}
	return nil
}

// invalidatingTx records the cache keys a transaction writes.
type invalidatingTx struct {
	Tx
	touched *[]string
}

func (t *invalidatingTx) UpdateStrategyState(ctx context.Context, id int64, active, settled bool, payout int64) error {
	*t.touched = append(*t.touched, strategyKey(id))
	return t.Tx.UpdateStrategyState(ctx, id, active, settled, payout)
}

func (t *invalidatingTx) PutHedge(ctx context.Context, h *model.HedgeRecord) error {
	*t.touched = append(*t.touched, hedgeKey(h.StrategyID))
	return t.Tx.PutHedge(ctx, h)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetStrategy(ctx context.Context, id int64) (*model.Strategy, error) {
	data, err := s.rdb.Get(ctx, strategyKey(id)).Bytes()
	if err == nil {
		var st model.Strategy
		if json.Unmarshal(data, &st) == nil {
			return &st, nil
		}
	}

	// Cache miss: read from primary.
	st, err := s.primary.GetStrategy(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(st); err == nil {
		s.rdb.Set(ctx, strategyKey(id), data, s.ttl)
	}
	return st, nil
}

func (s *CachedStore) GetHedge(ctx context.Context, strategyID int64) (*model.HedgeRecord, error) {
	data, err := s.rdb.Get(ctx, hedgeKey(strategyID)).Bytes()
	if err == nil {
		var h model.HedgeRecord
		if json.Unmarshal(data, &h) == nil {
			return &h, nil
		}
	}

	h, err := s.primary.GetHedge(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(h); err == nil {
		s.rdb.Set(ctx, hedgeKey(strategyID), data, s.ttl)
	}
	return h, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListStrategies(ctx context.Context) ([]model.Strategy, error) {
	return s.primary.ListStrategies(ctx)
}

func (s *CachedStore) NextStrategyID(ctx context.Context) (int64, error) {
	return s.primary.NextStrategyID(ctx)
}

func (s *CachedStore) PositionsOf(ctx context.Context, user string) ([]model.Position, error) {
	return s.primary.PositionsOf(ctx, user)
}

func (s *CachedStore) StrategyPrincipal(ctx context.Context, strategyID int64) (model.Amount, error) {
	return s.primary.StrategyPrincipal(ctx, strategyID)
}

func (s *CachedStore) Balance(ctx context.Context, account string) (model.Amount, error) {
	return s.primary.Balance(ctx, account)
}

func (s *CachedStore) Allowance(ctx context.Context, owner string) (model.Amount, error) {
	return s.primary.Allowance(ctx, owner)
}

// --- Cache helpers ---

func strategyKey(id int64) string { return fmt.Sprintf("vault:strategy:%d", id) }
func hedgeKey(id int64) string    { return fmt.Sprintf("vault:hedge:%d", id) }
