package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/strategy-vault/internal/model"
	"github.com/atmx/strategy-vault/internal/store"
)

func insert(t *testing.T, s store.Store, name string) int64 {
	t.Helper()
	var id int64
	err := s.Atomic(context.Background(), func(tx store.Tx) error {
		var err error
		id, err = tx.InsertStrategy(context.Background(), &model.Strategy{Name: name, Active: true})
		return err
	})
	require.NoError(t, err)
	return id
}

func TestMemoryStore_MonotonicIDs(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	next, err := s.NextStrategyID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), next)

	assert.Equal(t, int64(1), insert(t, s, "a"))
	assert.Equal(t, int64(2), insert(t, s, "b"))

	list, err := s.ListStrategies(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)
}

func TestMemoryStore_AtomicRollsBack(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Atomic(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.Mint(ctx, "alice", 100))
		_, err := tx.InsertStrategy(ctx, &model.Strategy{Name: "lost"})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	bal, _ := s.Balance(ctx, "alice")
	assert.Equal(t, model.Amount(0), bal)
	next, _ := s.NextStrategyID(ctx)
	assert.Equal(t, int64(1), next, "failed tx must not consume an id")
}

func TestMemoryStore_TransferAndAllowance(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Atomic(ctx, func(tx store.Tx) error {
		if err := tx.Mint(ctx, "alice", 50); err != nil {
			return err
		}
		return tx.SetAllowance(ctx, "alice", 40)
	}))

	err := s.Atomic(ctx, func(tx store.Tx) error { return tx.SpendAllowance(ctx, "alice", 41) })
	assert.ErrorIs(t, err, store.ErrInsufficientAllowance)

	err = s.Atomic(ctx, func(tx store.Tx) error { return tx.Transfer(ctx, "alice", "vault", 51) })
	assert.ErrorIs(t, err, store.ErrInsufficientBalance)

	require.NoError(t, s.Atomic(ctx, func(tx store.Tx) error {
		if err := tx.SpendAllowance(ctx, "alice", 40); err != nil {
			return err
		}
		return tx.Transfer(ctx, "alice", "vault", 40)
	}))

	bal, _ := s.Balance(ctx, "alice")
	assert.Equal(t, model.Amount(10), bal)
	bal, _ = s.Balance(ctx, "vault")
	assert.Equal(t, model.Amount(40), bal)
	allow, _ := s.Allowance(ctx, "alice")
	assert.Equal(t, model.Amount(0), allow)
}

func TestMemoryStore_PositionsAppendOnly(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Atomic(ctx, func(tx store.Tx) error {
				_, err := tx.AppendPosition(ctx, &model.Position{User: "bob", StrategyID: 1, Principal: 10, PurchaseTimestamp: now})
				return err
			})
		}()
	}
	wg.Wait()

	ps, err := s.PositionsOf(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, ps, 20)
	for i, p := range ps {
		assert.Equal(t, i, p.Index)
	}

	require.NoError(t, s.Atomic(ctx, func(tx store.Tx) error { return tx.MarkClaimed(ctx, "bob", 3) }))
	ps, _ = s.PositionsOf(ctx, "bob")
	assert.True(t, ps[3].Claimed)
	assert.False(t, ps[2].Claimed)

	err = s.Atomic(ctx, func(tx store.Tx) error { return tx.MarkClaimed(ctx, "bob", 99) })
	assert.ErrorIs(t, err, store.ErrNotFound)

	total, err := s.StrategyPrincipal(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.Amount(200), total)
	total, _ = s.StrategyPrincipal(ctx, 2)
	assert.Zero(t, total)
}

func TestMemoryStore_ReadsAreCopies(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Atomic(ctx, func(tx store.Tx) error {
		_, err := tx.InsertStrategy(ctx, &model.Strategy{
			Name:    "x",
			Details: model.StrategyDetails{Markets: []model.MarketAllocation{{ExternalMarketID: "m1"}}},
		})
		return err
	}))

	st, err := s.GetStrategy(ctx, 1)
	require.NoError(t, err)
	st.Details.Markets[0].ExternalMarketID = "mutated"
	st.Settled = true

	again, _ := s.GetStrategy(ctx, 1)
	assert.Equal(t, "m1", again.Details.Markets[0].ExternalMarketID)
	assert.False(t, again.Settled)

	_, err = s.GetStrategy(ctx, 42)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetHedge(ctx, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
