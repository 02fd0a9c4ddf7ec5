package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/strategy-vault/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu sync.RWMutex
	st *memState
}

type memState struct {
	nextID     int64
	strategies map[int64]*model.Strategy
	positions  map[string][]model.Position
	hedges     map[int64]model.HedgeRecord
	balances   map[string]model.Amount
	allowances map[string]model.Amount
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: &memState{
		nextID:     1,
		strategies: make(map[int64]*model.Strategy),
		positions:  make(map[string][]model.Position),
		hedges:     make(map[int64]model.HedgeRecord),
		balances:   make(map[string]model.Amount),
		allowances: make(map[string]model.Amount),
	}}
}

// Atomic runs fn against a private copy of the state and publishes it only
// if fn succeeds. The write lock is held for the whole call, so every
// transaction is serialized.
func (s *MemoryStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	draft := s.st.clone()
	if err := fn(&memTx{draft}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = draft
	return nil
}

func (s *MemoryStore) GetStrategy(ctx context.Context, id int64) (*model.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetStrategy(ctx, id)
}

func (s *MemoryStore) ListStrategies(ctx context.Context) ([]model.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListStrategies(ctx)
}

func (s *MemoryStore) NextStrategyID(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.NextStrategyID(ctx)
}

func (s *MemoryStore) PositionsOf(ctx context.Context, user string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.PositionsOf(ctx, user)
}

func (s *MemoryStore) StrategyPrincipal(ctx context.Context, strategyID int64) (model.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.StrategyPrincipal(ctx, strategyID)
}

func (s *MemoryStore) GetHedge(ctx context.Context, strategyID int64) (*model.HedgeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetHedge(ctx, strategyID)
}

func (s *MemoryStore) Balance(ctx context.Context, account string) (model.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Balance(ctx, account)
}

func (s *MemoryStore) Allowance(ctx context.Context, owner string) (model.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Allowance(ctx, owner)
}

// --- State (no locking; callers hold MemoryStore.mu) ---

func (m *memState) clone() *memState {
	c := &memState{
		nextID:     m.nextID,
		strategies: make(map[int64]*model.Strategy, len(m.strategies)),
		positions:  make(map[string][]model.Position, len(m.positions)),
		hedges:     make(map[int64]model.HedgeRecord, len(m.hedges)),
		balances:   make(map[string]model.Amount, len(m.balances)),
		allowances: make(map[string]model.Amount, len(m.allowances)),
	}
	for id, st := range m.strategies {
		c.strategies[id] = st
	}
	for u, ps := range m.positions {
		c.positions[u] = append([]model.Position(nil), ps...)
	}
	for id, h := range m.hedges {
		c.hedges[id] = h
	}
	for a, v := range m.balances {
		c.balances[a] = v
	}
	for a, v := range m.allowances {
		c.allowances[a] = v
	}
	return c
}

func (m *memState) GetStrategy(_ context.Context, id int64) (*model.Strategy, error) {
	st, ok := m.strategies[id]
	if !ok {
		return nil, fmt.Errorf("strategy %d: %w", id, ErrNotFound)
	}
	return st.Clone(), nil
}

func (m *memState) ListStrategies(_ context.Context) ([]model.Strategy, error) {
	out := make([]model.Strategy, 0, len(m.strategies))
	for _, st := range m.strategies {
		out = append(out, *st.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memState) NextStrategyID(_ context.Context) (int64, error) {
	return m.nextID, nil
}

func (m *memState) PositionsOf(_ context.Context, user string) ([]model.Position, error) {
	return append([]model.Position(nil), m.positions[user]...), nil
}

func (m *memState) StrategyPrincipal(_ context.Context, strategyID int64) (model.Amount, error) {
	var total model.Amount
	for _, ps := range m.positions {
		for _, p := range ps {
			if p.StrategyID == strategyID {
				total += p.Principal
			}
		}
	}
	return total, nil
}

func (m *memState) GetHedge(_ context.Context, strategyID int64) (*model.HedgeRecord, error) {
	h, ok := m.hedges[strategyID]
	if !ok {
		return nil, fmt.Errorf("hedge for strategy %d: %w", strategyID, ErrNotFound)
	}
	return &h, nil
}

func (m *memState) Balance(_ context.Context, account string) (model.Amount, error) {
	return m.balances[account], nil
}

func (m *memState) Allowance(_ context.Context, owner string) (model.Amount, error) {
	return m.allowances[owner], nil
}

// memTx writes into a draft state owned by one Atomic call.
type memTx struct {
	*memState
}

func (t *memTx) InsertStrategy(_ context.Context, s *model.Strategy) (int64, error) {
	c := s.Clone()
	c.ID = t.nextID
	t.strategies[c.ID] = c
	t.nextID++
	return c.ID, nil
}

func (t *memTx) UpdateStrategyState(_ context.Context, id int64, active, settled bool, payout int64) error {
	st, ok := t.strategies[id]
	if !ok {
		return fmt.Errorf("strategy %d: %w", id, ErrNotFound)
	}
	// Copy-on-write: the published state may still reference st.
	c := st.Clone()
	c.Active, c.Settled, c.PayoutPerPrincipalUnit = active, settled, payout
	t.strategies[id] = c
	return nil
}

func (t *memTx) AppendPosition(_ context.Context, p *model.Position) (int, error) {
	c := *p
	c.Index = len(t.positions[p.User])
	t.positions[p.User] = append(t.positions[p.User], c)
	return c.Index, nil
}

func (t *memTx) MarkClaimed(_ context.Context, user string, index int) error {
	ps := t.positions[user]
	if index < 0 || index >= len(ps) {
		return fmt.Errorf("position %s/%d: %w", user, index, ErrNotFound)
	}
	ps[index].Claimed = true
	return nil
}

func (t *memTx) PutHedge(_ context.Context, h *model.HedgeRecord) error {
	t.hedges[h.StrategyID] = *h
	return nil
}

func (t *memTx) SetAllowance(_ context.Context, owner string, amount model.Amount) error {
	t.allowances[owner] = amount
	return nil
}

func (t *memTx) SpendAllowance(_ context.Context, owner string, amount model.Amount) error {
	if t.allowances[owner] < amount {
		return fmt.Errorf("%s allowance %s < %s: %w", owner, t.allowances[owner], amount, ErrInsufficientAllowance)
	}
	t.allowances[owner] -= amount
	return nil
}

func (t *memTx) Transfer(_ context.Context, from, to string, amount model.Amount) error {
	if t.balances[from] < amount {
		return fmt.Errorf("%s balance %s < %s: %w", from, t.balances[from], amount, ErrInsufficientBalance)
	}
	t.balances[from] -= amount
	t.balances[to] += amount
	return nil
}

func (t *memTx) Mint(_ context.Context, account string, amount model.Amount) error {
	t.balances[account] += amount
	return nil
}
