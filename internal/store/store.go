// Package store defines the persistence interface for the strategy vault.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for strategy reads), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"

	"github.com/atmx/strategy-vault/internal/model"
)

var (
	ErrNotFound              = errors.New("store: not found")
	ErrInsufficientBalance   = errors.New("store: insufficient balance")
	ErrInsufficientAllowance = errors.New("store: insufficient allowance")
)

// Reader is the read side shared by Store and Tx.
type Reader interface {
	// --- Strategy catalog ---

	// GetStrategy retrieves a strategy by id. Returns ErrNotFound if absent.
	GetStrategy(ctx context.Context, id int64) (*model.Strategy, error)

	// ListStrategies returns all strategies ordered by id.
	ListStrategies(ctx context.Context) ([]model.Strategy, error)

	// NextStrategyID returns the id the next created strategy will receive.
	NextStrategyID(ctx context.Context) (int64, error)

	// --- Positions ---

	// PositionsOf returns a user's positions in purchase order.
	PositionsOf(ctx context.Context, user string) ([]model.Position, error)

	// StrategyPrincipal sums the principal of every position in a strategy.
	StrategyPrincipal(ctx context.Context, strategyID int64) (model.Amount, error)

	// --- Hedges ---

	// GetHedge returns the hedge record for a strategy. Returns ErrNotFound if absent.
	GetHedge(ctx context.Context, strategyID int64) (*model.HedgeRecord, error)

	// --- Custody ---

	// Balance returns an account's custody balance (zero if unknown).
	Balance(ctx context.Context, account string) (model.Amount, error)

	// Allowance returns how much the ledger may pull from owner.
	Allowance(ctx context.Context, owner string) (model.Amount, error)
}

// Tx is a unit of work. Everything written through a Tx becomes visible
// atomically when the enclosing Atomic call returns nil, and is discarded
// otherwise.
type Tx interface {
	Reader

	// InsertStrategy assigns the next monotonic id to s and persists it.
	InsertStrategy(ctx context.Context, s *model.Strategy) (int64, error)

	// UpdateStrategyState writes the only mutable strategy fields.
	UpdateStrategyState(ctx context.Context, id int64, active, settled bool, payout int64) error

	// AppendPosition appends p to the user's sequence and returns its index.
	AppendPosition(ctx context.Context, p *model.Position) (int, error)

	// MarkClaimed flips a position's claimed flag.
	MarkClaimed(ctx context.Context, user string, index int) error

	// PutHedge inserts or overwrites the hedge record for h.StrategyID.
	PutHedge(ctx context.Context, h *model.HedgeRecord) error

	// SetAllowance sets how much the ledger may pull from owner.
	SetAllowance(ctx context.Context, owner string, amount model.Amount) error

	// SpendAllowance reduces owner's allowance or fails with ErrInsufficientAllowance.
	SpendAllowance(ctx context.Context, owner string, amount model.Amount) error

	// Transfer moves amount between accounts or fails with ErrInsufficientBalance.
	Transfer(ctx context.Context, from, to string, amount model.Amount) error

	// Mint credits an account out of thin air (deposits from outside custody).
	Mint(ctx context.Context, account string, amount model.Amount) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	Reader

	// Atomic runs fn in a single transaction.
	Atomic(ctx context.Context, fn func(tx Tx) error) error
}
