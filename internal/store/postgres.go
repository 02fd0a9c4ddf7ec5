package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/strategy-vault/internal/model"
)

//go:embed schema.sql
var Schema string

// strategyIDLock is the advisory lock key serializing strategy id assignment.
const strategyIDLock = 0x5754_5241_5445_4759

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Amounts are stored as BIGINT micro-units.
type PostgresStore struct {
	pool *pgxpool.Pool
	pgReader
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, pgReader: pgReader{q: pool}}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{pgReader: pgReader{q: tx, forUpdate: true}, tx: tx})
	})
}

// --- Reads ---

// pgReader implements Reader. Inside a transaction strategy and hedge rows
// are locked so concurrent purchase/settle/claim calls serialize per strategy.
type pgReader struct {
	q         querier
	forUpdate bool
}

const strategyColumns = `id, name, fee_bps, maturity_timestamp, active, settled,
		        payout_per_principal_unit, expected_profit_bps, details::TEXT, creator, created_at`

func (r pgReader) lockClause() string {
	if r.forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

func (r pgReader) GetStrategy(ctx context.Context, id int64) (*model.Strategy, error) {
	row := r.q.QueryRow(ctx,
		`SELECT `+strategyColumns+` FROM strategies WHERE id = $1`+r.lockClause(), id)
	st, err := scanStrategy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("strategy %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get strategy %d: %w", id, err)
	}
	return st, nil
}

func (r pgReader) ListStrategies(ctx context.Context) ([]model.Strategy, error) {
	rows, err := r.q.Query(ctx, `SELECT `+strategyColumns+` FROM strategies ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func (r pgReader) NextStrategyID(ctx context.Context) (int64, error) {
	var next int64
	err := r.q.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM strategies`).Scan(&next)
	return next, err
}

func (r pgReader) PositionsOf(ctx context.Context, user string) ([]model.Position, error) {
	rows, err := r.q.Query(ctx,
		`SELECT user_addr, idx, strategy_id, principal, purchase_timestamp, claimed
		 FROM positions WHERE user_addr = $1 ORDER BY idx`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var p model.Position
		if err := rows.Scan(&p.User, &p.Index, &p.StrategyID, &p.Principal,
			&p.PurchaseTimestamp, &p.Claimed); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r pgReader) StrategyPrincipal(ctx context.Context, strategyID int64) (model.Amount, error) {
	var total int64
	err := r.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(principal), 0)::BIGINT FROM positions WHERE strategy_id = $1`,
		strategyID).Scan(&total)
	if err != nil {
		return 0, err
	}
	return model.Amount(total), nil
}

func (r pgReader) GetHedge(ctx context.Context, strategyID int64) (*model.HedgeRecord, error) {
	var h model.HedgeRecord
	err := r.q.QueryRow(ctx,
		`SELECT strategy_id, user_addr, asset, is_long, amount, max_slippage_bps, venue,
		        executed, external_order_handle, closed, realized_pnl, opened_at, closed_at
		 FROM hedges WHERE strategy_id = $1`+r.lockClause(), strategyID).
		Scan(&h.StrategyID, &h.User, &h.Asset, &h.IsLong, &h.Amount, &h.MaxSlippageBps, &h.Venue,
			&h.Executed, &h.ExternalOrderHandle, &h.Closed, &h.RealizedPnL, &h.OpenedAt, &h.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("hedge for strategy %d: %w", strategyID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get hedge %d: %w", strategyID, err)
	}
	return &h, nil
}

func (r pgReader) Balance(ctx context.Context, account string) (model.Amount, error) {
	return r.accountField(ctx, "balance", account)
}

func (r pgReader) Allowance(ctx context.Context, owner string) (model.Amount, error) {
	return r.accountField(ctx, "allowance", owner)
}

func (r pgReader) accountField(ctx context.Context, column, account string) (model.Amount, error) {
	var v model.Amount
	err := r.q.QueryRow(ctx,
		`SELECT `+column+` FROM custody_accounts WHERE account = $1`, account).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

// --- Writes ---

type pgTx struct {
	pgReader
	tx pgx.Tx
}

func (t *pgTx) InsertStrategy(ctx context.Context, s *model.Strategy) (int64, error) {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(strategyIDLock)); err != nil {
		return 0, err
	}
	id, err := t.NextStrategyID(ctx)
	if err != nil {
		return 0, err
	}
	details, err := json.Marshal(s.Details)
	if err != nil {
		return 0, err
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO strategies (id, name, fee_bps, maturity_timestamp, active, settled,
		                         payout_per_principal_unit, expected_profit_bps, details, creator, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::JSONB, $10, $11)`,
		id, s.Name, s.FeeBps, s.MaturityTimestamp, s.Active, s.Settled,
		s.PayoutPerPrincipalUnit, s.ExpectedProfitBps, string(details), s.Creator, s.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert strategy: %w", err)
	}
	return id, nil
}

func (t *pgTx) UpdateStrategyState(ctx context.Context, id int64, active, settled bool, payout int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE strategies SET active = $2, settled = $3, payout_per_principal_unit = $4 WHERE id = $1`,
		id, active, settled, payout)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("strategy %d: %w", id, ErrNotFound)
	}
	return nil
}

func (t *pgTx) AppendPosition(ctx context.Context, p *model.Position) (int, error) {
	// Serialize appends per user so indexes stay dense.
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, p.User); err != nil {
		return 0, err
	}
	var idx int
	err := t.tx.QueryRow(ctx,
		`INSERT INTO positions (user_addr, idx, strategy_id, principal, purchase_timestamp, claimed)
		 SELECT $1::TEXT, COALESCE(MAX(idx) + 1, 0), $2::BIGINT, $3::BIGINT, $4::TIMESTAMPTZ, FALSE
		 FROM positions WHERE user_addr = $1
		 RETURNING idx`,
		p.User, p.StrategyID, int64(p.Principal), p.PurchaseTimestamp).Scan(&idx)
	if err != nil {
		return 0, fmt.Errorf("append position: %w", err)
	}
	return idx, nil
}

func (t *pgTx) MarkClaimed(ctx context.Context, user string, index int) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE positions SET claimed = TRUE WHERE user_addr = $1 AND idx = $2`, user, index)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s/%d: %w", user, index, ErrNotFound)
	}
	return nil
}

func (t *pgTx) PutHedge(ctx context.Context, h *model.HedgeRecord) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO hedges (strategy_id, user_addr, asset, is_long, amount, max_slippage_bps, venue,
		                     executed, external_order_handle, closed, realized_pnl, opened_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (strategy_id) DO UPDATE SET
		     user_addr = EXCLUDED.user_addr, asset = EXCLUDED.asset, is_long = EXCLUDED.is_long,
		     amount = EXCLUDED.amount, max_slippage_bps = EXCLUDED.max_slippage_bps,
		     venue = EXCLUDED.venue, executed = EXCLUDED.executed,
		     external_order_handle = EXCLUDED.external_order_handle, closed = EXCLUDED.closed,
		     realized_pnl = EXCLUDED.realized_pnl, opened_at = EXCLUDED.opened_at,
		     closed_at = EXCLUDED.closed_at`,
		h.StrategyID, h.User, h.Asset, h.IsLong, int64(h.Amount), h.MaxSlippageBps, h.Venue,
		h.Executed, h.ExternalOrderHandle, h.Closed, int64(h.RealizedPnL), h.OpenedAt, h.ClosedAt,
	)
	return err
}

func (t *pgTx) SetAllowance(ctx context.Context, owner string, amount model.Amount) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO custody_accounts (account, allowance) VALUES ($1, $2)
		 ON CONFLICT (account) DO UPDATE SET allowance = EXCLUDED.allowance`, owner, int64(amount))
	return err
}

func (t *pgTx) SpendAllowance(ctx context.Context, owner string, amount model.Amount) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE custody_accounts SET allowance = allowance - $2
		 WHERE account = $1 AND allowance >= $2`, owner, int64(amount))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s allowance below %s: %w", owner, amount, ErrInsufficientAllowance)
	}
	return nil
}

func (t *pgTx) Transfer(ctx context.Context, from, to string, amount model.Amount) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE custody_accounts SET balance = balance - $2
		 WHERE account = $1 AND balance >= $2`, from, int64(amount))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s balance below %s: %w", from, amount, ErrInsufficientBalance)
	}
	return t.Mint(ctx, to, amount)
}

func (t *pgTx) Mint(ctx context.Context, account string, amount model.Amount) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO custody_accounts (account, balance) VALUES ($1, $2)
		 ON CONFLICT (account) DO UPDATE SET balance = custody_accounts.balance + EXCLUDED.balance`,
		account, int64(amount))
	return err
}

// --- Scanning ---

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanStrategy(row rowScanner) (*model.Strategy, error) {
	var st model.Strategy
	var details string
	if err := row.Scan(&st.ID, &st.Name, &st.FeeBps, &st.MaturityTimestamp, &st.Active, &st.Settled,
		&st.PayoutPerPrincipalUnit, &st.ExpectedProfitBps, &details, &st.Creator, &st.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(details), &st.Details); err != nil {
		return nil, fmt.Errorf("decode details for strategy %d: %w", st.ID, err)
	}
	return &st, nil
}
