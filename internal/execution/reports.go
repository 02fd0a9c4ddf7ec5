package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/strategy-vault/internal/model"
)

// DefaultLease bounds how long a reserved event stays with its executor
// before another executor may take it over. It must exceed the longest
// execution the retry policy allows.
const DefaultLease = 5 * time.Minute

// ErrReportLeased is returned by Reserve while another executor holds a
// live lease on the event.
var ErrReportLeased = errors.New("execution: event is being executed elsewhere")

// ReportStore persists execution reports keyed by event identity.
type ReportStore interface {
	// Reserve records a pending report and leases the event to the caller
	// from r.StartedAt. fresh is false when a completed report already
	// exists; that report is returned. A pending report whose lease has
	// lapsed, or was released, is handed back as fresh; one under a live
	// lease fails with ErrReportLeased.
	Reserve(ctx context.Context, r *model.ExecutionReport) (existing *model.ExecutionReport, fresh bool, err error)
	// Release gives up the lease on a pending report so the event can be
	// retried at once.
	Release(ctx context.Context, eventKey string) error
	// Complete stores the final report and ends the lease.
	Complete(ctx context.Context, r *model.ExecutionReport) error
	// Get returns nil, nil when no report exists.
	Get(ctx context.Context, eventKey string) (*model.ExecutionReport, error)
}

func cloneReport(r *model.ExecutionReport) *model.ExecutionReport {
	c := *r
	c.Legs = append([]model.LegResult(nil), r.Legs...)
	return &c
}

// MemoryReportStore keeps reports in process memory.
type MemoryReportStore struct {
	mu      sync.RWMutex
	reports map[string]*model.ExecutionReport
	leases  map[string]time.Time
	lease   time.Duration
}

func NewMemoryReportStore() *MemoryReportStore {
	return &MemoryReportStore{
		reports: make(map[string]*model.ExecutionReport),
		leases:  make(map[string]time.Time),
		lease:   DefaultLease,
	}
}

// WithLease sets the lease duration; d <= 0 keeps DefaultLease.
func (m *MemoryReportStore) WithLease(d time.Duration) *MemoryReportStore {
	if d > 0 {
		m.lease = d
	}
	return m
}

func (m *MemoryReportStore) Reserve(_ context.Context, r *model.ExecutionReport) (*model.ExecutionReport, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.reports[r.EventKey]; ok {
		if cur.Status != model.StatusPending {
			return cloneReport(cur), false, nil
		}
		if until, held := m.leases[r.EventKey]; held && until.After(r.StartedAt) {
			return nil, false, ErrReportLeased
		}
	}
	m.reports[r.EventKey] = cloneReport(r)
	m.leases[r.EventKey] = r.StartedAt.Add(m.lease)
	return nil, true, nil
}

func (m *MemoryReportStore) Release(_ context.Context, eventKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, eventKey)
	return nil
}

func (m *MemoryReportStore) Complete(_ context.Context, r *model.ExecutionReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[r.EventKey] = cloneReport(r)
	delete(m.leases, r.EventKey)
	return nil
}

func (m *MemoryReportStore) Get(_ context.Context, eventKey string) (*model.ExecutionReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[eventKey]
	if !ok {
		return nil, nil
	}
	return cloneReport(r), nil
}

// PostgresReportStore keeps reports in the execution_reports table. Leases
// let several workers share the table: only the holder of a live lease
// dispatches an event.
type PostgresReportStore struct {
	pool  *pgxpool.Pool
	lease time.Duration
}

func NewPostgresReportStore(pool *pgxpool.Pool) *PostgresReportStore {
	return &PostgresReportStore{pool: pool, lease: DefaultLease}
}

// WithLease sets the lease duration; d <= 0 keeps DefaultLease.
func (s *PostgresReportStore) WithLease(d time.Duration) *PostgresReportStore {
	if d > 0 {
		s.lease = d
	}
	return s
}

func (s *PostgresReportStore) Reserve(ctx context.Context, r *model.ExecutionReport) (*model.ExecutionReport, bool, error) {
	// Inserts a new report, or takes over a pending one whose lease is
	// free. Either way exactly one row is affected.
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO execution_reports (event_key, strategy_id, user_addr, status, legs, started_at, lease_until)
		VALUES ($1, $2, $3, $4, '[]', $5, $6)
		ON CONFLICT (event_key) DO UPDATE
		SET started_at = EXCLUDED.started_at, lease_until = EXCLUDED.lease_until
		WHERE execution_reports.status = $4
		  AND (execution_reports.lease_until IS NULL OR execution_reports.lease_until <= EXCLUDED.started_at)`,
		r.EventKey, r.StrategyID, r.User, string(model.StatusPending), r.StartedAt, r.StartedAt.Add(s.lease))
	if err != nil {
		return nil, false, fmt.Errorf("reserve report: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil, true, nil
	}
	cur, err := s.Get(ctx, r.EventKey)
	if err != nil {
		return nil, false, err
	}
	if cur == nil || cur.Status == model.StatusPending {
		return nil, false, ErrReportLeased
	}
	return cur, false, nil
}

func (s *PostgresReportStore) Release(ctx context.Context, eventKey string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE execution_reports SET lease_until = NULL
		WHERE event_key = $1 AND status = $2`,
		eventKey, string(model.StatusPending))
	if err != nil {
		return fmt.Errorf("release report: %w", err)
	}
	return nil
}

func (s *PostgresReportStore) Complete(ctx context.Context, r *model.ExecutionReport) error {
	legs, err := json.Marshal(r.Legs)
	if err != nil {
		return fmt.Errorf("encode legs: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE execution_reports
		SET status = $2, legs = $3::JSONB, completed_at = $4, lease_until = NULL
		WHERE event_key = $1`,
		r.EventKey, string(r.Status), string(legs), r.CompletedAt)
	if err != nil {
		return fmt.Errorf("complete report: %w", err)
	}
	return nil
}

func (s *PostgresReportStore) Get(ctx context.Context, eventKey string) (*model.ExecutionReport, error) {
	var (
		r         model.ExecutionReport
		status    string
		legs      string
		completed *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT event_key, strategy_id, user_addr, status, legs::TEXT, started_at, completed_at
		FROM execution_reports WHERE event_key = $1`, eventKey).
		Scan(&r.EventKey, &r.StrategyID, &r.User, &status, &legs, &r.StartedAt, &completed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	r.Status = model.ExecutionStatus(status)
	if completed != nil {
		r.CompletedAt = *completed
	}
	if err := json.Unmarshal([]byte(legs), &r.Legs); err != nil {
		return nil, fmt.Errorf("decode legs: %w", err)
	}
	return &r, nil
}
