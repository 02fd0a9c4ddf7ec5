package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// CheckpointStore persists the last fully processed block per worker.
type CheckpointStore interface {
	Load(ctx context.Context, name string) (block uint64, ok bool, err error)
	Save(ctx context.Context, name string, block uint64) error
}

// MemoryCheckpoints keeps checkpoints for the life of the process.
type MemoryCheckpoints struct {
	mu     sync.Mutex
	blocks map[string]uint64
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{blocks: make(map[string]uint64)}
}

func (m *MemoryCheckpoints) Load(_ context.Context, name string) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[name]
	return b, ok, nil
}

func (m *MemoryCheckpoints) Save(_ context.Context, name string, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[name] = block
	return nil
}

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS ingest_checkpoints (
    name       TEXT PRIMARY KEY,
    block      INTEGER  NOT NULL,
    updated_at DATETIME NOT NULL
);
`

// SQLiteCheckpoints stores checkpoints in a local SQLite file so a
// restarted worker resumes where it stopped.
type SQLiteCheckpoints struct {
	db *sql.DB
}

// OpenSQLiteCheckpoints opens (or creates) the database at path.
func OpenSQLiteCheckpoints(path string) (*SQLiteCheckpoints, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open checkpoints %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(checkpointSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ingest: apply checkpoint schema: %w", err)
	}
	return &SQLiteCheckpoints{db: db}, nil
}

func (s *SQLiteCheckpoints) Load(ctx context.Context, name string) (uint64, bool, error) {
	var block int64
	err := s.db.QueryRowContext(ctx,
		`SELECT block FROM ingest_checkpoints WHERE name = ?`, name).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("ingest: load checkpoint %s: %w", name, err)
	}
	return uint64(block), true, nil
}

func (s *SQLiteCheckpoints) Save(ctx context.Context, name string, block uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_checkpoints (name, block, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET block = excluded.block, updated_at = excluded.updated_at`,
		name, int64(block), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("ingest: save checkpoint %s: %w", name, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteCheckpoints) Close() error {
	return s.db.Close()
}
