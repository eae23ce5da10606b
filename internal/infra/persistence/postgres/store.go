// Package postgres provides a Postgres-backed mapping that mirrors the
// in-memory semantics and snapshots the committed state to JSONB buckets,
// one bucket per item type.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"flowbase/internal/infra/persistence/memory"
	"flowbase/pkg/domain"
)

var _ domain.Mapping = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/flowbase?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists committed state to Postgres while reusing the in-memory
// implementation for session semantics.
type Store struct {
	*memory.Store
	db     *sql.DB
	mu     sync.Mutex
	dsn    string
	closed bool
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN), ensures the snapshot tables exist and hydrates the
// in-memory state from any existing snapshot.
func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, domain.StoreError{URL: dsn, Op: "open", Err: err}
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, domain.StoreError{URL: dsn, Op: "ping", Err: err}
	}
	if err := ensureTables(ctx, db, dsn); err != nil {
		return nil, err
	}
	snapshot, err := loadSnapshot(ctx, db, dsn)
	if err != nil {
		return nil, err
	}
	mem := memory.New(dsn)
	mem.ImportState(snapshot)
	return &Store{Store: mem, db: db, dsn: dsn}, nil
}

func ensureTables(ctx context.Context, db *sql.DB, dsn string) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS state (
			bucket TEXT PRIMARY KEY,
			payload JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS commits (
			seq BIGSERIAL PRIMARY KEY,
			message TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return domain.StoreError{URL: dsn, Op: "ensure tables", Err: err}
		}
	}
	return nil
}

func loadSnapshot(ctx context.Context, db *sql.DB, dsn string) (memory.Snapshot, error) {
	rows, err := db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return nil, domain.StoreError{URL: dsn, Op: "load", Err: err}
	}
	defer func() { _ = rows.Close() }()
	snapshot := memory.Snapshot{}
	for rows.Next() {
		var (
			bucket  string
			payload []byte
		)
		if err := rows.Scan(&bucket, &payload); err != nil {
			return nil, domain.StoreError{URL: dsn, Op: "load", Err: err}
		}
		if len(payload) == 0 {
			continue
		}
		var items []domain.Item
		if err := json.Unmarshal(payload, &items); err != nil {
			return nil, domain.StoreError{URL: dsn, Op: "load " + bucket, Err: err}
		}
		snapshot[domain.ItemType(bucket)] = items
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StoreError{URL: dsn, Op: "load", Err: err}
	}
	return snapshot, nil
}

func (s *Store) persist(ctx context.Context, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.StoreError{URL: s.dsn, Op: "persist", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, typ := range domain.AllTypes {
		data, err := json.Marshal(snapshot[typ])
		if err != nil {
			return domain.StoreError{URL: s.dsn, Op: "persist " + string(typ), Err: err}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload`, string(typ), data); err != nil {
			return domain.StoreError{URL: s.dsn, Op: "persist " + string(typ), Err: err}
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO commits(message) VALUES($1)`, message); err != nil {
		return domain.StoreError{URL: s.dsn, Op: "persist commit", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.StoreError{URL: s.dsn, Op: "persist", Err: err}
	}
	committed = true
	return nil
}

// Commit makes the pending session durable, then snapshots it to Postgres.
func (s *Store) Commit(ctx context.Context, message string) error {
	if err := s.Store.Commit(ctx, message); err != nil {
		return err
	}
	return s.persist(ctx, message)
}

// Close releases the database handle. Closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.Store.Close(); err != nil {
		return err
	}
	return s.db.Close()
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore
// function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
