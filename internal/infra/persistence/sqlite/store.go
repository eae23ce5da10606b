// Package sqlite persists the in-memory mapping to a SQLite file. Items are
// stored as JSON payload rows; the full committed state is snapshotted after
// every successful commit.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"flowbase/internal/infra/persistence/memory"
	"flowbase/pkg/domain"
)

// SchemaVersion is the current on-disk schema revision.
const SchemaVersion = 1

var _ domain.Mapping = (*Store)(nil)

// Store is the SQLite-backed mapping.
type Store struct {
	*memory.Store
	db     *sql.DB
	mu     sync.Mutex
	path   string
	closed bool
}

// NewStore opens the database at path. With create set, a missing file is
// initialized at the current schema version; without it, a missing file is an
// error. A file at an older schema version is rejected with a VersionError
// unless upgrade is set.
func NewStore(path string, create, upgrade bool) (*Store, error) {
	if path == "" {
		return nil, domain.StoreError{URL: path, Op: "open", Err: errors.New("empty database path")}
	}
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, domain.IOError{Kind: domain.IOKindPermission, Path: path, Err: err}
		}
		if !create {
			return nil, domain.StoreError{URL: path, Op: "open", Err: fmt.Errorf("database does not exist")}
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, domain.IOError{Kind: domain.IOKindPermission, Path: path, Err: err}
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, domain.StoreError{URL: path, Op: "open", Err: err}
	}
	s := &Store{Store: memory.New(path), db: db, path: path}
	if err := s.initSchema(create, upgrade); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(create, upgrade bool) error {
	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version`).Scan(&version)
	switch {
	case err == nil:
		if version > SchemaVersion {
			return domain.StoreError{URL: s.path, Op: "open", Err: fmt.Errorf("schema version %d is newer than supported %d", version, SchemaVersion)}
		}
		if version < SchemaVersion {
			if !upgrade {
				return domain.VersionError{URL: s.path, Found: version, Expected: SchemaVersion}
			}
			if err := s.migrate(version); err != nil {
				return err
			}
		}
		return nil
	case errors.Is(err, sql.ErrNoRows) || isMissingTable(err):
		if !create {
			return domain.StoreError{URL: s.path, Op: "open", Err: errors.New("database has no schema")}
		}
		return s.createSchema()
	default:
		return domain.StoreError{URL: s.path, Op: "open", Err: err}
	}
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

func (s *Store) createSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS items (
			item_type TEXT NOT NULL,
			id INTEGER NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (item_type, id)
		)`,
		`CREATE TABLE IF NOT EXISTS commits (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			message TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return domain.StoreError{URL: s.path, Op: "create schema", Err: err}
		}
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&n); err != nil {
		return domain.StoreError{URL: s.path, Op: "create schema", Err: err}
	}
	if n == 0 {
		if _, err := s.db.Exec(`INSERT INTO schema_version(version) VALUES(?)`, SchemaVersion); err != nil {
			return domain.StoreError{URL: s.path, Op: "create schema", Err: err}
		}
	}
	return nil
}

func (s *Store) migrate(from int) error {
	// Single-version schema so far: stamping the new version is the whole
	// migration. Future revisions add their steps here, oldest first.
	if _, err := s.db.Exec(`UPDATE schema_version SET version = ?`, SchemaVersion); err != nil {
		return domain.StoreError{URL: s.path, Op: fmt.Sprintf("upgrade from v%d", from), Err: err}
	}
	return nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT item_type, id, payload FROM items`)
	if err != nil {
		return domain.StoreError{URL: s.path, Op: "load", Err: err}
	}
	defer func() { _ = rows.Close() }()
	snapshot := memory.Snapshot{}
	for rows.Next() {
		var (
			typ     string
			id      int64
			payload []byte
		)
		if err := rows.Scan(&typ, &id, &payload); err != nil {
			return domain.StoreError{URL: s.path, Op: "load", Err: err}
		}
		it := domain.Item{}
		if err := json.Unmarshal(payload, &it); err != nil {
			return domain.StoreError{URL: s.path, Op: "load", Err: fmt.Errorf("decode %s %d: %w", typ, id, err)}
		}
		it.SetID(id)
		itemType := domain.ItemType(typ)
		snapshot[itemType] = append(snapshot[itemType], it)
	}
	if err := rows.Err(); err != nil {
		return domain.StoreError{URL: s.path, Op: "load", Err: err}
	}
	s.ImportState(snapshot)
	return nil
}

func (s *Store) persist(message string) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()
	tx, err := s.db.Begin()
	if err != nil {
		return domain.StoreError{URL: s.path, Op: "persist", Err: err}
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.Exec(`DELETE FROM items`); err != nil {
		retErr = domain.StoreError{URL: s.path, Op: "persist", Err: err}
		return retErr
	}
	for _, typ := range domain.AllTypes {
		for _, it := range snapshot[typ] {
			payload, err := json.Marshal(it)
			if err != nil {
				retErr = domain.StoreError{URL: s.path, Op: "persist", Err: fmt.Errorf("encode %s %d: %w", typ, it.ID(), err)}
				return retErr
			}
			if _, err := tx.Exec(`INSERT INTO items(item_type, id, payload) VALUES(?,?,?)`, string(typ), it.ID(), payload); err != nil {
				retErr = domain.StoreError{URL: s.path, Op: "persist", Err: err}
				return retErr
			}
		}
	}
	if _, err := tx.Exec(`INSERT INTO commits(message, created_at) VALUES(?, datetime('now'))`, message); err != nil {
		retErr = domain.StoreError{URL: s.path, Op: "persist", Err: err}
		return retErr
	}
	if err := tx.Commit(); err != nil {
		retErr = domain.StoreError{URL: s.path, Op: "persist", Err: err}
		return retErr
	}
	return nil
}

// Commit makes the pending session durable, then snapshots it to disk.
func (s *Store) Commit(ctx context.Context, message string) error {
	if err := s.Store.Commit(ctx, message); err != nil {
		return err
	}
	return s.persist(message)
}

// CommitMessages returns the messages of all commits recorded on disk,
// oldest first.
func (s *Store) CommitMessages(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT message FROM commits ORDER BY seq`)
	if err != nil {
		return nil, domain.StoreError{URL: s.path, Op: "commits", Err: err}
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			return nil, domain.StoreError{URL: s.path, Op: "commits", Err: err}
		}
		out = append(out, msg)
	}
	return out, rows.Err()
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

// DB exposes the underlying handle for integration hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
