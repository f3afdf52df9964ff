// Package sqlite persists population tracks to a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"mslt/internal/infra/persistence/memory"
	"mslt/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

var _ domain.PopulationStore = (*Store)(nil)

// DefaultPath is used when no database path is configured.
const DefaultPath = "mslt.db"

// Store keeps the working set in memory and writes the touched track to a
// SQLite table as a JSON blob after every successful transaction.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore opens (or creates) the database at path and loads any previously
// persisted tracks.
func NewStore(path string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Store{Store: memory.NewStore(engine), db: db, path: path}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	snapshot := memory.Snapshot{Tracks: make(map[string]domain.Table)}
	for rows.Next() {
		var (
			bucket  string
			payload []byte
		)
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		if _, err := domain.ParseScenario(bucket); err != nil {
			continue
		}
		var table domain.Table
		if err := json.Unmarshal(payload, &table); err != nil {
			return fmt.Errorf("decode %s: %w", bucket, err)
		}
		snapshot.Tracks[bucket] = table
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	if len(snapshot.Tracks) == 0 {
		return nil
	}
	s.ImportState(snapshot)
	return nil
}

func (s *Store) persist(ctx context.Context, scenario domain.Scenario, rows domain.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode %s: %w", scenario, err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, scenario.String(), data); err != nil {
		return fmt.Errorf("upsert %s: %w", scenario, err)
	}
	return nil
}

// RunInTransaction applies fn to one track and writes the track to SQLite
// before committing it in memory. A failed write leaves the track unchanged.
func (s *Store) RunInTransaction(ctx context.Context, scenario domain.Scenario, fn func(tx domain.Transaction) error) (domain.Result, error) {
	return s.RunInTransactionWithCommit(ctx, scenario, fn, func(ctx context.Context, rows domain.Table) error {
		return s.persist(ctx, scenario, rows)
	})
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
