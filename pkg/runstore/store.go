package runstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const schemaVersion = 1

type Store struct {
	db      *sql.DB
	lockTTL time.Duration
	now     func() time.Time
}

// Open opens (and creates if needed) the run database and applies the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, lockTTL: cfg.LockTTL, now: time.Now}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runstore_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO runstore_meta (id, schema_version, created_at) VALUES (1, ?, ?);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			state TEXT NOT NULL,
			status TEXT NOT NULL,
			resource_id TEXT,
			job_id TEXT,
			context_json TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_updated_at ON runs(updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);`,
		`CREATE TABLE IF NOT EXISTS fleet_locks (
			fleet_id TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			owner TEXT NOT NULL,
			acquired_at TEXT NOT NULL
		);`,
	}

	now := s.now().UTC().Format(time.RFC3339Nano)
	for i, stmt := range stmts {
		if i == 1 {
			if _, err := s.db.ExecContext(ctx, stmt, schemaVersion, now); err != nil {
				return fmt.Errorf("init schema meta: %w", err)
			}
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}
