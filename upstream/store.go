// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/bureau/lib/sqlitepool"
)

const tokenSchema = `
CREATE TABLE IF NOT EXISTS upstream_tokens (
	identity     TEXT PRIMARY KEY,
	token        TEXT NOT NULL,
	refreshed_at INTEGER NOT NULL
);
`

// Store persists upstream tokens in SQLite so a gateway restart inside
// the token expiry window does not force a fresh login. One row per
// credential identity; Save overwrites, Delete removes.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// StoreConfig holds the parameters for opening a token store.
type StoreConfig struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist.
	Path string

	// PoolSize is the number of connections in the pool. Defaults to
	// 2 if zero or negative — the store sees one writer (the login
	// path) and occasional startup reads.
	PoolSize int

	// Logger receives operational messages.
	Logger *slog.Logger
}

// OpenStore creates a token store backed by SQLite. The database file
// is created if it does not exist; the schema is applied per
// connection.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 2
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, tokenSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("token store: %w", err)
	}

	return &Store{pool: pool, logger: cfg.Logger}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Load returns the persisted token for identity. found is false when
// no row exists.
func (s *Store) Load(ctx context.Context, identity string) (token string, refreshedAt time.Time, found bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("token store: load: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"SELECT token, refreshed_at FROM upstream_tokens WHERE identity = ?",
		&sqlitex.ExecOptions{
			Args: []any{identity},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				token = stmt.ColumnText(0)
				refreshedAt = time.Unix(stmt.ColumnInt64(1), 0).UTC()
				found = true
				return nil
			},
		})
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("token store: load %q: %w", identity, err)
	}
	return token, refreshedAt, found, nil
}

// Save persists a freshly acquired token, replacing any previous row
// for the identity.
func (s *Store) Save(ctx context.Context, identity, token string, refreshedAt time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("token store: save: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT OR REPLACE INTO upstream_tokens (identity, token, refreshed_at) VALUES (?, ?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{identity, token, refreshedAt.UTC().Unix()},
		})
	if err != nil {
		return fmt.Errorf("token store: save %q: %w", identity, err)
	}
	return nil
}

// Delete removes the persisted token for identity. Deleting a missing
// row is not an error.
func (s *Store) Delete(ctx context.Context, identity string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("token store: delete: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM upstream_tokens WHERE identity = ?",
		&sqlitex.ExecOptions{
			Args: []any{identity},
		})
	if err != nil {
		return fmt.Errorf("token store: delete %q: %w", identity, err)
	}
	return nil
}
