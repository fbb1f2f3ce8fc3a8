// Package sqlite persists tunnel connection history in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection for connection history.
type Store struct {
	db *sql.DB

	upsertOpenStmt   *sql.Stmt
	upsertClosedStmt *sql.Stmt
}

const defaultMaxOpenConns = 4
const defaultMaxIdleConns = 4

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with tunable
// connection pool settings, runs migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Per-connection PRAGMAs go in the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepareStatements(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases prepared statements and the database handle.
func (s *Store) Close() error {
	return multierr.Append(s.closePreparedStatements(), s.db.Close())
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS connections (
	id TEXT PRIMARY KEY,
	remote_ip TEXT NOT NULL,
	connected_at INTEGER NOT NULL,
	disconnected_at INTEGER NULL,
	close_reason TEXT NULL,
	bytes_in INTEGER NOT NULL DEFAULT 0,
	bytes_out INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_connections_connected_at ON connections(connected_at DESC);
CREATE INDEX IF NOT EXISTS idx_connections_disconnected_at ON connections(disconnected_at);
CREATE INDEX IF NOT EXISTS idx_connections_close_reason ON connections(close_reason);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) prepareStatements(ctx context.Context) error {
	var err error
	if s.upsertOpenStmt, err = s.db.PrepareContext(ctx, upsertOpenQuery); err != nil {
		return fmt.Errorf("prepare record connected query: %w", err)
	}
	if s.upsertClosedStmt, err = s.db.PrepareContext(ctx, upsertClosedQuery); err != nil {
		return multierr.Append(fmt.Errorf("prepare record disconnected query: %w", err), s.closePreparedStatements())
	}
	return nil
}

func (s *Store) closePreparedStatements() error {
	return multierr.Combine(
		closeStmt(&s.upsertOpenStmt),
		closeStmt(&s.upsertClosedStmt),
	)
}

func closeStmt(stmt **sql.Stmt) error {
	if stmt == nil || *stmt == nil {
		return nil
	}
	err := (*stmt).Close()
	*stmt = nil
	return err
}

func ensureParentDir(path string) error {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
