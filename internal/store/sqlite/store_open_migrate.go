// Package sqlite implements the tracker's persisted device state backed by a
// SQLite database. It holds the authenticated session, the active trip and
// the start-request mailbox shared between the foreground app and the
// background location task.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection for all persisted tracker state.
//
// The store is the only channel between the foreground process and the
// background task context. Every entry is a single row in a key/value
// table and writes are last-write-wins; there is no in-memory cache, so a
// value written by one context is visible to the next read in the other.
type Store struct {
	db  *sql.DB
	key *[sealKeySize]byte

	getStmt *sql.Stmt
	putStmt *sql.Stmt
	delStmt *sql.Stmt

	now func() time.Time
}

const defaultMaxOpenConns = 4
const defaultMaxIdleConns = 4

const getValueQuery = `SELECT value FROM kv WHERE key = ?`
const putValueQuery = `
INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
const deleteValueQuery = `DELETE FROM kv WHERE key = ?`

// OpenOptions controls SQLite connection pool sizing and the secret used to
// seal the access token at rest.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
	// TokenKey seeds the access-token sealing key. When empty a key derived
	// from the machine identity is used.
	TokenKey string
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode so the background task and the app can share the file.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with tunable
// connection pool settings, runs migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
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
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}
	s := &Store{
		db:  db,
		key: deriveSealKey(opts.TokenKey),
		now: func() time.Time { return time.Now().UTC() },
	}
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

// Close closes the underlying database connection.
func (s *Store) Close() error {
	stmtErr := s.closePreparedStatements()
	return errors.Join(stmtErr, s.db.Close())
}

func (s *Store) prepareStatements(ctx context.Context) error {
	var err error
	if s.getStmt, err = s.db.PrepareContext(ctx, getValueQuery); err != nil {
		return fmt.Errorf("prepare get value query: %w", err)
	}
	if s.putStmt, err = s.db.PrepareContext(ctx, putValueQuery); err != nil {
		closeErr := s.closePreparedStatements()
		return errors.Join(fmt.Errorf("prepare put value query: %w", err), closeErr)
	}
	if s.delStmt, err = s.db.PrepareContext(ctx, deleteValueQuery); err != nil {
		closeErr := s.closePreparedStatements()
		return errors.Join(fmt.Errorf("prepare delete value query: %w", err), closeErr)
	}
	return nil
}

func (s *Store) closePreparedStatements() error {
	var err error
	err = errors.Join(err, closeStmt(&s.getStmt))
	err = errors.Join(err, closeStmt(&s.putStmt))
	err = errors.Join(err, closeStmt(&s.delStmt))
	return err
}

func closeStmt(stmt **sql.Stmt) error {
	if stmt == nil || *stmt == nil {
		return nil
	}
	err := (*stmt).Close()
	*stmt = nil
	return err
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_kv_updated_at ON kv(updated_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}
