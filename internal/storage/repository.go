package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultTimeout bounds every store call so no ledger operation blocks
// indefinitely; a timeout aborts the enclosing atomic unit.
const DefaultTimeout = 5 * time.Second

// SQLiteRepository is the ledger store: envelopes, the per-owner total-budget
// aggregate, and the append-only transaction log in one SQLite database.
type SQLiteRepository struct {
	db      *sql.DB
	queries *Queries
	timeout time.Duration
}

func NewSQLiteRepository(dbPath string, timeout time.Duration) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// A single connection serializes writers, so check-then-write sequences
	// on the aggregate row cannot interleave.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000; PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{
		db:      db,
		queries: New(db),
		timeout: timeout,
	}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Queries returns the query set bound to the connection pool, for reads that
// need no multi-statement atomicity.
func (r *SQLiteRepository) Queries() *Queries {
	return r.queries
}

// ReadCtx derives a context bounded by the store timeout for standalone
// reads. The returned cancel must be called.
func (r *SQLiteRepository) ReadCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

// WithTx runs fn inside one database transaction: every statement issued
// through the passed Queries either commits as a whole or leaves no trace.
// The unit carries a bounded timeout; expiry rolls it back.
func (r *SQLiteRepository) WithTx(ctx context.Context, fn func(ctx context.Context, q *Queries) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(ctx, New(tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("rollback after %w: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
