// Package store is the relational persistence layer: SQLite via
// modernc.org/sqlite (pure Go, no cgo), with schema + migrations
// embedded via go:embed and tracked in a schema_version table.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/vibesdlc/orchestrator/internal/apperr"
)

//go:embed schema.sql
var schemaSQL string

//go:embed migrations/002_personas_and_checkpoint.sql
var migration002 string

// DB wraps the SQLite connection pool.
type DB struct {
	conn *sql.DB
	log  *zap.Logger
}

// Open creates (if needed) and migrates the database at dsn: ensure
// the directory, open with WAL + busy_timeout + foreign_keys pragmas,
// run migrations.
func Open(dsn string, log *zap.Logger) (*DB, error) {
	if dsn != ":memory:" {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store directory: %w", err)
			}
		}
	}

	conn, err := sql.Open("sqlite", dsn+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)

	d := &DB{conn: conn, log: log}
	if err := d.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return d, nil
}

func (d *DB) migrate() error {
	if _, err := d.conn.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	var version int
	err := d.conn.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("check schema version: %w", err)
	}

	if version < 2 {
		d.log.Info("running migration", zap.Int("to_version", 2))
		if _, err := d.conn.Exec(migration002); err != nil {
			return fmt.Errorf("run migration 002: %w", err)
		}
	}

	return nil
}

// Close closes the underlying connection pool.
func (d *DB) Close() error { return d.conn.Close() }

// Conn exposes the raw *sql.DB to packages outside store that run
// their own SQL against this schema (internal/artifacts does).
func (d *DB) Conn() *sql.DB { return d.conn }

// WithTx runs fn inside a transaction, rolling back on error.
func (d *DB) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Internal("store.withTx", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Internal("store.withTx.commit", err)
	}
	return nil
}

// PruneMetrics deletes rows older than the retention window from the
// append-only metrics table (30-day default, configurable).
func (d *DB) PruneMetrics(ctx context.Context, days int) (int64, error) {
	res, err := d.conn.ExecContext(ctx,
		"DELETE FROM pool_metrics_snapshots WHERE created_at < datetime('now', ?)",
		fmt.Sprintf("-%d days", days))
	if err != nil {
		return 0, apperr.Internal("store.pruneMetrics", err)
	}
	return res.RowsAffected()
}

// PruneEventDedup deletes idempotency records older than the retention
// window so the table does not grow unbounded.
func (d *DB) PruneEventDedup(ctx context.Context, days int) (int64, error) {
	res, err := d.conn.ExecContext(ctx,
		"DELETE FROM event_dedup WHERE processed_at < datetime('now', ?)",
		fmt.Sprintf("-%d days", days))
	if err != nil {
		return 0, apperr.Internal("store.pruneEventDedup", err)
	}
	return res.RowsAffected()
}
