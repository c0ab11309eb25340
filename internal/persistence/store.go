// Package persistence is the durable Run Store: runs, message-ingest dedup,
// input images, thread sessions, and scheduled tasks + occurrences. All
// writes go through a single connection guarded by WAL and a busy-retry
// wrapper, matching a single-process, crash-recoverable deployment model.
package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chorushq/chorus/internal/shared"
)

const (
	schemaVersionLatest  = 1
	schemaChecksumLatest = "chorus-v1-2026-07"
)

// Store is the Run Store (C1).
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns ~/.chorus/chorus.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "chorus.db"
	}
	return filepath.Join(home, ".chorus", "chorus.db")
}

// Open opens (creating if needed) the SQLite-backed store at path.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	ctx := context.Background()
	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying *sql.DB, for wiring audit.SetDB and doctor checks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=NORMAL;"} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			thread_key TEXT NOT NULL,
			user_key TEXT NOT NULL DEFAULT '',
			delivery_mode TEXT NOT NULL,
			input_text TEXT NOT NULL,
			status TEXT NOT NULL,
			output TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_thread_key ON runs(thread_key);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);`,

		`CREATE TABLE IF NOT EXISTS message_ingest (
			source TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			run_id TEXT NOT NULL,
			payload_hash TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (source, idempotency_key)
		);`,

		`CREATE TABLE IF NOT EXISTS input_images (
			image_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL DEFAULT '',
			thread_key TEXT NOT NULL DEFAULT '',
			mime_type TEXT NOT NULL,
			filename TEXT NOT NULL,
			position INTEGER NOT NULL,
			bytes BLOB NOT NULL,
			expires_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_input_images_run ON input_images(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_input_images_thread ON input_images(thread_key);`,

		`CREATE TABLE IF NOT EXISTS thread_sessions (
			thread_key TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			session_file_path TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			task_id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			instructions TEXT NOT NULL,
			enabled INTEGER NOT NULL,
			schedule_kind TEXT NOT NULL,
			once_at DATETIME,
			cron_expr TEXT NOT NULL DEFAULT '',
			rrule_expr TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL,
			creator_thread_key TEXT NOT NULL,
			owner_user_key TEXT NOT NULL DEFAULT '',
			delivery_target_provider TEXT NOT NULL,
			delivery_target_route TEXT NOT NULL DEFAULT '',
			execution_thread_key TEXT NOT NULL DEFAULT '',
			next_run_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_due ON scheduled_tasks(enabled, next_run_at);`,

		`CREATE TABLE IF NOT EXISTS scheduled_task_runs (
			task_run_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			scheduled_for DATETIME NOT NULL,
			status TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE (task_id, scheduled_for)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_status ON scheduled_task_runs(status);`,

		`CREATE TABLE IF NOT EXISTS run_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id);`,

		`CREATE TABLE IF NOT EXISTS run_audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}

	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	return tx.Commit()
}

// retryOnBusy retries f while the underlying error is SQLITE_BUSY/SQLITE_LOCKED,
// with exponential backoff and jitter, up to maxRetries additional attempts.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay * time.Duration(1<<uint(attempt))
		if delay > maxDelay {
			delay = maxDelay
		}
		delay += time.Duration(rand.Int63n(int64(baseDelay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// PayloadHash computes the canonical dedup hash for an ingest payload.
func PayloadHash(threadKey, text string, mode DeliveryMode, images []ImageInput) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s", threadKey, text, mode)
	for _, img := range images {
		sum := sha256.Sum256(img.Bytes)
		fmt.Fprintf(h, "\x00%s\x00%s\x00%s", img.MimeType, img.Filename, hex.EncodeToString(sum[:]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func nowUTC() time.Time { return time.Now().UTC() }

func appendRunEventTx(ctx context.Context, tx *sql.Tx, runID, kind, detail string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO run_events (run_id, kind, detail, created_at) VALUES (?, ?, ?, ?);
	`, runID, kind, detail, nowUTC())
	return err
}

// shared.NewID indirection kept local for readability at call sites.
func newID() string { return shared.NewID() }
