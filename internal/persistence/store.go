package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/datafabric/internal/bus"
	"github.com/basket/datafabric/internal/fabricerr"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "df-v1-2026-10-18-fabric-core"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1

	busyRetries = 5
)

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".fabric", "fabric.db")
}

// Open opens (creating if needed) the SQLite database at path and applies the
// schema ledger. eventBus receives a notification after each committed event
// and may be nil.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter. maxRetries=5 gives ~1.5s total wait on top of
// the driver's busy_timeout.
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
		// 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	// mattn/go-sqlite3 reports the result code in the message; matching on text
	// keeps this independent of the cgo error type.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// wrapErr attaches op to err and maps transient driver failures onto the
// shared taxonomy.
func wrapErr(op string, err error) error {
	return fabricerr.Wrap(op, err)
}

// execCAS runs a conditional UPDATE and reports whether exactly one row changed.
func execCAS(ctx context.Context, tx *sql.Tx, query string, args ...any) (bool, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// withTx runs fn in a transaction, retrying the whole unit on SQLITE_BUSY.
// Notifications queued by fn are published only after commit.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx, out *outbox) error) error {
	var box outbox
	err := retryOnBusy(ctx, busyRetries, func() error {
		box = outbox{}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin %s tx: %w", op, err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx, &box); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s tx: %w", op, err)
		}
		return nil
	})
	if err != nil {
		return wrapErr(op, err)
	}
	box.flush(s.bus)
	return nil
}

// outbox buffers bus notifications until the transaction that produced them commits.
type outbox struct {
	events []bus.Event
}

func (o *outbox) add(topic string, payload any) {
	o.events = append(o.events, bus.Event{Topic: topic, Payload: payload})
}

func (o *outbox) flush(b *bus.Bus) {
	for _, ev := range o.events {
		b.Publish(ev.Topic, ev.Payload)
	}
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
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
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			repo TEXT NOT NULL DEFAULT '',
			trigger_source TEXT NOT NULL DEFAULT '',
			actor TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'running',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL CHECK(status IN ('pending', 'claimed', 'completed', 'failed')),
			claimed_by TEXT,
			lease_expires_at DATETIME,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			idempotency_key TEXT,
			result TEXT,
			last_error TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id TEXT NOT NULL,
			stream TEXT NOT NULL CHECK(stream IN ('task', 'policy', 'memory', 'run')),
			entity_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			run_id TEXT,
			trace_id TEXT,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS policy_bundles (
			version TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			bundle TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS policy_decisions (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			actor TEXT NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			decision TEXT NOT NULL CHECK(decision IN ('allow', 'deny', 'escalate')),
			risk_level TEXT NOT NULL,
			reason TEXT NOT NULL,
			matched_rule_id TEXT,
			rate_limited INTEGER NOT NULL DEFAULT 0,
			policy_version TEXT NOT NULL DEFAULT '',
			escalation_id TEXT,
			context TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS policy_escalations (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			decision_id TEXT NOT NULL,
			action TEXT NOT NULL,
			actor TEXT NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			risk_level TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('pending', 'approved', 'rejected')),
			resolved_by TEXT,
			created_at DATETIME NOT NULL,
			resolved_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS policy_rate_limit_counters (
			tenant_id TEXT NOT NULL,
			actor TEXT NOT NULL,
			action_class TEXT NOT NULL,
			window_seconds INTEGER NOT NULL,
			window_start DATETIME NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (tenant_id, actor, action_class, window_seconds)
		);`,
		`CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			repo TEXT NOT NULL,
			kind TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			content_ref TEXT NOT NULL DEFAULT '',
			success_rate REAL,
			indexed_at DATETIME NOT NULL,
			last_accessed_at DATETIME,
			access_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL CHECK(status IN ('active', 'retired')),
			unsafe_reason TEXT NOT NULL DEFAULT '',
			expires_at DATETIME,
			conflict_key TEXT NOT NULL DEFAULT '',
			conflict_version INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE TABLE IF NOT EXISTS memory_retrieval_queries (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			repo TEXT NOT NULL,
			query_text TEXT NOT NULL,
			top_k INTEGER NOT NULL,
			candidate_count INTEGER NOT NULL,
			returned_count INTEGER NOT NULL,
			filtered_stale INTEGER NOT NULL DEFAULT 0,
			filtered_unsafe INTEGER NOT NULL DEFAULT 0,
			filtered_conflict INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS memory_retrieval_feedback (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			query_id TEXT NOT NULL REFERENCES memory_retrieval_queries(id) ON DELETE CASCADE,
			success INTEGER NOT NULL,
			first_pass_success INTEGER NOT NULL,
			cache_hit INTEGER NOT NULL,
			latency_ms INTEGER NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration table: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_runs_tenant ON runs(tenant_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(tenant_id, status, priority DESC, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_lease ON tasks(status, lease_expires_at);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_idempotency ON tasks(tenant_id, idempotency_key) WHERE idempotency_key IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_events_stream ON events(tenant_id, stream, id);`,
		`CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_tenant ON policy_decisions(tenant_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_escalations_status ON policy_escalations(tenant_id, status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_memory_scan ON memory_records(tenant_id, repo, status, indexed_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_memory_conflict ON memory_records(tenant_id, conflict_key, conflict_version);`,
		`CREATE INDEX IF NOT EXISTS idx_memory_content_ref ON memory_records(content_ref);`,
		`CREATE INDEX IF NOT EXISTS idx_retrieval_queries_tenant ON memory_retrieval_queries(tenant_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_retrieval_feedback_tenant ON memory_retrieval_feedback(tenant_id, created_at);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	slog.Info("schema migrated", "from", maxVersion, "to", schemaVersionLatest, "checksum", schemaChecksumLatest)
	return nil
}

// Backup writes a consistent copy of the database to destPath.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fabricerr.Invalid("backup destination is empty")
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination %q already exists", destPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat backup destination: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return wrapErr("backup", err)
	}
	return nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func clampLimit(limit, def, maxLimit int) int {
	if limit <= 0 {
		return def
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
