// Package persistence is the durable backing store of the task exchange:
// node liveness rows, run registry, and the two task partitions
// (instructions and results) with TTL visibility and claim-on-fetch
// delivery, all on a single-writer SQLite database.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/go-taskpost/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "tp-v1-2026-08-20-exchange-core"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
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
	return filepath.Join(home, ".taskpost", "taskpost.db")
}

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

func (s *Store) publish(topic string, payload interface{}) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter. maxRetries=5 gives ~3s total wait on top of
// the driver's busy_timeout (5s).
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
		// Exponential backoff: 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
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
	// mattn/go-sqlite3 wraps errors as sqlite3.Error with Code field.
	// Check the error string for the code to avoid a direct dependency
	// on the sqlite3 package in non-CGO-importing code paths.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
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
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	if err := s.createSchemaV1(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionV1, schemaChecksumV1); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// createSchemaV1 builds the exchange schema: node liveness, run registry,
// and the two task partitions. online_until is indexed for online-node
// scans; the task partitions are indexed for consumer routing and ancestry
// lookups.
func (s *Store) createSchemaV1(ctx context.Context, tx *sql.Tx) error {
	taskColumns := `
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		run_id INTEGER NOT NULL REFERENCES run(id),
		producer_anonymous INTEGER NOT NULL,
		producer_node_id INTEGER NOT NULL,
		consumer_anonymous INTEGER NOT NULL,
		consumer_node_id INTEGER NOT NULL,
		created_at REAL NOT NULL,
		delivered_at TEXT NOT NULL DEFAULT '',
		pushed_at REAL NOT NULL,
		ttl REAL NOT NULL,
		ancestry TEXT NOT NULL DEFAULT '',
		task_type TEXT NOT NULL DEFAULT '',
		recordset BLOB NOT NULL`

	statements := []string{
		`CREATE TABLE IF NOT EXISTS node (
			id INTEGER PRIMARY KEY,
			online_until REAL NOT NULL,
			ping_interval REAL NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_node_online_until ON node(online_until);`,
		`CREATE TABLE IF NOT EXISTS run (
			id INTEGER PRIMARY KEY
		);`,
		`CREATE TABLE IF NOT EXISTS task_ins (` + taskColumns + `);`,
		`CREATE TABLE IF NOT EXISTS task_res (` + taskColumns + `);`,
		`CREATE INDEX IF NOT EXISTS idx_task_ins_consumer ON task_ins(consumer_anonymous, consumer_node_id, delivered_at);`,
		`CREATE INDEX IF NOT EXISTS idx_task_ins_run ON task_ins(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_task_ins_group ON task_ins(group_id);`,
		`CREATE INDEX IF NOT EXISTS idx_task_res_ancestry ON task_res(ancestry);`,
		`CREATE INDEX IF NOT EXISTS idx_task_res_run ON task_res(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_task_res_group ON task_res(group_id);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema v1: %w", err)
		}
	}
	return nil
}

// Stats summarizes store contents for the status command.
type Stats struct {
	Runs                  int64 `json:"runs"`
	NodesTotal            int64 `json:"nodes_total"`
	NodesOnline           int64 `json:"nodes_online"`
	InstructionsPending   int64 `json:"instructions_pending"`
	InstructionsDelivered int64 `json:"instructions_delivered"`
	ResultsPending        int64 `json:"results_pending"`
	ResultsDelivered      int64 `json:"results_delivered"`
	Expired               int64 `json:"expired"`
}

// ReadStats collects counts across all tables. Pending/delivered counts
// exclude expired rows; Expired counts rows awaiting the next sweep.
func (s *Store) ReadStats(ctx context.Context, now time.Time) (Stats, error) {
	var stats Stats
	ts := unixSeconds(now)

	queries := []struct {
		dst   *int64
		query string
		args  []any
	}{
		{&stats.Runs, `SELECT COUNT(1) FROM run;`, nil},
		{&stats.NodesTotal, `SELECT COUNT(1) FROM node;`, nil},
		{&stats.NodesOnline, `SELECT COUNT(1) FROM node WHERE online_until > ?;`, []any{ts}},
		{&stats.InstructionsPending, `SELECT COUNT(1) FROM task_ins WHERE delivered_at = '' AND pushed_at + ttl > ?;`, []any{ts}},
		{&stats.InstructionsDelivered, `SELECT COUNT(1) FROM task_ins WHERE delivered_at != '';`, nil},
		{&stats.ResultsPending, `SELECT COUNT(1) FROM task_res WHERE delivered_at = '' AND pushed_at + ttl > ?;`, []any{ts}},
		{&stats.ResultsDelivered, `SELECT COUNT(1) FROM task_res WHERE delivered_at != '';`, nil},
		{&stats.Expired, `SELECT
			(SELECT COUNT(1) FROM task_ins WHERE pushed_at + ttl <= ?) +
			(SELECT COUNT(1) FROM task_res WHERE pushed_at + ttl <= ?);`, []any{ts, ts}},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query, q.args...).Scan(q.dst); err != nil {
			return stats, fmt.Errorf("read stats: %w", err)
		}
	}
	return stats, nil
}

// unixSeconds converts a time to fractional unix seconds, the wire and
// storage representation of all task timestamps.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func timeFromUnixSeconds(sec float64) time.Time {
	return time.Unix(0, int64(sec*float64(time.Second))).UTC()
}
