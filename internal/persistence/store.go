// Package persistence is the durable task queue and trace ledger backed by
// SQLite. All state transitions go through conditional UPDATEs guarded by the
// current status (and lease token where one is held), so concurrent workers
// and admin actions cannot double-apply a transition.
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

	_ "github.com/mattn/go-sqlite3"

	"github.com/loopboard/agentd/internal/bus"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "agentd-v1-2026-08-23-task-queue"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Status is the task lifecycle state. Exactly one transition path leads into
// each terminal state; see allowedTransitions.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

func ValidStatus(s string) bool {
	switch Status(s) {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusQueued: {
		StatusRunning:  {},
		StatusCanceled: {},
	},
	StatusRunning: {
		StatusSucceeded: {},
		StatusFailed:    {},
		StatusCanceled:  {},
		StatusQueued:    {}, // Lease reclaim / admin requeue.
	},
}

func canTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Task is a row in agent_tasks.
type Task struct {
	ID             string     `json:"id"`
	RequestID      string     `json:"request_id"`
	Kind           string     `json:"kind"`
	Room           string     `json:"room,omitempty"`
	Priority       int        `json:"priority"`
	Status         Status     `json:"status"`
	Attempt        int        `json:"attempt"`
	MaxAttempts    int        `json:"max_attempts"`
	Params         string     `json:"params"`
	Result         string     `json:"result,omitempty"`
	Error          string     `json:"error,omitempty"`
	DedupeKey      string     `json:"dedupe_key,omitempty"`
	LeaseToken     string     `json:"lease_token,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	RunAt          time.Time  `json:"run_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TraceEvent is a row in trace_events, the append-only execution ledger.
// trace_id, request_id and intent_id are all correlation keys; at least one
// is set in practice. Status is free text so producers can record outcomes
// like "queue_error" or "ok" without a schema change.
type TraceEvent struct {
	ID        int64     `json:"id"`
	TraceID   string    `json:"trace_id"`
	RequestID string    `json:"request_id,omitempty"`
	IntentID  string    `json:"intent_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Room      string    `json:"room,omitempty"`
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// Trace event statuses this subsystem writes itself. Readers must tolerate
// other values.
const (
	EventStarted   = "started"
	EventCompleted = "completed"
	EventFailed    = "failed"
)

// Heartbeat is a row in worker_heartbeats.
type Heartbeat struct {
	WorkerID      string    `json:"worker_id"`
	Host          string    `json:"host,omitempty"`
	PID           int       `json:"pid,omitempty"`
	Health        string    `json:"health"`
	CurrentTaskID string    `json:"current_task_id,omitempty"`
	ActiveTasks   int       `json:"active_tasks"`
	QueueLagMS    int64     `json:"queue_lag_ms"`
	StartedAt     time.Time `json:"started_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
}

// Audit is a row in agent_action_audits, one per executed admin action.
type Audit struct {
	ID            int64     `json:"id"`
	Action        string    `json:"action"`
	TaskID        string    `json:"task_id"`
	NewTaskID     string    `json:"new_task_id,omitempty"`
	RequestID     string    `json:"request_id,omitempty"`
	TargetTraceID string    `json:"target_trace_id,omitempty"`
	Operator      string    `json:"operator"`
	Reason        string    `json:"reason"`
	PrevStatus    Status    `json:"prev_status"`
	NewStatus     Status    `json:"new_status"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentd", "agentd.db")
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

func (s *Store) publish(topic string, payload any) {
	s.bus.Publish(topic, payload)
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
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

// IsSchemaDrift reports whether err is SQLite complaining about a missing
// table or column — the store's schema is out of step with the code. Callers
// reading optional enrichment data (trace events, audits) degrade gracefully
// on drift instead of treating it as a business failure.
func IsSchemaDrift(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "no such column")
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
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
		return tx.Commit()
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS agent_tasks (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			room TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL CHECK(status IN ('queued', 'running', 'succeeded', 'failed', 'canceled')),
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			params JSON NOT NULL DEFAULT '{}',
			result JSON,
			error TEXT,
			dedupe_key TEXT,
			lease_token TEXT,
			lease_expires_at DATETIME,
			claimed_by TEXT,
			run_at DATETIME NOT NULL,
			started_at DATETIME,
			finished_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS trace_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL,
			request_id TEXT,
			intent_id TEXT,
			task_id TEXT,
			kind TEXT,
			room TEXT NOT NULL DEFAULT '',
			stage TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS worker_heartbeats (
			worker_id TEXT PRIMARY KEY,
			host TEXT,
			pid INTEGER,
			health TEXT NOT NULL CHECK(health IN ('online', 'degraded', 'offline')),
			current_task_id TEXT,
			active_tasks INTEGER NOT NULL DEFAULT 0,
			queue_lag_ms INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			last_seen_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS agent_action_audits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			action TEXT NOT NULL,
			task_id TEXT NOT NULL,
			new_task_id TEXT,
			request_id TEXT,
			target_trace_id TEXT,
			operator TEXT NOT NULL,
			reason TEXT NOT NULL,
			prev_status TEXT NOT NULL,
			new_status TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	indexStatements := []string{
		// Open tasks only: succeeded/failed/canceled rows release the request_id
		// so a retried request can reuse it.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_request_open
			ON agent_tasks(request_id) WHERE status IN ('queued', 'running');`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim
			ON agent_tasks(status, run_at, priority, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_lease
			ON agent_tasks(status, lease_expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_dedupe
			ON agent_tasks(dedupe_key, status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_room
			ON agent_tasks(room, status);`,
		`CREATE INDEX IF NOT EXISTS idx_trace_events_trace
			ON trace_events(trace_id, created_at, id);`,
		`CREATE INDEX IF NOT EXISTS idx_trace_events_task
			ON trace_events(task_id, created_at, id);`,
		`CREATE INDEX IF NOT EXISTS idx_trace_events_created
			ON trace_events(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_task
			ON agent_action_audits(task_id, id);`,
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
	return nil
}

const taskColumns = `id, request_id, kind, room, priority, status, attempt, max_attempts,
	params, COALESCE(result, ''), COALESCE(error, ''), COALESCE(dedupe_key, ''),
	COALESCE(lease_token, ''), lease_expires_at, COALESCE(claimed_by, ''),
	run_at, started_at, finished_at, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var leaseExpires, startedAt, finishedAt sql.NullTime
	if err := scanFn(
		&task.ID,
		&task.RequestID,
		&task.Kind,
		&task.Room,
		&task.Priority,
		&task.Status,
		&task.Attempt,
		&task.MaxAttempts,
		&task.Params,
		&task.Result,
		&task.Error,
		&task.DedupeKey,
		&task.LeaseToken,
		&leaseExpires,
		&task.ClaimedBy,
		&task.RunAt,
		&startedAt,
		&finishedAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	if leaseExpires.Valid {
		t := leaseExpires.Time
		task.LeaseExpiresAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		task.FinishedAt = &t
	}
	return nil
}
