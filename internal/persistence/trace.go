package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/loopboard/agentd/internal/bus"
)

// AppendTraceEvent writes one entry to the execution ledger. The ledger is
// append-only: nothing updates or deletes individual rows (retention pruning
// removes whole age bands).
func (s *Store) AppendTraceEvent(ctx context.Context, ev TraceEvent) (int64, error) {
	if ev.TraceID == "" {
		return 0, fmt.Errorf("trace_id is required")
	}
	if ev.Stage == "" {
		return 0, fmt.Errorf("stage is required")
	}
	// Status is free text by design, but an empty one is always a bug.
	if ev.Status == "" {
		return 0, fmt.Errorf("status is required")
	}

	now := time.Now().UTC()
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin trace tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := appendTraceEventTx(ctx, tx, ev, now); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `SELECT last_insert_rowid();`).Scan(&id); err != nil {
			return fmt.Errorf("trace event rowid: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	s.publish(bus.TopicTraceAppended, bus.TraceAppendedEvent{
		TraceID: ev.TraceID, TaskID: ev.TaskID, Stage: ev.Stage, Status: ev.Status,
	})
	return id, nil
}

func appendTraceEventTx(ctx context.Context, tx *sql.Tx, ev TraceEvent, now time.Time) error {
	if ev.Detail == "" {
		ev.Detail = "{}"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO trace_events (trace_id, request_id, intent_id, task_id, kind, room,
			stage, status, message, detail, created_at)
		VALUES (?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, ?, ?);
	`, ev.TraceID, ev.RequestID, ev.IntentID, ev.TaskID, ev.Kind, ev.Room,
		ev.Stage, ev.Status, ev.Message, ev.Detail, now)
	if err != nil {
		return fmt.Errorf("insert trace_event: %w", err)
	}
	return nil
}

const traceColumns = `id, trace_id, COALESCE(request_id, ''), COALESCE(intent_id, ''),
	COALESCE(task_id, ''), COALESCE(kind, ''), room, stage, status, message, detail, created_at`

// ListTraceEvents returns all ledger entries for a trace in chronological
// order, id as the tie-break for same-timestamp rows.
func (s *Store) ListTraceEvents(ctx context.Context, traceID string, limit int) ([]TraceEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+traceColumns+` FROM trace_events
		WHERE trace_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?;
	`, traceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list trace events: %w", err)
	}
	return collectTraceEvents(rows)
}

// ListTraceEventsByTask returns ledger entries attached to one task.
func (s *Store) ListTraceEventsByTask(ctx context.Context, taskID string, limit int) ([]TraceEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+traceColumns+` FROM trace_events
		WHERE task_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list trace events by task: %w", err)
	}
	return collectTraceEvents(rows)
}

func collectTraceEvents(rows *sql.Rows) ([]TraceEvent, error) {
	defer rows.Close()
	var out []TraceEvent
	for rows.Next() {
		var ev TraceEvent
		if err := rows.Scan(&ev.ID, &ev.TraceID, &ev.RequestID, &ev.IntentID,
			&ev.TaskID, &ev.Kind, &ev.Room,
			&ev.Stage, &ev.Status, &ev.Message, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trace event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trace event rows: %w", err)
	}
	return out, nil
}

// PruneTraceEvents deletes ledger entries older than the cutoff. Returns the
// number of rows removed.
func (s *Store) PruneTraceEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM trace_events WHERE created_at < ?;`, olderThan.UTC())
		if err != nil {
			return fmt.Errorf("prune trace events: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
