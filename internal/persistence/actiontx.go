package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loopboard/agentd/internal/bus"
)

// ActionTx scopes an admin action to a single transaction so the task
// mutation, the audit row and the ledger entry commit or roll back together.
type ActionTx struct {
	ctx     context.Context
	tx      *sql.Tx
	now     time.Time
	pending []bus.Event
}

// RunActionTx runs fn inside a transaction with busy retry. Bus events queued
// via publish are delivered only after a successful commit.
func (s *Store) RunActionTx(ctx context.Context, fn func(*ActionTx) error) error {
	var delivered []bus.Event
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin action tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		at := &ActionTx{ctx: ctx, tx: tx, now: time.Now().UTC()}
		if err := fn(at); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit action tx: %w", err)
		}
		delivered = at.pending
		return nil
	})
	if err != nil {
		return err
	}
	for _, ev := range delivered {
		s.publish(ev.Topic, ev.Payload)
	}
	return nil
}

func (at *ActionTx) publish(topic string, payload any) {
	at.pending = append(at.pending, bus.Event{Topic: topic, Payload: payload})
}

// GetTaskForUpdate reads the task's current row inside the transaction.
func (at *ActionTx) GetTaskForUpdate(taskID string) (*Task, error) {
	return getTaskWhereTx(at.ctx, at.tx, `id = ?`, taskID)
}

// CancelTask moves a queued or running task to canceled, releasing any lease.
// Returns false when the row's status changed underneath the transaction.
func (at *ActionTx) CancelTask(taskID string, from Status, message string) (bool, error) {
	if !canTransition(from, StatusCanceled) {
		return false, fmt.Errorf("illegal transition %s -> %s", from, StatusCanceled)
	}
	res, err := at.tx.ExecContext(at.ctx, `
		UPDATE agent_tasks
		SET status = 'canceled',
			error = ?,
			lease_token = NULL,
			lease_expires_at = NULL,
			finished_at = ?,
			updated_at = ?
		WHERE id = ? AND status = ?;
	`, message, at.now, at.now, taskID, from)
	if err != nil {
		return false, fmt.Errorf("cancel task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected != 1 {
		return false, nil
	}
	at.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID: taskID, From: string(from), To: string(StatusCanceled),
	})
	return true, nil
}

// RequeueTask returns a running task to queued, eligible immediately. The
// attempt counter is untouched; the running worker loses its lease and will
// see the renewal fail.
func (at *ActionTx) RequeueTask(taskID string) (bool, error) {
	res, err := at.tx.ExecContext(at.ctx, `
		UPDATE agent_tasks
		SET status = 'queued',
			lease_token = NULL,
			lease_expires_at = NULL,
			claimed_by = NULL,
			started_at = NULL,
			run_at = ?,
			updated_at = ?
		WHERE id = ? AND status = 'running';
	`, at.now, at.now, taskID)
	if err != nil {
		return false, fmt.Errorf("requeue task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected != 1 {
		return false, nil
	}
	at.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID: taskID, From: string(StatusRunning), To: string(StatusQueued),
	})
	return true, nil
}

// InsertTask creates a fresh queued task inside the transaction. Used by the
// retry action to clone a terminal task under a derived request_id.
func (at *ActionTx) InsertTask(req EnqueueRequest) (*Task, error) {
	if req.Params == "" {
		req.Params = "{}"
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = 3
	}
	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = at.now
	} else {
		runAt = runAt.UTC()
	}
	id := uuid.NewString()
	if _, err := at.tx.ExecContext(at.ctx, `
		INSERT INTO agent_tasks (
			id, request_id, kind, room, priority, status, attempt, max_attempts,
			params, dedupe_key, run_at, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, 'queued', 0, ?, ?, NULLIF(?, ''), ?, ?, ?);
	`, id, req.RequestID, req.Kind, req.Room, req.Priority,
		req.MaxAttempts, req.Params, req.DedupeKey, runAt, at.now, at.now); err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	at.publish(bus.TopicTaskEnqueued, bus.TaskStateChangedEvent{
		TaskID: id, Kind: req.Kind, Room: req.Room, To: string(StatusQueued),
	})
	return getTaskWhereTx(at.ctx, at.tx, `id = ?`, id)
}

// InsertAudit writes the action audit row and returns its id.
func (at *ActionTx) InsertAudit(a Audit) (int64, error) {
	if a.Detail == "" {
		a.Detail = "{}"
	}
	res, err := at.tx.ExecContext(at.ctx, `
		INSERT INTO agent_action_audits (
			action, task_id, new_task_id, request_id, target_trace_id,
			operator, reason, prev_status, new_status, detail, created_at
		)
		VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, ?, ?);
	`, a.Action, a.TaskID, a.NewTaskID, a.RequestID, a.TargetTraceID,
		a.Operator, a.Reason, a.PrevStatus, a.NewStatus, a.Detail, at.now)
	if err != nil {
		return 0, fmt.Errorf("insert audit: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("audit id: %w", err)
	}
	at.publish(bus.TopicActionExecuted, bus.ActionExecutedEvent{
		AuditID: id, Action: a.Action, TaskID: a.TaskID, NewTaskID: a.NewTaskID,
		Operator: a.Operator, PrevStatus: string(a.PrevStatus), NewStatus: string(a.NewStatus),
	})
	return id, nil
}

// AppendTraceEvent writes a ledger entry inside the transaction.
func (at *ActionTx) AppendTraceEvent(ev TraceEvent) error {
	if err := appendTraceEventTx(at.ctx, at.tx, ev, at.now); err != nil {
		return err
	}
	at.publish(bus.TopicTraceAppended, bus.TraceAppendedEvent{
		TraceID: ev.TraceID, TaskID: ev.TaskID, Stage: ev.Stage, Status: ev.Status,
	})
	return nil
}
