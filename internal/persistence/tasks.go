package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loopboard/agentd/internal/bus"
)

// ErrNotFound is returned when a task id does not exist.
var ErrNotFound = errors.New("task not found")

// EnqueueRequest describes a task submission.
type EnqueueRequest struct {
	RequestID   string
	Kind        string
	Room        string
	Priority    int
	Params      string // JSON object
	DedupeKey   string
	MaxAttempts int
	RunAt       time.Time // zero means immediately
	TraceID     string    // correlation id recorded on the enqueue ledger entry
}

// Enqueue inserts a task, or joins an existing open one.
//
// Idempotency: if an open (queued or running) task already carries the same
// request_id, that task is returned with deduped=true and nothing is written.
// Dedupe: if req.DedupeKey is set and an open task with the same key was
// created within the window, that task is returned with deduped=true.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest, dedupeWindow time.Duration) (*Task, bool, error) {
	if req.RequestID == "" {
		return nil, false, errors.New("request_id is required")
	}
	if req.Kind == "" {
		return nil, false, errors.New("kind is required")
	}
	if req.Params == "" {
		req.Params = "{}"
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = 3
	}

	now := time.Now().UTC()
	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = now
	} else {
		runAt = runAt.UTC()
	}

	var task *Task
	var deduped bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		// Same request replayed while the original is still open.
		existing, err := getTaskWhereTx(ctx, tx,
			`request_id = ? AND status IN ('queued', 'running')`, req.RequestID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if existing != nil {
			task, deduped = existing, true
			return tx.Commit()
		}

		if req.DedupeKey != "" && dedupeWindow > 0 {
			windowStart := now.Add(-dedupeWindow)
			open, err := getTaskWhereTx(ctx, tx,
				`dedupe_key = ? AND status IN ('queued', 'running') AND created_at >= ?
				 ORDER BY created_at DESC`, req.DedupeKey, windowStart)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if open != nil {
				task, deduped = open, true
				return tx.Commit()
			}
		}

		id := uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_tasks (
				id, request_id, kind, room, priority, status, attempt, max_attempts,
				params, dedupe_key, run_at, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, NULLIF(?, ''), ?, ?, ?);
		`, id, req.RequestID, req.Kind, req.Room, req.Priority, StatusQueued,
			req.MaxAttempts, req.Params, req.DedupeKey, runAt, now, now); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := appendTraceEventTx(ctx, tx, TraceEvent{
			TraceID:   traceIDOr(req.TraceID, id),
			RequestID: req.RequestID,
			TaskID:    id,
			Kind:      req.Kind,
			Room:      req.Room,
			Stage:     "enqueue",
			Status:    EventCompleted,
			Message:   req.Kind,
		}, now); err != nil {
			return err
		}

		inserted, err := getTaskWhereTx(ctx, tx, `id = ?`, id)
		if err != nil {
			return err
		}
		task, deduped = inserted, false
		return tx.Commit()
	})
	if err != nil {
		return nil, false, err
	}
	if !deduped {
		s.publish(bus.TopicTaskEnqueued, bus.TaskStateChangedEvent{
			TaskID: task.ID, Kind: task.Kind, Room: task.Room, To: string(task.Status),
		})
	}
	return task, deduped, nil
}

func traceIDOr(traceID, fallback string) string {
	if traceID != "" {
		return traceID
	}
	return fallback
}

// Claim atomically moves the best eligible queued task to running under a
// fresh lease. Eligible means run_at has passed; best means lowest priority
// value, then earliest created_at, then id. Returns nil, nil when the queue
// is empty.
func (s *Store) Claim(ctx context.Context, workerID string, leaseTTL time.Duration) (*Task, error) {
	token := uuid.NewString()
	now := time.Now().UTC()
	expires := now.Add(leaseTTL)

	var task *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		// Single conditional UPDATE: the subselect picks the winner and the
		// status guard makes the claim atomic under SQLite's writer lock.
		// The attempt counter is untouched here; it moves only when execution
		// actually starts (StartAttempt), so a claim released over a slot
		// conflict never shows up in the counter.
		res, err := tx.ExecContext(ctx, `
			UPDATE agent_tasks
			SET status = ?,
				lease_token = ?,
				lease_expires_at = ?,
				claimed_by = ?,
				updated_at = ?
			WHERE id = (
				SELECT id FROM agent_tasks
				WHERE status = 'queued' AND run_at <= ?
				ORDER BY priority ASC, created_at ASC, id ASC
				LIMIT 1
			) AND status = 'queued';
		`, StatusRunning, token, expires, workerID, now, now)
		if err != nil {
			return fmt.Errorf("claim update: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if affected == 0 {
			task = nil
			return tx.Commit()
		}

		claimed, err := getTaskWhereTx(ctx, tx, `lease_token = ?`, token)
		if err != nil {
			return err
		}
		task = claimed
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	if task != nil {
		s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID: task.ID, Kind: task.Kind, Room: task.Room,
			From: string(StatusQueued), To: string(StatusRunning),
		})
	}
	return task, nil
}

// StartAttempt bumps the attempt counter once the worker is actually about to
// run the handler, i.e. after room and resource slots were acquired. Keeping
// the increment out of Claim makes the counter monotonic: a claim released
// over a slot conflict never touched it. Returns the new attempt number, or
// false when the lease is no longer held.
func (s *Store) StartAttempt(ctx context.Context, taskID, leaseToken string) (int, bool, error) {
	now := time.Now().UTC()
	var attempt int
	var started bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin start attempt tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE agent_tasks
			SET attempt = attempt + 1,
				started_at = ?,
				updated_at = ?
			WHERE id = ? AND status = 'running' AND lease_token = ?;
		`, now, now, taskID, leaseToken)
		if err != nil {
			return fmt.Errorf("start attempt: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected != 1 {
			started = false
			return tx.Commit()
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT attempt FROM agent_tasks WHERE id = ?;`, taskID).Scan(&attempt); err != nil {
			return fmt.Errorf("read attempt: %w", err)
		}
		started = true
		return tx.Commit()
	})
	if err != nil {
		return 0, false, err
	}
	return attempt, started, nil
}

// RenewLease extends the lease on a running task. Returns false when the
// task is no longer running under this token, which tells the worker its
// task was canceled, requeued or reclaimed out from under it.
func (s *Store) RenewLease(ctx context.Context, taskID, leaseToken string, leaseTTL time.Duration) (bool, error) {
	now := time.Now().UTC()
	var renewed bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agent_tasks
			SET lease_expires_at = ?, updated_at = ?
			WHERE id = ? AND status = 'running' AND lease_token = ?;
		`, now.Add(leaseTTL), now, taskID, leaseToken)
		if err != nil {
			return fmt.Errorf("renew lease: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		renewed = affected == 1
		return nil
	})
	return renewed, err
}

// CompleteTask moves a running task to succeeded. The lease token guard
// ensures a worker whose lease was reclaimed cannot report a result.
func (s *Store) CompleteTask(ctx context.Context, taskID, leaseToken, result string) (bool, error) {
	return s.finishTask(ctx, taskID, leaseToken, StatusSucceeded, result, "")
}

// FailTask moves a running task to failed with an error message.
func (s *Store) FailTask(ctx context.Context, taskID, leaseToken, errMsg string) (bool, error) {
	return s.finishTask(ctx, taskID, leaseToken, StatusFailed, "", errMsg)
}

func (s *Store) finishTask(ctx context.Context, taskID, leaseToken string, to Status, result, errMsg string) (bool, error) {
	now := time.Now().UTC()
	var done bool
	var task *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finish tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE agent_tasks
			SET status = ?,
				result = CASE WHEN ? != '' THEN ? ELSE result END,
				error = CASE WHEN ? != '' THEN ? ELSE error END,
				lease_token = NULL,
				lease_expires_at = NULL,
				finished_at = ?,
				updated_at = ?
			WHERE id = ? AND status = 'running' AND lease_token = ?;
		`, to, result, result, errMsg, errMsg, now, now, taskID, leaseToken)
		if err != nil {
			return fmt.Errorf("finish task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected != 1 {
			done = false
			return tx.Commit()
		}
		finished, err := getTaskWhereTx(ctx, tx, `id = ?`, taskID)
		if err != nil {
			return err
		}
		task = finished
		done = true
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if done && task != nil {
		topic := bus.TopicTaskCompleted
		if to == StatusFailed {
			topic = bus.TopicTaskFailed
		}
		s.publish(topic, bus.TaskStateChangedEvent{
			TaskID: task.ID, Kind: task.Kind, Room: task.Room,
			From: string(StatusRunning), To: string(to),
		})
	}
	return done, nil
}

// ReleaseForRetry returns a running task to queued after a transient claim
// conflict (e.g. its room is at the concurrency limit). The attempt counter
// is untouched: it only moves in StartAttempt, which never ran for a
// conflicted claim, so the conflict does not burn a retry budget slot.
func (s *Store) ReleaseForRetry(ctx context.Context, taskID, leaseToken string, delay time.Duration) (bool, error) {
	now := time.Now().UTC()
	var released bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agent_tasks
			SET status = 'queued',
				lease_token = NULL,
				lease_expires_at = NULL,
				claimed_by = NULL,
				started_at = NULL,
				run_at = ?,
				updated_at = ?
			WHERE id = ? AND status = 'running' AND lease_token = ?;
		`, now.Add(delay), now, taskID, leaseToken)
		if err != nil {
			return fmt.Errorf("release task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		released = affected == 1
		return nil
	})
	return released, err
}

// RetryLater returns a failed attempt to the queue for another try: the task
// goes back to queued with run_at pushed out by the backoff delay and the
// attempt counter preserved, so the retry budget keeps counting.
func (s *Store) RetryLater(ctx context.Context, taskID, leaseToken string, delay time.Duration, errMsg string) (bool, error) {
	now := time.Now().UTC()
	var requeued bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agent_tasks
			SET status = 'queued',
				error = ?,
				lease_token = NULL,
				lease_expires_at = NULL,
				claimed_by = NULL,
				started_at = NULL,
				run_at = ?,
				updated_at = ?
			WHERE id = ? AND status = 'running' AND lease_token = ?;
		`, errMsg, now.Add(delay), now, taskID, leaseToken)
		if err != nil {
			return fmt.Errorf("retry later: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		requeued = affected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	if requeued {
		s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID: taskID, From: string(StatusRunning), To: string(StatusQueued),
		})
	}
	return requeued, nil
}

// ReclaimExpired requeues running tasks whose lease has expired, preserving
// the attempt counter. Returns the affected task ids.
func (s *Store) ReclaimExpired(ctx context.Context) ([]string, error) {
	now := time.Now().UTC()
	var ids []string
	err := retryOnBusy(ctx, 5, func() error {
		ids = ids[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reclaim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, room, kind, request_id FROM agent_tasks
			WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?;
		`, now)
		if err != nil {
			return fmt.Errorf("select expired leases: %w", err)
		}
		type expired struct{ id, room, kind, requestID string }
		var found []expired
		for rows.Next() {
			var e expired
			if err := rows.Scan(&e.id, &e.room, &e.kind, &e.requestID); err != nil {
				rows.Close()
				return fmt.Errorf("scan expired lease: %w", err)
			}
			found = append(found, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("expired lease rows: %w", err)
		}

		for _, e := range found {
			res, err := tx.ExecContext(ctx, `
				UPDATE agent_tasks
				SET status = 'queued',
					lease_token = NULL,
					lease_expires_at = NULL,
					claimed_by = NULL,
					started_at = NULL,
					run_at = ?,
					updated_at = ?
				WHERE id = ? AND status = 'running' AND lease_expires_at < ?;
			`, now, now, e.id, now)
			if err != nil {
				return fmt.Errorf("reclaim lease: %w", err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected != 1 {
				continue
			}
			if err := appendTraceEventTx(ctx, tx, TraceEvent{
				TraceID:   e.id,
				RequestID: e.requestID,
				TaskID:    e.id,
				Kind:      e.kind,
				Room:      e.room,
				Stage:     "lease_reclaim",
				Status:    EventCompleted,
				Message:   "lease expired; task requeued",
			}, now); err != nil {
				return err
			}
			ids = append(ids, e.id)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		s.publish(bus.TopicTaskLeaseReclaimed, bus.TaskStateChangedEvent{
			TaskID: id, From: string(StatusRunning), To: string(StatusQueued),
		})
	}
	return ids, nil
}

// GetTask returns a task by id, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks WHERE id = ?;`, taskID)
	var task Task
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// TaskFilter narrows ListTasks. Zero values mean "no filter".
type TaskFilter struct {
	Status Status
	Kind   string
	Room   string
	Limit  int
}

// ListTasks returns tasks newest-first.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	where := "1=1"
	args := []any{}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Kind != "" {
		where += " AND kind = ?"
		args = append(args, filter.Kind)
	}
	if filter.Room != "" {
		where += " AND room = ?"
		args = append(args, filter.Room)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks WHERE `+where+`
		 ORDER BY created_at DESC, id DESC LIMIT ?;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// ListTasksByTrace returns tasks correlated with a trace id: either the task
// id itself or a trace_id carried in the params (flat or under metadata).
// Oldest first, so synthesized fallback events come out in lifecycle order.
func (s *Store) ListTasksByTrace(ctx context.Context, traceID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks
		 WHERE id = ?
			OR json_extract(params, '$.trace_id') = ?
			OR json_extract(params, '$.traceId') = ?
			OR json_extract(params, '$.metadata.trace_id') = ?
			OR json_extract(params, '$.metadata.traceId') = ?
		 ORDER BY created_at ASC, id ASC;`,
		traceID, traceID, traceID, traceID, traceID)
	if err != nil {
		return nil, fmt.Errorf("list tasks by trace: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// CountsByStatus returns the queue depth per status.
func (s *Store) CountsByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(1) FROM agent_tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count rows: %w", err)
	}
	return out, nil
}

func getTaskWhereTx(ctx context.Context, tx *sql.Tx, where string, args ...any) (*Task, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks WHERE `+where+` LIMIT 1;`, args...)
	var task Task
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select task: %w", err)
	}
	return &task, nil
}
