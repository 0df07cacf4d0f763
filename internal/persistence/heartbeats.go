package persistence

import (
	"context"
	"fmt"
	"time"
)

// Worker health values.
const (
	WorkerOnline   = "online"
	WorkerDegraded = "degraded"
	WorkerOffline  = "offline"
)

// UpsertHeartbeat records a worker's liveness. started_at is preserved across
// beats so uptime survives the upsert.
func (s *Store) UpsertHeartbeat(ctx context.Context, hb Heartbeat) error {
	if hb.WorkerID == "" {
		return fmt.Errorf("worker_id is required")
	}
	switch hb.Health {
	case WorkerOnline, WorkerDegraded, WorkerOffline:
	default:
		return fmt.Errorf("invalid worker health %q", hb.Health)
	}
	now := time.Now().UTC()
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO worker_heartbeats (
				worker_id, host, pid, health, current_task_id,
				active_tasks, queue_lag_ms, started_at, last_seen_at
			)
			VALUES (?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), ?, ?, ?, ?)
			ON CONFLICT(worker_id) DO UPDATE SET
				host = excluded.host,
				pid = excluded.pid,
				health = excluded.health,
				current_task_id = excluded.current_task_id,
				active_tasks = excluded.active_tasks,
				queue_lag_ms = excluded.queue_lag_ms,
				last_seen_at = excluded.last_seen_at;
		`, hb.WorkerID, hb.Host, hb.PID, hb.Health, hb.CurrentTaskID,
			hb.ActiveTasks, hb.QueueLagMS, now, now)
		if err != nil {
			return fmt.Errorf("upsert heartbeat: %w", err)
		}
		return nil
	})
}

// ListHeartbeats returns all workers, most recently seen first.
func (s *Store) ListHeartbeats(ctx context.Context) ([]Heartbeat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_id, COALESCE(host, ''), COALESCE(pid, 0), health,
			COALESCE(current_task_id, ''), active_tasks, queue_lag_ms,
			started_at, last_seen_at
		FROM worker_heartbeats
		ORDER BY last_seen_at DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list heartbeats: %w", err)
	}
	defer rows.Close()

	var out []Heartbeat
	for rows.Next() {
		var hb Heartbeat
		if err := rows.Scan(&hb.WorkerID, &hb.Host, &hb.PID, &hb.Health,
			&hb.CurrentTaskID, &hb.ActiveTasks, &hb.QueueLagMS,
			&hb.StartedAt, &hb.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		out = append(out, hb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("heartbeat rows: %w", err)
	}
	return out, nil
}

// MarkStaleOffline flips workers that stopped beating to offline. Returns
// the ids that changed.
func (s *Store) MarkStaleOffline(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	var ids []string
	err := retryOnBusy(ctx, 5, func() error {
		ids = ids[:0]
		rows, err := s.db.QueryContext(ctx, `
			SELECT worker_id FROM worker_heartbeats
			WHERE health != 'offline' AND last_seen_at < ?;
		`, cutoff)
		if err != nil {
			return fmt.Errorf("select stale workers: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan stale worker: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("stale worker rows: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		_, err = s.db.ExecContext(ctx, `
			UPDATE worker_heartbeats SET health = 'offline'
			WHERE health != 'offline' AND last_seen_at < ?;
		`, cutoff)
		if err != nil {
			return fmt.Errorf("mark stale offline: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteHeartbeat removes a worker row on clean shutdown.
func (s *Store) DeleteHeartbeat(ctx context.Context, workerID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM worker_heartbeats WHERE worker_id = ?;`, workerID)
	if err != nil {
		return fmt.Errorf("delete heartbeat: %w", err)
	}
	return nil
}
