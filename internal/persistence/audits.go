package persistence

import (
	"context"
	"fmt"
	"time"
)

const auditColumns = `id, action, task_id, COALESCE(new_task_id, ''), COALESCE(request_id, ''),
	COALESCE(target_trace_id, ''), operator, reason, prev_status, new_status, detail, created_at`

// ListAudits returns action audit rows newest-first. taskID narrows to one
// task when non-empty.
func (s *Store) ListAudits(ctx context.Context, taskID string, limit int) ([]Audit, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT ` + auditColumns + ` FROM agent_action_audits`
	args := []any{}
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audits: %w", err)
	}
	defer rows.Close()

	var out []Audit
	for rows.Next() {
		var a Audit
		if err := rows.Scan(&a.ID, &a.Action, &a.TaskID, &a.NewTaskID, &a.RequestID,
			&a.TargetTraceID, &a.Operator, &a.Reason, &a.PrevStatus, &a.NewStatus,
			&a.Detail, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit rows: %w", err)
	}
	return out, nil
}

// PruneAudits deletes audit rows older than the cutoff.
func (s *Store) PruneAudits(ctx context.Context, olderThan time.Time) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM agent_action_audits WHERE created_at < ?;`, olderThan.UTC())
		if err != nil {
			return fmt.Errorf("prune audits: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
