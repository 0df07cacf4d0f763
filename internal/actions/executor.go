package actions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/loopboard/agentd/internal/otel"
	"github.com/loopboard/agentd/internal/payload"
	"github.com/loopboard/agentd/internal/persistence"
	"github.com/loopboard/agentd/internal/shared"
)

// Cancel messages land in the task's error column; keep them short.
const maxCancelMessage = 240

// Request is one admin action invocation.
type Request struct {
	Action   Action
	TaskID   string
	Operator string
	Reason   string
}

// Result describes the committed action.
type Result struct {
	AuditID       int64              `json:"audit_id"`
	Action        Action             `json:"action"`
	TaskID        string             `json:"task_id"`
	NewTaskID     string             `json:"new_task_id,omitempty"` // set by retry
	PrevStatus    persistence.Status `json:"prev_status"`
	NewStatus     persistence.Status `json:"new_status"`
	TargetTraceID string             `json:"target_trace_id,omitempty"`
}

// Executor applies admin actions to the task store.
type Executor struct {
	store   *persistence.Store
	logger  *slog.Logger
	metrics *otel.Metrics // may be nil
}

func NewExecutor(store *persistence.Store, logger *slog.Logger, metrics *otel.Metrics) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{store: store, logger: logger, metrics: metrics}
}

// Execute validates, applies and audits one action. The task mutation, audit
// row and ledger entry commit atomically; on any conflict nothing is written.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.TaskID == "" {
		return nil, fmt.Errorf("task_id is required")
	}
	if strings.TrimSpace(req.Operator) == "" {
		return nil, fmt.Errorf("operator is required")
	}
	if len(strings.TrimSpace(req.Reason)) < 3 {
		return nil, ErrReasonRequired
	}
	if _, err := ParseAction(string(req.Action)); err != nil {
		return nil, err
	}

	var res Result
	err := e.store.RunActionTx(ctx, func(at *persistence.ActionTx) error {
		task, err := at.GetTaskForUpdate(req.TaskID)
		if err != nil {
			return err
		}
		if !req.Action.Allowed(task.Status) {
			return &InvalidStateError{
				Action:   req.Action,
				Current:  task.Status,
				Required: requiredStates[req.Action],
			}
		}

		targetTraceID := payload.Parse(task.Params).Correlation("trace_id", "traceId")
		if targetTraceID == "" {
			targetTraceID = task.ID
		}
		res = Result{
			Action:        req.Action,
			TaskID:        task.ID,
			PrevStatus:    task.Status,
			TargetTraceID: targetTraceID,
		}

		switch req.Action {
		case ActionCancel:
			message := truncate(
				"Canceled by admin: "+strings.TrimSpace(req.Reason),
				maxCancelMessage)
			ok, err := at.CancelTask(task.ID, task.Status, message)
			if err != nil {
				return err
			}
			if !ok {
				return e.conflict(at, req)
			}
			res.NewStatus = persistence.StatusCanceled

		case ActionRequeue:
			ok, err := at.RequeueTask(task.ID)
			if err != nil {
				return err
			}
			if !ok {
				return e.conflict(at, req)
			}
			res.NewStatus = persistence.StatusQueued

		case ActionRetry:
			// The clone keeps everything but identity; the derived request_id
			// keeps downstream dedupe from collapsing it into the original.
			clone, err := at.InsertTask(persistence.EnqueueRequest{
				RequestID:   retryRequestID(task.RequestID),
				Kind:        task.Kind,
				Room:        task.Room,
				Priority:    task.Priority,
				Params:      task.Params,
				DedupeKey:   task.DedupeKey,
				MaxAttempts: task.MaxAttempts,
			})
			if err != nil {
				return err
			}
			res.NewTaskID = clone.ID
			// The original row is untouched; the audit records the clone's
			// queued state as the action's outcome.
			res.NewStatus = persistence.StatusQueued
		}

		auditID, err := at.InsertAudit(persistence.Audit{
			Action:        string(req.Action),
			TaskID:        task.ID,
			NewTaskID:     res.NewTaskID,
			RequestID:     task.RequestID,
			TargetTraceID: targetTraceID,
			Operator:      req.Operator,
			Reason:        shared.Redact(strings.TrimSpace(req.Reason)),
			PrevStatus:    res.PrevStatus,
			NewStatus:     res.NewStatus,
		})
		if err != nil {
			return err
		}
		res.AuditID = auditID

		return at.AppendTraceEvent(persistence.TraceEvent{
			TraceID:   targetTraceID,
			RequestID: task.RequestID,
			TaskID:    task.ID,
			Kind:      task.Kind,
			Room:      task.Room,
			Stage:     "admin_action",
			Status:    persistence.EventCompleted,
			Message:   string(req.Action),
			Detail:    payload.Map{"operator": req.Operator, "new_task_id": res.NewTaskID}.Encode(),
		})
	})
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.AdminActions.Add(ctx, 1, metric.WithAttributes(
			otel.AttrAction.String(string(req.Action))))
	}
	e.logger.Info("admin action executed",
		"trace_id", shared.TraceID(ctx),
		"action", req.Action,
		"task_id", res.TaskID,
		"new_task_id", res.NewTaskID,
		"operator", req.Operator,
		"prev_status", res.PrevStatus,
		"new_status", res.NewStatus,
	)
	return &res, nil
}

// conflict re-reads the task after a guarded UPDATE missed, so the caller
// sees the status that actually won.
func (e *Executor) conflict(at *persistence.ActionTx, req Request) error {
	current, err := at.GetTaskForUpdate(req.TaskID)
	if err != nil {
		return err
	}
	return &InvalidStateError{
		Action:   req.Action,
		Current:  current.Status,
		Required: requiredStates[req.Action],
	}
}

// retryRequestID derives the clone's request_id. The suffix keeps retries of
// retries unambiguous and the original id greppable; tasks enqueued without
// a request_id get a synthetic one.
func retryRequestID(orig string) string {
	if orig == "" {
		orig = "retry:" + uuid.NewString()
	}
	return fmt.Sprintf("%s:retry:%d", orig, time.Now().UnixMilli())
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
