// Package diagnosis derives human-facing failure summaries from the trace
// event ledger, with a task-row fallback for traces the ledger never saw.
package diagnosis

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/loopboard/agentd/internal/payload"
	"github.com/loopboard/agentd/internal/persistence"
)

// StageTaskStatusFallback marks ledger entries synthesized from task rows
// rather than recorded by a worker.
const StageTaskStatusFallback = "task_status_fallback"

// FailureSummary is the operator-facing digest of why a trace failed.
type FailureSummary struct {
	TraceID           string    `json:"trace_id"`
	RequestID         string    `json:"request_id,omitempty"`
	IntentID          string    `json:"intent_id,omitempty"`
	TaskID            string    `json:"task_id,omitempty"`
	Room              string    `json:"room,omitempty"`
	Stage             string    `json:"stage"`
	Status            string    `json:"status"`
	Subsystem         string    `json:"subsystem"`
	Reason            string    `json:"reason"`
	WorkerID          string    `json:"worker_id,omitempty"`
	Host              string    `json:"host,omitempty"`
	PID               int       `json:"pid,omitempty"`
	Provider          string    `json:"provider,omitempty"`
	Model             string    `json:"model,omitempty"`
	ProviderRequestID string    `json:"provider_request_id,omitempty"`
	ProviderLink      string    `json:"provider_link,omitempty"`
	Synthesized       bool      `json:"synthesized,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// Engine answers trace and failure queries over the store, decorated with
// provider deep links.
type Engine struct {
	store  *persistence.Store
	links  map[string]string
	logger *slog.Logger
}

// New builds an engine. Link templates that do not render to an absolute
// http(s) URL are dropped up front so a bad config cannot emit junk links.
func New(store *persistence.Store, links map[string]string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	valid := make(map[string]string, len(links))
	for provider, tmpl := range links {
		if _, ok := renderLink(tmpl, map[string]string{
			"traceId": "sample", "providerRequestId": "sample",
			"model": "sample", "provider": provider, "taskId": "sample",
		}); !ok {
			logger.Warn("dropping invalid provider link template",
				"provider", provider, "template", tmpl)
			continue
		}
		valid[provider] = tmpl
	}
	return &Engine{store: store, links: valid, logger: logger}
}

// TraceEvents returns the ledger for a trace, or events synthesized from the
// correlated task rows when the ledger is empty. The second return reports
// whether the fallback was used.
func (e *Engine) TraceEvents(ctx context.Context, traceID string) ([]persistence.TraceEvent, bool, error) {
	events, err := e.store.ListTraceEvents(ctx, traceID, 0)
	if err != nil {
		// A drifted ledger schema degrades to the task fallback instead of
		// failing the whole trace read.
		if !persistence.IsSchemaDrift(err) {
			return nil, false, err
		}
		e.logger.Warn("trace ledger schema drift, using task fallback",
			"trace_id", traceID, "error", err)
	}
	if len(events) > 0 {
		return events, false, nil
	}
	tasks, err := e.store.ListTasksByTrace(ctx, traceID)
	if err != nil {
		return nil, false, err
	}
	if len(tasks) == 0 {
		return nil, false, nil
	}
	return EventsFromTasks(traceID, tasks), true, nil
}

// FailureSummary derives the failure digest for a trace. The second return
// is false when the trace has no unsuperseded failure.
func (e *Engine) FailureSummary(ctx context.Context, traceID string) (*FailureSummary, bool, error) {
	events, synthesized, err := e.TraceEvents(ctx, traceID)
	if err != nil {
		return nil, false, err
	}
	summary, ok := DeriveFailureSummary(traceID, events)
	if !ok {
		return nil, false, nil
	}
	summary.Synthesized = synthesized
	e.attachProviderLink(summary)
	return summary, true, nil
}

// attachProviderLink renders the configured deep-link template for the
// summary's provider, if one is configured and the result is a sane URL.
func (e *Engine) attachProviderLink(summary *FailureSummary) {
	if summary.Provider == "" {
		return
	}
	tmpl, ok := e.links[summary.Provider]
	if !ok {
		return
	}
	link, ok := renderLink(tmpl, map[string]string{
		"traceId":           summary.TraceID,
		"taskId":            summary.TaskID,
		"provider":          summary.Provider,
		"model":             summary.Model,
		"providerRequestId": summary.ProviderRequestID,
	})
	if ok {
		summary.ProviderLink = link
	}
}

// Failure and success signal vocabularies. The ledger's status column is free
// text, so producers outside this process show up with their own spellings.
var (
	failureStatuses = map[string]bool{
		persistence.EventFailed: true,
		"error":                 true,
		"fallback_error":        true,
		"queue_error":           true,
	}
	successStatuses = map[string]bool{
		persistence.EventCompleted: true,
		"succeeded":                true,
		"ok":                       true,
	}
)

func isFailureSignal(ev *persistence.TraceEvent) bool {
	return ev.Stage == "failed" || failureStatuses[ev.Status]
}

func isSuccessSignal(ev *persistence.TraceEvent) bool {
	return ev.Stage == "completed" || successStatuses[ev.Status]
}

// after orders events by created_at with id as the deterministic tie-break.
func after(a, b *persistence.TraceEvent) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}

// DeriveFailureSummary reports the most recent failure signal not superseded
// by a later success. Any success counts, whatever its stage: a retried
// operation that eventually completed must not surface its earlier failure.
// The failure has to be strictly after the most recent success; a failure at
// the same timestamp is treated as superseded.
func DeriveFailureSummary(traceID string, events []persistence.TraceEvent) (*FailureSummary, bool) {
	var success *persistence.TraceEvent
	for i := range events {
		ev := &events[i]
		if isSuccessSignal(ev) && (success == nil || after(ev, success)) {
			success = ev
		}
	}

	var failure *persistence.TraceEvent
	for i := range events {
		ev := &events[i]
		if !isFailureSignal(ev) {
			continue
		}
		if success != nil && !ev.CreatedAt.After(success.CreatedAt) {
			continue
		}
		if failure == nil || after(ev, failure) {
			failure = ev
		}
	}
	if failure == nil {
		return nil, false
	}

	status := failure.Status
	if status == "" {
		status = persistence.EventFailed
	}
	detail := payload.Parse(failure.Detail)
	pid, _ := detail.Int("pid")
	return &FailureSummary{
		TraceID:           traceID,
		RequestID:         failure.RequestID,
		IntentID:          failure.IntentID,
		TaskID:            failure.TaskID,
		Room:              failure.Room,
		Stage:             failure.Stage,
		Status:            status,
		Subsystem:         ClassifySubsystem(failure.Stage),
		Reason:            ExtractFailureReason(*failure),
		WorkerID:          detail.Correlation("worker_id", "workerId", "worker"),
		Host:              detail.String("host"),
		PID:               pid,
		Provider:          detail.Correlation("provider"),
		Model:             detail.Correlation("model"),
		ProviderRequestID: detail.Correlation("provider_request_id", "providerRequestId", "request_id", "requestId"),
		OccurredAt:        failure.CreatedAt,
	}, true
}

// reasonKeys in priority order; nested objects unwrap one level through the
// same keys.
var reasonKeys = []string{"error", "reason", "message", "detail"}

// ExtractFailureReason pulls the most specific human-readable reason out of
// a failed event's detail payload, falling back to the event message.
func ExtractFailureReason(ev persistence.TraceEvent) string {
	detail := payload.Parse(ev.Detail)
	for _, key := range reasonKeys {
		if s := detail.String(key); s != "" {
			return s
		}
		if sub := detail.Sub(key); sub != nil {
			if s := sub.String(reasonKeys...); s != "" {
				return s
			}
		}
	}
	if ev.Message != "" {
		return ev.Message
	}
	return "unknown failure"
}

// fallbackShapes maps a task status to the synthesized event shape. Failed
// and canceled tasks carry the fixed sentinel stage so consumers can tell a
// synthesized verdict from a worker-recorded one.
var fallbackShapes = map[persistence.Status]struct {
	stage  string
	status string
}{
	persistence.StatusQueued:    {"queued", persistence.EventStarted},
	persistence.StatusRunning:   {"executing", persistence.EventStarted},
	persistence.StatusSucceeded: {"completed", persistence.EventCompleted},
	persistence.StatusFailed:    {StageTaskStatusFallback, persistence.EventFailed},
	persistence.StatusCanceled:  {StageTaskStatusFallback, persistence.EventFailed},
}

// EventsFromTasks synthesizes ledger entries from task rows for traces the
// ledger never recorded. One event per task, shaped by its current status.
func EventsFromTasks(traceID string, tasks []persistence.Task) []persistence.TraceEvent {
	out := make([]persistence.TraceEvent, 0, len(tasks))
	for _, task := range tasks {
		shape, ok := fallbackShapes[task.Status]
		if !ok {
			continue
		}
		at := task.UpdatedAt
		if task.FinishedAt != nil {
			at = *task.FinishedAt
		}
		message := task.Error
		if message == "" {
			message = task.Kind
		}
		out = append(out, persistence.TraceEvent{
			TraceID:   traceID,
			RequestID: task.RequestID,
			IntentID:  payload.Parse(task.Params).Correlation("intent_id", "intentId"),
			TaskID:    task.ID,
			Kind:      task.Kind,
			Room:      task.Room,
			Stage:     shape.stage,
			Status:    shape.status,
			Message:   message,
			Detail: payload.Map{
				"synthesized": true,
				"task_status": string(task.Status),
				"attempt":     task.Attempt,
			}.Encode(),
			CreatedAt: at,
		})
	}
	return out
}

// renderLink substitutes {var} placeholders and validates the result is an
// absolute http(s) URL.
func renderLink(tmpl string, vars map[string]string) (string, bool) {
	rendered := tmpl
	for name, value := range vars {
		rendered = strings.ReplaceAll(rendered, "{"+name+"}", url.QueryEscape(value))
	}
	if strings.Contains(rendered, "{") {
		return "", false
	}
	u, err := url.Parse(rendered)
	if err != nil || !u.IsAbs() {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return rendered, true
}
