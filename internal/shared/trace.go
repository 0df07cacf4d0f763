package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type requestKey struct{}
type taskIDKey struct{}
type roomKey struct{}
type workerIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithRequestID attaches a producer request_id to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestKey{}, requestID)
}

// RequestID extracts request_id from context. Returns "" if absent.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestKey{}).(string); ok {
		return v
	}
	return ""
}

// WithTaskID attaches a task_id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRoom attaches the logical room (tenant partition) to the context.
func WithRoom(ctx context.Context, room string) context.Context {
	return context.WithValue(ctx, roomKey{}, room)
}

// Room extracts the room from context. Returns "" if absent.
func Room(ctx context.Context) string {
	if v, ok := ctx.Value(roomKey{}).(string); ok {
		return v
	}
	return ""
}

// WithWorkerID attaches the claiming worker's id to the context.
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerIDKey{}, workerID)
}

// WorkerID extracts worker_id from context. Returns "" if absent.
func WorkerID(ctx context.Context) string {
	if v, ok := ctx.Value(workerIDKey{}).(string); ok {
		return v
	}
	return ""
}
