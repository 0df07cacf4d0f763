package persistence

import (
	"context"
	"testing"
	"time"
)

func TestAppendAndListTraceEvents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, ev := range []TraceEvent{
		{TraceID: "tr-1", Stage: "dispatch", Status: EventStarted},
		{TraceID: "tr-1", Stage: "dispatch", Status: EventCompleted},
		{TraceID: "tr-1", Stage: "llm_call", Status: EventFailed, Message: "overloaded", Detail: `{"status":529}`},
		{TraceID: "tr-2", Stage: "dispatch", Status: EventStarted},
	} {
		if _, err := store.AppendTraceEvent(ctx, ev); err != nil {
			t.Fatalf("append %v: %v", ev.Stage, err)
		}
	}

	events, err := store.ListTraceEvents(ctx, "tr-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	// Same-timestamp rows fall back to insertion order via id.
	for i := 1; i < len(events); i++ {
		if events[i].ID <= events[i-1].ID {
			t.Fatalf("events out of order: %d before %d", events[i-1].ID, events[i].ID)
		}
	}
	if events[2].Stage != "llm_call" || events[2].Status != EventFailed {
		t.Fatalf("last event = %+v", events[2])
	}
}

func TestAppendTraceEventValidation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.AppendTraceEvent(ctx, TraceEvent{Stage: "x", Status: EventStarted}); err == nil {
		t.Fatal("missing trace_id must error")
	}
	if _, err := store.AppendTraceEvent(ctx, TraceEvent{TraceID: "tr", Status: EventStarted}); err == nil {
		t.Fatal("missing stage must error")
	}
	if _, err := store.AppendTraceEvent(ctx, TraceEvent{TraceID: "tr", Stage: "x"}); err == nil {
		t.Fatal("missing status must error")
	}
}

func TestTraceEventFreeTextStatusAndCorrelation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// The status column is free text: producers outside this process record
	// outcomes like queue_error or ok.
	in := TraceEvent{
		TraceID:   "tr-5",
		RequestID: "req-5",
		IntentID:  "intent-5",
		TaskID:    "task-5",
		Kind:      "summarize",
		Room:      "r1",
		Stage:     "routed",
		Status:    "queue_error",
		Message:   "router backlog",
	}
	if _, err := store.AppendTraceEvent(ctx, in); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := store.ListTraceEvents(ctx, "tr-5", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	got := events[0]
	if got.Status != "queue_error" {
		t.Fatalf("status = %q, want queue_error", got.Status)
	}
	if got.RequestID != "req-5" || got.IntentID != "intent-5" || got.Kind != "summarize" {
		t.Fatalf("correlation lost: %+v", got)
	}
}

func TestListTraceEventsByTask(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	task := mustEnqueue(t, store, EnqueueRequest{RequestID: "req-1", Kind: "summarize", TraceID: "tr-9"})

	events, err := store.ListTraceEventsByTask(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("list by task: %v", err)
	}
	if len(events) != 1 || events[0].Stage != "enqueue" {
		t.Fatalf("events = %+v, want the enqueue ledger entry", events)
	}
	if events[0].TraceID != "tr-9" {
		t.Fatalf("trace_id = %q, want tr-9", events[0].TraceID)
	}
}

func TestPruneTraceEvents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.AppendTraceEvent(ctx, TraceEvent{TraceID: "tr", Stage: "x", Status: EventStarted}); err != nil {
		t.Fatalf("append: %v", err)
	}

	n, err := store.PruneTraceEvents(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 0 {
		t.Fatalf("pruned %d recent rows, want 0", n)
	}

	n, err = store.PruneTraceEvents(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
}

func TestHeartbeatsLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.UpsertHeartbeat(ctx, Heartbeat{
		WorkerID: "w1", Host: "box-1", PID: 4242, Health: WorkerOnline,
		CurrentTaskID: "task-1", ActiveTasks: 1, QueueLagMS: 125,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.UpsertHeartbeat(ctx, Heartbeat{
		WorkerID: "w1", Host: "box-1", PID: 4242, Health: WorkerOnline,
	}); err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	if err := store.UpsertHeartbeat(ctx, Heartbeat{
		WorkerID: "w2", Health: WorkerDegraded,
	}); err != nil {
		t.Fatalf("upsert w2: %v", err)
	}
	if err := store.UpsertHeartbeat(ctx, Heartbeat{WorkerID: "w1", Health: "sideways"}); err == nil {
		t.Fatal("invalid worker health must error")
	}

	beats, err := store.ListHeartbeats(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(beats) != 2 {
		t.Fatalf("heartbeats = %d, want 2", len(beats))
	}
	for _, hb := range beats {
		if hb.WorkerID == "w1" && (hb.Host != "box-1" || hb.PID != 4242) {
			t.Fatalf("w1 heartbeat lost host/pid: %+v", hb)
		}
	}

	// Nothing is stale yet.
	ids, err := store.MarkStaleOffline(ctx, time.Minute)
	if err != nil {
		t.Fatalf("mark stale: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("stale = %v, want none", ids)
	}

	// A negative threshold puts the cutoff in the future: everything is stale.
	ids, err = store.MarkStaleOffline(ctx, -time.Minute)
	if err != nil {
		t.Fatalf("mark stale: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("stale = %v, want both workers", ids)
	}

	if err := store.DeleteHeartbeat(ctx, "w1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	beats, err = store.ListHeartbeats(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(beats) != 1 || beats[0].WorkerID != "w2" {
		t.Fatalf("beats = %+v, want only w2", beats)
	}
}
