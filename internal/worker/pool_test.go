package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loopboard/agentd/internal/config"
	"github.com/loopboard/agentd/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "agentd.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testTunables() func() config.Tunables {
	tun := config.Tunables{
		LeaseTTL:    300 * time.Millisecond,
		PollMin:     5 * time.Millisecond,
		PollMax:     20 * time.Millisecond,
		MaxAttempts: 3,
		RetryBase:   time.Millisecond,
		RetryMax:    5 * time.Millisecond,
		JitterRatio: 0,
	}
	return func() config.Tunables { return tun }
}

func startPool(t *testing.T, pool *Pool) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("pool did not stop")
		}
	})
	return cancel
}

func waitForStatus(t *testing.T, store *persistence.Store, taskID string, want persistence.Status) *persistence.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := store.GetTask(context.Background(), taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := store.GetTask(context.Background(), taskID)
	t.Fatalf("task %s never reached %s (now %s)", taskID, want, task.Status)
	return nil
}

func TestPoolExecutesTask(t *testing.T) {
	store := openTestStore(t)
	pool := NewPool(store, Options{Workers: 2, Tunables: testTunables()}, nil, nil)
	pool.Register("summarize", HandlerFunc(func(ctx context.Context, task *persistence.Task) (string, error) {
		return `{"summary":"done"}`, nil
	}))
	startPool(t, pool)

	task, _, err := store.Enqueue(context.Background(), persistence.EnqueueRequest{
		RequestID: "req-1", Kind: "summarize", Room: "r1",
		Params: `{"trace_id":"tr-1"}`,
	}, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got := waitForStatus(t, store, task.ID, persistence.StatusSucceeded)
	if got.Result != `{"summary":"done"}` {
		t.Fatalf("result = %q", got.Result)
	}
	if got.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", got.Attempt)
	}

	events, err := store.ListTraceEvents(context.Background(), "tr-1", 0)
	if err != nil {
		t.Fatalf("list trace: %v", err)
	}
	stages := map[string]bool{}
	for _, ev := range events {
		stages[ev.Stage+"/"+ev.Status] = true
	}
	for _, want := range []string{"dispatch/started", "execute/completed"} {
		if !stages[want] {
			t.Fatalf("ledger missing %s; have %v", want, stages)
		}
	}
	for _, ev := range events {
		if ev.Stage == "dispatch" && (ev.RequestID != "req-1" || ev.Kind != "summarize") {
			t.Fatalf("dispatch event missing correlation: %+v", ev)
		}
	}

	beats, err := store.ListHeartbeats(context.Background())
	if err != nil {
		t.Fatalf("list heartbeats: %v", err)
	}
	if len(beats) == 0 {
		t.Fatal("expected worker heartbeats")
	}
	for _, hb := range beats {
		if hb.Health != persistence.WorkerOnline {
			t.Fatalf("heartbeat health = %q, want online", hb.Health)
		}
		if hb.PID != os.Getpid() {
			t.Fatalf("heartbeat pid = %d, want this process", hb.PID)
		}
	}
}

func TestPoolRetriesThenFailsPermanently(t *testing.T) {
	store := openTestStore(t)
	var calls atomic.Int32
	pool := NewPool(store, Options{Workers: 1, Tunables: testTunables()}, nil, nil)
	pool.Register("flaky", HandlerFunc(func(ctx context.Context, task *persistence.Task) (string, error) {
		calls.Add(1)
		return "", errors.New("provider overloaded")
	}))
	startPool(t, pool)

	task, _, err := store.Enqueue(context.Background(), persistence.EnqueueRequest{
		RequestID: "req-1", Kind: "flaky", MaxAttempts: 2,
	}, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got := waitForStatus(t, store, task.ID, persistence.StatusFailed)
	if got.Attempt != 2 {
		t.Fatalf("attempt = %d, want 2", got.Attempt)
	}
	if got.Error != "provider overloaded" {
		t.Fatalf("error = %q", got.Error)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("handler calls = %d, want 2", n)
	}

	events, err := store.ListTraceEventsByTask(context.Background(), task.ID, 0)
	if err != nil {
		t.Fatalf("list trace: %v", err)
	}
	var retryScheduled bool
	for _, ev := range events {
		if ev.Stage == "execute" && ev.Status == persistence.EventFailed &&
			ev.Detail != "" && ev.Detail != "{}" {
			retryScheduled = true
		}
	}
	if !retryScheduled {
		t.Fatal("expected failed execute events in the ledger")
	}
}

func TestPoolFailsUnroutableKind(t *testing.T) {
	store := openTestStore(t)
	pool := NewPool(store, Options{Workers: 1, Tunables: testTunables()}, nil, nil)
	startPool(t, pool)

	task, _, err := store.Enqueue(context.Background(), persistence.EnqueueRequest{
		RequestID: "req-1", Kind: "mystery",
	}, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got := waitForStatus(t, store, task.ID, persistence.StatusFailed)
	if got.Error == "" {
		t.Fatal("expected an unroutable-kind error message")
	}
}

func TestPoolHandlerContextCanceledOnRequeue(t *testing.T) {
	store := openTestStore(t)
	started := make(chan string, 1)
	canceled := make(chan struct{})
	pool := NewPool(store, Options{Workers: 1, Tunables: testTunables()}, nil, nil)
	pool.Register("slow", HandlerFunc(func(ctx context.Context, task *persistence.Task) (string, error) {
		started <- task.ID
		select {
		case <-ctx.Done():
			close(canceled)
			return "", ctx.Err()
		case <-time.After(10 * time.Second):
			return "", errors.New("never canceled")
		}
	}))
	startPool(t, pool)

	if _, _, err := store.Enqueue(context.Background(), persistence.EnqueueRequest{
		RequestID: "req-1", Kind: "slow",
	}, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var taskID string
	select {
	case taskID = <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	// Admin requeue invalidates the lease; the next renewal tick must cancel
	// the handler's context.
	err := store.RunActionTx(context.Background(), func(at *persistence.ActionTx) error {
		ok, err := at.RequeueTask(taskID)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("requeue did not apply")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}

	select {
	case <-canceled:
	case <-time.After(5 * time.Second):
		t.Fatal("handler context was not canceled after requeue")
	}
}

func TestLimiter(t *testing.T) {
	l := newLimiter(1)

	if !l.acquire("t1", "r1", "") {
		t.Fatal("first room slot must acquire")
	}
	if l.acquire("t2", "r1", "") {
		t.Fatal("room limit 1 must reject a second task")
	}
	if !l.acquire("t3", "r2", "") {
		t.Fatal("other rooms are unaffected")
	}
	l.release("t1", "r1", "")
	if !l.acquire("t2", "r1", "") {
		t.Fatal("released slot must be reusable")
	}

	if !l.acquire("t4", "", "canvas:42") {
		t.Fatal("resource key must acquire")
	}
	if l.acquire("t5", "", "canvas:42") {
		t.Fatal("held resource key must reject")
	}
	// Releasing with the wrong holder is a no-op.
	l.release("t5", "", "canvas:42")
	if l.acquire("t5", "", "canvas:42") {
		t.Fatal("resource key still held by t4")
	}
	l.release("t4", "", "canvas:42")
	if !l.acquire("t5", "", "canvas:42") {
		t.Fatal("released resource key must be reusable")
	}

	unlimited := newLimiter(0)
	for i := 0; i < 10; i++ {
		if !unlimited.acquire("t", "r1", "") {
			t.Fatal("limit 0 means unlimited")
		}
	}
}
