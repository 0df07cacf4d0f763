package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loopboard/agentd/internal/persistence"
	"github.com/loopboard/agentd/internal/worker"
)

func TestBuiltinEchoHandler(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "agentd.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	pool := worker.NewPool(store, worker.Options{Workers: 1}, nil, nil)
	registerBuiltinHandlers(pool)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	task, _, err := store.Enqueue(ctx, persistence.EnqueueRequest{
		RequestID: "req-echo", Kind: "echo", Params: `{"hello":"world"}`,
	}, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if got.Status == persistence.StatusSucceeded {
			if got.Result != `{"hello":"world"}` {
				t.Fatalf("result = %q", got.Result)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("echo task never succeeded")
}

func TestHTTPFetchHandler(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.Error(w, "not here", http.StatusNotFound)
			return
		}
		fmt.Fprint(w, "payload")
	}))
	defer upstream.Close()

	task := &persistence.Task{Params: fmt.Sprintf(`{"url":%q}`, upstream.URL)}
	out, err := httpFetch(context.Background(), task)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !strings.Contains(out, "payload") {
		t.Fatalf("result = %q", out)
	}

	// 404 is not transient: one attempt, immediate failure.
	task = &persistence.Task{Params: fmt.Sprintf(`{"url":%q}`, upstream.URL+"/missing")}
	if _, err := httpFetch(context.Background(), task); err == nil {
		t.Fatal("404 must fail the task")
	}

	task = &persistence.Task{Params: `{}`}
	if _, err := httpFetch(context.Background(), task); err == nil {
		t.Fatal("missing url must fail")
	}
}

func TestBuiltinSleepHandlerValidation(t *testing.T) {
	task := &persistence.Task{Params: `{"sleep_ms":-5}`}
	if _, err := sleepFor(context.Background(), task); err == nil {
		t.Fatal("negative sleep_ms must fail")
	}
	task = &persistence.Task{Params: `{"sleep_ms":1}`}
	if _, err := sleepFor(context.Background(), task); err != nil {
		t.Fatalf("sleep: %v", err)
	}
}
