package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loopboard/agentd/internal/payload"
	"github.com/loopboard/agentd/internal/persistence"
	"github.com/loopboard/agentd/internal/retry"
	"github.com/loopboard/agentd/internal/worker"
)

// registerBuiltinHandlers wires the smoke-test task kinds. Real task kinds
// are registered by the embedding product before Pool.Run.
func registerBuiltinHandlers(pool *worker.Pool) {
	// echo returns its params unchanged; useful for verifying the enqueue →
	// claim → complete path end to end.
	pool.Register("echo", worker.HandlerFunc(func(ctx context.Context, task *persistence.Task) (string, error) {
		return task.Params, nil
	}))

	// sleep holds the lease for sleep_ms milliseconds, honoring cancellation.
	pool.Register("sleep", worker.HandlerFunc(sleepFor))

	// http_fetch GETs a URL under the provider retry policy; transient
	// upstream failures are retried in-process, everything else fails the
	// attempt and falls back to queue-level rescheduling.
	pool.Register("http_fetch", worker.HandlerFunc(httpFetch))
}

const maxFetchBody = 1 << 20 // 1 MiB

func httpFetch(ctx context.Context, task *persistence.Task) (string, error) {
	url := payload.Parse(task.Params).String("url")
	if url == "" {
		return "", fmt.Errorf("http_fetch task requires a url param")
	}
	body, err := retry.Do(ctx, func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
		if err != nil {
			return "", err
		}
		if resp.StatusCode >= 400 {
			return "", &retry.HTTPError{
				StatusCode: resp.StatusCode,
				Provider:   "http",
				Body:       string(raw),
			}
		}
		return string(raw), nil
	}, retry.Options{Provider: "http"})
	if err != nil {
		return "", err
	}
	return payload.Map{"url": url, "body": body}.Encode(), nil
}

func sleepFor(ctx context.Context, task *persistence.Task) (string, error) {
	ms, ok := payload.Parse(task.Params).Int("sleep_ms", "sleepMs")
	if !ok || ms < 0 {
		return "", fmt.Errorf("sleep task requires a non-negative sleep_ms, got %q", task.Params)
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return fmt.Sprintf(`{"slept_ms":%d}`, ms), nil
	}
}
