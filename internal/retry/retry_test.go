package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// fixedRand returns the midpoint so jittered delays equal the base.
func fixedRand() float64 { return 0.5 }

func noSleep(recorded *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*recorded = append(*recorded, d)
		return nil
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	var sleeps []time.Duration
	calls := 0
	out, err := Do(context.Background(), func(context.Context) (string, error) {
		calls++
		return "ok", nil
	}, Options{sleep: noSleep(&sleeps)})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if out != "ok" || calls != 1 {
		t.Fatalf("out = %q calls = %d", out, calls)
	}
	if len(sleeps) != 0 {
		t.Fatalf("sleeps = %v, want none", sleeps)
	}
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	var sleeps []time.Duration
	calls := 0
	out, err := Do(context.Background(), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, &HTTPError{StatusCode: 529, Provider: "anthropic"}
		}
		return 42, nil
	}, Options{
		Attempts:     5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		JitterRatio:  0.2,
		sleep:        noSleep(&sleeps),
		randFloat:    fixedRand,
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if out != 42 || calls != 3 {
		t.Fatalf("out = %d calls = %d", out, calls)
	}
	// Midpoint jitter keeps the doubling curve exact.
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", sleeps, want)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Fatalf("sleep[%d] = %v, want %v", i, sleeps[i], want[i])
		}
	}
}

func TestDoNonRetryableReturnsImmediately(t *testing.T) {
	var sleeps []time.Duration
	calls := 0
	permanent := errors.New("invalid api key")
	_, err := Do(context.Background(), func(context.Context) (string, error) {
		calls++
		return "", permanent
	}, Options{Attempts: 5, sleep: noSleep(&sleeps)})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v, want original error", err)
	}
	if calls != 1 || len(sleeps) != 0 {
		t.Fatalf("calls = %d sleeps = %v, want 1 and none", calls, sleeps)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	var sleeps []time.Duration
	calls := 0
	_, err := Do(context.Background(), func(context.Context) (string, error) {
		calls++
		return "", &HTTPError{StatusCode: 503}
	}, Options{Attempts: 3, sleep: noSleep(&sleeps), randFloat: fixedRand})
	if err == nil {
		t.Fatal("expected the final error")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if len(sleeps) != 2 {
		t.Fatalf("sleeps = %v, want 2 entries", sleeps)
	}
}

func TestDoObserverSeesEachRetry(t *testing.T) {
	var sleeps []time.Duration
	var seen []Attempt
	_, _ = Do(context.Background(), func(context.Context) (string, error) {
		return "", &HTTPError{StatusCode: 429, Provider: "openai"}
	}, Options{
		Provider:  "openai",
		Attempts:  3,
		OnRetry:   func(a Attempt) { seen = append(seen, a) },
		sleep:     noSleep(&sleeps),
		randFloat: fixedRand,
	})
	if len(seen) != 2 {
		t.Fatalf("observer calls = %d, want 2", len(seen))
	}
	if seen[0].Attempt != 1 || seen[1].Attempt != 2 {
		t.Fatalf("attempt numbers = %d,%d", seen[0].Attempt, seen[1].Attempt)
	}
	if seen[0].Provider != "openai" || seen[0].MaxAttempts != 3 {
		t.Fatalf("attempt metadata = %+v", seen[0])
	}
}

func TestDoCanceledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, func(context.Context) (string, error) {
		return "", &HTTPError{StatusCode: 503}
	}, Options{Attempts: 3, InitialDelay: time.Hour})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestBackoffDelayCapsAtMax(t *testing.T) {
	opts := Options{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     300 * time.Millisecond,
		JitterRatio:  -1, // normalized to the default, so pin rand too
		randFloat:    fixedRand,
	}
	if d := BackoffDelay(1, opts); d != 100*time.Millisecond {
		t.Fatalf("attempt 1 = %v", d)
	}
	if d := BackoffDelay(2, opts); d != 200*time.Millisecond {
		t.Fatalf("attempt 2 = %v", d)
	}
	for _, attempt := range []int{3, 4, 10} {
		if d := BackoffDelay(attempt, opts); d != 300*time.Millisecond {
			t.Fatalf("attempt %d = %v, want cap", attempt, d)
		}
	}
	// Out-of-range attempts clamp instead of exploding.
	if d := BackoffDelay(0, opts); d != 100*time.Millisecond {
		t.Fatalf("attempt 0 = %v", d)
	}
}

func TestBackoffDelayJitterBounds(t *testing.T) {
	for _, r := range []float64{0, 0.25, 0.5, 0.75, 1} {
		opts := Options{
			InitialDelay: time.Second,
			MaxDelay:     time.Minute,
			JitterRatio:  0.5,
			randFloat:    func() float64 { return r },
		}
		d := BackoffDelay(1, opts)
		if d < 500*time.Millisecond || d > 1500*time.Millisecond {
			t.Fatalf("rand %v: delay %v outside [0.5s, 1.5s]", r, d)
		}
	}
}

type codedError struct{ code int }

func (e *codedError) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e *codedError) StatusCode() int { return e.code }

func TestRetryable(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		provider string
		want     bool
	}{
		{"nil", nil, "", false},
		{"http 429", &HTTPError{StatusCode: 429}, "", true},
		{"http 529", &HTTPError{StatusCode: 529}, "anthropic", true},
		{"http 400", &HTTPError{StatusCode: 400}, "", false},
		{"wrapped coded", fmt.Errorf("call failed: %w", &codedError{503}), "", true},
		{"overloaded text", errors.New("model overloaded, retry later"), "", true},
		{"timeout text", errors.New("request timed out"), "", true},
		{"anthropic json body", errors.New(`{"code":529,"message":"overload"}`), "anthropic", true},
		{"anthropic body other provider", errors.New(`{"code":529}`), "openai", false},
		{"permanent", errors.New("invalid request"), "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Retryable(tc.err, tc.provider); got != tc.want {
				t.Fatalf("Retryable(%v, %q) = %v, want %v", tc.err, tc.provider, got, tc.want)
			}
		})
	}
}
