// Package retry implements the retry policy applied around external model
// provider calls: transient-error classification and capped exponential
// backoff with jitter. The policy is local to the calling worker; sleeping
// here never blocks the queue.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

const (
	maxAttemptsCeiling = 10
	maxJitterRatio     = 0.95

	defaultAttempts     = 3
	defaultInitialDelay = 500 * time.Millisecond
	defaultMaxDelay     = 30 * time.Second
	defaultJitterRatio  = 0.2
)

// Attempt describes one failed attempt, passed to the OnRetry observer
// before the backoff sleep.
type Attempt struct {
	Provider    string
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
	Err         error
}

// Options tunes a Do call. The zero value gets sane defaults.
type Options struct {
	// Provider tags the upstream being called ("anthropic", "openai", ...).
	// It feeds classification quirks and the OnRetry observer.
	Provider string

	// Attempts is the total call budget, clamped to 1..10.
	Attempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration

	// JitterRatio spreads the delay in [base-base*r, base+base*r], clamped 0..0.95.
	JitterRatio float64

	// OnRetry is invoked once per retry, before sleeping. Observability only;
	// it must not affect control flow.
	OnRetry func(Attempt)

	// sleep and randFloat are test seams.
	sleep     func(context.Context, time.Duration) error
	randFloat func() float64
}

func (o Options) normalized() Options {
	if o.Attempts < 1 {
		o.Attempts = defaultAttempts
	}
	if o.Attempts > maxAttemptsCeiling {
		o.Attempts = maxAttemptsCeiling
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = defaultInitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMaxDelay
	}
	if o.JitterRatio < 0 {
		o.JitterRatio = defaultJitterRatio
	}
	if o.JitterRatio > maxJitterRatio {
		o.JitterRatio = maxJitterRatio
	}
	if o.sleep == nil {
		o.sleep = sleepCtx
	}
	if o.randFloat == nil {
		o.randFloat = rand.Float64
	}
	return o
}

// Do runs op up to opts.Attempts times, sleeping between attempts when the
// failure classifies as retryable. The original error always propagates
// unchanged so callers can inspect it; a non-retryable error on the first
// attempt returns immediately with zero sleeps.
func Do[T any](ctx context.Context, op func(context.Context) (T, error), opts Options) (T, error) {
	var zero T
	o := opts.normalized()

	var lastErr error
	for attempt := 1; attempt <= o.Attempts; attempt++ {
		out, err := op(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if attempt == o.Attempts || !Retryable(err, o.Provider) {
			return zero, err
		}
		delay := backoffDelay(attempt, o)
		if o.OnRetry != nil {
			o.OnRetry(Attempt{
				Provider:    o.Provider,
				Attempt:     attempt,
				MaxAttempts: o.Attempts,
				Delay:       delay,
				Err:         err,
			})
		}
		if err := o.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

// backoffDelay computes the sleep before retry n (1-indexed retries):
// min(maxDelay, initialDelay*2^(n-1)), jittered across
// [base-base*ratio, base+base*ratio] and floored at zero.
func backoffDelay(attempt int, o Options) time.Duration {
	base := float64(o.InitialDelay) * math.Pow(2, float64(attempt-1))
	if base > float64(o.MaxDelay) {
		base = float64(o.MaxDelay)
	}
	jittered := base - base*o.JitterRatio + o.randFloat()*base*o.JitterRatio*2
	if jittered < 0 {
		jittered = 0
	}
	return time.Duration(math.Round(jittered))
}

// BackoffDelay exposes the backoff curve for callers scheduling their own
// waits (the worker pool reschedules failed tasks through the queue instead
// of sleeping in-process). attempt is 1-indexed.
func BackoffDelay(attempt int, opts Options) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return backoffDelay(attempt, opts.normalized())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// HTTPError is a provider failure carrying an HTTP-ish status code. Provider
// adapters outside this package wrap raw SDK errors into it so the
// classifier has a structured code to look at.
type HTTPError struct {
	StatusCode int
	Provider   string
	Body       string
	Err        error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("provider %s: status %d: %s", e.Provider, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("provider %s: status %d", e.Provider, e.StatusCode)
}

func (e *HTTPError) Unwrap() error { return e.Err }
