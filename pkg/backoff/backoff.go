// Package backoff computes capped exponential delays and retries operations
// with them.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
	Jitter  float64       // fraction of the delay randomized away, 0 to 1
}

// Exponential returns the delay before retry number attempt (1-based):
// Initial, then doubling up to Max.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	jitter := 0.0
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
		jitter = min(max(cfg.Jitter, 0), 1)
	}

	if attempt < 1 {
		attempt = 1
	}
	d := min(float64(initial)*math.Pow(2.0, float64(attempt-1)), float64(maxBackoff))
	if jitter > 0 {
		d -= d * jitter * rand.Float64()
	}
	return time.Duration(d)
}

type stopError struct{ err error }

func (e *stopError) Error() string { return e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }

// Stop wraps err so Retry returns it without further attempts.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

// Retry calls fn up to attempts times, sleeping Exponential between calls.
// It returns nil on the first success, the unwrapped error when fn returns
// Stop(err), ctx.Err() when ctx ends first, and otherwise the last error.
func Retry(ctx context.Context, attempts int, cfg *Config, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := range max(attempts, 1) {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(Exponential(attempt, cfg)):
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		var stop *stopError
		if errors.As(lastErr, &stop) {
			return stop.err
		}
	}
	return lastErr
}
