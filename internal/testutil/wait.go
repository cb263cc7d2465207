// Package testutil holds polling helpers for tests that observe asynchronous
// job processing: feed listeners, task consumers and callback workers.
package testutil

import (
	"context"
	"errors"
	"jobflow/internal/job"
	"testing"
	"time"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultInterval = 20 * time.Millisecond
)

type waitConfig struct {
	timeout  time.Duration
	interval time.Duration
}

// WaitOption tunes a wait.
type WaitOption func(*waitConfig)

// WithTimeout bounds the wait.
func WithTimeout(d time.Duration) WaitOption {
	return func(c *waitConfig) { c.timeout = d }
}

// WithInterval sets the polling period.
func WithInterval(d time.Duration) WaitOption {
	return func(c *waitConfig) { c.interval = d }
}

// Poll evaluates condition every interval until it holds or the timeout
// elapses. The condition is checked once more at the deadline.
func Poll(condition func() bool, opts ...WaitOption) bool {
	c := waitConfig{timeout: defaultTimeout, interval: defaultInterval}
	for _, opt := range opts {
		opt(&c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if condition() {
			return true
		}
		select {
		case <-ctx.Done():
			return condition()
		case <-ticker.C:
		}
	}
}

// MustWaitFor fails the test if condition does not hold in time.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !Poll(condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// MustWaitForState waits until the stored job reaches want and returns it.
// A missing record counts as not yet there.
func MustWaitForState(tb testing.TB, store job.Store, collection, id string, want job.State, opts ...WaitOption) *job.Job {
	tb.Helper()
	var last *job.Job
	var lastErr error
	ok := Poll(func() bool {
		last, lastErr = store.Get(context.Background(), collection, id)
		return lastErr == nil && last.State == want
	}, opts...)
	if !ok {
		switch {
		case lastErr != nil && !errors.Is(lastErr, context.Canceled):
			tb.Fatalf("job %s/%s never reached %s: %v", collection, id, want, lastErr)
		case last != nil:
			tb.Fatalf("job %s/%s never reached %s: still %s (attempt %d)", collection, id, want, last.State, last.RetryAttempt)
		default:
			tb.Fatalf("job %s/%s never reached %s", collection, id, want)
		}
	}
	return last
}
