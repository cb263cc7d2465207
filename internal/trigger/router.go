package trigger

import (
	"context"
	"fmt"
	"jobflow/internal/job"
	"jobflow/pkg/backoff"
	"log/slog"
	"sync/atomic"
	"time"
)

// Handler is the lifecycle entry points a change is routed to.
type Handler interface {
	OnCreate(ctx context.Context, collection, id string) error
	OnUpdate(ctx context.Context, collection, id string, newState job.State) error
}

// Route runs the entry point matching c's kind.
func Route(ctx context.Context, h Handler, c job.Change) error {
	switch c.Kind {
	case job.ChangeCreated:
		return h.OnCreate(ctx, c.Collection, c.ID)
	case job.ChangeUpdated:
		return h.OnUpdate(ctx, c.Collection, c.ID, c.State)
	default:
		return fmt.Errorf("unknown change kind %q", c.Kind)
	}
}

// Listener feeds a store's change feed into a Handler.
type Listener struct {
	feed        job.ChangeFeed
	handler     Handler
	collections map[string]bool
	backoff     backoff.Config
	logger      *slog.Logger

	// healthyAfter is how long a subscription must last for the retry
	// counter to reset when it delivered no change.
	healthyAfter time.Duration
	wait         func(ctx context.Context, d time.Duration) bool
}

// NewListener creates a listener for changes on the given job collections.
// An empty list accepts every collection.
func NewListener(feed job.ChangeFeed, handler Handler, collections ...string) *Listener {
	l := &Listener{
		feed:        feed,
		handler:     handler,
		collections: make(map[string]bool, len(collections)),
		backoff:     backoff.Config{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Jitter: 0.2},
		logger:      slog.With("component", "trigger"),

		healthyAfter: time.Minute,
		wait:         sleep,
	}
	for _, c := range collections {
		l.collections[c] = true
	}
	return l
}

// Run subscribes until ctx is cancelled, resubscribing with backoff when the
// feed fails. Changes are handled one at a time. The backoff restarts from the
// initial delay after a subscription that delivered a change or stayed up for
// a while.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info("Change feed listener started")
	for attempt := 0; ; {
		var delivered atomic.Bool
		start := time.Now()
		err := l.feed.Subscribe(ctx, func(ctx context.Context, c job.Change) error {
			delivered.Store(true)
			return l.handle(ctx, c)
		})
		if ctx.Err() != nil {
			l.logger.Info("Change feed listener stopped")
			return nil
		}
		if delivered.Load() || time.Since(start) >= l.healthyAfter {
			attempt = 0
		}
		attempt++
		delay := backoff.Exponential(attempt, &l.backoff)
		l.logger.Warn("Change feed subscription ended; resubscribing", "error", err, "attempt", attempt, "delay", delay)
		if !l.wait(ctx, delay) {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (l *Listener) handle(ctx context.Context, c job.Change) error {
	if len(l.collections) > 0 && !l.collections[c.Collection] {
		return nil
	}
	if err := Route(ctx, l.handler, c); err != nil {
		l.logger.Error("Change handling failed", "jobId", c.ID, "collection", c.Collection, "kind", c.Kind, "error", err)
		return err
	}
	return nil
}
