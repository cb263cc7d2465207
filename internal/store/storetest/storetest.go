// Package storetest is a conformance suite for job.Store implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"jobflow/internal/apperrors"
	"jobflow/internal/job"
	"jobflow/internal/testutil"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewJob returns a fresh Created job with a unique id.
func NewJob() *job.Job {
	return &job.Job{
		ID:      "job-" + uuid.NewString(),
		State:   job.StateCreated,
		Request: []byte(`{"n":1}`),
		ServiceInstance: job.ServiceInstance{
			ID: "s1", Name: "Noop", ClassName: "NoopService", AppClassName: "DefaultApp",
		},
	}
}

// Run exercises the job.Store contract against stores built by newStore.
// Each subtest gets its own collection.
func Run(t *testing.T, newStore func(t *testing.T) job.Store) {
	t.Run("CreateIsIdempotent", func(t *testing.T) {
		s, ctx, col := newStore(t), context.Background(), collection()

		first := NewJob()
		created, err := s.Create(ctx, col, first)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, int64(1), first.Version)

		second := first.Clone()
		second.Request = []byte(`{"n":2}`)
		created, err = s.Create(ctx, col, second)
		require.NoError(t, err)
		assert.False(t, created)

		stored, err := s.Get(ctx, col, first.ID)
		require.NoError(t, err)
		assert.JSONEq(t, `{"n":1}`, string(stored.Request))
		assert.Equal(t, job.StateCreated, stored.State)
		assert.False(t, stored.Created.IsZero())
	})

	t.Run("ConcurrentCreateHasOneWinner", func(t *testing.T) {
		s, ctx, col := newStore(t), context.Background(), collection()
		base := NewJob()

		var wins atomic.Int64
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				created, err := s.Create(ctx, col, base.Clone())
				assert.NoError(t, err)
				if created {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int64(1), wins.Load())
	})

	t.Run("GetNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), collection(), "missing")
		assert.True(t, errors.Is(err, apperrors.ErrNotFound), "got %v", err)
	})

	t.Run("SetIsConditionalOnVersion", func(t *testing.T) {
		s, ctx, col := newStore(t), context.Background(), collection()
		j := NewJob()
		_, err := s.Create(ctx, col, j)
		require.NoError(t, err)

		a, err := s.Get(ctx, col, j.ID)
		require.NoError(t, err)
		b, err := s.Get(ctx, col, j.ID)
		require.NoError(t, err)

		a.RetryAttempt = 1
		updated, err := s.Set(ctx, col, a)
		require.NoError(t, err)
		assert.Equal(t, a.Version+1, updated.Version)
		assert.Equal(t, 1, updated.RetryAttempt)

		b.State = job.StateSucceeded
		_, err = s.Set(ctx, col, b)
		assert.True(t, errors.Is(err, apperrors.ErrConflict), "got %v", err)

		stored, err := s.Get(ctx, col, j.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StateCreated, stored.State)
		assert.Equal(t, 1, stored.RetryAttempt)
	})

	t.Run("ConcurrentSetHasOneWinner", func(t *testing.T) {
		s, ctx, col := newStore(t), context.Background(), collection()
		j := NewJob()
		_, err := s.Create(ctx, col, j)
		require.NoError(t, err)
		snapshot, err := s.Get(ctx, col, j.ID)
		require.NoError(t, err)

		var wins, conflicts atomic.Int64
		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c := snapshot.Clone()
				c.StateMsg = fmt.Sprintf("writer %d", i)
				_, err := s.Set(ctx, col, c)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, apperrors.ErrConflict):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int64(1), wins.Load())
		assert.Equal(t, int64(7), conflicts.Load())
	})

	t.Run("SetNotFound", func(t *testing.T) {
		s := newStore(t)
		j := NewJob()
		j.Version = 1
		_, err := s.Set(context.Background(), collection(), j)
		assert.True(t, errors.Is(err, apperrors.ErrNotFound), "got %v", err)
	})

	t.Run("SetRejectsLeavingTerminalState", func(t *testing.T) {
		s, ctx, col := newStore(t), context.Background(), collection()
		j := NewJob()
		_, err := s.Create(ctx, col, j)
		require.NoError(t, err)

		j.State = job.StateFailed
		failed, err := s.Set(ctx, col, j)
		require.NoError(t, err)

		failed.State = job.StateCreated
		_, err = s.Set(ctx, col, failed)
		assert.True(t, errors.Is(err, apperrors.ErrValidation), "got %v", err)

		failed.State = job.StateFailed
		_, err = s.Set(ctx, col, failed)
		assert.True(t, errors.Is(err, apperrors.ErrValidation), "terminal records are immutable, got %v", err)
	})

	t.Run("ServiceInstances", func(t *testing.T) {
		s, ctx, col := newStore(t), context.Background(), collection()

		_, err := s.GetServiceInstance(ctx, col, "s1")
		assert.True(t, errors.Is(err, apperrors.ErrNotFound), "got %v", err)

		si := &job.ServiceInstance{ID: "s1", Name: "Noop", ClassName: "NoopService", AppClassName: "DefaultApp"}
		require.NoError(t, s.PutServiceInstance(ctx, col, si))
		got, err := s.GetServiceInstance(ctx, col, "s1")
		require.NoError(t, err)
		assert.Equal(t, *si, *got)

		assert.True(t, errors.Is(s.PutServiceInstance(ctx, col, &job.ServiceInstance{}), apperrors.ErrValidation))
		assert.NoError(t, s.Ping(ctx))
	})

	t.Run("ChangeFeed", func(t *testing.T) {
		s := newStore(t)
		feed, ok := s.(job.ChangeFeed)
		if !ok {
			t.Skip("store has no change feed")
		}
		RunFeed(t, s, feed)
	})
}

// RunFeed checks that created and updated writes reach a subscriber in order.
func RunFeed(t *testing.T, s job.Store, feed job.ChangeFeed) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	col := collection()

	var mu sync.Mutex
	var got []job.Change
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = feed.Subscribe(ctx, func(_ context.Context, c job.Change) error {
			if c.Collection != col {
				return nil
			}
			mu.Lock()
			got = append(got, c)
			mu.Unlock()
			return nil
		})
	}()

	// Subscriptions may connect asynchronously; keep writing probes until one lands.
	probe := NewJob()
	_, err := s.Create(ctx, col, probe)
	require.NoError(t, err)
	testutil.MustWaitFor(t, func() bool {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			return true
		}
		if current, err := s.Get(ctx, col, probe.ID); err == nil {
			current.RetryAttempt++
			_, _ = s.Set(ctx, col, current)
		}
		return false
	}, testutil.WithTimeout(5*time.Second), testutil.WithInterval(50*time.Millisecond))

	mu.Lock()
	got = nil
	mu.Unlock()

	j := NewJob()
	_, err = s.Create(ctx, col, j)
	require.NoError(t, err)
	j.State = job.StateSucceeded
	_, err = s.Set(ctx, col, j)
	require.NoError(t, err)

	testutil.MustWaitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, c := range got {
			if c.ID == j.ID {
				n++
			}
		}
		return n == 2
	}, testutil.WithTimeout(5*time.Second), testutil.WithInterval(20*time.Millisecond))

	mu.Lock()
	var mine []job.Change
	for _, c := range got {
		if c.ID == j.ID {
			mine = append(mine, c)
		}
	}
	mu.Unlock()
	assert.Equal(t, job.Change{Kind: job.ChangeCreated, Collection: col, ID: j.ID, State: job.StateCreated}, mine[0])
	assert.Equal(t, job.Change{Kind: job.ChangeUpdated, Collection: col, ID: j.ID, State: job.StateSucceeded}, mine[1])

	cancel()
	<-done
}

func collection() string {
	return "runs_" + uuid.NewString()[:8]
}
