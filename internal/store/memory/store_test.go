package memory

import (
	"context"
	"errors"
	"jobflow/internal/apperrors"
	"jobflow/internal/job"
	"jobflow/internal/store/storetest"
	"jobflow/internal/testutil"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(id string) *job.Job {
	return &job.Job{
		ID:      id,
		State:   job.StateCreated,
		Request: []byte(`{"n":1}`),
		ServiceInstance: job.ServiceInstance{
			ID: "s1", Name: "Noop", ClassName: "NoopService", AppClassName: "DefaultApp",
		},
	}
}

func TestCreate_IsIdempotent(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	first := newJob("j1")
	created, err := s.Create(ctx, "runs", first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(1), first.Version)

	stored, err := s.Get(ctx, "runs", "j1")
	require.NoError(t, err)
	createdAt := stored.Created

	second := newJob("j1")
	second.Request = []byte(`{"n":2}`)
	created, err = s.Create(ctx, "runs", second)
	require.NoError(t, err)
	assert.False(t, created)

	stored, err = s.Get(ctx, "runs", "j1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(stored.Request))
	assert.Equal(t, createdAt, stored.Created)
}

func TestCreate_CollectionsArePartitions(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	_, err := s.Create(ctx, "runs", newJob("j1"))
	require.NoError(t, err)
	created, err := s.Create(ctx, "exports", newJob("j1"))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestGet_NotFound(t *testing.T) {
	t.Parallel()
	_, err := New().Get(context.Background(), "runs", "missing")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestSet_ConditionalOnVersion(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	_, err := s.Create(ctx, "runs", newJob("j1"))
	require.NoError(t, err)

	a, _ := s.Get(ctx, "runs", "j1")
	b, _ := s.Get(ctx, "runs", "j1")

	a.RetryAttempt = 1
	updated, err := s.Set(ctx, "runs", a)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.False(t, updated.Updated.Before(updated.Created))

	b.RetryAttempt = 1
	_, err = s.Set(ctx, "runs", b)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))

	stored, _ := s.Get(ctx, "runs", "j1")
	assert.Equal(t, 1, stored.RetryAttempt)
	assert.Equal(t, int64(2), stored.Version)
}

func TestSet_RejectsLeavingTerminalState(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	_, err := s.Create(ctx, "runs", newJob("j1"))
	require.NoError(t, err)

	j, _ := s.Get(ctx, "runs", "j1")
	j.State = job.StateFailed
	failed, err := s.Set(ctx, "runs", j)
	require.NoError(t, err)

	failed.State = job.StateCreated
	_, err = s.Set(ctx, "runs", failed)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
}

func TestSet_NotFound(t *testing.T) {
	t.Parallel()
	_, err := New().Set(context.Background(), "runs", newJob("ghost"))
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestGet_ReturnsCopies(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	_, err := s.Create(ctx, "runs", newJob("j1"))
	require.NoError(t, err)

	j, _ := s.Get(ctx, "runs", "j1")
	j.RetryAttempt = 99
	j.Request[0] = 'X'

	again, _ := s.Get(ctx, "runs", "j1")
	assert.Equal(t, 0, again.RetryAttempt)
	assert.JSONEq(t, `{"n":1}`, string(again.Request))
}

func TestServiceInstances(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	_, err := s.GetServiceInstance(ctx, "services", "s1")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	require.NoError(t, s.PutServiceInstance(ctx, "services", &job.ServiceInstance{ID: "s1", Name: "Noop", ClassName: "NoopService"}))
	si, err := s.GetServiceInstance(ctx, "services", "s1")
	require.NoError(t, err)
	assert.Equal(t, "Noop", si.Name)

	assert.Error(t, s.PutServiceInstance(ctx, "services", &job.ServiceInstance{}))
	assert.NoError(t, s.Ping(ctx))
}

func TestSubscribe_DeliversWritesInOrder(t *testing.T) {
	t.Parallel()
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []job.Change
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Subscribe(ctx, func(_ context.Context, c job.Change) error {
			mu.Lock()
			got = append(got, c)
			mu.Unlock()
			return nil
		})
	}()

	testutil.MustWaitFor(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return len(s.subs) == 1
	}, testutil.WithTimeout(time.Second), testutil.WithInterval(5*time.Millisecond))

	_, err := s.Create(ctx, "runs", newJob("j1"))
	require.NoError(t, err)
	j, _ := s.Get(ctx, "runs", "j1")
	j.State = job.StateSucceeded
	_, err = s.Set(ctx, "runs", j)
	require.NoError(t, err)

	testutil.MustWaitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, testutil.WithTimeout(time.Second), testutil.WithInterval(5*time.Millisecond))

	mu.Lock()
	assert.Equal(t, job.Change{Kind: job.ChangeCreated, Collection: "runs", ID: "j1", State: job.StateCreated}, got[0])
	assert.Equal(t, job.Change{Kind: job.ChangeUpdated, Collection: "runs", ID: "j1", State: job.StateSucceeded}, got[1])
	mu.Unlock()

	cancel()
	<-done
}

func TestSubscribe_HandlerMayWrite(t *testing.T) {
	t.Parallel()
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	finished := make(chan struct{})
	go func() {
		_ = s.Subscribe(ctx, func(ctx context.Context, c job.Change) error {
			if c.Kind != job.ChangeCreated {
				close(finished)
				return nil
			}
			j, err := s.Get(ctx, c.Collection, c.ID)
			if err != nil {
				return err
			}
			j.State = job.StateSucceeded
			_, err = s.Set(ctx, c.Collection, j)
			return err
		})
	}()

	testutil.MustWaitFor(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return len(s.subs) == 1
	}, testutil.WithTimeout(time.Second), testutil.WithInterval(5*time.Millisecond))

	_, err := s.Create(ctx, "runs", newJob("j1"))
	require.NoError(t, err)

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("handler write was not delivered")
	}
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(*testing.T) job.Store { return New() })
}
