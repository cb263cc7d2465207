package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"jobflow/internal/apperrors"
	"jobflow/pkg/backoff"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()
	task := New("retry", "jobs-retry", "runs", "j1")

	assert.NotEmpty(t, task.ID)
	assert.False(t, task.Created.IsZero())
	assert.Equal(t, "retry", task.Target)
	require.NoError(t, task.Validate())
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		task Task
		msg  string
	}{
		{"missing target", Task{Collection: "runs", JobID: "j1"}, "target"},
		{"missing collection", Task{Target: "retry", JobID: "j1"}, "collection"},
		{"missing job", Task{Target: "retry", Collection: "runs"}, "jobId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.task.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestRoutes_Route(t *testing.T) {
	t.Parallel()
	var got []string
	routes := Routes{
		"retry": func(_ context.Context, t Task) error {
			got = append(got, "retry:"+t.JobID)
			return nil
		},
		"error": func(_ context.Context, t Task) error {
			got = append(got, "error:"+t.JobID)
			return nil
		},
	}

	require.NoError(t, routes.Route(context.Background(), New("retry", "q", "runs", "j1")))
	require.NoError(t, routes.Route(context.Background(), New("error", "q", "runs", "j2")))
	assert.Equal(t, []string{"retry:j1", "error:j2"}, got)

	err := routes.Route(context.Background(), New("cleanup", "q", "runs", "j3"))
	var unknown *UnknownTargetError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "cleanup", unknown.Target)
}

func TestRecorder(t *testing.T) {
	t.Parallel()
	r := NewRecorder()
	require.NoError(t, r.Publish(context.Background(), New("retry", "q", "runs", "j1")))

	recorded := r.Tasks()
	require.Len(t, recorded, 1)
	assert.Equal(t, "j1", recorded[0].JobID)
}

func TestHeaderCarrier(t *testing.T) {
	t.Parallel()
	c := make(HeaderCarrier, 0)
	c.Set("traceparent", "a")
	c.Set("traceparent", "b")
	c.Set("tracestate", "x")

	assert.Equal(t, "b", c.Get("traceparent"))
	assert.Equal(t, "", c.Get("missing"))
	assert.ElementsMatch(t, []string{"traceparent", "tracestate"}, c.Keys())
}

func TestKafkaConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := KafkaConfig{Brokers: []string{"localhost:9092"}}.withDefaults()
	assert.Equal(t, "jobflow-tasks", cfg.GroupID)
	assert.Positive(t, cfg.WriteTimeout)
}

// fakeReader serves a fixed list of messages, then blocks until cancelled.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	onCommit  func(n int)
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	n := len(r.committed)
	r.mu.Unlock()
	if r.onCommit != nil {
		r.onCommit(n)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) Committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func taskMessage(t *testing.T, offset int64, task Task) kafka.Message {
	t.Helper()
	b, err := json.Marshal(task)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: b}
}

func testConsumer(r messageReader) *Consumer {
	c := newConsumer(r, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.backoff = backoff.Config{Initial: time.Millisecond, Max: 5 * time.Millisecond}
	return c
}

func TestConsumer_RetriesFailedTaskBeforeCommitting(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r := &fakeReader{
		msgs: []kafka.Message{
			taskMessage(t, 1, New("retry", "q", "runs", "j1")),
			taskMessage(t, 2, New("cleanup", "q", "runs", "j2")),
			{Offset: 3, Value: []byte("{not json")},
			taskMessage(t, 4, New("retry", "q", "runs", "j4")),
		},
		onCommit: func(n int) {
			if n == 4 {
				cancel()
			}
		},
	}

	var mu sync.Mutex
	calls := map[string]int{}
	routes := Routes{
		"retry": func(_ context.Context, task Task) error {
			mu.Lock()
			defer mu.Unlock()
			calls[task.JobID]++
			if task.JobID == "j1" && calls[task.JobID] < 3 {
				return errors.New("store unavailable")
			}
			return nil
		},
	}

	require.NoError(t, testConsumer(r).Run(ctx, routes))

	assert.Equal(t, []int64{1, 2, 3, 4}, r.Committed())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls["j1"])
	assert.Equal(t, 1, calls["j4"])
}

func TestConsumer_CancelledRetryLeavesOffsetUncommitted(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &fakeReader{msgs: []kafka.Message{taskMessage(t, 7, New("retry", "q", "runs", "j1"))}}
	var calls int
	routes := Routes{
		"retry": func(context.Context, Task) error {
			calls++
			if calls == 3 {
				cancel()
			}
			return errors.New("store unavailable")
		},
	}

	require.NoError(t, testConsumer(r).Run(ctx, routes))
	assert.Empty(t, r.Committed())
	assert.GreaterOrEqual(t, calls, 3)
}

func TestPermanent(t *testing.T) {
	t.Parallel()
	assert.True(t, permanent(&UnknownTargetError{Target: "x"}))
	assert.True(t, permanent(apperrors.ServiceNotFound("svc")))
	assert.False(t, permanent(errors.New("timeout")))
}
