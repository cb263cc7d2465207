package job_test

import (
	"context"
	"encoding/json"
	"jobflow/internal/job"
	"jobflow/internal/notify"
	"jobflow/internal/registry"
	"jobflow/internal/store/memory"
	"jobflow/internal/tasks"
	"jobflow/pkg/cloudevent"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	jobs     = "runs"
	services = "services"
)

var recipients = []string{"ops@example.com", "oncall@example.com"}

// scripted is a service whose Execute runs a test-provided function. Its
// handlers follow the default outcome contract.
type scripted struct {
	b       job.Binding
	execute func(ctx context.Context, b job.Binding) error
	runs    *atomic.Int64
}

func (s *scripted) Execute(ctx context.Context) error {
	s.runs.Add(1)
	return s.execute(ctx, s.b)
}

func (s *scripted) HandleSuccess(ctx context.Context, store job.Store, collection string) error {
	s.b.Job.State = job.StateSucceeded
	_, err := store.Set(ctx, collection, s.b.Job)
	return err
}

func (s *scripted) HandleError(ctx context.Context, trace, retryTarget, errorTarget string, info job.TaskInfo, _ []string) error {
	s.b.Job.StateMsg = trace
	updated, err := s.b.Runtime.Store.Set(ctx, info.Collection, s.b.Job)
	if err != nil {
		return err
	}
	if s.b.Runtime.Tasks != nil {
		target := retryTarget
		if info.Permanent {
			target = errorTarget
		}
		return s.b.Runtime.Tasks.Publish(ctx, tasks.New(target, info.Queue, info.Collection, updated.ID))
	}
	if info.Permanent {
		return s.b.Runtime.Escalate(ctx, info.Collection, updated)
	}
	return nil
}

type defaultApp struct{}

func (defaultApp) Class() string { return "DefaultApp" }

type sink struct {
	mu     sync.Mutex
	events []*cloudevent.CloudEvent
}

func (s *sink) Publish(_ context.Context, e *cloudevent.CloudEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *sink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	store    *memory.Store
	registry *registry.Registry
	notifier *notify.Recorder
	events   *sink
	svc      *job.Service
	runs     atomic.Int64
}

func newHarness(t *testing.T, execute func(ctx context.Context, b job.Binding) error) *harness {
	t.Helper()
	h := &harness{
		store:    memory.New(),
		registry: registry.New(),
		notifier: &notify.Recorder{},
		events:   &sink{},
	}
	h.registry.RegisterService("Scripted", func(b job.Binding) job.Executable {
		return &scripted{b: b, execute: execute, runs: &h.runs}
	})
	h.registry.RegisterApp("DefaultApp", func() job.App { return defaultApp{} })

	require.NoError(t, h.store.PutServiceInstance(context.Background(), services, &job.ServiceInstance{
		ID: "s1", Name: "Scripted service", ClassName: "Scripted", AppClassName: "DefaultApp",
	}))

	cfg := job.Config{
		TaskInfo:          job.TaskInfo{Project: "acme", Location: "eu", Queue: "jobs-retry"},
		ServiceCollection: services,
		JobCollection:     jobs,
		RetryHandler:      "retry",
		ErrorHandler:      "error",
		Recipients:        recipients,
	}
	h.svc = newService(h, cfg)
	return h
}

func newService(h *harness, cfg job.Config) *job.Service {
	dispatcher := job.NewDispatcher(h.registry, nil)
	escalator := job.NewEscalator(h.store, h.notifier, cfg.Recipients, "Ops")
	return job.NewService(cfg, h.store, dispatcher, escalator, nil).WithEvents(h.events)
}

func (h *harness) seed(t *testing.T, j *job.Job) {
	t.Helper()
	if j.State == "" {
		j.State = job.StateCreated
	}
	if j.ServiceInstance.ClassName == "" {
		j.ServiceInstance = job.ServiceInstance{ID: "s1", Name: "Scripted service", ClassName: "Scripted", AppClassName: "DefaultApp"}
	}
	h.store.Put(jobs, j)
}

func (h *harness) get(t *testing.T, id string) *job.Job {
	t.Helper()
	j, err := h.store.Get(context.Background(), jobs, id)
	require.NoError(t, err)
	return j
}

func submission(id string) job.Submission {
	body, _ := json.Marshal(map[string]any{"id": id, "services": map[string]string{"id": "s1"}, "payload": map[string]int{"n": 1}})
	return job.Submission{ID: id, ServiceID: "s1", Request: body}
}

func succeed(context.Context, job.Binding) error { return nil }
