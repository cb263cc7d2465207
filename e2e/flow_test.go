//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"jobflow/internal/api"
	"jobflow/internal/callback"
	"jobflow/internal/health"
	"jobflow/internal/job"
	"jobflow/internal/notify"
	"jobflow/internal/registry"
	"jobflow/internal/services"
	"jobflow/internal/store/memory"
	"jobflow/internal/testutil"
	"jobflow/internal/trigger"
	"jobflow/pkg/cloudevent"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const (
	serviceCollection = "services"
	jobCollection     = "runs"
)

// receiver collects the CloudEvents posted to its URL.
type receiver struct {
	*httptest.Server
	mu     sync.Mutex
	events []cloudevent.CloudEvent
}

func newReceiver(t testing.TB) *receiver {
	r := &receiver{}
	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var e cloudevent.CloudEvent
		if err := json.NewDecoder(req.Body).Decode(&e); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(r.Close)
	return r
}

func (r *receiver) received(subject string) []cloudevent.CloudEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []cloudevent.CloudEvent
	for _, e := range r.events {
		if e.Subject == subject {
			out = append(out, e)
		}
	}
	return out
}

type stack struct {
	url       string
	store     *memory.Store
	notifier  *notify.Recorder
	callbacks *callback.Dispatcher
}

// startStack runs the jobs service in-process: memory store, HTTP and webhook
// services, callbacks to callbackURL and, when feed is set, the change-feed
// listener driving create and update handling.
func startStack(t testing.TB, callbackURL string, feed bool) *stack {
	t.Helper()
	st := memory.New()
	if err := st.PutServiceInstance(context.Background(), serviceCollection, &job.ServiceInstance{
		ID: "hook", Name: "Webhook", ClassName: services.WebhookClass, AppClassName: services.HTTPAppClass,
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.PutServiceInstance(context.Background(), serviceCollection, &job.ServiceInstance{
		ID: "noop", Name: "Noop", ClassName: services.NoopClass, AppClassName: services.DefaultAppClass,
	}); err != nil {
		t.Fatal(err)
	}

	reg := registry.New()
	services.Register(reg, services.Apps{HTTP: services.NewHTTPApp(services.HTTPAppConfig{Timeout: 5 * time.Second})})

	callbacks := callback.New(callback.Config{
		URL:         callbackURL,
		BufferSize:  1000,
		Workers:     4,
		HTTPTimeout: 5 * time.Second,
	}, nil)

	notifier := &notify.Recorder{}
	cfg := job.Config{
		ServiceCollection: serviceCollection,
		JobCollection:     jobCollection,
		RetryHandler:      "/v2/handlers/retry",
		ErrorHandler:      "/v2/handlers/error",
		Recipients:        []string{"ops@example.com"},
		DeferCreated:      feed,
	}
	svc := job.NewService(cfg, st, job.NewDispatcher(reg, nil),
		job.NewEscalator(st, notifier, cfg.Recipients, "Job Notifications"), nil).WithEvents(callbacks)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	if feed {
		listener := trigger.NewListener(st, svc, jobCollection)
		wg.Go(func() { _ = listener.Run(ctx) })
	}

	server := httptest.NewServer(api.NewRouter(api.RouterConfig{
		JobService:    svc,
		HealthChecker: health.NewChecker(health.CheckFunc(st.Ping)),
	}))

	t.Cleanup(func() {
		server.Close()
		cancel()
		wg.Wait()
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer drainCancel()
		_ = callbacks.Close(drainCtx)
	})
	return &stack{url: server.URL, store: st, notifier: notifier, callbacks: callbacks}
}

func (s *stack) submit(t testing.TB, id, serviceID string, request map[string]any) {
	t.Helper()
	body := map[string]any{"id": id, serviceCollection: map[string]string{"id": serviceID}}
	for k, v := range request {
		body[k] = v
	}
	raw, _ := json.Marshal(body)
	resp, err := http.Post(s.url+"/v2/jobs", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Errorf("Submit %s failed: %v", id, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Submit %s: expected status 200, got %d", id, resp.StatusCode)
	}
}

func (s *stack) state(id string) (job.State, int) {
	j, err := s.store.Get(context.Background(), jobCollection, id)
	if err != nil {
		return "", 0
	}
	return j.State, j.RetryAttempt
}

func TestFlow_Readyz(t *testing.T) {
	s := startStack(t, "", false)

	resp, err := http.Get(s.url + "/readyz")
	if err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
	defer resp.Body.Close()

	var result health.Response
	json.NewDecoder(resp.Body).Decode(&result)
	if resp.StatusCode != http.StatusOK || result.Status != health.StatusHealthy {
		t.Errorf("Expected 200 healthy, got %d %s", resp.StatusCode, result.Status)
	}
}

func TestFlow_WebhookJobSucceeds(t *testing.T) {
	var hits atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer target.Close()

	events := newReceiver(t)
	s := startStack(t, events.URL, false)

	jobID := fmt.Sprintf("e2e-hook-%d", time.Now().UnixNano())
	s.submit(t, jobID, "hook", map[string]any{"url": target.URL, "body": map[string]int{"n": 1}})

	if state, _ := s.state(jobID); state != job.StateSucceeded {
		t.Fatalf("Expected Succeeded after inline submit, got %q", state)
	}
	if hits.Load() != 1 {
		t.Errorf("Expected one webhook call, got %d", hits.Load())
	}

	subject := jobCollection + "/" + jobID
	testutil.MustWaitFor(t, func() bool { return len(events.received(subject)) == 1 },
		testutil.WithTimeout(10*time.Second))
	if got := events.received(subject)[0].Type; got != job.EventTypeSucceeded {
		t.Errorf("Expected %s callback, got %s", job.EventTypeSucceeded, got)
	}

	resp, err := http.Get(s.url + "/v1/jobs/" + jobCollection + "/" + jobID)
	if err != nil {
		t.Fatalf("Get job failed: %v", err)
	}
	defer resp.Body.Close()
	var got job.Job
	json.NewDecoder(resp.Body).Decode(&got)
	if got.ID != jobID || got.State != job.StateSucceeded {
		t.Errorf("Unexpected job record %+v", got)
	}
}

func TestFlow_FeedRetriesUntilEscalation(t *testing.T) {
	var hits atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer target.Close()

	events := newReceiver(t)
	s := startStack(t, events.URL, true)

	jobID := fmt.Sprintf("e2e-retry-%d", time.Now().UnixNano())
	s.submit(t, jobID, "hook", map[string]any{"url": target.URL})

	failed := testutil.MustWaitForState(t, s.store, jobCollection, jobID, job.StateFailed,
		testutil.WithTimeout(15*time.Second), testutil.WithInterval(50*time.Millisecond))
	if failed.RetryAttempt != job.RetryCeiling {
		t.Errorf("Expected retry attempt %d, got %d", job.RetryCeiling, failed.RetryAttempt)
	}
	if int(hits.Load()) != job.RetryCeiling {
		t.Errorf("Expected %d webhook calls, got %d", job.RetryCeiling, hits.Load())
	}
	if sent := s.notifier.Sent(); len(sent) != 1 {
		t.Errorf("Expected one escalation report, got %d", len(sent))
	}

	subject := jobCollection + "/" + jobID
	testutil.MustWaitFor(t, func() bool { return len(events.received(subject)) == 1 },
		testutil.WithTimeout(10*time.Second))
	if got := events.received(subject)[0].Type; got != job.EventTypeFailed {
		t.Errorf("Expected %s callback, got %s", job.EventTypeFailed, got)
	}
}

func TestFlow_TerminalJobIgnoresRetrigger(t *testing.T) {
	s := startStack(t, "", false)

	jobID := fmt.Sprintf("e2e-terminal-%d", time.Now().UnixNano())
	s.submit(t, jobID, "noop", nil)

	body := fmt.Sprintf(`{"resource": "projects/p/databases/d/documents/%s/%s", "value": {"fields": {"state": {"stringValue": "Created"}}}}`, jobCollection, jobID)
	resp, err := http.Post(s.url+"/v1/triggers/updated", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	resp.Body.Close()

	state, attempt := s.state(jobID)
	if state != job.StateSucceeded || attempt != 0 {
		t.Errorf("Expected untouched Succeeded job, got %s attempt %d", state, attempt)
	}
}

func TestFlow_ConcurrentJobs(t *testing.T) {
	events := newReceiver(t)
	s := startStack(t, events.URL, true)

	const n = 50
	prefix := fmt.Sprintf("e2e-many-%d", time.Now().UnixNano())
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() { s.submit(t, fmt.Sprintf("%s-%d", prefix, i), "noop", nil) })
	}
	wg.Wait()

	testutil.MustWaitFor(t, func() bool {
		for i := range n {
			if state, _ := s.state(fmt.Sprintf("%s-%d", prefix, i)); state != job.StateSucceeded {
				return false
			}
		}
		return true
	}, testutil.WithTimeout(15*time.Second))

	testutil.MustWaitFor(t, func() bool { return s.callbacks.Stats().Delivered >= n },
		testutil.WithTimeout(10*time.Second))
}

func BenchmarkSubmitNoop(b *testing.B) {
	s := startStack(b, "", false)
	prefix := fmt.Sprintf("bench-%d", time.Now().UnixNano())

	for i := 0; b.Loop(); i++ {
		s.submit(b, fmt.Sprintf("%s-%d", prefix, i), "noop", nil)
	}
}
