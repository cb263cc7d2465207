package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"jobflow/internal/job"
	"jobflow/internal/orchestrator/docker"
	"jobflow/internal/registry"
	"jobflow/internal/store/memory"
	"jobflow/internal/tasks"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const collection = "runs"

func bind(t *testing.T, store *memory.Store, request string, app job.App) job.Binding {
	t.Helper()
	j := &job.Job{
		ID:              "job-1",
		State:           job.StateCreated,
		ServiceInstance: job.ServiceInstance{ID: "s1", ClassName: WebhookClass, AppClassName: HTTPAppClass},
		Request:         json.RawMessage(request),
	}
	created, err := store.Create(context.Background(), collection, j)
	require.NoError(t, err)
	require.True(t, created)
	return job.Binding{
		Descriptor: j.ServiceInstance,
		Job:        j,
		App:        app,
		Runtime:    job.Runtime{Store: store},
	}
}

func TestBase_HandleSuccess(t *testing.T) {
	t.Parallel()
	store := memory.New()
	b := &Base{Binding: bind(t, store, `{}`, DefaultApp{})}

	require.NoError(t, b.HandleSuccess(context.Background(), store, collection))

	stored, err := store.Get(context.Background(), collection, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StateSucceeded, stored.State)
}

func TestBase_HandleError_PublishesRetryTask(t *testing.T) {
	t.Parallel()
	store := memory.New()
	rec := tasks.NewRecorder()
	binding := bind(t, store, `{}`, DefaultApp{})
	binding.Runtime.Tasks = rec
	b := &Base{Binding: binding}

	info := job.TaskInfo{Project: "acme", Location: "eu", Queue: "jobs-retry", Collection: collection}
	err := b.HandleError(context.Background(), "*errors.errorString: boom\ncaused by x", "retry", "error", info, nil)
	require.NoError(t, err)

	stored, err := store.Get(context.Background(), collection, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StateCreated, stored.State)
	assert.Contains(t, stored.StateMsg, "boom")

	published := rec.Tasks()
	require.Len(t, published, 1)
	assert.Equal(t, "retry", published[0].Target)
	assert.Equal(t, "acme", published[0].Project)
	assert.Equal(t, "jobs-retry", published[0].Queue)
	assert.Equal(t, "job-1", published[0].JobID)
	assert.Equal(t, "*errors.errorString: boom", published[0].Reason)
}

func TestBase_HandleError_PermanentRoutesToErrorTarget(t *testing.T) {
	t.Parallel()
	store := memory.New()
	rec := tasks.NewRecorder()
	binding := bind(t, store, `{}`, DefaultApp{})
	binding.Runtime.Tasks = rec
	b := &Base{Binding: binding}

	info := job.TaskInfo{Queue: "jobs-retry", Collection: collection, Permanent: true}
	require.NoError(t, b.HandleError(context.Background(), "bad request", "retry", "error", info, nil))

	published := rec.Tasks()
	require.Len(t, published, 1)
	assert.Equal(t, "error", published[0].Target)
}

func TestBase_HandleError_WithoutQueue(t *testing.T) {
	t.Parallel()
	store := memory.New()
	var escalated []string
	binding := bind(t, store, `{}`, DefaultApp{})
	binding.Runtime.Escalate = func(_ context.Context, _ string, j *job.Job) error {
		escalated = append(escalated, j.ID)
		return nil
	}
	b := &Base{Binding: binding}

	info := job.TaskInfo{Collection: collection}
	require.NoError(t, b.HandleError(context.Background(), "transient", "retry", "error", info, nil))
	assert.Empty(t, escalated, "transient failures wait for a re-trigger")

	info.Permanent = true
	require.NoError(t, b.HandleError(context.Background(), "permanent", "retry", "error", info, nil))
	assert.Equal(t, []string{"job-1"}, escalated)
}

func TestWebhook_Success(t *testing.T) {
	t.Parallel()
	var gotBody, gotAuth, gotJobID, gotCustom string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotAuth = r.Header.Get("Authorization")
		gotJobID = r.Header.Get("X-Job-Id")
		gotCustom = r.Header.Get("X-Custom")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	app := NewHTTPApp(HTTPAppConfig{BaseURL: server.URL + "/", AuthToken: "secret"})
	store := memory.New()
	svc := NewWebhookService(bind(t, store, `{"url":"/hooks/run","headers":{"X-Custom":"1"},"body":{"n":1}}`, app))

	require.NoError(t, svc.Execute(context.Background()))
	assert.JSONEq(t, `{"n":1}`, gotBody)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "job-1", gotJobID)
	assert.Equal(t, "1", gotCustom)
}

func TestWebhook_SendsWholeRequestWithoutBody(t *testing.T) {
	t.Parallel()
	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
	}))
	defer server.Close()

	request := `{"url":"` + server.URL + `","id":"job-1"}`
	svc := NewWebhookService(bind(t, memory.New(), request, DefaultApp{}))

	require.NoError(t, svc.Execute(context.Background()))
	assert.JSONEq(t, request, gotBody)
}

func TestWebhook_StatusClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusNotFound, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			svc := NewWebhookService(bind(t, memory.New(), `{"url":"`+server.URL+`"}`, DefaultApp{}))
			err := svc.Execute(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.permanent, job.IsPermanent(err))
		})
	}
}

func TestWebhook_InvalidRequestIsPermanent(t *testing.T) {
	t.Parallel()
	for _, request := range []string{`{}`, `[1,2]`} {
		svc := NewWebhookService(bind(t, memory.New(), request, DefaultApp{}))
		err := svc.Execute(context.Background())
		require.Error(t, err)
		assert.True(t, job.IsPermanent(err), "request %s", request)
	}
}

func TestWebhook_ConnectionFailureIsRetryable(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	svc := NewWebhookService(bind(t, memory.New(), `{"url":"`+url+`"}`, DefaultApp{}))
	err := svc.Execute(context.Background())
	require.Error(t, err)
	assert.False(t, job.IsPermanent(err))
}

type fakeRunner struct {
	spec   docker.Spec
	result *docker.Result
	err    error
}

func (f *fakeRunner) Run(_ context.Context, spec docker.Spec) (*docker.Result, error) {
	f.spec = spec
	return f.result, f.err
}

func TestContainer_Success(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{result: &docker.Result{ExitCode: 0}}
	request := `{"image":"alpine:latest","command":"echo hi","env":{"A":"1"},"memory":128,"timeoutSeconds":30}`
	svc := NewContainerService(bind(t, memory.New(), request, &DockerApp{Runner: runner}))

	require.NoError(t, svc.Execute(context.Background()))
	assert.Equal(t, "job-1", runner.spec.JobID)
	assert.Equal(t, "alpine:latest", runner.spec.Image)
	assert.Equal(t, "echo hi", runner.spec.Command)
	assert.Equal(t, "1", runner.spec.Env["A"])
	assert.JSONEq(t, request, runner.spec.Env["JOB_REQUEST"])
	assert.Equal(t, 128, runner.spec.MemoryMB)
	assert.Equal(t, 30.0, runner.spec.Timeout.Seconds())
}

func TestContainer_NonZeroExit(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{result: &docker.Result{ExitCode: 2, Output: "no such file"}}
	svc := NewContainerService(bind(t, memory.New(), `{"image":"alpine"}`, &DockerApp{Runner: runner}))

	err := svc.Execute(context.Background())
	require.Error(t, err)
	assert.False(t, job.IsPermanent(err))
	assert.Contains(t, err.Error(), "status 2")
	assert.Contains(t, err.Error(), "no such file")
}

func TestContainer_RunnerError(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{err: errors.New("daemon unavailable")}
	svc := NewContainerService(bind(t, memory.New(), `{"image":"alpine"}`, &DockerApp{Runner: runner}))

	err := svc.Execute(context.Background())
	require.ErrorContains(t, err, "daemon unavailable")
}

func TestContainer_Misconfigured(t *testing.T) {
	t.Parallel()

	svc := NewContainerService(bind(t, memory.New(), `{"image":"alpine"}`, DefaultApp{}))
	assert.True(t, job.IsPermanent(svc.Execute(context.Background())))

	svc = NewContainerService(bind(t, memory.New(), `{}`, &DockerApp{Runner: &fakeRunner{}}))
	assert.True(t, job.IsPermanent(svc.Execute(context.Background())))
}

func TestNoop(t *testing.T) {
	t.Parallel()
	svc := NewNoopService(bind(t, memory.New(), `{}`, DefaultApp{}))
	assert.NoError(t, svc.Execute(context.Background()))
}

func TestRegister(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	Register(reg, Apps{HTTP: NewHTTPApp(HTTPAppConfig{})})

	assert.Equal(t, []string{ContainerClass, NoopClass, WebhookClass}, reg.ServiceNames())
	assert.Equal(t, []string{DefaultAppClass, HTTPAppClass}, reg.AppNames())

	_, err := reg.App(DockerAppClass)
	assert.Error(t, err, "DockerApp is only registered with a runner")
}

func TestHTTPApp_Resolve(t *testing.T) {
	t.Parallel()
	app := NewHTTPApp(HTTPAppConfig{BaseURL: "https://api.example.com/"})

	assert.Equal(t, "https://api.example.com/hooks", app.resolve("/hooks"))
	assert.Equal(t, "https://api.example.com/hooks", app.resolve("hooks"))
	assert.Equal(t, "https://other.example.com/x", app.resolve("https://other.example.com/x"))
	assert.Empty(t, app.Headers)
}
