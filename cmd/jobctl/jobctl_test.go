package main

import (
	"bytes"
	"context"
	"jobflow/internal/job"
	"jobflow/internal/services"
	"jobflow/internal/store/memory"
	"jobflow/internal/trigger"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seedYAML = `collection: services
instances:
  - id: smoke
    name: Smoke test
    className: NoopService
    appClassName: DefaultApp
  - id: hook
    className: WebhookService
    appClassName: HTTPApp
`

func TestLoadSeed(t *testing.T) {
	seed, err := loadSeed(strings.NewReader(seedYAML))
	require.NoError(t, err)

	assert.Equal(t, "services", seed.Collection)
	require.Len(t, seed.Instances, 2)
	assert.Equal(t, job.ServiceInstance{ID: "smoke", Name: "Smoke test", ClassName: services.NoopClass, AppClassName: services.DefaultAppClass}, seed.Instances[0])
}

func TestLoadSeed_Invalid(t *testing.T) {
	tests := map[string]string{
		"empty":         "",
		"unknown field": "instances:\n  - id: a\n    className: NoopService\n    image: x\n",
		"missing id":    "instances:\n  - className: NoopService\n",
		"missing class": "instances:\n  - id: a\n",
		"duplicate id":  "instances:\n  - id: a\n    className: NoopService\n  - id: a\n    className: NoopService\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := loadSeed(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestApplySeed(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seed, err := loadSeed(strings.NewReader(seedYAML))
	require.NoError(t, err)

	n, err := applySeed(ctx, st, seed)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	si, err := st.GetServiceInstance(ctx, "services", "hook")
	require.NoError(t, err)
	assert.Equal(t, "WebhookService", si.ClassName)
}

func TestNewJobService_RequiresCollections(t *testing.T) {
	t.Setenv("SERVICE_COLLECTION", "")
	t.Setenv("JOB_COLLECTION", "")
	_, err := newJobService(memory.New())
	assert.Error(t, err)
}

func TestNewJobService_RunsCreatedJob(t *testing.T) {
	t.Setenv("SERVICE_COLLECTION", "services")
	t.Setenv("JOB_COLLECTION", "runs")
	ctx := context.Background()
	st := memory.New()

	created, err := st.Create(ctx, "runs", &job.Job{
		ID:              "job-1",
		State:           job.StateCreated,
		ServiceInstance: job.ServiceInstance{ID: "smoke", ClassName: services.NoopClass, AppClassName: services.DefaultAppClass},
	})
	require.NoError(t, err)
	require.True(t, created)

	svc, err := newJobService(st)
	require.NoError(t, err)

	require.NoError(t, trigger.Route(ctx, svc, job.Change{Kind: job.ChangeCreated, Collection: "runs", ID: "job-1", State: job.StateCreated}))
	j, err := st.Get(ctx, "runs", "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StateSucceeded, j.State)
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, out.String(), "jobctl dev")
	assert.Contains(t, out.String(), "go version:")
}
