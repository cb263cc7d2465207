package redis

import (
	"errors"
	"jobflow/internal/apperrors"
	"jobflow/internal/job"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	t.Parallel()
	s := New(nil, Config{KeyPrefix: "acme"})

	assert.Equal(t, "acme:job:runs:j1", s.jobKey("runs", "j1"))
	assert.Equal(t, "acme:service:services:s1", s.serviceKey("services", "s1"))
	assert.Equal(t, "acme:changes", s.changesChannel())
}

func TestDecodeJob(t *testing.T) {
	t.Parallel()

	j, err := decodeJob("j1", map[string]string{
		fieldDoc:     `{"id":"j1","state":"Created","retry_attempt":2,"service_instance":{"id":"s1"}}`,
		fieldVersion: "7",
	})
	require.NoError(t, err)
	assert.Equal(t, job.StateCreated, j.State)
	assert.Equal(t, 2, j.RetryAttempt)
	assert.Equal(t, int64(7), j.Version)
	assert.Equal(t, "s1", j.ServiceInstance.ID)
}

func TestDecodeJob_Missing(t *testing.T) {
	t.Parallel()
	_, err := decodeJob("j1", map[string]string{})
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestDecodeJob_Corrupt(t *testing.T) {
	t.Parallel()

	_, err := decodeJob("j1", map[string]string{fieldDoc: `{`, fieldVersion: "1"})
	assert.Error(t, err)

	_, err = decodeJob("j1", map[string]string{fieldDoc: `{"id":"j1"}`, fieldVersion: "x"})
	assert.ErrorContains(t, err, "invalid version")
}

func TestConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{}.withDefaults()
	assert.Equal(t, "jobflow", cfg.KeyPrefix)
	assert.Equal(t, 10, cfg.PoolSize)
}
