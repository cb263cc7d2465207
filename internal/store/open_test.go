package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_Memory(t *testing.T) {
	for _, driver := range []string{"", DriverMemory} {
		h, err := Open(context.Background(), driver)
		require.NoError(t, err)
		assert.Equal(t, DriverMemory, h.Driver)
		assert.NotNil(t, h.Feed)
		assert.NoError(t, h.Store.Ping(context.Background()))
		h.Close()
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mongo")
	assert.ErrorContains(t, err, `unknown store driver "mongo"`)
}

func TestOpen_PostgresRejectsBadChannel(t *testing.T) {
	t.Setenv("POSTGRES_NOTIFY_CHANNEL", "bad channel;")
	_, err := Open(context.Background(), DriverPostgres)
	assert.ErrorContains(t, err, "invalid notify channel")
}
