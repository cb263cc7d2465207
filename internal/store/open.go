// Package store opens the configured job store driver.
package store

import (
	"context"
	"fmt"
	"jobflow/internal/job"
	"jobflow/internal/store/memory"
	"jobflow/internal/store/postgres"
	"jobflow/internal/store/redis"
	"jobflow/pkg/backoff"
	"log/slog"
	"time"
)

// Drivers accepted by Open.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// connectAttempts bounds how long startup waits for a backing service.
const connectAttempts = 6

var connectBackoff = backoff.Config{Initial: 500 * time.Millisecond, Max: 8 * time.Second, Jitter: 0.2}

// Handle is an open store. Feed is the store's change feed; every driver
// has one.
type Handle struct {
	Store  job.Store
	Feed   job.ChangeFeed
	Driver string
	close  func()
}

// Close releases the store's connections.
func (h *Handle) Close() {
	if h.close != nil {
		h.close()
	}
}

// Open connects to the store selected by driver, configured from the
// environment. Connection failures are retried with backoff.
func Open(ctx context.Context, driver string) (*Handle, error) {
	logger := slog.With("component", "store", "driver", driver)

	switch driver {
	case DriverMemory, "":
		s := memory.New()
		logger.Warn("Using in-memory store; jobs do not survive a restart")
		return &Handle{Store: s, Feed: s, Driver: DriverMemory}, nil

	case DriverRedis:
		cfg := redis.LoadConfigFromEnv()
		client := redis.NewClient(cfg)
		err := backoff.Retry(ctx, connectAttempts, &connectBackoff, func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				logger.Warn("Redis not reachable yet", "addr", cfg.Addr, "error", err)
				return err
			}
			return nil
		})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
		}
		s := redis.New(client, cfg)
		logger.Info("Connected to Redis", "addr", cfg.Addr)
		return &Handle{Store: s, Feed: s, Driver: driver, close: func() { _ = client.Close() }}, nil

	case DriverPostgres:
		cfg := postgres.LoadConfigFromEnv()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		var s *postgres.Store
		var closePool func()
		err := backoff.Retry(ctx, connectAttempts, &connectBackoff, func(ctx context.Context) error {
			pool, err := postgres.NewPool(ctx, cfg.DSN)
			if err != nil {
				logger.Warn("Postgres not reachable yet", "error", err)
				return err
			}
			if s, err = postgres.New(ctx, pool, cfg); err != nil {
				pool.Close()
				return backoff.Stop(err)
			}
			closePool = pool.Close
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		logger.Info("Connected to Postgres", "channel", cfg.NotifyChannel)
		return &Handle{Store: s, Feed: s, Driver: driver, close: closePool}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q (want %s, %s or %s)", driver, DriverMemory, DriverRedis, DriverPostgres)
	}
}
