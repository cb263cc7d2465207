package postgres

import (
	"context"
	"fmt"
	"jobflow/internal/config"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
)

var channelPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Config holds configuration for the Postgres store.
type Config struct {
	DSN           string
	NotifyChannel string // LISTEN/NOTIFY channel carrying change events
	Migrate       bool   // create tables on startup
}

// LoadConfigFromEnv loads Postgres configuration from environment variables.
func LoadConfigFromEnv() Config {
	dsn := config.GetSecretFile(config.GetEnv("POSTGRES_DSN_FILE", ""))
	if dsn == "" {
		dsn = config.GetEnv("POSTGRES_DSN", "postgres://localhost:5432/jobflow?sslmode=disable")
	}
	return Config{
		DSN:           dsn,
		NotifyChannel: config.GetEnv("POSTGRES_NOTIFY_CHANNEL", "jobflow_changes"),
		Migrate:       config.GetBoolEnv("POSTGRES_MIGRATE", true),
	}
}

func (c Config) withDefaults() Config {
	if c.NotifyChannel == "" {
		c.NotifyChannel = "jobflow_changes"
	}
	return c
}

// Validate rejects channel names that cannot be used unquoted in LISTEN.
func (c Config) Validate() error {
	if !channelPattern.MatchString(c.withDefaults().NotifyChannel) {
		return fmt.Errorf("invalid notify channel %q", c.NotifyChannel)
	}
	return nil
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}
