package redis

import (
	"jobflow/internal/config"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds configuration for the Redis store.
type Config struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// LoadConfigFromEnv loads Redis configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Addr:      config.GetEnv("REDIS_ADDR", "localhost:6379"),
		Password:  config.GetSecretFile(config.GetEnv("REDIS_PASSWORD_FILE", "")),
		DB:        config.GetIntEnv("REDIS_DB", 0),
		KeyPrefix: config.GetEnv("REDIS_KEY_PREFIX", "jobflow"),
	}
}

func (c Config) withDefaults() Config {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "jobflow"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = time.Second
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	return c
}

// NewClient creates a Redis client from cfg.
func NewClient(cfg Config) *redis.Client {
	cfg = cfg.withDefaults()
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})
}
