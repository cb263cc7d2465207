package callback

import (
	"jobflow/internal/config"
	"jobflow/pkg/backoff"
	"time"
)

// Delivery defaults that rarely need tuning.
const (
	defaultMaxRetries       = 3
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultMaxRequeues      = 10
)

// Config holds configuration for the callback dispatcher.
type Config struct {
	URL         string        // endpoint for job events, empty disables callbacks
	SigningKey  string        // HMAC key for signing, empty = unsigned
	BufferSize  int           // pending events buffer (default: 10000)
	Workers     int           // concurrent delivery goroutines (default: 10)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)
	Rate        float64       // deliveries per second to the endpoint, 0 = unlimited
	Cooldown    time.Duration // open-breaker cooldown and requeue delay (default: 30s)
	Backoff     backoff.Config
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		URL:         config.GetEnv("CALLBACK_URL", ""),
		SigningKey:  config.GetSecretFile(config.GetEnv("CALLBACK_KEY_FILE", "")),
		BufferSize:  config.GetIntEnv("CALLBACK_BUFFER_SIZE", 10000),
		Workers:     config.GetIntEnv("CALLBACK_WORKERS", 10),
		HTTPTimeout: config.GetDurationEnv("CALLBACK_HTTP_TIMEOUT", 10*time.Second),
		Rate:        config.GetFloatEnv("CALLBACK_RATE", 0),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultBreakerCooldown
	}
	return c
}
