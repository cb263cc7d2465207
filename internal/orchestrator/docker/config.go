package docker

import (
	"jobflow/internal/config"
	"time"
)

// Config holds configuration for the container runner.
type Config struct {
	StopTimeout    time.Duration // Grace period before a cancelled container is killed
	LogTailBytes   int           // Trailing output kept per run
	ExtraHosts     []string      // Extra /etc/hosts entries for containers (e.g., ["api.internal:host-gateway"])
	Network        string        // Network mode for job containers, empty for the daemon default
	KeepContainers bool          // Leave exited containers in place for inspection
}

// LoadConfigFromEnv loads runner configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		StopTimeout:    config.GetDurationEnv("CONTAINER_STOP_TIMEOUT", 10*time.Second),
		LogTailBytes:   config.GetIntEnv("CONTAINER_LOG_TAIL_BYTES", 4096),
		ExtraHosts:     config.GetListEnv("EXTRA_HOSTS", nil),
		Network:        config.GetEnv("CONTAINER_NETWORK", ""),
		KeepContainers: config.GetBoolEnv("KEEP_CONTAINERS", false),
	}
}

func (c Config) withDefaults() Config {
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.LogTailBytes <= 0 {
		c.LogTailBytes = 4096
	}
	return c
}
