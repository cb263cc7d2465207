// Package config provides configuration loading from environment variables.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Trigger modes select what drives the create/update entry points.
const (
	TriggerModeHTTP = "http" // external front end calls /v1/triggers/* and task targets
	TriggerModeFeed = "feed" // the store's change feed drives create/update handling
)

// ServiceConfig holds configuration for the jobs service process.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	LogLevel          string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	StoreDriver       string        // memory, redis or postgres
	TriggerMode       string        // http or feed
	KafkaBrokers      []string      // empty disables the task queue
	Containers        bool          // connect to Docker for ContainerService
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		LogLevel:          GetEnv("LOG_LEVEL", "info"),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		StoreDriver:       strings.ToLower(GetEnv("STORE_DRIVER", "memory")),
		TriggerMode:       strings.ToLower(GetEnv("TRIGGER_MODE", TriggerModeHTTP)),
		KafkaBrokers:      GetListEnv("KAFKA_BROKERS", nil),
		Containers:        GetBoolEnv("CONTAINERS_ENABLED", false),
	}
}

// JobConfig is the routing and escalation configuration read once at startup.
// Every field is required; absent variables carry the Unset sentinel.
type JobConfig struct {
	Project           string
	Location          string
	Queue             string
	ServiceCollection string
	JobCollection     string
	RetryHandler      string
	ErrorHandler      string
	Recipients        []string
}

// LoadJobConfig loads job routing configuration from environment variables.
func LoadJobConfig() *JobConfig {
	return &JobConfig{
		Project:           RequireEnv("PROJECT"),
		Location:          RequireEnv("LOCATION"),
		Queue:             RequireEnv("QUEUE"),
		ServiceCollection: RequireEnv("SERVICE_COLLECTION"),
		JobCollection:     RequireEnv("JOB_COLLECTION"),
		RetryHandler:      RequireEnv("RETRY_HANDLER"),
		ErrorHandler:      RequireEnv("ERROR_HANDLER"),
		Recipients:        GetListEnv("RECIPIENTS", []string{Unset}),
	}
}

// Missing returns the names of required variables that were not set.
func (c *JobConfig) Missing() []string {
	var missing []string
	check := func(name, value string) {
		if IsUnset(value) {
			missing = append(missing, name)
		}
	}
	check("PROJECT", c.Project)
	check("LOCATION", c.Location)
	check("QUEUE", c.Queue)
	check("SERVICE_COLLECTION", c.ServiceCollection)
	check("JOB_COLLECTION", c.JobCollection)
	check("RETRY_HANDLER", c.RetryHandler)
	check("ERROR_HANDLER", c.ErrorHandler)
	if len(c.Recipients) == 0 || (len(c.Recipients) == 1 && IsUnset(c.Recipients[0])) {
		missing = append(missing, "RECIPIENTS")
	}
	return missing
}

// Validate fails when any collection name is unset; the service cannot address documents without them.
func (c *JobConfig) Validate() error {
	if IsUnset(c.ServiceCollection) || IsUnset(c.JobCollection) {
		return fmt.Errorf("SERVICE_COLLECTION and JOB_COLLECTION are required")
	}
	return nil
}
