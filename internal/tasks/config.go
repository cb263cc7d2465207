package tasks

import (
	"jobflow/internal/config"
	"time"
)

// LoadConfigFromEnv loads Kafka settings. topic is the task queue name from
// the job configuration.
func LoadConfigFromEnv(topic string) KafkaConfig {
	return KafkaConfig{
		Brokers:      config.GetListEnv("KAFKA_BROKERS", nil),
		Topic:        topic,
		GroupID:      config.GetEnv("KAFKA_GROUP_ID", "jobflow-tasks"),
		WriteTimeout: config.GetDurationEnv("KAFKA_WRITE_TIMEOUT", 10*time.Second),
	}.withDefaults()
}
