package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"jobflow/internal/apperrors"
	"jobflow/pkg/backoff"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// KafkaConfig holds Kafka connection settings for the task queue.
type KafkaConfig struct {
	Brokers      []string
	Topic        string // default topic when a task names no queue
	GroupID      string
	WriteTimeout time.Duration
}

func (c KafkaConfig) withDefaults() KafkaConfig {
	if c.GroupID == "" {
		c.GroupID = "jobflow-tasks"
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// KafkaQueue publishes tasks to a Kafka topic keyed by job id, so every task
// for one job lands on the same partition in order.
type KafkaQueue struct {
	writer *kafka.Writer
	topic  string
}

// NewKafkaQueue creates a publisher connected to the configured brokers.
func NewKafkaQueue(cfg KafkaConfig) *KafkaQueue {
	cfg = cfg.withDefaults()
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		WriteTimeout:           cfg.WriteTimeout,
		ReadTimeout:            cfg.WriteTimeout,
		AllowAutoTopicCreation: true,
	}
	return &KafkaQueue{writer: w, topic: cfg.Topic}
}

// Publish writes t to its queue's topic.
func (q *KafkaQueue) Publish(ctx context.Context, t Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	topic := t.Queue
	if topic == "" {
		topic = q.topic
	}
	value, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	headers := make(HeaderCarrier, 0)
	otel.GetTextMapPropagator().Inject(ctx, &headers)

	err = q.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(t.Collection + "/" + t.JobID),
		Value:   value,
		Headers: []kafka.Header(headers),
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (q *KafkaQueue) Close() error {
	return q.writer.Close()
}

// messageReader is the subset of *kafka.Reader the consumer drives.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads tasks from one topic and routes them by target.
type Consumer struct {
	reader  messageReader
	logger  *slog.Logger
	backoff backoff.Config
}

// NewConsumer creates a consumer in the configured consumer group.
func NewConsumer(cfg KafkaConfig, logger *slog.Logger) *Consumer {
	cfg = cfg.withDefaults()
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0, // commit explicitly after a task is handled
		StartOffset:    kafka.FirstOffset,
	})
	return newConsumer(r, logger.With("component", "task-consumer", "topic", cfg.Topic))
}

func newConsumer(r messageReader, logger *slog.Logger) *Consumer {
	return &Consumer{
		reader:  r,
		logger:  logger,
		backoff: backoff.Config{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Jitter: 0.2},
	}
}

// Run reads tasks until ctx is cancelled. Delivery is at-least-once: a task
// whose route fails is retried in place with backoff and the partition does
// not advance until it succeeds. Undecodable messages and tasks that can
// never succeed (unknown target, unknown service, invalid job) are committed
// and dropped.
func (c *Consumer) Run(ctx context.Context, routes Routes) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		carrier := HeaderCarrier(m.Headers)
		msgCtx := otel.GetTextMapPropagator().Extract(ctx, &carrier)

		var t Task
		if err := json.Unmarshal(m.Value, &t); err != nil {
			c.logger.Error("Dropping undecodable task", "offset", m.Offset, "error", err)
			c.commit(ctx, m)
			continue
		}

		if err := c.handle(msgCtx, routes, m, t); err != nil {
			// Cancelled mid-retry; the uncommitted offset is redelivered.
			return nil
		}
		c.commit(ctx, m)
	}
}

// handle routes t until it succeeds or fails permanently. It only returns an
// error when ctx is cancelled.
func (c *Consumer) handle(ctx context.Context, routes Routes, m kafka.Message, t Task) error {
	logger := c.logger.With("offset", m.Offset, "taskId", t.ID, "jobId", t.JobID, "target", t.Target)
	for attempt := 1; ; attempt++ {
		err := routes.Route(ctx, t)
		if err == nil {
			return nil
		}
		if permanent(err) {
			logger.Error("Dropping task that cannot succeed", "error", err)
			return nil
		}
		delay := backoff.Exponential(attempt, &c.backoff)
		logger.Warn("Task handler failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func permanent(err error) bool {
	var unknown *UnknownTargetError
	return errors.As(err, &unknown) ||
		errors.Is(err, apperrors.ErrValidation) ||
		errors.Is(err, apperrors.ErrServiceNotFound) ||
		errors.Is(err, apperrors.ErrUnknownService) ||
		errors.Is(err, apperrors.ErrUnknownApp)
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		c.logger.Error("Failed to commit task offset", "offset", m.Offset, "error", err)
	}
}

// Close closes the reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// HeaderCarrier adapts Kafka headers to an OpenTelemetry TextMapCarrier.
type HeaderCarrier []kafka.Header

// Get returns the value for the first header matching key, or "".
func (c HeaderCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set writes key/value, replacing any existing header with the same key.
func (c *HeaderCarrier) Set(key, value string) {
	filtered := (*c)[:0]
	for _, h := range *c {
		if h.Key != key {
			filtered = append(filtered, h)
		}
	}
	*c = append(filtered, kafka.Header{Key: key, Value: []byte(value)})
}

// Keys returns all header keys present in the carrier.
func (c HeaderCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = h.Key
	}
	return keys
}
