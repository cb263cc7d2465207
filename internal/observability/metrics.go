package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Execution outcomes recorded on jobs_executed_total.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomePanicked  = "panicked"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests and service executions take
// - Traffic: Request and execution throughput
// - Errors: Failed executions, escalations, write conflicts
// - Saturation: Callback queue depth
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job lifecycle metrics
	JobExecutionDuration metric.Float64Histogram
	JobsExecuted         metric.Int64Counter
	JobRetries           metric.Int64Counter
	JobEscalations       metric.Int64Counter
	JobTriggersIgnored   metric.Int64Counter
	JobConflicts         metric.Int64Counter

	// Callback metrics (Latency, Traffic, Errors, Saturation)
	CallbackDuration   metric.Float64Histogram
	CallbackDelivered  metric.Int64Counter
	CallbackFailed     metric.Int64Counter
	CallbackDropped    metric.Int64Counter
	CallbackRequeued   metric.Int64Counter
	CallbackQueueSize  metric.Int64Gauge
	CallbackBufferSize int64 // config value for saturation calculation
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("jobflow")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Job lifecycle metrics
	m.JobExecutionDuration, err = meter.Float64Histogram(
		"job_execution_duration_seconds",
		metric.WithDescription("Service execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsExecuted, err = meter.Int64Counter(
		"jobs_executed_total",
		metric.WithDescription("Total number of service executions by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobRetries, err = meter.Int64Counter(
		"job_retries_total",
		metric.WithDescription("Total number of retry attempts"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobEscalations, err = meter.Int64Counter(
		"job_escalations_total",
		metric.WithDescription("Total number of jobs escalated to Failed"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobTriggersIgnored, err = meter.Int64Counter(
		"job_trigger_ignored_total",
		metric.WithDescription("Total number of trigger events ignored by the state machine"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobConflicts, err = meter.Int64Counter(
		"job_conflicts_total",
		metric.WithDescription("Total number of stale conditional writes"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Callback metrics
	m.CallbackDuration, err = meter.Float64Histogram(
		"callback_duration_seconds",
		metric.WithDescription("Callback delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CallbackDelivered, err = meter.Int64Counter(
		"callback_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CallbackFailed, err = meter.Int64Counter(
		"callback_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CallbackDropped, err = meter.Int64Counter(
		"callback_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CallbackRequeued, err = meter.Int64Counter(
		"callback_requeued_total",
		metric.WithDescription("Total events requeued due to open circuit"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CallbackQueueSize, err = meter.Int64Gauge(
		"callback_queue_size",
		metric.WithDescription("Current number of events in callback queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordExecution records one service execution and its duration.
func (m *Metrics) RecordExecution(ctx context.Context, service, outcome string, durationSeconds float64) {
	attrs := metric.WithAttributes(serviceAttr(service), outcomeAttr(outcome))
	m.JobsExecuted.Add(ctx, 1, attrs)
	m.JobExecutionDuration.Record(ctx, durationSeconds, metric.WithAttributes(serviceAttr(service)))
}

// RecordRetry records an update-triggered re-entry that advanced the retry counter.
func (m *Metrics) RecordRetry(ctx context.Context, service string) {
	m.JobRetries.Add(ctx, 1, metric.WithAttributes(serviceAttr(service)))
}

// RecordEscalation records a job moved to Failed with a notification.
func (m *Metrics) RecordEscalation(ctx context.Context, service string) {
	m.JobEscalations.Add(ctx, 1, metric.WithAttributes(serviceAttr(service)))
}

// RecordTriggerIgnored records a trigger event the state machine dropped.
func (m *Metrics) RecordTriggerIgnored(ctx context.Context, reason string) {
	m.JobTriggersIgnored.Add(ctx, 1, metric.WithAttributes(reasonAttr(reason)))
}

// RecordConflict records a conditional write rejected as stale.
func (m *Metrics) RecordConflict(ctx context.Context) {
	m.JobConflicts.Add(ctx, 1)
}

// RecordCallbackDelivered records a delivered lifecycle event with its duration.
func (m *Metrics) RecordCallbackDelivered(ctx context.Context, eventType string, durationSeconds float64) {
	attrs := metric.WithAttributes(eventAttr(eventType))
	m.CallbackDelivered.Add(ctx, 1, attrs)
	m.CallbackDuration.Record(ctx, durationSeconds, attrs)
}

// RecordCallbackFailed records a lifecycle event whose delivery failed.
func (m *Metrics) RecordCallbackFailed(ctx context.Context, eventType string) {
	m.CallbackFailed.Add(ctx, 1, metric.WithAttributes(eventAttr(eventType)))
}

// RecordCallbackDropped records a lifecycle event dropped before delivery.
func (m *Metrics) RecordCallbackDropped(ctx context.Context, eventType, reason string) {
	m.CallbackDropped.Add(ctx, 1, metric.WithAttributes(eventAttr(eventType), reasonAttr(reason)))
}

// RecordCallbackRequeued records a requeued event.
func (m *Metrics) RecordCallbackRequeued(ctx context.Context) {
	m.CallbackRequeued.Add(ctx, 1)
}

// RecordCallbackQueueSize records the current queue size.
func (m *Metrics) RecordCallbackQueueSize(ctx context.Context, size int64) {
	m.CallbackQueueSize.Record(ctx, size)
}
