// Package observability provides metrics, tracing, and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrService = "service"
	attrOutcome = "outcome"
	attrReason  = "reason"
	attrEvent   = "event_type"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	// /v1/jobs/runs/abc123 -> /v1/jobs/{collection}/{jobId}
	normalized := normalizePath(path)
	return attribute.String(attrPath, normalized)
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func serviceAttr(service string) attribute.KeyValue {
	if service == "" {
		service = "unknown"
	}
	return attribute.String(attrService, service)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, reason)
}

func eventAttr(eventType string) attribute.KeyValue {
	return attribute.String(attrEvent, eventType)
}

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	const prefix = "/v1/jobs/"
	if strings.HasPrefix(path, prefix) && len(path) > len(prefix) {
		return "/v1/jobs/{collection}/{jobId}"
	}
	return path
}

// WithMethod returns a metric option with the method attribute.
func WithMethod(method string) metric.MeasurementOption {
	return metric.WithAttributes(methodAttr(method))
}

// WithPath returns a metric option with the path attribute.
func WithPath(path string) metric.MeasurementOption {
	return metric.WithAttributes(pathAttr(path))
}

// WithStatus returns a metric option with the status attribute.
func WithStatus(code int) metric.MeasurementOption {
	return metric.WithAttributes(statusAttr(code))
}

// WithService returns a metric option with the service attribute.
func WithService(service string) metric.MeasurementOption {
	return metric.WithAttributes(serviceAttr(service))
}
