// Package callback delivers terminal job events to the configured HTTP
// endpoint asynchronously, with retry, circuit breaking and rate limiting.
package callback

import (
	"context"
	"errors"
	"jobflow/pkg/cloudevent"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrBufferFull is returned when the buffer is full and the event is dropped.
	ErrBufferFull = errors.New("callback buffer full, event dropped")
	// ErrClosed is returned when publishing after Close.
	ErrClosed = errors.New("callback dispatcher is closed")
	// ErrDuplicate is returned when the same job event is already pending.
	ErrDuplicate = errors.New("callback already pending for job")
)

// delivery is one job's lifecycle event on its way to the endpoint.
type delivery struct {
	event      *cloudevent.CloudEvent
	collection string
	jobID      string
	span       trace.SpanContext // transition that produced the event
	requeues   int
}

// newDelivery reads the job address from the event subject, which is
// "<collection>/<jobId>".
func newDelivery(ctx context.Context, event *cloudevent.CloudEvent) *delivery {
	d := &delivery{event: event, jobID: event.Subject, span: trace.SpanContextFromContext(ctx)}
	if i := strings.LastIndexByte(event.Subject, '/'); i >= 0 {
		d.collection, d.jobID = event.Subject[:i], event.Subject[i+1:]
	}
	return d
}

// key is unique per job and event type.
func (d *delivery) key() string {
	return d.event.Type + " " + d.event.Subject
}

func (d *delivery) logArgs(args ...any) []any {
	return append([]any{"jobId", d.jobID, "collection", d.collection, "eventType", d.event.Type, "eventId", d.event.ID}, args...)
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth   int    // current queue size
	Pending      int    // job events accepted and not yet settled
	Queued       int64  // total events queued
	Delivered    int64  // successful deliveries
	Failed       int64  // failed after retries
	Dropped      int64  // dropped due to full buffer or max requeues
	Duplicates   int64  // rejected because the same job event was pending
	Requeued     int64  // requeued due to open circuit
	RetriesTotal int64  // total retry attempts
	Circuit      string // endpoint breaker state
}
