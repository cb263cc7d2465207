package job

import (
	"context"
	"jobflow/pkg/cloudevent"

	"github.com/google/uuid"
)

// Event types for terminal lifecycle callbacks.
const (
	EventTypeSucceeded = "jobflow.job.succeeded"
	EventTypeFailed    = "jobflow.job.failed"
)

// EventSink accepts lifecycle events for asynchronous delivery.
type EventSink interface {
	Publish(ctx context.Context, event *cloudevent.CloudEvent)
}

// EventBuilder builds CloudEvents for terminal job states.
type EventBuilder struct {
	source string
}

// NewEventBuilder creates an EventBuilder stamping events with source.
func NewEventBuilder(source string) *EventBuilder {
	return &EventBuilder{source: source}
}

// Build returns the event for j's terminal state, or nil if j is not terminal.
func (b *EventBuilder) Build(collection string, j *Job) *cloudevent.CloudEvent {
	var eventType string
	switch j.State {
	case StateSucceeded:
		eventType = EventTypeSucceeded
	case StateFailed:
		eventType = EventTypeFailed
	default:
		return nil
	}

	data := map[string]any{
		"jobId":        j.ID,
		"collection":   collection,
		"state":        string(j.State),
		"retryAttempt": j.RetryAttempt,
		"service":      j.ServiceInstance.Name,
		"className":    j.ServiceInstance.ClassName,
	}
	if j.State == StateFailed && j.StateMsg != "" {
		data["stateMsg"] = j.StateMsg
	}
	return cloudevent.New(eventType, b.source, collection+"/"+j.ID, uuid.NewString(), data)
}
