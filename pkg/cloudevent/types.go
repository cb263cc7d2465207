// Package cloudevent provides CloudEvents 1.0 structured-mode envelopes and an
// HTTP sender that signs them.
package cloudevent

import (
	"errors"
	"time"
)

// SpecVersion is the CloudEvents version produced by New.
const SpecVersion = "1.0"

// CloudEvent is a CloudEvents 1.0 event in structured JSON mode.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject,omitempty"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
}

// New creates a JSON-data event stamped with the current time.
func New(eventType, source, subject, id string, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}

// Validate checks the attributes CloudEvents requires.
func (e *CloudEvent) Validate() error {
	switch {
	case e == nil:
		return errors.New("event is nil")
	case e.SpecVersion != SpecVersion:
		return errors.New("unsupported specversion " + e.SpecVersion)
	case e.ID == "":
		return errors.New("event id is required")
	case e.Source == "":
		return errors.New("event source is required")
	case e.Type == "":
		return errors.New("event type is required")
	}
	return nil
}
