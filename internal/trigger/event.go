// Package trigger decodes document-change events and routes them into the
// job lifecycle, either from HTTP trigger endpoints or from a store's change
// feed.
package trigger

import (
	"encoding/json"
	"fmt"
	"io"
	"jobflow/internal/apperrors"
	"jobflow/internal/job"
	"strings"
)

const maxEventBytes = 1 << 20

// Value is one typed document field, in the document database wire shape.
type Value struct {
	StringValue  *string `json:"stringValue,omitempty"`
	IntegerValue *string `json:"integerValue,omitempty"`
}

// Document is the written document carried by an event.
type Document struct {
	Name   string           `json:"name,omitempty"`
	Fields map[string]Value `json:"fields"`
}

// Event is a document-change event. Resource is the full document path,
// ending in {collection}/{id}.
type Event struct {
	Resource string    `json:"resource"`
	Value    *Document `json:"value,omitempty"`
	OldValue *Document `json:"oldValue,omitempty"`
}

// Decode reads one event from r.
func Decode(r io.Reader) (*Event, error) {
	var e Event
	dec := json.NewDecoder(io.LimitReader(r, maxEventBytes))
	if err := dec.Decode(&e); err != nil {
		return nil, apperrors.Validation("body", fmt.Sprintf("invalid trigger event: %v", err))
	}
	if e.Resource == "" && e.Value != nil {
		e.Resource = e.Value.Name
	}
	return &e, nil
}

// Target splits the resource path into collection and document id.
func (e *Event) Target() (collection, id string, err error) {
	parts := strings.Split(strings.Trim(e.Resource, "/"), "/")
	if len(parts) < 2 || parts[len(parts)-1] == "" || parts[len(parts)-2] == "" {
		return "", "", apperrors.Validation("resource", fmt.Sprintf("resource %q does not name a document", e.Resource))
	}
	return parts[len(parts)-2], parts[len(parts)-1], nil
}

// NewState returns the state written by the event, from
// value.fields.state.stringValue.
func (e *Event) NewState() (job.State, error) {
	if e.Value == nil {
		return "", apperrors.Validation("value", "update event carries no document")
	}
	f, ok := e.Value.Fields["state"]
	if !ok || f.StringValue == nil {
		return "", apperrors.Validation("value.fields.state", "update event carries no state")
	}
	return job.State(*f.StringValue), nil
}

// Change converts the event into a job.Change of the given kind. Created
// events need not carry a state.
func (e *Event) Change(kind job.ChangeKind) (job.Change, error) {
	collection, id, err := e.Target()
	if err != nil {
		return job.Change{}, err
	}
	c := job.Change{Kind: kind, Collection: collection, ID: id, State: job.StateCreated}
	if kind == job.ChangeUpdated {
		if c.State, err = e.NewState(); err != nil {
			return job.Change{}, err
		}
	}
	return c, nil
}
