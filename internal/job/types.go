// Package job implements the job lifecycle: the state machine, dispatch of a
// job to its bound service, the retry ceiling and terminal escalation.
package job

import (
	"encoding/json"
	"time"
)

// Job is a persisted request for asynchronous execution of a named service.
type Job struct {
	ID              string          `json:"id"`
	State           State           `json:"state"`
	RetryAttempt    int             `json:"retry_attempt"`
	StateMsg        string          `json:"state_msg,omitempty"`
	ServiceInstance ServiceInstance `json:"service_instance"`
	Request         json.RawMessage `json:"request,omitempty"`
	Created         time.Time       `json:"created"`
	Updated         time.Time       `json:"updated"`

	// Version is the store's optimistic-concurrency token. Stores bump it on
	// every successful write and reject writes carrying a stale value.
	Version int64 `json:"-"`
}

// Clone returns a deep copy, so callers can mutate a record without touching
// what a store or another goroutine holds.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Request != nil {
		c.Request = append(json.RawMessage(nil), j.Request...)
	}
	return &c
}

// ServiceInstance is the descriptor that selects a service implementation and
// its application context. It lives in the service collection and is embedded
// into each Job created from it.
type ServiceInstance struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	ClassName    string `json:"className" yaml:"className"`
	AppClassName string `json:"appClassName" yaml:"appClassName"`
}

// ChangeKind distinguishes document creation from document update.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
)

// Change is a document write observed on the job collection.
// State is the newly written state value.
type Change struct {
	Kind       ChangeKind `json:"kind"`
	Collection string     `json:"collection"`
	ID         string     `json:"id"`
	State      State      `json:"state"`
}

// TaskInfo is the task-queue addressing handed to a service's error handler.
// Permanent is set when the failure was marked as not worth retrying.
type TaskInfo struct {
	Project    string
	Location   string
	Queue      string
	Collection string
	Permanent  bool
}
