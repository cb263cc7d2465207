// Package tasks carries retry and error routing tasks between a failed
// execution and the handler endpoints that act on them.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Task addresses a follow-up action on one job at a handler target.
type Task struct {
	ID         string    `json:"id"`
	Target     string    `json:"target"`
	Project    string    `json:"project,omitempty"`
	Location   string    `json:"location,omitempty"`
	Queue      string    `json:"queue"`
	Collection string    `json:"collection"`
	JobID      string    `json:"jobId"`
	Attempt    int       `json:"attempt"`
	Reason     string    `json:"reason,omitempty"`
	Created    time.Time `json:"created"`
}

// New returns a task with a fresh id and creation time.
func New(target, queue, collection, jobID string) Task {
	return Task{
		ID:         uuid.NewString(),
		Target:     target,
		Queue:      queue,
		Collection: collection,
		JobID:      jobID,
		Created:    time.Now().UTC(),
	}
}

// Validate checks the fields every consumer relies on.
func (t Task) Validate() error {
	switch {
	case t.Target == "":
		return errors.New("task target is required")
	case t.Collection == "":
		return errors.New("task collection is required")
	case t.JobID == "":
		return errors.New("task jobId is required")
	}
	return nil
}

// Publisher enqueues tasks.
type Publisher interface {
	Publish(ctx context.Context, t Task) error
}

// HandlerFunc acts on one delivered task.
type HandlerFunc func(ctx context.Context, t Task) error

// Routes maps a handler target name to the function serving it.
type Routes map[string]HandlerFunc

// UnknownTargetError is returned when no route serves a task's target.
type UnknownTargetError struct {
	Target string
}

func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("no handler registered for task target %q", e.Target)
}

// Route delivers t to the function registered for its target.
func (r Routes) Route(ctx context.Context, t Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	fn, ok := r[t.Target]
	if !ok {
		return &UnknownTargetError{Target: t.Target}
	}
	return fn(ctx, t)
}

// Recorder is an in-process Publisher that keeps what it was given.
type Recorder struct {
	mu    sync.Mutex
	tasks []Task
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish records t.
func (r *Recorder) Publish(_ context.Context, t Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, t)
	return nil
}

// Tasks returns a copy of the recorded tasks.
func (r *Recorder) Tasks() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Task(nil), r.tasks...)
}
