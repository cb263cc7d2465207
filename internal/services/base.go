// Package services provides the service implementations jobs execute and the
// application contexts they run against.
package services

import (
	"context"
	"jobflow/internal/job"
	"jobflow/internal/tasks"
	"strings"
)

// Base implements the default outcome handling shared by every service.
// Embedding types provide Execute.
type Base struct {
	job.Binding
}

// HandleSuccess marks the job Succeeded.
func (b *Base) HandleSuccess(ctx context.Context, store job.Store, collection string) error {
	if err := job.CheckTransition(b.Job.State, job.StateSucceeded); err != nil {
		return err
	}
	b.Job.State = job.StateSucceeded
	updated, err := store.Set(ctx, collection, b.Job)
	if err != nil {
		return err
	}
	b.Job = updated
	return nil
}

// HandleError records trace on the job and routes the failure. With a task
// queue, a retry task is enqueued at retryTarget, or at errorTarget when the
// failure is permanent. Without one, a permanent failure escalates in place
// and anything else waits for a re-trigger.
func (b *Base) HandleError(ctx context.Context, trace, retryTarget, errorTarget string, info job.TaskInfo, _ []string) error {
	b.Job.StateMsg = trace
	updated, err := b.Runtime.Store.Set(ctx, info.Collection, b.Job)
	if err != nil {
		return err
	}
	b.Job = updated

	if b.Runtime.Tasks != nil {
		target := retryTarget
		if info.Permanent {
			target = errorTarget
		}
		t := tasks.New(target, info.Queue, info.Collection, updated.ID)
		t.Project = info.Project
		t.Location = info.Location
		t.Attempt = updated.RetryAttempt
		t.Reason = firstLine(trace)
		return b.Runtime.Tasks.Publish(ctx, t)
	}
	if info.Permanent {
		return b.Runtime.Escalate(ctx, info.Collection, updated)
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
