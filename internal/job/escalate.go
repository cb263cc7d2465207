package job

import (
	"context"
	"fmt"
	"jobflow/internal/notify"
)

// Escalator moves a job to Failed and reports it to a recipient list.
type Escalator struct {
	store         Store
	notifier      notify.Notifier
	recipients    []string
	subjectPrefix string
}

// NewEscalator creates an escalator sending through notifier.
func NewEscalator(store Store, notifier notify.Notifier, recipients []string, subjectPrefix string) *Escalator {
	return &Escalator{
		store:         store,
		notifier:      notifier,
		recipients:    recipients,
		subjectPrefix: subjectPrefix,
	}
}

// Escalate persists j as Failed, then sends one report built from the
// persisted record. A notification failure is returned after the write has
// happened; it is not retried.
func (e *Escalator) Escalate(ctx context.Context, collection string, j *Job) (*Job, error) {
	if err := CheckTransition(j.State, StateFailed); err != nil {
		return nil, err
	}
	j.State = StateFailed

	updated, err := e.store.Set(ctx, collection, j)
	if err != nil {
		return nil, err
	}

	msg := notify.Format(e.subjectPrefix, e.recipients, notify.Report{
		JobID:   updated.ID,
		Service: updated.ServiceInstance.Name,
		Trace:   updated.StateMsg,
		Request: updated.Request,
	})
	if err := e.notifier.Send(ctx, msg); err != nil {
		return updated, fmt.Errorf("notify escalation of %s: %w", updated.ID, err)
	}
	return updated, nil
}
