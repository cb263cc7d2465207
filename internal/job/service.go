package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"jobflow/internal/apperrors"
	"jobflow/internal/observability"
	"jobflow/internal/tasks"
	"log/slog"
	"regexp"
	"time"
)

const maxJobIDLength = 128

// jobIDPattern admits ids that are safe as a single URL path segment and as
// a store key component: no slashes, and no leading dot.
var jobIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._-]*$`)

// Config is the routing and escalation configuration the service is built with.
type Config struct {
	TaskInfo          TaskInfo
	ServiceCollection string
	JobCollection     string
	RetryHandler      string
	ErrorHandler      string
	Recipients        []string

	// DeferCreated leaves dispatch of a newly submitted job to the change
	// feed's created event instead of executing it inline.
	DeferCreated bool
}

// Submission is a direct job submission.
type Submission struct {
	ID        string
	ServiceID string
	Request   json.RawMessage
}

// Service drives jobs through the lifecycle from every entry point: creation
// and update triggers, direct submission, and the retry and error handlers.
//
// The Service holds no per-job state. Every write is conditional on the
// record's version, so of two concurrent invocations for one job only the
// first write lands; the other logs the conflict and stops.
type Service struct {
	cfg        Config
	store      Store
	dispatcher *Dispatcher
	retry      *RetryController
	escalator  *Escalator
	tasks      tasks.Publisher
	events     EventSink
	builder    *EventBuilder
	metrics    *observability.Metrics
	now        func() time.Time
}

// NewService creates a job service.
func NewService(cfg Config, store Store, dispatcher *Dispatcher, escalator *Escalator, metrics *observability.Metrics) *Service {
	return &Service{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		retry:      NewRetryController(),
		escalator:  escalator,
		builder:    NewEventBuilder("jobflow/jobs"),
		metrics:    metrics,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithTasks routes failures of submitted jobs through a task queue.
func (s *Service) WithTasks(p tasks.Publisher) *Service {
	s.tasks = p
	return s
}

// WithEvents emits terminal lifecycle events to sink.
func (s *Service) WithEvents(sink EventSink) *Service {
	s.events = sink
	return s
}

// Collection returns the default job collection.
func (s *Service) Collection() string {
	return s.cfg.JobCollection
}

// ServiceCollection returns the collection service descriptors are read from.
func (s *Service) ServiceCollection() string {
	return s.cfg.ServiceCollection
}

// Get returns a job record.
func (s *Service) Get(ctx context.Context, collection, id string) (*Job, error) {
	return s.store.Get(ctx, collection, id)
}

// OnCreate handles a document-created event. A fresh job has no retry
// history, so it goes straight to dispatch.
func (s *Service) OnCreate(ctx context.Context, collection, id string) error {
	logger := slog.With("jobId", id, "collection", collection, "trigger", ChangeCreated)

	j, err := s.load(ctx, logger, collection, id)
	if err != nil || j == nil {
		return err
	}

	exec, err := s.dispatcher.Bind(j, s.runtime())
	if err != nil {
		logger.Error("Job dispatch failed", "error", err)
		return err
	}
	execErr := s.dispatcher.Execute(ctx, j, exec)
	return s.record(ctx, logger, collection, j, execErr)
}

// OnUpdate handles a document-updated event whose write carried newState.
// Only a reprocessable newState re-enters processing; the handler's own
// writes to Succeeded or Failed end here without touching the store.
func (s *Service) OnUpdate(ctx context.Context, collection, id string, newState State) error {
	logger := slog.With("jobId", id, "collection", collection, "trigger", ChangeUpdated, "newState", newState)

	if reason := GateUpdate(newState, nil); reason != "" {
		s.ignore(ctx, logger, reason)
		return nil
	}
	return s.retryJob(ctx, logger, collection, id)
}

// Retry is the retry handler target: it runs the same retry evaluation as an
// update event, guarded by the stored state.
func (s *Service) Retry(ctx context.Context, collection, id string) error {
	logger := slog.With("jobId", id, "collection", collection, "trigger", "retry")
	return s.retryJob(ctx, logger, collection, id)
}

// Escalate is the error handler target: it fails the job and notifies,
// regardless of the retry counter.
func (s *Service) Escalate(ctx context.Context, collection, id string) error {
	logger := slog.With("jobId", id, "collection", collection, "trigger", "error")

	j, err := s.load(ctx, logger, collection, id)
	if err != nil || j == nil {
		return err
	}
	_, err = s.escalate(ctx, logger, collection, j)
	return s.settle(ctx, logger, err)
}

// Submit resolves the service descriptor, creates the job if its id is new,
// and executes it. Outcome handling is delegated to the service's
// HandleSuccess and HandleError; an execution failure is not an error here.
func (s *Service) Submit(ctx context.Context, sub Submission) error {
	if err := validateSubmission(sub); err != nil {
		return err
	}
	collection := s.cfg.JobCollection
	logger := slog.With("jobId", sub.ID, "collection", collection, "trigger", "submit")

	si, err := s.store.GetServiceInstance(ctx, s.cfg.ServiceCollection, sub.ServiceID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return apperrors.ServiceNotFound(sub.ServiceID)
		}
		return err
	}

	j, created, err := s.findOrCreate(ctx, collection, sub, si)
	if err != nil {
		return err
	}
	if created {
		logger.Info("Job created", "service", si.Name)
		if s.cfg.DeferCreated {
			return nil
		}
	} else {
		if !j.State.Reprocessable() {
			s.ignore(ctx, logger, IgnoreTerminalRecord)
			return nil
		}
		logger.Info("Job exists; executing against stored record", "retryAttempt", j.RetryAttempt)
	}

	exec, err := s.dispatcher.Bind(j, s.runtime())
	if err != nil {
		logger.Error("Job dispatch failed", "error", err)
		return err
	}

	execErr := s.dispatcher.Execute(ctx, j, exec)
	if execErr == nil {
		if err := exec.HandleSuccess(ctx, s.store, collection); err != nil {
			return s.settle(ctx, logger, err)
		}
		if stored, err := s.store.Get(ctx, collection, j.ID); err == nil {
			s.emit(ctx, collection, stored)
		}
		logger.Info("Job succeeded")
		return nil
	}
	return s.delegateError(ctx, logger, collection, exec, execErr)
}

// delegateError hands a failed execution to the service's HandleError with
// the configured routing, which persists the trace and routes the failure.
func (s *Service) delegateError(ctx context.Context, logger *slog.Logger, collection string, exec Executable, execErr error) error {
	trace := execErr.Error()
	info := s.cfg.TaskInfo
	info.Collection = collection
	var ee *ExecutionError
	if errors.As(execErr, &ee) {
		trace = ee.Trace
		info.Permanent = ee.Permanent
	}
	err := exec.HandleError(ctx, trace, s.cfg.RetryHandler, s.cfg.ErrorHandler, info, s.cfg.Recipients)
	return s.settle(ctx, logger, err)
}

func (s *Service) findOrCreate(ctx context.Context, collection string, sub Submission, si *ServiceInstance) (*Job, bool, error) {
	j, err := s.store.Get(ctx, collection, sub.ID)
	if err == nil {
		return j, false, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, false, err
	}

	now := s.now()
	j = &Job{
		ID:              sub.ID,
		State:           StateCreated,
		ServiceInstance: *si,
		Request:         sub.Request,
		Created:         now,
		Updated:         now,
	}
	created, err := s.store.Create(ctx, collection, j)
	if err != nil {
		return nil, false, err
	}
	if !created {
		// Lost a creation race; continue against the winner's record.
		existing, err := s.store.Get(ctx, collection, sub.ID)
		return existing, false, err
	}
	return j, true, nil
}

func (s *Service) retryJob(ctx context.Context, logger *slog.Logger, collection, id string) error {
	j, err := s.load(ctx, logger, collection, id)
	if err != nil || j == nil {
		return err
	}

	decision := s.retry.Advance(j)
	logger = logger.With("retryAttempt", j.RetryAttempt, "decision", decision.String())
	if s.metrics != nil {
		s.metrics.RecordRetry(ctx, j.ServiceInstance.ClassName)
	}

	if decision == RetryEscalate {
		_, err := s.escalate(ctx, logger, collection, j)
		return s.settle(ctx, logger, err)
	}
	if s.retry.PastCeiling(j) {
		logger.Warn("Retry counter is past the ceiling without escalation", "ceiling", RetryCeiling)
	}

	exec, err := s.dispatcher.Bind(j, s.runtime())
	if err != nil {
		logger.Error("Job dispatch failed", "error", err)
		return err
	}
	execErr := s.dispatcher.Execute(ctx, j, exec)
	if execErr != nil && s.tasks != nil {
		// No update trigger follows in queue mode; the next retry task must.
		logger.Info("Job failed; routing through the task queue")
		return s.delegateError(ctx, logger, collection, exec, execErr)
	}
	return s.record(ctx, logger, collection, j, execErr)
}

// load reads a job and applies the stored-state guard. It returns a nil job
// when the event should be dropped.
func (s *Service) load(ctx context.Context, logger *slog.Logger, collection, id string) (*Job, error) {
	j, err := s.store.Get(ctx, collection, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			s.ignore(ctx, logger, IgnoreMissing)
		}
		return nil, err
	}
	if reason := GateUpdate(StateCreated, j); reason != "" {
		s.ignore(ctx, logger, reason)
		return nil, nil
	}
	return j, nil
}

// record persists the outcome of a trigger-driven execution: Succeeded, or
// Created with the captured trace for a later re-trigger.
func (s *Service) record(ctx context.Context, logger *slog.Logger, collection string, j *Job, execErr error) error {
	if execErr == nil {
		j.State = StateSucceeded
	} else {
		j.State = StateCreated
		j.StateMsg = execErr.Error()
		var ee *ExecutionError
		if errors.As(execErr, &ee) {
			j.StateMsg = ee.Trace
		}
	}

	updated, err := s.store.Set(ctx, collection, j)
	if err != nil {
		return s.settle(ctx, logger, err)
	}
	if updated.State == StateSucceeded {
		logger.Info("Job succeeded")
		s.emit(ctx, collection, updated)
	} else {
		logger.Info("Job failed; awaiting re-trigger")
	}
	return nil
}

func (s *Service) escalate(ctx context.Context, logger *slog.Logger, collection string, j *Job) (*Job, error) {
	updated, err := s.escalator.Escalate(ctx, collection, j)
	if updated != nil {
		if s.metrics != nil {
			s.metrics.RecordEscalation(ctx, updated.ServiceInstance.ClassName)
		}
		s.emit(ctx, collection, updated)
	}
	if err != nil {
		return updated, err
	}
	logger.Warn("Job escalated", "recipients", len(s.cfg.Recipients))
	return updated, nil
}

// escalateRecord adapts escalate to the EscalateFunc handed to services.
func (s *Service) escalateRecord(ctx context.Context, collection string, j *Job) error {
	logger := slog.With("jobId", j.ID, "collection", collection, "trigger", "handle-error")
	_, err := s.escalate(ctx, logger, collection, j)
	return err
}

func (s *Service) runtime() Runtime {
	return Runtime{
		Store:    s.store,
		Tasks:    s.tasks,
		Escalate: s.escalateRecord,
	}
}

// settle ends an invocation. A stale conditional write means another
// invocation already moved the job on, so it is logged and swallowed.
func (s *Service) settle(ctx context.Context, logger *slog.Logger, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, apperrors.ErrConflict) {
		logger.Warn("Job was modified concurrently; dropping this invocation", "error", err)
		if s.metrics != nil {
			s.metrics.RecordConflict(ctx)
		}
		return nil
	}
	logger.Error("Job invocation failed", "error", err)
	return err
}

func (s *Service) ignore(ctx context.Context, logger *slog.Logger, reason string) {
	logger.Debug("Trigger ignored", "reason", reason)
	if s.metrics != nil {
		s.metrics.RecordTriggerIgnored(ctx, reason)
	}
}

func (s *Service) emit(ctx context.Context, collection string, j *Job) {
	if s.events == nil {
		return
	}
	if event := s.builder.Build(collection, j); event != nil {
		s.events.Publish(ctx, event)
	}
}

func validateSubmission(sub Submission) error {
	if sub.ID == "" {
		return apperrors.Validation("id", "job ID is required")
	}
	if len(sub.ID) > maxJobIDLength {
		return apperrors.Validation("id", fmt.Sprintf("job ID exceeds maximum length of %d", maxJobIDLength))
	}
	if !jobIDPattern.MatchString(sub.ID) {
		return apperrors.Validation("id", "job ID may contain letters, digits, dots, hyphens and underscores, and cannot start with a dot or hyphen")
	}
	if sub.ServiceID == "" {
		return apperrors.Validation("service", "service instance id is required")
	}
	return nil
}
