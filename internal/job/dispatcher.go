package job

import (
	"context"
	"fmt"
	"jobflow/internal/observability"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Dispatcher binds a job to its service implementation and runs it.
// It never persists job state; callers decide what to write.
type Dispatcher struct {
	resolver Resolver
	metrics  *observability.Metrics
	tracer   trace.Tracer
}

// NewDispatcher creates a dispatcher over the given resolver.
func NewDispatcher(resolver Resolver, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{resolver: resolver, metrics: metrics, tracer: otel.Tracer("jobflow/job")}
}

// Bind resolves the job's className, then its appClassName, and constructs the
// service instance. Nothing executes when either lookup fails.
func (d *Dispatcher) Bind(j *Job, rt Runtime) (Executable, error) {
	si := j.ServiceInstance
	newService, err := d.resolver.Service(si.ClassName)
	if err != nil {
		return nil, err
	}
	newApp, err := d.resolver.App(si.AppClassName)
	if err != nil {
		return nil, err
	}
	return newService(Binding{
		Descriptor: si,
		Job:        j,
		App:        newApp(),
		Runtime:    rt,
	}), nil
}

// Execute runs exec and returns nil or an *ExecutionError. A panic inside the
// service is recovered and reported with its stack.
func (d *Dispatcher) Execute(ctx context.Context, j *Job, exec Executable) (err error) {
	service := j.ServiceInstance.ClassName
	logger := slog.With("jobId", j.ID, "service", service)
	start := time.Now()
	outcome := observability.OutcomeSucceeded

	ctx, span := d.tracer.Start(ctx, "job.execute",
		trace.WithAttributes(
			attribute.String("job.id", j.ID),
			attribute.String("job.service", service),
			attribute.String("job.app", j.ServiceInstance.AppClassName),
			attribute.Int("job.retry_attempt", j.RetryAttempt),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	defer func() {
		if r := recover(); r != nil {
			outcome = observability.OutcomePanicked
			err = &ExecutionError{
				Err:   fmt.Errorf("panic: %v", r),
				Trace: fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack()),
			}
		}
		if d.metrics != nil {
			d.metrics.RecordExecution(ctx, service, outcome, time.Since(start).Seconds())
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
			logger.Warn("Service execution failed", "outcome", outcome, "error", err)
		} else {
			span.SetStatus(codes.Ok, "")
			logger.Debug("Service execution succeeded", "duration", time.Since(start))
		}
		span.End()
	}()

	if runErr := exec.Execute(ctx); runErr != nil {
		outcome = observability.OutcomeFailed
		return &ExecutionError{
			Err:       runErr,
			Trace:     formatTrace(runErr),
			Permanent: IsPermanent(runErr),
		}
	}
	return nil
}
