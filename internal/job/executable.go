package job

import (
	"context"
	"jobflow/internal/tasks"
)

// Executable is a service implementation bound to one job.
//
// Execute performs the service's work and may fail or panic. HandleSuccess and
// HandleError own the outcome when the job was submitted directly: they
// persist the job and route follow-up work.
type Executable interface {
	Execute(ctx context.Context) error
	HandleSuccess(ctx context.Context, store Store, collection string) error
	HandleError(ctx context.Context, trace, retryTarget, errorTarget string, info TaskInfo, recipients []string) error
}

// App is the application context a service executes against.
type App interface {
	Class() string
}

// EscalateFunc marks a job Failed and notifies the recipient list.
type EscalateFunc func(ctx context.Context, collection string, j *Job) error

// Runtime carries the collaborators a bound service may use.
// Tasks is nil when no task queue is configured.
type Runtime struct {
	Store    Store
	Tasks    tasks.Publisher
	Escalate EscalateFunc
}

// Binding is everything a service factory receives.
type Binding struct {
	Descriptor ServiceInstance
	Job        *Job
	App        App
	Runtime    Runtime
}

// ServiceFactory constructs a service bound to one job.
type ServiceFactory func(b Binding) Executable

// AppFactory constructs an application context.
type AppFactory func() App

// Resolver looks up factories by the identifiers carried in a job.
// Unknown identifiers fail with apperrors.ErrUnknownService or
// apperrors.ErrUnknownApp respectively.
type Resolver interface {
	Service(className string) (ServiceFactory, error)
	App(appClassName string) (AppFactory, error)
}
