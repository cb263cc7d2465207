package services

import (
	"context"
	"jobflow/internal/job"
	"log/slog"
)

// NoopClass is the class name of NoopService.
const NoopClass = "NoopService"

// NoopService succeeds without doing anything. Useful for smoke-testing a
// deployment's triggers end to end.
type NoopService struct {
	Base
}

// NewNoopService is the ServiceFactory for NoopClass.
func NewNoopService(b job.Binding) job.Executable {
	return &NoopService{Base: Base{Binding: b}}
}

func (s *NoopService) Execute(ctx context.Context) error {
	slog.DebugContext(ctx, "Noop service executed", "jobId", s.Job.ID)
	return nil
}
