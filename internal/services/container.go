package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"jobflow/internal/job"
	"jobflow/internal/orchestrator/docker"
	"time"
)

// ContainerClass is the class name of ContainerService.
const ContainerClass = "ContainerService"

type containerRequest struct {
	Image          string            `json:"image"`
	Command        string            `json:"command"`
	Env            map[string]string `json:"env"`
	CPU            float64           `json:"cpu"`
	Memory         int               `json:"memory"`
	TimeoutSeconds int               `json:"timeoutSeconds"`
}

// ContainerService runs the image named in the job request and succeeds when
// the container exits 0. The request document is passed in as JOB_REQUEST.
type ContainerService struct {
	Base
}

// NewContainerService is the ServiceFactory for ContainerClass.
func NewContainerService(b job.Binding) job.Executable {
	return &ContainerService{Base: Base{Binding: b}}
}

func (s *ContainerService) Execute(ctx context.Context) error {
	app, ok := s.App.(*DockerApp)
	if !ok || app.Runner == nil {
		return job.Permanent(fmt.Errorf("%s requires %s, got %s", ContainerClass, DockerAppClass, s.App.Class()))
	}

	var p containerRequest
	if err := json.Unmarshal(s.Job.Request, &p); err != nil {
		return job.Permanent(fmt.Errorf("invalid container request: %w", err))
	}
	if p.Image == "" {
		return job.Permanent(errors.New("container request missing required field 'image'"))
	}

	env := map[string]string{"JOB_REQUEST": string(s.Job.Request)}
	for k, v := range p.Env {
		env[k] = v
	}

	result, err := app.Runner.Run(ctx, docker.Spec{
		JobID:    s.Job.ID,
		Image:    p.Image,
		Command:  p.Command,
		Env:      env,
		CPU:      p.CPU,
		MemoryMB: p.Memory,
		Timeout:  time.Duration(p.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("container %s exited with status %d: %s", p.Image, result.ExitCode, result.Output)
	}
	return nil
}
