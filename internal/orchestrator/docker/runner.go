// Package docker runs job containers to completion on the host Docker daemon.
package docker

import (
	"context"
	"fmt"
	"io"
	"jobflow/internal/apperrors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const managedByLabel = "managed-by=jobflow"

// Spec describes one container run.
type Spec struct {
	JobID    string
	Image    string
	Command  string // run through /bin/sh -c when set
	Env      map[string]string
	CPU      float64 // cores, 0 for no limit
	MemoryMB int     // 0 for no limit
	Timeout  time.Duration
}

// Result is the outcome of a completed run.
type Result struct {
	ExitCode int
	Output   string // trailing stdout and stderr
	Duration time.Duration
}

// Runner creates, starts, and waits on one container per run.
type Runner struct {
	client *client.Client
	cfg    Config
	runs   *runRepo
}

// NewRunner connects to the Docker daemon from the environment and removes
// containers left behind by a previous process.
func NewRunner(ctx context.Context, cfg Config) (*Runner, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	r := &Runner{
		client: dockerClient,
		cfg:    cfg.withDefaults(),
		runs:   newRunRepo(),
	}
	if err := r.reconcile(ctx); err != nil {
		slog.Warn("Failed to reconcile job containers", "error", err)
	}
	return r, nil
}

// reconcile removes orphaned job containers. A run interrupted by a restart
// is re-executed by its next trigger, so nothing is resumed.
func (r *Runner) reconcile(ctx context.Context) error {
	containers, err := r.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedByLabel)),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}
	for _, c := range containers {
		slog.Info("Removing orphaned job container", "jobId", c.Labels["job.id"], "containerId", c.ID, "state", c.State)
		r.removeContainer(ctx, c.ID)
	}
	return nil
}

// Run executes spec and blocks until the container exits. A non-zero exit
// code is reported in the Result, not as an error. Only one run per job id
// may be in flight.
func (r *Runner) Run(ctx context.Context, spec Spec) (*Result, error) {
	if spec.Image == "" {
		return nil, apperrors.Validation("image", "image is required")
	}
	if err := r.runs.reserve(spec.JobID); err != nil {
		return nil, err
	}
	defer r.runs.release(spec.JobID)

	logger := slog.With("jobId", spec.JobID, "image", spec.Image)

	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	// Pull with a detached context so a caller deadline doesn't abort a shared pull.
	if err := r.pullImageIfNeeded(context.WithoutCancel(ctx), spec.Image); err != nil {
		return nil, apperrors.Internal("docker.pullImage", err)
	}

	containerID, err := r.createContainer(ctx, spec)
	if err != nil {
		return nil, apperrors.Internal("docker.createContainer", err)
	}
	r.runs.commit(spec.JobID, containerID)
	if !r.cfg.KeepContainers {
		defer r.removeContainer(context.WithoutCancel(ctx), containerID)
	}

	start := time.Now()
	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, apperrors.Internal("docker.startContainer", err)
	}
	logger.Debug("Container started", "containerId", containerID)

	exitCode, waitErr := r.waitForExit(ctx, containerID)
	result := &Result{
		ExitCode: exitCode,
		Output:   r.collectLogs(context.WithoutCancel(ctx), containerID),
		Duration: time.Since(start),
	}
	if waitErr != nil {
		if ctx.Err() != nil {
			r.stopContainer(context.WithoutCancel(ctx), containerID)
		}
		return result, fmt.Errorf("container %s did not complete: %w", containerID, waitErr)
	}

	logger.Info("Container exited", "exitCode", exitCode, "duration", result.Duration)
	return result, nil
}

// Ready checks if the Docker daemon is reachable and responsive.
func (r *Runner) Ready(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	return err
}

// Close stops in-flight containers and releases the client.
func (r *Runner) Close() error {
	ctx := context.Background()
	for jobID, containerID := range r.runs.list() {
		if containerID == "" {
			continue
		}
		slog.Info("Stopping job container on shutdown", "jobId", jobID, "containerId", containerID)
		r.stopContainer(ctx, containerID)
	}
	return r.client.Close()
}

func (r *Runner) createContainer(ctx context.Context, spec Spec) (string, error) {
	env := make([]string, 0, len(spec.Env)+1)
	env = append(env, "JOB_ID="+spec.JobID)
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	var cmd []string
	if spec.Command != "" {
		cmd = []string{"/bin/sh", "-c", spec.Command}
	}

	containerConfig := &container.Config{
		Image: spec.Image,
		Cmd:   cmd,
		Env:   env,
		Labels: map[string]string{
			"job.id":     spec.JobID,
			"managed-by": "jobflow",
		},
	}

	hostConfig := &container.HostConfig{
		ExtraHosts:  r.cfg.ExtraHosts,
		NetworkMode: container.NetworkMode(r.cfg.Network),
		Resources: container.Resources{
			NanoCPUs: int64(spec.CPU * 1e9),
			Memory:   int64(spec.MemoryMB) * 1024 * 1024,
		},
	}

	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (r *Runner) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := r.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

// collectLogs returns the trailing output of an exited container.
func (r *Runner) collectLogs(ctx context.Context, containerID string) string {
	logs, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return ""
	}
	defer logs.Close()

	tail := newTailBuffer(r.cfg.LogTailBytes)
	if _, err := stdcopy.StdCopy(tail, tail, logs); err != nil && err != io.EOF {
		slog.Debug("Log stream ended", "containerId", containerID, "error", err)
	}
	return strings.TrimSpace(tail.String())
}

func (r *Runner) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := r.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := r.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (r *Runner) stopContainer(ctx context.Context, containerID string) {
	timeout := int(r.cfg.StopTimeout.Seconds())
	_ = r.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
}

func (r *Runner) removeContainer(ctx context.Context, containerID string) {
	r.stopContainer(ctx, containerID)
	_ = r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
