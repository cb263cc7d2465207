// Package health provides health check functionality for liveness and readiness probes.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ReadinessChecker is the interface for readiness checks.
// Implemented by the job store and the container runner.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// CheckFunc adapts a function, such as a store's Ping, to ReadinessChecker.
type CheckFunc func(ctx context.Context) error

// Ready calls f.
func (f CheckFunc) Ready(ctx context.Context) error { return f(ctx) }

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

type component struct {
	name     string
	checker  ReadinessChecker
	optional bool
}

// Checker performs health checks on dependencies.
type Checker struct {
	components []component
	timeout    time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a checker whose readiness requires store to answer.
func NewChecker(store ReadinessChecker) *Checker {
	return &Checker{
		components: []component{{name: "store", checker: store}},
		timeout:    5 * time.Second,
	}
}

// AddOptional registers a dependency whose failure degrades readiness
// without taking the instance out of rotation.
func (c *Checker) AddOptional(name string, checker ReadinessChecker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, component{name: name, checker: checker, optional: true})
	c.cachedReady = nil
}

// Liveness reports the process as alive. It checks no dependencies.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness checks every registered dependency. Results are cached for a
// second to keep probes from hammering the store.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}
	if c.cachedReady != nil && time.Since(c.lastCheck) < time.Second {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	components := append([]component(nil), c.components...)
	c.mu.RUnlock()

	checks := make(map[string]CheckResult, len(components))
	overall := StatusHealthy
	for _, comp := range components {
		result := c.check(ctx, comp)
		checks[comp.name] = result
		if result.Status == StatusHealthy {
			continue
		}
		if !comp.optional {
			overall = StatusUnhealthy
		} else if overall == StatusHealthy {
			overall = StatusDegraded
		}
	}

	response := &Response{Status: overall, Checks: checks}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) check(ctx context.Context, comp component) CheckResult {
	if comp.checker == nil {
		return CheckResult{Status: StatusUnhealthy, Message: comp.name + " not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := comp.checker.Ready(ctx); err != nil {
		status := StatusUnhealthy
		if comp.optional {
			status = StatusDegraded
		}
		return CheckResult{Status: status, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// Components returns the registered dependency names in order.
func (c *Checker) Components() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.components))
	for _, comp := range c.components {
		names = append(names, comp.name)
	}
	sort.Strings(names)
	return names
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// Serving reports whether the instance should receive traffic. A degraded
// instance still serves.
func (r *Response) Serving() bool {
	return r.Status != StatusUnhealthy
}

// SetShuttingDown marks the service as shutting down so readiness fails
// immediately and load balancers stop sending new traffic.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}
