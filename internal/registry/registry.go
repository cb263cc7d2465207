// Package registry maps the class names carried in a job's service
// descriptor to the factories that build its service and application context.
package registry

import (
	"jobflow/internal/apperrors"
	"jobflow/internal/job"
	"slices"
	"sync"
)

// Registry is a lookup table from class names to factories. It implements
// job.Resolver.
type Registry struct {
	mu       sync.RWMutex
	services map[string]job.ServiceFactory
	apps     map[string]job.AppFactory
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		services: make(map[string]job.ServiceFactory),
		apps:     make(map[string]job.AppFactory),
	}
}

// RegisterService adds or replaces the factory for className.
func (r *Registry) RegisterService(className string, f job.ServiceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[className] = f
}

// RegisterApp adds or replaces the factory for appClassName.
func (r *Registry) RegisterApp(appClassName string, f job.AppFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apps[appClassName] = f
}

// Service returns the factory for className, or an ErrUnknownService error.
func (r *Registry) Service(className string) (job.ServiceFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.services[className]
	if !ok {
		return nil, apperrors.UnknownService(className)
	}
	return f, nil
}

// App returns the factory for appClassName, or an ErrUnknownApp error.
func (r *Registry) App(appClassName string) (job.AppFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.apps[appClassName]
	if !ok {
		return nil, apperrors.UnknownApp(appClassName)
	}
	return f, nil
}

// ServiceNames returns the registered service class names, sorted.
func (r *Registry) ServiceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// AppNames returns the registered app class names, sorted.
func (r *Registry) AppNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.apps))
	for name := range r.apps {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
