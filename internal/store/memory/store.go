// Package memory provides an in-process job store with a change feed.
// It is the default store and the one used by tests.
package memory

import (
	"context"
	"fmt"
	"jobflow/internal/apperrors"
	"jobflow/internal/job"
	"sync"
	"time"
)

// Store keeps jobs and service descriptors in maps guarded by one lock.
// Records are cloned on the way in and out.
type Store struct {
	mu       sync.RWMutex
	jobs     map[string]*job.Job
	services map[string]*job.ServiceInstance
	subs     map[*subscriber]struct{}
	now      func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		jobs:     make(map[string]*job.Job),
		services: make(map[string]*job.ServiceInstance),
		subs:     make(map[*subscriber]struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func key(collection, id string) string {
	return collection + "/" + id
}

// Get returns a copy of the stored job.
func (s *Store) Get(_ context.Context, collection, id string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[key(collection, id)]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return j.Clone(), nil
}

// Create stores j if its id is new.
func (s *Store) Create(_ context.Context, collection string, j *job.Job) (bool, error) {
	if j.ID == "" {
		return false, apperrors.Validation("id", "job ID is required")
	}
	s.mu.Lock()
	k := key(collection, j.ID)
	if _, exists := s.jobs[k]; exists {
		s.mu.Unlock()
		return false, nil
	}
	stored := j.Clone()
	stored.Version = 1
	if stored.Created.IsZero() {
		stored.Created = s.now()
	}
	if stored.Updated.IsZero() {
		stored.Updated = stored.Created
	}
	s.jobs[k] = stored
	s.mu.Unlock()

	j.Version = stored.Version
	s.publish(job.Change{Kind: job.ChangeCreated, Collection: collection, ID: j.ID, State: stored.State})
	return true, nil
}

// Set overwrites the job if j.Version matches the stored version.
func (s *Store) Set(_ context.Context, collection string, j *job.Job) (*job.Job, error) {
	s.mu.Lock()
	k := key(collection, j.ID)
	current, ok := s.jobs[k]
	if !ok {
		s.mu.Unlock()
		return nil, apperrors.NotFound("job", j.ID)
	}
	if current.Version != j.Version {
		s.mu.Unlock()
		return nil, apperrors.Conflict("job", j.ID, fmt.Sprintf("job %s was modified concurrently (version %d, have %d)", j.ID, current.Version, j.Version))
	}
	if err := job.CheckTransition(current.State, j.State); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	stored := j.Clone()
	stored.Created = current.Created
	stored.Updated = s.now()
	stored.Version = current.Version + 1
	s.jobs[k] = stored
	out := stored.Clone()
	s.mu.Unlock()

	s.publish(job.Change{Kind: job.ChangeUpdated, Collection: collection, ID: j.ID, State: stored.State})
	return out, nil
}

// Put overwrites a job unconditionally and without publishing a change.
// It exists for seeding and for simulating out-of-band writes.
func (s *Store) Put(collection string, j *job.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := j.Clone()
	if current, ok := s.jobs[key(collection, j.ID)]; ok {
		stored.Version = current.Version + 1
	} else if stored.Version == 0 {
		stored.Version = 1
	}
	s.jobs[key(collection, j.ID)] = stored
}

// GetServiceInstance returns a stored descriptor.
func (s *Store) GetServiceInstance(_ context.Context, collection, id string) (*job.ServiceInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	si, ok := s.services[key(collection, id)]
	if !ok {
		return nil, apperrors.NotFound("service", id)
	}
	c := *si
	return &c, nil
}

// PutServiceInstance upserts a descriptor.
func (s *Store) PutServiceInstance(_ context.Context, collection string, si *job.ServiceInstance) error {
	if si.ID == "" {
		return apperrors.Validation("id", "service instance ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *si
	s.services[key(collection, si.ID)] = &c
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}
