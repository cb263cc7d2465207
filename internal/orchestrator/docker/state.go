package docker

import (
	"jobflow/internal/apperrors"
	"sync"
)

// runRepo tracks in-flight runs by job id. A reserved slot holds an empty
// container id until the container is created.
type runRepo struct {
	mu   sync.RWMutex
	runs map[string]string
}

func newRunRepo() *runRepo {
	return &runRepo{
		runs: make(map[string]string),
	}
}

// reserve claims jobID. Returns a conflict error if a run is already in flight.
func (r *runRepo) reserve(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[jobID]; exists {
		return apperrors.Conflict("job", jobID, "a container run is already in flight")
	}
	r.runs[jobID] = ""
	return nil
}

func (r *runRepo) commit(jobID, containerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[jobID] = containerID
}

func (r *runRepo) release(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, jobID)
}

func (r *runRepo) get(jobID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.runs[jobID]
	return id, ok
}

// list returns a snapshot of in-flight runs.
func (r *runRepo) list() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]string, len(r.runs))
	for id, c := range r.runs {
		result[id] = c
	}
	return result
}
