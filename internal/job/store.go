package job

import "context"

// Store reads and writes Job records by collection and id, and the
// service-instance descriptors jobs are created from.
//
// Get returns an apperrors.ErrNotFound error when the record is absent.
// Create stores j only when no record with the same id exists and reports
// whether it did; it never overwrites, and on success sets j.Version to the
// stored version. Set replaces the whole record, but only
// if j.Version matches the stored version, otherwise it fails with
// apperrors.ErrConflict. It returns the persisted record with its new version.
type Store interface {
	Get(ctx context.Context, collection, id string) (*Job, error)
	Create(ctx context.Context, collection string, j *Job) (bool, error)
	Set(ctx context.Context, collection string, j *Job) (*Job, error)

	GetServiceInstance(ctx context.Context, collection, id string) (*ServiceInstance, error)
	PutServiceInstance(ctx context.Context, collection string, si *ServiceInstance) error

	Ping(ctx context.Context) error
}

// ChangeHandler consumes one change event.
type ChangeHandler func(ctx context.Context, c Change) error

// ChangeFeed delivers document writes on job collections. Subscribe blocks,
// invoking fn sequentially for each change, until ctx is cancelled.
type ChangeFeed interface {
	Subscribe(ctx context.Context, fn ChangeHandler) error
}
