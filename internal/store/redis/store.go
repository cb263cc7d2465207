// Package redis provides a job store on Redis. Each job is a hash holding the
// JSON document and its version; conditional writes use WATCH/MULTI, and every
// successful write is published on a pub/sub channel that backs the change feed.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"jobflow/internal/apperrors"
	"jobflow/internal/job"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldDoc     = "doc"
	fieldVersion = "version"
)

// Store is a job.Store and job.ChangeFeed backed by Redis.
type Store struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// New creates a store using client. Keys are namespaced under cfg.KeyPrefix.
func New(client *redis.Client, cfg Config) *Store {
	cfg = cfg.withDefaults()
	return &Store{
		client: client,
		prefix: cfg.KeyPrefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) jobKey(collection, id string) string {
	return s.prefix + ":job:" + collection + ":" + id
}

func (s *Store) serviceKey(collection, id string) string {
	return s.prefix + ":service:" + collection + ":" + id
}

func (s *Store) changesChannel() string {
	return s.prefix + ":changes"
}

// Get returns the stored job.
func (s *Store) Get(ctx context.Context, collection, id string) (*job.Job, error) {
	values, err := s.client.HGetAll(ctx, s.jobKey(collection, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get job %s: %w", id, err)
	}
	return decodeJob(id, values)
}

// Create stores j if no record exists under its id.
func (s *Store) Create(ctx context.Context, collection string, j *job.Job) (bool, error) {
	if j.ID == "" {
		return false, apperrors.Validation("id", "job ID is required")
	}
	key := s.jobKey(collection, j.ID)

	stored := j.Clone()
	if stored.Created.IsZero() {
		stored.Created = s.now()
	}
	if stored.Updated.IsZero() {
		stored.Updated = stored.Created
	}
	doc, err := json.Marshal(stored)
	if err != nil {
		return false, fmt.Errorf("marshal job %s: %w", j.ID, err)
	}
	change, err := json.Marshal(job.Change{Kind: job.ChangeCreated, Collection: collection, ID: j.ID, State: stored.State})
	if err != nil {
		return false, err
	}

	created := false
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, fieldDoc, doc, fieldVersion, 1)
			p.Publish(ctx, s.changesChannel(), change)
			return nil
		})
		if err == nil {
			created = true
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Another writer created the key between EXISTS and EXEC.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis create job %s: %w", j.ID, err)
	}
	if created {
		j.Version = 1
	}
	return created, nil
}

// Set overwrites the job if j.Version matches the stored version.
func (s *Store) Set(ctx context.Context, collection string, j *job.Job) (*job.Job, error) {
	key := s.jobKey(collection, j.ID)
	var out *job.Job

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		values, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		current, err := decodeJob(j.ID, values)
		if err != nil {
			return err
		}
		if current.Version != j.Version {
			return apperrors.Conflict("job", j.ID, fmt.Sprintf("job %s was modified concurrently (version %d, have %d)", j.ID, current.Version, j.Version))
		}
		if err := job.CheckTransition(current.State, j.State); err != nil {
			return err
		}

		stored := j.Clone()
		stored.Created = current.Created
		stored.Updated = s.now()
		stored.Version = current.Version + 1
		doc, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal job %s: %w", j.ID, err)
		}
		change, err := json.Marshal(job.Change{Kind: job.ChangeUpdated, Collection: collection, ID: j.ID, State: stored.State})
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, fieldDoc, doc, fieldVersion, stored.Version)
			p.Publish(ctx, s.changesChannel(), change)
			return nil
		})
		if err == nil {
			out = stored
		}
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return nil, apperrors.Conflict("job", j.ID, fmt.Sprintf("job %s was modified concurrently", j.ID))
	}
	if err != nil {
		var appErr *apperrors.Error
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, fmt.Errorf("redis set job %s: %w", j.ID, err)
	}
	return out, nil
}

// GetServiceInstance returns a stored descriptor.
func (s *Store) GetServiceInstance(ctx context.Context, collection, id string) (*job.ServiceInstance, error) {
	data, err := s.client.Get(ctx, s.serviceKey(collection, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.NotFound("service", id)
		}
		return nil, fmt.Errorf("redis get service %s: %w", id, err)
	}
	var si job.ServiceInstance
	if err := json.Unmarshal(data, &si); err != nil {
		return nil, fmt.Errorf("unmarshal service %s: %w", id, err)
	}
	return &si, nil
}

// PutServiceInstance upserts a descriptor.
func (s *Store) PutServiceInstance(ctx context.Context, collection string, si *job.ServiceInstance) error {
	if si.ID == "" {
		return apperrors.Validation("id", "service instance ID is required")
	}
	data, err := json.Marshal(si)
	if err != nil {
		return fmt.Errorf("marshal service %s: %w", si.ID, err)
	}
	if err := s.client.Set(ctx, s.serviceKey(collection, si.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set service %s: %w", si.ID, err)
	}
	return nil
}

// Ping checks that Redis answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func decodeJob(id string, values map[string]string) (*job.Job, error) {
	doc, ok := values[fieldDoc]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	var j job.Job
	if err := json.Unmarshal([]byte(doc), &j); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	version, err := strconv.ParseInt(values[fieldVersion], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("job %s has invalid version %q: %w", id, values[fieldVersion], err)
	}
	j.Version = version
	return &j, nil
}
