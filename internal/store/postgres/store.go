// Package postgres provides a job store on PostgreSQL. Job documents are kept
// as JSONB beside a version column; conditional writes lock the row, and each
// committed write sends a NOTIFY that backs the change feed.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"jobflow/internal/apperrors"
	"jobflow/internal/job"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	collection    TEXT        NOT NULL,
	id            TEXT        NOT NULL,
	state         TEXT        NOT NULL,
	retry_attempt INTEGER     NOT NULL DEFAULT 0,
	doc           JSONB       NOT NULL,
	version       BIGINT      NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS jobs_state_idx ON jobs (collection, state);

CREATE TABLE IF NOT EXISTS service_instances (
	collection TEXT  NOT NULL,
	id         TEXT  NOT NULL,
	doc        JSONB NOT NULL,
	PRIMARY KEY (collection, id)
);
`

// Store is a job.Store and job.ChangeFeed backed by PostgreSQL.
type Store struct {
	pool    *pgxpool.Pool
	channel string
	now     func() time.Time
}

// New creates a store on pool, creating the schema when cfg.Migrate is set.
func New(ctx context.Context, pool *pgxpool.Pool, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	s := &Store{
		pool:    pool,
		channel: cfg.NotifyChannel,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if cfg.Migrate {
		if _, err := pool.Exec(ctx, schema); err != nil {
			return nil, fmt.Errorf("migrate schema: %w", err)
		}
	}
	return s, nil
}

// Get returns the stored job.
func (s *Store) Get(ctx context.Context, collection, id string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT doc, version FROM jobs WHERE collection = $1 AND id = $2`, collection, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// Create stores j if no record exists under its id.
func (s *Store) Create(ctx context.Context, collection string, j *job.Job) (bool, error) {
	if j.ID == "" {
		return false, apperrors.Validation("id", "job ID is required")
	}
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

	created := false
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO jobs (collection, id, state, retry_attempt, doc, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 1, $6, $7)
			ON CONFLICT (collection, id) DO NOTHING
		`, collection, stored.ID, string(stored.State), stored.RetryAttempt, doc, stored.Created, stored.Updated)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		created = true
		return s.notify(ctx, tx, job.Change{Kind: job.ChangeCreated, Collection: collection, ID: stored.ID, State: stored.State})
	})
	if err != nil {
		return false, fmt.Errorf("create job %s: %w", j.ID, err)
	}
	if created {
		j.Version = 1
	}
	return created, nil
}

// Set overwrites the job if j.Version matches the stored version. The row is
// locked for the check so concurrent writers serialize.
func (s *Store) Set(ctx context.Context, collection string, j *job.Job) (*job.Job, error) {
	var out *job.Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT doc, version FROM jobs WHERE collection = $1 AND id = $2 FOR UPDATE`, collection, j.ID)
		current, err := scanJob(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.NotFound("job", j.ID)
		}
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

		if _, err := tx.Exec(ctx, `
			UPDATE jobs
			SET state = $3, retry_attempt = $4, doc = $5, version = $6, updated_at = $7
			WHERE collection = $1 AND id = $2
		`, collection, j.ID, string(stored.State), stored.RetryAttempt, doc, stored.Version, stored.Updated); err != nil {
			return err
		}
		out = stored
		return s.notify(ctx, tx, job.Change{Kind: job.ChangeUpdated, Collection: collection, ID: j.ID, State: stored.State})
	})
	if err != nil {
		var appErr *apperrors.Error
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, fmt.Errorf("set job %s: %w", j.ID, err)
	}
	return out, nil
}

// GetServiceInstance returns a stored descriptor.
func (s *Store) GetServiceInstance(ctx context.Context, collection, id string) (*job.ServiceInstance, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM service_instances WHERE collection = $1 AND id = $2`, collection, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("service", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get service %s: %w", id, err)
	}
	var si job.ServiceInstance
	if err := json.Unmarshal(doc, &si); err != nil {
		return nil, fmt.Errorf("unmarshal service %s: %w", id, err)
	}
	return &si, nil
}

// PutServiceInstance upserts a descriptor.
func (s *Store) PutServiceInstance(ctx context.Context, collection string, si *job.ServiceInstance) error {
	if si.ID == "" {
		return apperrors.Validation("id", "service instance ID is required")
	}
	doc, err := json.Marshal(si)
	if err != nil {
		return fmt.Errorf("marshal service %s: %w", si.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO service_instances (collection, id, doc) VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO UPDATE SET doc = EXCLUDED.doc
	`, collection, si.ID, doc)
	if err != nil {
		return fmt.Errorf("put service %s: %w", si.ID, err)
	}
	return nil
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// notify queues a change notification; Postgres delivers it on commit.
func (s *Store) notify(ctx context.Context, tx pgx.Tx, c job.Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, string(payload))
	return err
}

func scanJob(row pgx.Row) (*job.Job, error) {
	var doc []byte
	var version int64
	if err := row.Scan(&doc, &version); err != nil {
		return nil, err
	}
	var j job.Job
	if err := json.Unmarshal(doc, &j); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	j.Version = version
	return &j, nil
}
