package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"lsh.app/jobd/core/db"
	"lsh.app/jobd/internal/model"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT '',
	enabled    BOOLEAN NOT NULL DEFAULT TRUE,
	tags       TEXT[] NOT NULL DEFAULT '{}',
	spec       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS job_executions (
	execution_id TEXT PRIMARY KEY,
	job_id       TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	record       JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS job_executions_job_started_idx
	ON job_executions (job_id, started_at DESC);
`

// PostgresStore persists jobs and execution history in PostgreSQL. The full
// spec is stored as JSONB; filterable columns are denormalized next to it.
type PostgresStore struct {
	db    *db.DB
	limit int
}

func NewPostgresStore(database *db.DB, limit int) *PostgresStore {
	return &PostgresStore{db: database, limit: historyLimit(limit)}
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Pool().Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, job *model.JobSpec) error {
	return upsertJob(ctx, s.db.Pool(), job)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*model.JobSpec, error) {
	var raw []byte
	err := s.db.Pool().QueryRow(ctx, `SELECT spec FROM jobs WHERE id = $1`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting job %s: %w", id, err)
	}
	return decodeJob(raw)
}

func (s *PostgresStore) List(ctx context.Context, filter model.JobFilter) ([]model.JobSpec, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT spec FROM jobs
		WHERE ($1 = '' OR status = $1)
		  AND ($2::boolean IS NULL OR enabled = $2)
		  AND ($3 = '' OR $3 = ANY(tags))
		ORDER BY created_at, id`,
		string(filter.Status), filter.Enabled, filter.Tag)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	jobs := []model.JobSpec{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		job, err := decodeJob(raw)
		if err != nil {
			return nil, err
		}
		// name is a case-insensitive substring match, done here
		if filter.Matches(job) {
			jobs = append(jobs, *job)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, u model.JobUpdate) (*model.JobSpec, error) {
	var updated *model.JobSpec
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var raw []byte
		err := tx.QueryRow(ctx, `SELECT spec FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&raw)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("locking job %s: %w", id, err)
		}
		job, err := decodeJob(raw)
		if err != nil {
			return err
		}
		u.Apply(job)
		job.UpdatedAt = time.Now().UTC()
		if err := upsertJob(ctx, tx, job); err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("deleting job %s: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM job_executions WHERE job_id = $1`, id); err != nil {
			return fmt.Errorf("deleting executions of %s: %w", id, err)
		}
		return nil
	})
}

func (s *PostgresStore) SaveExecution(ctx context.Context, exec *model.JobExecution) error {
	record, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("encoding execution: %w", err)
	}
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO job_executions (execution_id, job_id, started_at, record)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (execution_id) DO UPDATE SET record = EXCLUDED.record`,
			exec.ExecutionID, exec.JobID, exec.StartedAt, string(record))
		if err != nil {
			return fmt.Errorf("inserting execution: %w", err)
		}
		return trimExecutions(ctx, tx, exec.JobID, s.limit)
	})
}

func (s *PostgresStore) GetExecutions(ctx context.Context, jobID string, limit int) ([]model.JobExecution, error) {
	if limit <= 0 {
		limit = s.limit
	}
	rows, err := s.db.Pool().Query(ctx, `
		SELECT record FROM job_executions
		WHERE job_id = $1
		ORDER BY started_at DESC, execution_id DESC
		LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	execs := []model.JobExecution{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		var exec model.JobExecution
		if err := json.Unmarshal(raw, &exec); err != nil {
			return nil, fmt.Errorf("decoding execution: %w", err)
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

func (s *PostgresStore) Cleanup(ctx context.Context) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			DELETE FROM job_executions e
			WHERE NOT EXISTS (SELECT 1 FROM jobs j WHERE j.id = e.job_id)`)
		if err != nil {
			return fmt.Errorf("deleting orphaned executions: %w", err)
		}
		_, err = tx.Exec(ctx, `
			DELETE FROM job_executions
			WHERE execution_id IN (
				SELECT execution_id FROM (
					SELECT execution_id,
					       row_number() OVER (PARTITION BY job_id ORDER BY started_at DESC, execution_id DESC) AS rn
					FROM job_executions
				) ranked
				WHERE rn > $1
			)`, s.limit)
		if err != nil {
			return fmt.Errorf("trimming executions: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func upsertJob(ctx context.Context, q execer, job *model.JobSpec) error {
	spec, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	tags := job.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err = q.Exec(ctx, `
		INSERT INTO jobs (id, name, status, enabled, tags, spec, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			enabled = EXCLUDED.enabled,
			tags = EXCLUDED.tags,
			spec = EXCLUDED.spec,
			updated_at = EXCLUDED.updated_at`,
		job.ID, job.Name, string(job.Status), job.Enabled, tags, string(spec), job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving job %s: %w", job.ID, err)
	}
	return nil
}

func trimExecutions(ctx context.Context, tx pgx.Tx, jobID string, limit int) error {
	_, err := tx.Exec(ctx, `
		DELETE FROM job_executions
		WHERE job_id = $1 AND execution_id NOT IN (
			SELECT execution_id FROM job_executions
			WHERE job_id = $1
			ORDER BY started_at DESC, execution_id DESC
			LIMIT $2
		)`, jobID, limit)
	if err != nil {
		return fmt.Errorf("trimming executions of %s: %w", jobID, err)
	}
	return nil
}

func decodeJob(raw []byte) (*model.JobSpec, error) {
	var job model.JobSpec
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	return &job, nil
}
