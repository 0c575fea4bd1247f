package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cuongbtq/jobpipeline/internal/api/domain"
	"github.com/cuongbtq/jobpipeline/internal/api/model"
	"github.com/cuongbtq/jobpipeline/shared/postgresql"
)

// ErrDuplicateIdempotencyKey is returned when the user already has a job with the key
var ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id          UUID PRIMARY KEY,
	idempotency_key TEXT,
	user_id         TEXT NOT NULL,
	job_type        TEXT NOT NULL,
	payload         TEXT NOT NULL,
	status          TEXT NOT NULL,
	result          TEXT,
	error           TEXT,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_jobs_user_idempotency_key
	ON jobs (user_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS ix_jobs_user_created
	ON jobs (user_id, created_at DESC, job_id DESC);
`

const jobColumns = `
	job_id, idempotency_key, user_id, job_type, payload,
	status, result, error, created_at, updated_at
`

// Storage is the job store
type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.DB(),
	}
}

// Migrate creates the jobs table and its indexes if missing
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate jobs schema: %w", err)
	}
	return nil
}

func (s *Storage) CreateJob(ctx context.Context, job *model.Job) error {
	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (
			:job_id, :idempotency_key, :user_id, :job_type, :payload,
			:status, :result, :error, :created_at, :updated_at
		)
	`

	if _, err := s.db.NamedExecContext(ctx, query, job); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*model.Job, error) {
	return s.getJob(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
}

// GetJobForUser returns the job only if userID owns it
func (s *Storage) GetJobForUser(ctx context.Context, jobID, userID string) (*model.Job, error) {
	return s.getJob(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1 AND user_id = $2`, jobID, userID)
}

func (s *Storage) FindByIdempotencyKey(ctx context.Context, userID, key string) (*model.Job, error) {
	return s.getJob(ctx, `SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 AND idempotency_key = $2`, userID, key)
}

func (s *Storage) getJob(ctx context.Context, query string, args ...interface{}) (*model.Job, error) {
	var job model.Job
	if err := s.db.GetContext(ctx, &job, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

type JobFilter struct {
	UserID   string
	JobType  string
	Status   string
	PageSize int
	Cursor   *JobCursor
}

type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListJobs returns up to PageSize+1 jobs, newest first; the extra row tells
// the caller there is another page
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE user_id = $1`
	args := []interface{}{filter.UserID}
	argIdx := 2

	if filter.JobType != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, filter.JobType)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	jobs := []model.Job{}
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// UpdateJobStatus sets status, result and error of the job owned by userID
// and bumps updated_at. Nil result or errMsg clears the column.
func (s *Storage) UpdateJobStatus(ctx context.Context, jobID, userID, status string, result, errMsg *string) (*model.Job, error) {
	query := `
		UPDATE jobs
		SET status = $3, result = $4, error = $5, updated_at = $6
		WHERE job_id = $1 AND user_id = $2
		RETURNING ` + jobColumns

	var job model.Job
	err := s.db.GetContext(ctx, &job, query,
		jobID, userID, status, toNullString(result), toNullString(errMsg), time.Now().UTC())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to update job status: %w", err)
	}

	return &job, nil
}

func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
