// Package producer creates job records and publishes their messages.
package producer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/jobpipeline/internal/api/auth"
	"github.com/cuongbtq/jobpipeline/internal/api/domain"
	"github.com/cuongbtq/jobpipeline/internal/api/model"
	"github.com/cuongbtq/jobpipeline/internal/api/storage"
	"github.com/cuongbtq/jobpipeline/internal/jobmsg"
	"github.com/cuongbtq/jobpipeline/shared/rabbitmq"
)

// JobStore is the part of the job store the producer writes to
type JobStore interface {
	CreateJob(ctx context.Context, job *model.Job) error
	FindByIdempotencyKey(ctx context.Context, userID, key string) (*model.Job, error)
	UpdateJobStatus(ctx context.Context, jobID, userID, status string, result, errMsg *string) (*model.Job, error)
}

// Publisher sends a message to the primary queue
type Publisher interface {
	Publish(ctx context.Context, msg rabbitmq.Message) error
}

// Config holds producer dependencies. Validator is optional.
type Config struct {
	Logger    *slog.Logger
	Store     JobStore
	Publisher Publisher
	Validator auth.UserValidator
}

// Producer is the publish path: record first, then message
type Producer struct {
	logger    *slog.Logger
	store     JobStore
	publisher Publisher
	validator auth.UserValidator
	now       func() time.Time
}

func New(cfg *Config) *Producer {
	return &Producer{
		logger:    cfg.Logger,
		store:     cfg.Store,
		publisher: cfg.Publisher,
		validator: cfg.Validator,
		now:       time.Now,
	}
}

// SubmitRequest is a job request from an authenticated user
type SubmitRequest struct {
	UserID         string
	Type           string
	Payload        string
	IdempotencyKey string
}

// Submit creates the job in QUEUED state and publishes its message with a
// zero retry count. created is false when an earlier job with the same
// idempotency key is returned instead. If the publish fails the record is
// marked FAILED and ErrEnqueueFailed is returned.
func (p *Producer) Submit(ctx context.Context, req SubmitRequest) (job *model.Job, created bool, err error) {
	if !jobmsg.IsValidType(req.Type) {
		return nil, false, fmt.Errorf("%w: %q", domain.ErrInvalidJobType, req.Type)
	}

	if p.validator != nil {
		ok, err := p.validator.ValidateUser(ctx, req.UserID)
		if err != nil {
			p.logger.Error("Failed to validate user",
				slog.String("user_id", req.UserID),
				slog.Any("error", err),
			)
		}
		if !ok {
			return nil, false, domain.ErrUserNotAllowed
		}
	}

	if req.IdempotencyKey != "" {
		existing, err := p.store.FindByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, domain.ErrJobNotFound) {
			return nil, false, err
		}
	}

	now := p.now().UTC()
	job = &model.Job{
		JobID:     uuid.NewString(),
		UserID:    req.UserID,
		JobType:   req.Type,
		Payload:   req.Payload,
		Status:    jobmsg.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.IdempotencyKey != "" {
		job.IdempotencyKey = sql.NullString{String: req.IdempotencyKey, Valid: true}
	}

	if err := p.store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, storage.ErrDuplicateIdempotencyKey) {
			// lost a race with a concurrent request carrying the same key
			existing, findErr := p.store.FindByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
			if findErr != nil {
				return nil, false, findErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	if err := p.publish(ctx, job); err != nil {
		p.markOrphan(job)
		return job, true, fmt.Errorf("%w: %v", domain.ErrEnqueueFailed, err)
	}

	p.logger.Info("Job created and enqueued",
		slog.String("job_id", job.JobID),
		slog.String("user_id", job.UserID),
		slog.String("job_type", job.JobType),
	)

	return job, true, nil
}

func (p *Producer) publish(ctx context.Context, job *model.Job) error {
	msg := jobmsg.Message{
		JobID:     job.JobID,
		UserID:    job.UserID,
		Type:      job.JobType,
		Payload:   job.Payload,
		Timestamp: job.CreatedAt,
	}
	body, err := msg.Encode()
	if err != nil {
		return err
	}

	return p.publisher.Publish(ctx, rabbitmq.Message{
		Body:        body,
		ContentType: jobmsg.ContentType,
		Headers:     amqp.Table(jobmsg.WithRetryCount(nil, 0)),
		Timestamp:   job.CreatedAt,
	})
}

// markOrphan moves a job whose message was never published out of QUEUED.
// It runs detached from the request so a client disconnect cannot skip it.
func (p *Producer) markOrphan(job *model.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reason := domain.ErrEnqueueFailed.Error()
	if _, err := p.store.UpdateJobStatus(ctx, job.JobID, job.UserID, jobmsg.StatusFailed, nil, &reason); err != nil {
		p.logger.Error("Failed to mark orphaned job as FAILED, it stays QUEUED",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
		return
	}

	job.Status = jobmsg.StatusFailed
	job.Error = sql.NullString{String: reason, Valid: true}
	p.logger.Warn("Job could not be enqueued and was marked FAILED",
		slog.String("job_id", job.JobID),
	)
}
