package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/jobpipeline/internal/jobmsg"
	"github.com/cuongbtq/jobpipeline/internal/worker/domain"
	"github.com/cuongbtq/jobpipeline/internal/worker/processor"
	"github.com/cuongbtq/jobpipeline/shared/rabbitmq"
)

// handleDelivery takes one delivery from receipt to its outcome. Status
// reports are best effort: the outcome depends only on the computation.
func (w *Worker) handleDelivery(ctx context.Context, d amqp.Delivery) domain.Outcome {
	started := time.Now()
	retryCount := jobmsg.RetryCount(d.Headers)

	// reports and republishes outlive a shutdown signal, bounded by jobTimeout
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.jobTimeout)
	defer cancel()

	job, err := decodeJob(d, retryCount)
	if err != nil {
		w.logger.Error("Failed to parse job message",
			slog.Any("error", err),
			slog.Uint64("delivery_tag", d.DeliveryTag),
			slog.Int("retry_count", retryCount),
		)
		outcome := w.retryOrDeadLetter(d, retryCount, "", "")
		w.metrics.record(jobCtx, outcome, "unknown", started)
		return outcome
	}

	logger := w.logger.With(
		slog.String("job_id", job.JobID),
		slog.String("job_type", job.Type),
		slog.Int("retry_count", job.RetryCount),
	)
	logger.Info("Job received")

	w.report(jobCtx, logger, job, jobmsg.StatusInProgress, nil, nil)

	result, err := processor.Process(job.Type, job.Payload)
	if err == nil {
		logger.Info("Job completed", slog.String("result", truncate(result, 64)))
		w.report(jobCtx, logger, job, jobmsg.StatusCompleted, &result, nil)

		if ackErr := d.Ack(false); ackErr != nil {
			// the broker redelivers it; the job store already says COMPLETED
			logger.Error("Failed to ACK message", slog.Any("error", ackErr))
		}
		w.metrics.record(jobCtx, domain.OutcomeAck, job.Type, started)
		return domain.OutcomeAck
	}

	message := err.Error()
	logger.Error("Job failed", slog.String("error", message))
	w.report(jobCtx, logger, job, jobmsg.StatusFailed, nil, &message)

	outcome := w.retryOrDeadLetter(d, job.RetryCount, job.JobID, job.Type)
	w.metrics.record(jobCtx, outcome, job.Type, started)
	return outcome
}

// retryOrDeadLetter schedules a delayed republish while the retry budget
// lasts, otherwise rejects the delivery so the broker dead-letters it
func (w *Worker) retryOrDeadLetter(d amqp.Delivery, retryCount int, jobID, jobType string) domain.Outcome {
	logger := w.logger.With(
		slog.String("job_id", jobID),
		slog.Int("retry_count", retryCount),
		slog.Int("max_retries", w.maxRetries),
	)

	if retryCount < w.maxRetries {
		next := retryCount + 1
		scheduled := w.retries.Schedule(w.retryDelay, func() {
			w.republish(d, next, logger)
		})
		if !scheduled {
			// left unacked; redelivered once the connection closes
			logger.Warn("Worker stopping, retry not scheduled")
			return domain.OutcomeRequeue
		}

		logger.Info("Job will be retried",
			slog.Int("attempt", next),
			slog.Duration("retry_delay", w.retryDelay),
		)
		return domain.OutcomeRequeue
	}

	logger.Warn("Job exceeded max retries, sending to dead letter queue",
		slog.String("job_type", jobType),
	)
	if err := d.Nack(false, false); err != nil {
		logger.Error("Failed to NACK message", slog.Any("error", err))
	}
	return domain.OutcomeDeadLetter
}

// republish publishes a copy with the new retry count, then acks the
// original. If the publish fails the original goes back to the queue as is.
func (w *Worker) republish(d amqp.Delivery, retryCount int, logger *slog.Logger) {
	if channelClosed(d) {
		// the broker requeues unacked deliveries of a dead channel itself
		logger.Warn("Delivery channel closed during retry delay, leaving redelivery to the broker")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.jobTimeout)
	defer cancel()

	contentType := d.ContentType
	if contentType == "" {
		contentType = jobmsg.ContentType
	}

	err := w.broker.Publish(ctx, rabbitmq.Message{
		Body:        d.Body,
		ContentType: contentType,
		Headers:     amqp.Table(jobmsg.WithRetryCount(d.Headers, retryCount)),
		Timestamp:   time.Now(),
	})
	if err != nil {
		logger.Error("Failed to republish job for retry, returning it to the queue",
			slog.Any("error", err),
		)
		if nackErr := d.Nack(false, true); nackErr != nil {
			logger.Error("Failed to NACK message", slog.Any("error", nackErr))
		}
		return
	}

	if err := d.Ack(false); err != nil {
		// the copy is already queued, so the job may run twice
		logger.Error("Failed to ACK original after republish", slog.Any("error", err))
		return
	}

	logger.Info("Job republished for retry", slog.Int("new_retry_count", retryCount))
}

// closedChecker is implemented by *amqp.Channel
type closedChecker interface {
	IsClosed() bool
}

// channelClosed reports whether d can no longer be acked because the channel
// it arrived on is gone
func channelClosed(d amqp.Delivery) bool {
	ch, ok := d.Acknowledger.(closedChecker)
	return ok && ch.IsClosed()
}

func (w *Worker) report(ctx context.Context, logger *slog.Logger, job *domain.Job, status string, result, errMsg *string) {
	err := w.reporter.UpdateStatus(ctx, domain.StatusUpdate{
		JobID:  job.JobID,
		UserID: job.UserID,
		Status: status,
		Result: result,
		Error:  errMsg,
	})
	if err == nil {
		return
	}

	attrs := []any{slog.String("status", status), slog.Any("error", err)}
	var reportErr *domain.ReportError
	if errors.As(err, &reportErr) {
		attrs = append(attrs, slog.Bool("temporary", reportErr.Temporary()))
	}
	logger.Error("Failed to update job status", attrs...)
}

func decodeJob(d amqp.Delivery, retryCount int) (*domain.Job, error) {
	msg, err := jobmsg.Decode(d.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}
	if _, err := uuid.Parse(msg.JobID); err != nil {
		return nil, fmt.Errorf("%w: jobId %q is not a UUID", domain.ErrMalformedMessage, msg.JobID)
	}

	return &domain.Job{
		JobID:       msg.JobID,
		UserID:      msg.UserID,
		Type:        msg.Type,
		Payload:     msg.Payload,
		CreatedAt:   msg.Timestamp,
		RetryCount:  retryCount,
		DeliveryTag: d.DeliveryTag,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
