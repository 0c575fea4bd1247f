package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/cuongbtq/jobpipeline/internal/worker/domain"
	"github.com/cuongbtq/jobpipeline/shared/rabbitmq"
)

// Broker is the part of the RabbitMQ client the worker needs
type Broker interface {
	Consume(ctx context.Context, consumerTag string) (<-chan amqp.Delivery, error)
	Publish(ctx context.Context, msg rabbitmq.Message) error
}

// StatusReporter writes job status to the job store
type StatusReporter interface {
	UpdateStatus(ctx context.Context, update domain.StatusUpdate) error
}

// Config holds worker configuration
type Config struct {
	Logger      *slog.Logger
	Broker      Broker
	Reporter    StatusReporter
	WorkerID    string
	Concurrency int
	MaxRetries  int
	RetryDelay  time.Duration
	JobTimeout  time.Duration
	// ResumeDelay is the pause before consuming again after the delivery
	// channel closed or Consume failed
	ResumeDelay time.Duration
	// Meter defaults to the global MeterProvider
	Meter metric.Meter
}

// Worker consumes job messages and drives each through execution, status
// reporting and ack, delayed republish or dead-lettering
type Worker struct {
	logger      *slog.Logger
	broker      Broker
	reporter    StatusReporter
	workerID    string
	concurrency int
	maxRetries  int
	retryDelay  time.Duration
	jobTimeout  time.Duration
	resumeDelay time.Duration

	jobsChan chan amqp.Delivery
	retries  *retryScheduler
	metrics  *metrics

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 30 * time.Second
	}

	resumeDelay := cfg.ResumeDelay
	if resumeDelay <= 0 {
		resumeDelay = time.Second
	}

	return &Worker{
		logger:      cfg.Logger,
		broker:      cfg.Broker,
		reporter:    cfg.Reporter,
		workerID:    cfg.WorkerID,
		concurrency: concurrency,
		maxRetries:  cfg.MaxRetries,
		retryDelay:  cfg.RetryDelay,
		jobTimeout:  jobTimeout,
		resumeDelay: resumeDelay,
		jobsChan:    make(chan amqp.Delivery),
		retries:     newRetryScheduler(),
		metrics:     newMetrics(cfg.Meter),
		stopChan:    make(chan struct{}),
	}
}

// Start runs the pool and the consume loop until ctx is canceled. When the
// broker session is lost it resumes consuming on the next one.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Int("max_retries", w.maxRetries),
		slog.Duration("retry_delay", w.retryDelay),
	)

	w.spawnWorkerPool(ctx)

	for {
		deliveries, err := w.setupConsumer(ctx)
		if err != nil {
			if ctx.Err() != nil || isClosed(err) {
				w.logger.Info("Worker consume loop stopped")
				return nil
			}
			w.logger.Error("Failed to start consuming, will retry",
				slog.Any("error", err),
				slog.Duration("retry_after", w.resumeDelay),
			)
			if !w.pause(ctx) {
				return nil
			}
			continue
		}

		w.startMessageDispatcher(ctx, deliveries)

		if ctx.Err() != nil {
			w.logger.Info("Worker context canceled, stopping...")
			return nil
		}
		if !w.pause(ctx) {
			return nil
		}
	}
}

// Stop stops the pool, waits for in-flight deliveries and drops pending
// republishes
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
		w.wg.Wait()

		if canceled := w.retries.Stop(); canceled > 0 {
			w.logger.Info("Canceled pending retries, broker will redeliver",
				slog.Int("canceled", canceled),
			)
		}
		w.logger.Info("Worker stopped")
	})
}

func (w *Worker) pause(ctx context.Context) bool {
	timer := time.NewTimer(w.resumeDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-w.stopChan:
		return false
	}
}
