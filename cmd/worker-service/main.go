package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/jobpipeline/internal/config"
	"github.com/cuongbtq/jobpipeline/internal/worker"
	"github.com/cuongbtq/jobpipeline/internal/worker/reporter"
	"github.com/cuongbtq/jobpipeline/shared/logger"
	"github.com/cuongbtq/jobpipeline/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return fmt.Errorf("invalid environment: %w", err)
	}
	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      cfg.App.Name,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	workerID := workerIdentity(cfg.RabbitMQ.Consumer.Tag)

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", workerID),
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rabbitClient := rabbitmq.NewClient(&rabbitmq.Config{
		URL:                 cfg.RabbitMQ.URL,
		QueueName:           cfg.RabbitMQ.Queue.Name,
		DeadLetterQueueName: cfg.RabbitMQ.Queue.DeadLetterName,
		PrefetchCount:       cfg.RabbitMQ.Consumer.PrefetchCount,
		RetryAttempts:       cfg.RabbitMQ.Connection.RetryAttempts,
		RetryInterval:       cfg.RabbitMQ.Connection.RetryInterval,
		ReconnectDelay:      cfg.RabbitMQ.Connection.ReconnectDelay,
		Heartbeat:           cfg.RabbitMQ.Connection.Heartbeat,
		PublishRetries:      cfg.RabbitMQ.Publish.RetryAttempts,
		PublishRetryDelay:   cfg.RabbitMQ.Publish.RetryInterval,
		PublishBackoffMult:  cfg.RabbitMQ.Publish.BackoffMultiplier,
		PublishConfirm:      cfg.RabbitMQ.Publish.Confirm,
	}, appLogger.Logger)
	if err := rabbitClient.Connect(ctx); err != nil {
		rabbitClient.Close()
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	statusReporter := reporter.NewClient(&reporter.Config{
		BaseURL:      cfg.JobService.URL,
		ServiceToken: cfg.JobService.ServiceToken,
		Timeout:      cfg.JobService.Timeout,
	}, nil, appLogger.Logger)

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:      appLogger.Logger,
		Broker:      rabbitClient,
		Reporter:    statusReporter,
		WorkerID:    workerID,
		Concurrency: cfg.RabbitMQ.Consumer.PrefetchCount,
		MaxRetries:  cfg.Worker.MaxRetries,
		RetryDelay:  cfg.Worker.RetryDelay,
		JobTimeout:  cfg.Worker.JobTimeout,
	})

	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully",
		slog.String("queue", cfg.RabbitMQ.Queue.Name),
		slog.Int("max_retries", cfg.Worker.MaxRetries),
		slog.Duration("retry_delay", cfg.Worker.RetryDelay),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case runErr = <-errChan:
		appLogger.Error("Worker error", slog.Any("error", runErr))
	}

	cancel()

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	// unacked deliveries go back to the queue when the channel closes
	if err := rabbitClient.Close(); err != nil {
		appLogger.Warn("Failed to close RabbitMQ client", slog.Any("error", err))
	}

	appLogger.Info("Worker service shutdown complete")
	return runErr
}

// workerIdentity prefers the configured consumer tag, then the hostname with
// a random suffix so replicas on one host stay distinct
func workerIdentity(tag string) string {
	if tag != "" {
		return tag
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
