package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/cuongbtq/jobpipeline/internal/api/auth"
	"github.com/cuongbtq/jobpipeline/internal/api/handler"
	"github.com/cuongbtq/jobpipeline/internal/api/producer"
	"github.com/cuongbtq/jobpipeline/internal/api/ratelimit"
	"github.com/cuongbtq/jobpipeline/internal/api/router"
	"github.com/cuongbtq/jobpipeline/internal/api/storage"
	"github.com/cuongbtq/jobpipeline/internal/config"
	"github.com/cuongbtq/jobpipeline/shared/logger"
	"github.com/cuongbtq/jobpipeline/shared/postgresql"
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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
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
	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging, cfg.App.Name)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	startCtx, startCancel := context.WithTimeout(context.Background(), time.Minute)
	defer startCancel()

	dbClient, err := initPostgreSQL(startCtx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	store := storage.NewStorage(dbClient)
	if err := store.Migrate(startCtx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	appLogger.Info("Database connection established")

	rabbitClient := rabbitmq.NewClient(rabbitConfig(&cfg.RabbitMQ), appLogger.Logger)
	defer rabbitClient.Close()
	if err := rabbitClient.Connect(startCtx); err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	createLimiter, queryLimiter, closeLimiters := initRateLimiters(&cfg.RateLimit, appLogger.Logger)
	defer closeLimiters()

	r := initRouter(cfg, appLogger.Logger, store, dbClient, rabbitClient, createLimiter, queryLimiter)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

func initLogger(cfg *config.LoggingConfig, service string) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      service,
	})
}

func initPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(ctx, &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
}

func rabbitConfig(cfg *config.RabbitMQConfig) *rabbitmq.Config {
	return &rabbitmq.Config{
		URL:                 cfg.URL,
		QueueName:           cfg.Queue.Name,
		DeadLetterQueueName: cfg.Queue.DeadLetterName,
		PrefetchCount:       cfg.Consumer.PrefetchCount,
		RetryAttempts:       cfg.Connection.RetryAttempts,
		RetryInterval:       cfg.Connection.RetryInterval,
		ReconnectDelay:      cfg.Connection.ReconnectDelay,
		Heartbeat:           cfg.Connection.Heartbeat,
		PublishRetries:      cfg.Publish.RetryAttempts,
		PublishRetryDelay:   cfg.Publish.RetryInterval,
		PublishBackoffMult:  cfg.Publish.BackoffMultiplier,
		PublishConfirm:      cfg.Publish.Confirm,
	}
}

// initRateLimiters shares one Redis counter across replicas when an address
// is configured and falls back to per-process buckets otherwise
func initRateLimiters(cfg *config.RateLimitConfig, logger *slog.Logger) (ratelimit.Limiter, ratelimit.Limiter, func()) {
	if cfg.RedisAddr == "" {
		logger.Info("Using in-memory rate limiter")
		return ratelimit.NewMemoryLimiter(cfg.CreatePerMinute, time.Minute),
			ratelimit.NewMemoryLimiter(cfg.QueryPerMinute, time.Minute),
			func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	logger.Info("Using Redis rate limiter", slog.String("addr", cfg.RedisAddr))

	return ratelimit.NewRedisLimiter(client, "ratelimit:create", cfg.CreatePerMinute, time.Minute),
		ratelimit.NewRedisLimiter(client, "ratelimit:query", cfg.QueryPerMinute, time.Minute),
		func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close Redis client", slog.Any("error", err))
			}
		}
}

func initRouter(
	cfg *config.Config,
	logger *slog.Logger,
	store *storage.Storage,
	dbClient *postgresql.Client,
	rabbitClient *rabbitmq.Client,
	createLimiter, queryLimiter ratelimit.Limiter,
) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	producerCfg := &producer.Config{
		Logger:    logger,
		Store:     store,
		Publisher: rabbitClient,
	}
	// left nil when unset so the producer skips the lookup
	if cfg.UserService.URL != "" {
		producerCfg.Validator = auth.NewHTTPUserValidator(cfg.UserService.URL, cfg.UserService.Timeout)
	}

	return router.SetupRouter(&router.Config{
		ServiceName: cfg.App.Name,
		Deps: &handler.Dependencies{
			Logger:   logger,
			Store:    store,
			Producer: producer.New(producerCfg),
		},
		Verifier:          auth.NewJWTVerifier(cfg.Auth.AccessTokenSecret),
		ServiceAuthorizer: auth.NewStaticTokenAuthorizer(cfg.Auth.ServiceTokenSecret),
		CreateLimiter:     createLimiter,
		QueryLimiter:      queryLimiter,
		HealthChecks: map[string]router.HealthCheck{
			"database": dbClient.HealthCheck,
			"rabbitmq": func(context.Context) error {
				if !rabbitClient.IsConnected() {
					return rabbitmq.ErrNotConnected
				}
				return nil
			},
		},
	})
}
