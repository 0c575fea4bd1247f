package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	Logging     LoggingConfig     `yaml:"logging"`
	App         AppConfig         `yaml:"app"`
	Worker      WorkerConfig      `yaml:"worker"`
	JobService  JobServiceConfig  `yaml:"job_service"`
	UserService UserServiceConfig `yaml:"user_service"`
	Auth        AuthConfig        `yaml:"auth"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds the broker address and the queue pair both services declare
type RabbitMQConfig struct {
	URL        string           `yaml:"url"`
	Queue      QueueConfig      `yaml:"queue"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// QueueConfig holds the primary queue and its dead-letter counterpart
type QueueConfig struct {
	Name           string `yaml:"name"`
	DeadLetterName string `yaml:"dead_letter_name"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Confirm           bool          `yaml:"confirm"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int    `yaml:"prefetch_count"`
	Tag           string `yaml:"tag"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds the retry policy and shutdown budget of the worker
type WorkerConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// JobServiceConfig is how the worker reaches the job store
type JobServiceConfig struct {
	URL          string        `yaml:"url"`
	ServiceToken string        `yaml:"service_token"`
	Timeout      time.Duration `yaml:"timeout"`
}

// UserServiceConfig is optional; when URL is empty job owners are not re-validated
type UserServiceConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// AuthConfig holds the secrets the api-service verifies callers with
type AuthConfig struct {
	AccessTokenSecret  string `yaml:"access_token_secret"`
	ServiceTokenSecret string `yaml:"service_token_secret"`
}

// RateLimitConfig holds per-user request limits for the public API
type RateLimitConfig struct {
	CreatePerMinute int    `yaml:"create_per_minute"`
	QueryPerMinute  int    `yaml:"query_per_minute"`
	RedisAddr       string `yaml:"redis_addr"`
	RedisPassword   string `yaml:"redis_password"`
	RedisDB         int    `yaml:"redis_db"`
}

// Default returns the configuration used when a field is not set anywhere
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            5002,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Port:            5432,
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		RabbitMQ: RabbitMQConfig{
			URL: "amqp://localhost",
			Queue: QueueConfig{
				Name:           "job_queue",
				DeadLetterName: "job_queue_dlq",
			},
			Connection: ConnectionConfig{
				RetryAttempts:  5,
				RetryInterval:  3 * time.Second,
				ReconnectDelay: 5 * time.Second,
				Heartbeat:      10 * time.Second,
			},
			Publish: PublishConfig{
				RetryAttempts:     3,
				RetryInterval:     100 * time.Millisecond,
				BackoffMultiplier: 2.0,
				Confirm:           true,
			},
			Consumer: ConsumerConfig{
				PrefetchCount: 1,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Worker: WorkerConfig{
			MaxRetries:      3,
			RetryDelay:      5 * time.Second,
			JobTimeout:      30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		JobService: JobServiceConfig{
			URL:     "http://localhost:5002",
			Timeout: 30 * time.Second,
		},
		UserService: UserServiceConfig{
			Timeout: 5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			CreatePerMinute: 10,
			QueryPerMinute:  100,
		},
	}
}

// Load reads and parses the configuration file on top of Default
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides file values with the recognised environment variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	stringVars := map[string]*string{
		"RABBITMQ_URL":        &c.RabbitMQ.URL,
		"RABBITMQ_QUEUE":      &c.RabbitMQ.Queue.Name,
		"RABBITMQ_DLQ_QUEUE":  &c.RabbitMQ.Queue.DeadLetterName,
		"JOB_SERVICE_URL":     &c.JobService.URL,
		"ACCESS_TOKEN_SECRET": &c.Auth.AccessTokenSecret,
		"USER_SERVICE_URL":    &c.UserService.URL,
		"REDIS_ADDR":          &c.RateLimit.RedisAddr,
		"REDIS_PASSWORD":      &c.RateLimit.RedisPassword,
		"DATABASE_HOST":       &c.Database.Host,
		"DATABASE_USER":       &c.Database.User,
		"DATABASE_PASSWORD":   &c.Database.Password,
		"DATABASE_NAME":       &c.Database.Database,
		"LOG_LEVEL":           &c.Logging.Level,
		"APP_ENV":             &c.App.Environment,
	}
	for key, dst := range stringVars {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	// One secret is shared by the worker (sender) and the job store (verifier).
	if v, ok := lookup("SERVICE_TOKEN_SECRET"); ok && v != "" {
		c.JobService.ServiceToken = v
		c.Auth.ServiceTokenSecret = v
	}

	ints := map[string]*int{
		"PREFETCH_COUNT": &c.RabbitMQ.Consumer.PrefetchCount,
		"MAX_RETRIES":    &c.Worker.MaxRetries,
		"PORT":           &c.Server.Port,
		"DATABASE_PORT":  &c.Database.Port,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %q is not an integer", key, v)
		}
		*dst = n
	}

	if v, ok := lookup("RETRY_DELAY"); ok && v != "" {
		d, err := parseDelay(v)
		if err != nil {
			return fmt.Errorf("invalid RETRY_DELAY: %w", err)
		}
		c.Worker.RetryDelay = d
	}

	return nil
}

// parseDelay accepts a Go duration ("5s") or a bare number of milliseconds ("5000")
func parseDelay(v string) (time.Duration, error) {
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

// Validate checks the settings both services depend on
func (c *Config) Validate() error {
	if c.RabbitMQ.URL == "" {
		return fmt.Errorf("rabbitmq url is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	if c.RabbitMQ.Queue.DeadLetterName == "" {
		return fmt.Errorf("rabbitmq dead letter queue name is required")
	}

	if c.RabbitMQ.Queue.Name == c.RabbitMQ.Queue.DeadLetterName {
		return fmt.Errorf("rabbitmq dead letter queue must differ from the primary queue")
	}

	if c.RabbitMQ.Connection.RetryAttempts <= 0 {
		return fmt.Errorf("rabbitmq connection retry_attempts must be greater than 0")
	}

	return nil
}

// ValidateAPIConfig checks the api-service settings
func (c *Config) ValidateAPIConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.Auth.AccessTokenSecret == "" {
		return fmt.Errorf("auth access_token_secret is required")
	}

	if c.Auth.ServiceTokenSecret == "" {
		return fmt.Errorf("auth service_token_secret is required")
	}

	if c.RateLimit.CreatePerMinute < 0 || c.RateLimit.QueryPerMinute < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}

	return nil
}

// ValidateWorkerConfig checks the worker-service settings
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.RabbitMQ.Consumer.PrefetchCount <= 0 {
		return fmt.Errorf("rabbitmq consumer prefetch_count must be greater than 0")
	}

	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker max_retries must not be negative")
	}

	if c.Worker.RetryDelay < 0 {
		return fmt.Errorf("worker retry_delay must not be negative")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.JobService.URL == "" {
		return fmt.Errorf("job_service url is required")
	}

	if c.JobService.ServiceToken == "" {
		return fmt.Errorf("job_service service_token is required")
	}

	return nil
}
