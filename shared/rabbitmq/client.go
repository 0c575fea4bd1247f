package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrNotConnected is returned while no session is established
	ErrNotConnected = errors.New("not connected to RabbitMQ")

	// ErrClosed is returned once Close has been called
	ErrClosed = errors.New("rabbitmq client closed")

	// ErrPublishNacked is returned when the broker refuses a confirmed publish
	ErrPublishNacked = errors.New("publish not confirmed by broker")
)

// Config holds RabbitMQ connection configuration
type Config struct {
	URL                 string
	QueueName           string
	DeadLetterQueueName string
	PrefetchCount       int
	RetryAttempts       int
	RetryInterval       time.Duration
	ReconnectDelay      time.Duration
	Heartbeat           time.Duration
	PublishRetries      int
	PublishRetryDelay   time.Duration
	PublishBackoffMult  float64
	PublishConfirm      bool
}

// Message is what callers hand to Publish
type Message struct {
	Body        []byte
	ContentType string
	Headers     amqp.Table
	Timestamp   time.Time
}

// Client owns the current Session and replaces it after an unexpected
// connection loss. It is safe for concurrent use.
type Client struct {
	config *Config
	logger *slog.Logger

	ctx    context.Context // canceled by Close
	cancel context.CancelFunc

	mu           sync.RWMutex
	session      *Session
	ready        chan struct{} // closed while session != nil
	shuttingDown bool
}

// NewClient creates a client without connecting; call Connect
func NewClient(config *Config, logger *slog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config: config,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
	}
}

// Connect dials the broker with bounded retries and declares the queue pair
func (c *Client) Connect(ctx context.Context) error {
	sess, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	if !c.install(sess) {
		sess.close()
		return ErrClosed
	}

	return nil
}

// dial makes up to RetryAttempts attempts, RetryInterval apart
func (c *Client) dial(ctx context.Context) (*Session, error) {
	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		sess, err := openSession(c.config)
		if err == nil {
			c.logger.Info("Successfully connected to RabbitMQ",
				slog.String("queue", c.config.QueueName),
				slog.String("dead_letter_queue", c.config.DeadLetterQueueName),
				slog.Int("prefetch_count", c.config.PrefetchCount),
			)
			return sess, nil
		}
		lastErr = err

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts && !sleep(ctx, c.ctx, c.config.RetryInterval) {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("connect aborted: %w", ctx.Err())
			}
			return nil, ErrClosed
		}
	}

	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, lastErr)
}

// install makes sess the current session and starts watching it. It returns
// false when the client is shutting down.
func (c *Client) install(sess *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shuttingDown {
		return false
	}

	c.session = sess
	close(c.ready)
	go c.watch(sess)

	return true
}

// watch waits for sess to die. An unexpected close schedules a reconnect;
// a close we initiated does not.
func (c *Client) watch(sess *Session) {
	var reason *amqp.Error
	select {
	case err, ok := <-sess.connClosed:
		if ok {
			reason = err
		}
	case err, ok := <-sess.chanClosed:
		if ok {
			reason = err
		}
		// a dead channel on a live connection is useless to us
		sess.close()
	}

	c.mu.Lock()
	if c.session == sess {
		c.session = nil
		c.ready = make(chan struct{})
	}
	shuttingDown := c.shuttingDown
	c.mu.Unlock()

	if shuttingDown {
		return
	}

	c.logger.Warn("RabbitMQ connection lost, scheduling reconnect",
		slog.Any("reason", reason),
		slog.Duration("reconnect_delay", c.config.ReconnectDelay),
	)

	c.reconnect()
}

// reconnect keeps trying until a session is installed or the client is closed
func (c *Client) reconnect() {
	for {
		if !sleep(c.ctx, c.ctx, c.config.ReconnectDelay) {
			return
		}

		sess, err := c.dial(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Error("Reconnect to RabbitMQ failed, will try again",
				slog.Any("error", err),
			)
			continue
		}

		if !c.install(sess) {
			sess.close()
			return
		}

		c.logger.Info("Reconnected to RabbitMQ")
		return
	}
}

// Session returns the current session without waiting
func (c *Client) Session() (*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.shuttingDown {
		return nil, ErrClosed
	}
	if c.session == nil {
		return nil, ErrNotConnected
	}
	return c.session, nil
}

// WaitSession blocks until a session is available, ctx is done or the client is closed
func (c *Client) WaitSession(ctx context.Context) (*Session, error) {
	for {
		c.mu.RLock()
		sess, ready, shuttingDown := c.session, c.ready, c.shuttingDown
		c.mu.RUnlock()

		if shuttingDown {
			return nil, ErrClosed
		}
		if sess != nil {
			return sess, nil
		}

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.ctx.Done():
			return nil, ErrClosed
		}
	}
}

// Publish sends msg to the primary queue, retrying with exponential backoff.
// Each attempt uses whichever session is current, so a publish issued during
// a reconnect can still succeed.
func (c *Client) Publish(ctx context.Context, msg Message) error {
	maxRetries := c.config.PublishRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	baseDelay := c.config.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	backoffMult := c.config.PublishBackoffMult
	if backoffMult <= 1 {
		backoffMult = 2.0
	}

	var lastErr error
	delay := baseDelay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := c.publishOnce(ctx, msg)
		if err == nil {
			if attempt > 0 {
				c.logger.Info("Successfully published message to RabbitMQ after retry",
					slog.Int("attempt", attempt+1),
					slog.Int("body_size", len(msg.Body)),
				)
			} else {
				c.logger.Debug("Message published to RabbitMQ",
					slog.Int("body_size", len(msg.Body)),
					slog.String("queue", c.config.QueueName),
				)
			}
			return nil
		}

		lastErr = err
		if errors.Is(err, ErrClosed) || ctx.Err() != nil {
			break
		}

		if attempt < maxRetries {
			c.logger.Warn("Failed to publish message to RabbitMQ, retrying...",
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", maxRetries),
				slog.Duration("retry_after", delay),
				slog.Any("error", err),
			)
			if !sleep(ctx, c.ctx, delay) {
				break
			}
			delay = time.Duration(float64(delay) * backoffMult)
		}
	}

	c.logger.Error("Failed to publish message to RabbitMQ",
		slog.Any("error", lastErr),
	)
	return fmt.Errorf("failed to publish message: %w", lastErr)
}

func (c *Client) publishOnce(ctx context.Context, msg Message) error {
	sess, err := c.Session()
	if err != nil {
		return err
	}
	return sess.publish(ctx, c.config.QueueName, msg)
}

// Consume waits for a session and starts a manual-ack consumer on the
// primary queue. The returned channel closes when that session dies.
func (c *Client) Consume(ctx context.Context, consumerTag string) (<-chan amqp.Delivery, error) {
	sess, err := c.WaitSession(ctx)
	if err != nil {
		return nil, err
	}

	deliveries, err := sess.channel.Consume(
		c.config.QueueName, // queue
		consumerTag,        // consumer tag
		false,              // auto-ack
		false,              // exclusive
		false,              // no-local
		false,              // no-wait
		nil,                // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", c.config.QueueName),
		slog.String("consumer_tag", consumerTag),
	)

	return deliveries, nil
}

// Close suppresses reconnects and closes the channel and connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return nil
	}
	c.shuttingDown = true
	sess := c.session
	c.session = nil
	c.mu.Unlock()

	c.cancel()

	if sess == nil {
		return nil
	}

	if err := sess.close(); err != nil {
		c.logger.Error("Failed to close RabbitMQ connection",
			slog.Any("error", err),
		)
		return err
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	sess, err := c.Session()
	return err == nil && !sess.conn.IsClosed()
}

// sleep waits for d and reports false if either context ends first
func sleep(ctx, lifetime context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil && lifetime.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-lifetime.Done():
		return false
	}
}
