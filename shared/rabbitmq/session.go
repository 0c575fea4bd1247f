package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Session is one broker connection with its channel. Sessions are never
// repaired in place: after a loss the Client builds a new one.
type Session struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	confirms   bool
	connClosed chan *amqp.Error
	chanClosed chan *amqp.Error
}

// queueDeclarer is the part of *amqp.Channel used to declare the queue pair
type queueDeclarer interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
}

func openSession(config *Config) (*Session, error) {
	conn, err := amqp.DialConfig(config.URL, amqp.Config{
		Heartbeat: config.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := declareQueuePair(channel, config.QueueName, config.DeadLetterQueueName); err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}

	if config.PrefetchCount > 0 {
		// prefetch size 0 means no byte limit; global=false applies per consumer
		if err := channel.Qos(config.PrefetchCount, 0, false); err != nil {
			channel.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to set QoS: %w", err)
		}
	}

	if config.PublishConfirm {
		if err := channel.Confirm(false); err != nil {
			channel.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
		}
	}

	return &Session{
		conn:       conn,
		channel:    channel,
		confirms:   config.PublishConfirm,
		connClosed: conn.NotifyClose(make(chan *amqp.Error, 1)),
		chanClosed: channel.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

// declareQueuePair declares the dead-letter queue and the primary queue
// that routes rejected messages to it. Both are durable; declaring them again
// with the same arguments is a no-op on the broker.
func declareQueuePair(ch queueDeclarer, queue, deadLetterQueue string) error {
	if _, err := ch.QueueDeclare(
		deadLetterQueue, // name
		true,            // durable
		false,           // auto-delete
		false,           // exclusive
		false,           // no-wait
		nil,             // arguments
	); err != nil {
		return fmt.Errorf("failed to declare dead letter queue: %w", err)
	}

	if _, err := ch.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		deadLetterArgs(deadLetterQueue),
	); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	return nil
}

// deadLetterArgs routes nack(requeue=false) through the default exchange to deadLetterQueue
func deadLetterArgs(deadLetterQueue string) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": deadLetterQueue,
	}
}

func (s *Session) publish(ctx context.Context, queue string, msg Message) error {
	timestamp := msg.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	publishing := amqp.Publishing{
		ContentType:  msg.ContentType,
		Body:         msg.Body,
		Headers:      msg.Headers,
		DeliveryMode: amqp.Persistent,
		Timestamp:    timestamp,
	}

	if !s.confirms {
		return s.channel.PublishWithContext(ctx, "", queue, false, false, publishing)
	}

	confirmation, err := s.channel.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, publishing)
	if err != nil {
		return err
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed waiting for publish confirm: %w", err)
	}
	if !acked {
		return ErrPublishNacked
	}

	return nil
}

func (s *Session) close() error {
	if s.channel != nil {
		// closing an already closed channel only returns amqp.ErrClosed
		_ = s.channel.Close()
	}
	if s.conn != nil && !s.conn.IsClosed() {
		return s.conn.Close()
	}
	return nil
}
