package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/newsletter-garden/internal/queue"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConsumerConfig contains consumer configuration.
type ConsumerConfig struct {
	Queue      string
	Consumers  int
	Prefetch   int
	RetryDelay time.Duration
}

// DefaultConsumerConfig returns default consumer configuration.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Queue:      "newsletter.validation",
		Consumers:  4,
		Prefetch:   16,
		RetryDelay: 5 * time.Second,
	}
}

// Consumer delivers queue messages to a handler using manual acknowledgements.
type Consumer struct {
	conn    *amqp.Connection
	config  ConsumerConfig
	handler queue.Handler
	tag     string

	ch     *amqp.Channel
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewConsumer creates a new consumer. Call Start to begin consuming.
func NewConsumer(conn *amqp.Connection, config ConsumerConfig, handler queue.Handler) *Consumer {
	if config.Consumers <= 0 {
		config.Consumers = 1
	}
	return &Consumer{
		conn:    conn,
		config:  config,
		handler: handler,
		tag:     "newsletter-" + config.Queue,
		stopCh:  make(chan struct{}),
	}
}

// Start opens a channel, subscribes to the queue and launches worker goroutines.
func (c *Consumer) Start(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.Qos(c.config.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("set qos: %w", err)
	}

	if err := declareQueue(ch, c.config.Queue); err != nil {
		_ = ch.Close()
		return err
	}

	deliveries, err := ch.Consume(
		c.config.Queue,
		c.tag,
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume queue %s: %w", c.config.Queue, err)
	}
	c.ch = ch

	slog.Info("starting queue consumer",
		"queue", c.config.Queue,
		"workers", c.config.Consumers,
		"prefetch", c.config.Prefetch,
	)

	for i := 0; i < c.config.Consumers; i++ {
		c.wg.Add(1)
		go c.run(ctx, i, deliveries)
	}

	return nil
}

// Stop cancels the subscription and waits for in-flight deliveries.
// Unacknowledged deliveries return to the queue when the channel closes.
func (c *Consumer) Stop() {
	if c.ch == nil {
		return
	}

	if err := c.ch.Cancel(c.tag, false); err != nil {
		slog.Warn("failed to cancel consumer", "queue", c.config.Queue, "error", err)
	}
	close(c.stopCh)
	c.wg.Wait()

	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		slog.Warn("failed to close consumer channel", "queue", c.config.Queue, "error", err)
	}
	slog.Info("queue consumer stopped", "queue", c.config.Queue)
}

func (c *Consumer) run(ctx context.Context, workerID int, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case d, ok := <-deliveries:
			if !ok {
				slog.Warn("delivery channel closed", "worker", workerID, "queue", c.config.Queue)
				return
			}
			c.handleDelivery(ctx, workerID, d)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, workerID int, d amqp.Delivery) {
	logger := slog.With(
		"worker", workerID,
		"delivery_tag", d.DeliveryTag,
		"message_id", d.MessageId,
		"redelivered", d.Redelivered,
	)

	err := c.handler.HandleMessage(ctx, d.Body)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			logger.Error("failed to ack delivery", "error", ackErr)
		}
		recordDelivery(outcomeAcked)

	case !queue.IsRetryable(err):
		logger.Warn("dropping delivery", "error", err)
		if ackErr := d.Ack(false); ackErr != nil {
			logger.Error("failed to ack delivery", "error", ackErr)
		}
		recordDelivery(outcomeDropped)

	default:
		logger.Warn("delivery failed, requeueing", "error", err, "retry_delay", c.config.RetryDelay)
		c.waitRetryDelay(ctx)
		if nackErr := d.Nack(false, true); nackErr != nil {
			logger.Error("failed to nack delivery", "error", nackErr)
		}
		recordDelivery(outcomeRequeued)
	}
}

// waitRetryDelay pauses before a requeue. Stop and cancellation cut it short.
func (c *Consumer) waitRetryDelay(ctx context.Context) {
	if c.config.RetryDelay <= 0 {
		return
	}

	timer := time.NewTimer(c.config.RetryDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-c.stopCh:
	}
}
