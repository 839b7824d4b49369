// Package rabbitmq implements the validation queue on RabbitMQ.
package rabbitmq

import (
	"context"
	"fmt"

	"github.com/bissquit/newsletter-garden/internal/pkg/retry"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Config contains RabbitMQ connection configuration.
type Config struct {
	URL             string
	ConnectAttempts int
}

// Connect dials the broker, retrying with backoff until ctx is done.
func Connect(ctx context.Context, cfg Config) (*amqp.Connection, error) {
	var conn *amqp.Connection
	err := retry.Do(ctx, retry.Connect(cfg.ConnectAttempts), "rabbitmq", func(context.Context) error {
		c, err := amqp.Dial(cfg.URL)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// declareQueue declares a durable queue. Publisher and consumer both declare
// it so either side may start first.
func declareQueue(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return nil
}
