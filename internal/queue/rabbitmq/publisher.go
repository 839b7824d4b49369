package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrPublishNacked is returned when the broker refuses a message.
var ErrPublishNacked = errors.New("message not confirmed by broker")

// Publisher publishes persistent messages to a durable queue and waits for
// the broker confirmation of each one.
type Publisher struct {
	conn    *amqp.Connection
	queue   string
	timeout time.Duration

	mu sync.Mutex
	ch *amqp.Channel
}

// NewPublisher opens a confirm-mode channel and declares the queue.
func NewPublisher(conn *amqp.Connection, queue string, timeout time.Duration) (*Publisher, error) {
	p := &Publisher{
		conn:    conn,
		queue:   queue,
		timeout: timeout,
	}

	ch, err := p.openChannel()
	if err != nil {
		return nil, err
	}
	p.ch = ch

	return p, nil
}

// Publish sends body to the queue. It returns once the broker confirms the
// message, or with an error when the confirmation is negative or times out.
func (p *Publisher) Publish(ctx context.Context, body []byte) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	confirm, err := p.publish(ctx, msg)
	if err != nil {
		return err
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait for publish confirmation: %w", err)
	}
	if !acked {
		return ErrPublishNacked
	}
	return nil
}

// Close closes the publisher channel. The connection is owned by the caller.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || p.ch.IsClosed() {
		return nil
	}
	return p.ch.Close()
}

func (p *Publisher) publish(ctx context.Context, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// A channel closed by a broker error can be reopened while the connection lives.
	if p.ch == nil || p.ch.IsClosed() {
		ch, err := p.openChannel()
		if err != nil {
			return nil, err
		}
		p.ch = ch
	}

	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		msg,
	)
	if err != nil {
		return nil, fmt.Errorf("publish message: %w", err)
	}
	return confirm, nil
}

func (p *Publisher) openChannel() (*amqp.Channel, error) {
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	if err := declareQueue(ch, p.queue); err != nil {
		_ = ch.Close()
		return nil, err
	}

	return ch, nil
}
