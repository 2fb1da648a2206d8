package rmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNacked is returned when the broker rejects a confirmed publish.
var ErrNacked = errors.New("publish nacked by broker")

// dial opens a channel with queue declared durable. The caller owns both handles.
func dial(url, queue string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("declare %s: %w", queue, err)
	}
	return conn, ch, nil
}

type Publisher struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewPublisher opens a confirm-mode channel publishing to queue on the default exchange.
func NewPublisher(url, queue string) (*Publisher, error) {
	conn, ch, err := dial(url, queue)
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("confirm mode: %w", err)
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *Publisher) Close() error {
	_ = p.ch.Close()
	return p.conn.Close()
}

// PublishJSON publishes a persistent message and waits for the broker confirm.
func (p *Publisher) PublishJSON(ctx context.Context, body []byte, headers amqp.Table) error {
	p.mu.Lock()
	dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx,
		"", p.queue, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Headers:      headers,
			Body:         body,
		})
	p.mu.Unlock()
	if err != nil {
		return err
	}
	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNacked
	}
	return nil
}

const defaultPrefetch = 10

type Consumer struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	queue    string
	prefetch int
}

// NewConsumer opens a manual-ack consumer channel. prefetch <= 0 uses the default.
func NewConsumer(url, queue string, prefetch int) (*Consumer, error) {
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}
	conn, ch, err := dial(url, queue)
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("qos: %w", err)
	}
	return &Consumer{conn: conn, ch: ch, queue: queue, prefetch: prefetch}, nil
}

func (c *Consumer) Queue() string { return c.queue }

func (c *Consumer) Consume() (<-chan amqp.Delivery, error) {
	return c.ch.Consume(c.queue, "", false, false, false, false, nil)
}

func (c *Consumer) Close() error {
	_ = c.ch.Close()
	return c.conn.Close()
}
