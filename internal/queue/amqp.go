// ABOUTME: RabbitMQ backed queue with manual acknowledgement.
// ABOUTME: Events are acknowledged after handling whether or not the relay succeeded.

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/2389/mimic/internal/transport"
)

// AMQPConfig describes the RabbitMQ connection.
type AMQPConfig struct {
	URL      string
	Queue    string
	Prefetch int
	Durable  bool
}

// AMQPQueue publishes events to and consumes them from one RabbitMQ queue.
type AMQPQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	mu    sync.Mutex
}

// NewAMQPQueue dials the broker and declares the queue.
func NewAMQPQueue(cfg AMQPConfig) (*AMQPQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "mimic.events"
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connecting to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening rabbitmq channel: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("setting rabbitmq qos: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, !cfg.Durable, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring rabbitmq queue: %w", err)
	}
	return &AMQPQueue{conn: conn, ch: ch, queue: queue}, nil
}

// Publish sends ev as a JSON message.
func (q *AMQPQueue) Publish(ctx context.Context, ev *transport.Event) error {
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}

	// amqp channels are not safe for concurrent publishes.
	q.mu.Lock()
	defer q.mu.Unlock()
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   ev.ID,
		Body:        data,
	})
	if err != nil {
		return fmt.Errorf("publishing event to rabbitmq: %w", err)
	}
	return nil
}

// Consume delivers messages to workers until ctx is cancelled or the channel closes.
func (q *AMQPQueue) Consume(ctx context.Context, workers int, h Handler) error {
	if workers <= 0 {
		workers = 1
	}
	msgs, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("subscribing to rabbitmq queue: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					if ev, err := decodeEvent(msg.Body); err == nil {
						_ = h(ctx, ev)
					}
					_ = msg.Ack(false)
				}
			}
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.New("rabbitmq delivery channel closed")
}

// Close closes the channel and connection.
func (q *AMQPQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
