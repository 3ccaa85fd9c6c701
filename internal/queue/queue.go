// ABOUTME: Event queue between the source subscription and the forwarding engine.
// ABOUTME: Backends are in-process, inline, Redis lists, or RabbitMQ; all share one interface.

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/mimic/internal/transport"
)

// Handler processes one source event. Its error is reported, never retried.
type Handler func(ctx context.Context, ev *transport.Event) error

// Queue decouples event arrival from relay latency.
type Queue interface {
	Publish(ctx context.Context, ev *transport.Event) error
	// Consume runs workers until ctx is cancelled or the backend fails.
	Consume(ctx context.Context, workers int, h Handler) error
	Close() error
}

// Backend names accepted by New.
const (
	BackendMemory = "memory"
	BackendNone   = "none"
	BackendRedis  = "redis"
	BackendAMQP   = "amqp"
)

// ErrClosed is returned when publishing to a closed queue.
var ErrClosed = errors.New("queue closed")

// Config selects and configures a backend.
type Config struct {
	Backend string
	// Size bounds the memory backend.
	Size  int
	Redis RedisConfig
	AMQP  AMQPConfig
}

// New builds the configured backend. An empty backend means memory.
func New(cfg Config) (Queue, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryQueue(cfg.Size), nil
	case BackendNone:
		return NewInlineQueue(), nil
	case BackendRedis:
		return NewRedisQueue(cfg.Redis)
	case BackendAMQP:
		return NewAMQPQueue(cfg.AMQP)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

// Throttle spaces calls to h at least delay apart across all workers.
func Throttle(delay time.Duration, h Handler) Handler {
	if delay <= 0 {
		return h
	}
	limiter := newLimiter(delay)
	return func(ctx context.Context, ev *transport.Event) error {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		return h(ctx, ev)
	}
}

func encodeEvent(ev *transport.Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding event %s: %w", ev.ID, err)
	}
	return data, nil
}

func decodeEvent(data []byte) (*transport.Event, error) {
	var ev transport.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	return &ev, nil
}
