// ABOUTME: Service owns the agent pool, forwarding engine and event queue for one process.
// ABOUTME: A single worker goroutine runs every lifecycle command; callers wait on futures.

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/mimic/internal/agent"
	"github.com/2389/mimic/internal/config"
	"github.com/2389/mimic/internal/credential"
	"github.com/2389/mimic/internal/dedupe"
	"github.com/2389/mimic/internal/forward"
	"github.com/2389/mimic/internal/profile"
	"github.com/2389/mimic/internal/queue"
	"github.com/2389/mimic/internal/session"
	"github.com/2389/mimic/internal/store"
	"github.com/2389/mimic/internal/transport"
)

// ErrStopped is returned by commands submitted after the worker has exited.
var ErrStopped = errors.New("service stopped")

// seenEvents bounds the source event dedupe window.
const seenEvents = 10_000

// Options are the collaborators a Service is built from. Queue is optional
// and defaults to the backend named in the config.
type Options struct {
	Config      *config.Config
	ConfigPath  string
	Credentials credential.Store
	Dialer      transport.Dialer
	Store       store.Store
	Queue       queue.Queue
	Logger      *slog.Logger
}

// Service is the long-lived owner of all agent and identity state.
type Service struct {
	configPath string
	pool       *agent.Pool
	sessions   *session.Lifecycle
	engine     *forward.Engine
	links      *forward.LinkMap
	store      store.Store
	queue      queue.Queue
	seen       *dedupe.Cache[struct{}]
	logger     *slog.Logger

	cmds    chan command
	stopped chan struct{}

	pruneInterval time.Duration

	// Owned by the worker goroutine.
	cfg     *config.Config
	monitor *monitorRun

	closeOnce sync.Once
}

type command func(wctx context.Context)

// New wires the pool, engine and queue. Nothing runs until Run.
func New(opts Options) (*Service, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	q := opts.Queue
	if q == nil {
		var err error
		q, err = queue.New(queueConfig(cfg.Queue))
		if err != nil {
			return nil, fmt.Errorf("creating event queue: %w", err)
		}
	}

	pool := agent.NewPool(agent.PoolConfig{
		Credentials: opts.Credentials,
		Dialer:      opts.Dialer,
		Recorder:    opts.Store,
		Logger:      logger,
	})

	links := forward.NewLinkMap(cfg.Links.MaxEntries, cfg.Links.TTL, opts.Store, logger)
	engine := forward.NewEngine(forward.Config{
		Pool:       pool,
		Replicator: profile.NewReplicator(pool, cfg.Forward.ProfileDir, logger),
		Links:      links,
		MediaDir:   cfg.Forward.MediaDir,
		Logger:     logger,
	}, settingsFromConfig(cfg))

	return &Service{
		configPath:    opts.ConfigPath,
		pool:          pool,
		sessions:      session.New(pool, logger),
		engine:        engine,
		links:         links,
		store:         opts.Store,
		queue:         q,
		seen:          dedupe.New[struct{}](0, seenEvents),
		logger:        logger.With("component", "service"),
		cmds:          make(chan command),
		stopped:       make(chan struct{}),
		pruneInterval: time.Hour,
		cfg:           cfg,
	}, nil
}

func queueConfig(c config.QueueConfig) queue.Config {
	return queue.Config{
		Backend: c.Backend,
		Size:    c.Size,
		Redis: queue.RedisConfig{
			Address:  c.Redis.Address,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			Key:      c.Redis.Key,
		},
		AMQP: queue.AMQPConfig{
			URL:      c.AMQP.URL,
			Queue:    c.AMQP.Queue,
			Prefetch: c.AMQP.Prefetch,
			Durable:  c.AMQP.Durable,
		},
	}
}

// Pool exposes the agent pool for read-only inspection.
func (s *Service) Pool() *agent.Pool {
	return s.pool
}

// Engine exposes the forwarding engine.
func (s *Service) Engine() *forward.Engine {
	return s.engine
}

// Run drives the worker, the queue consumer, the config watcher and the
// link pruner until ctx is cancelled or one of them fails.
func (s *Service) Run(ctx context.Context) error {
	cfg := s.cfg

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.work(gctx)
		return nil
	})
	g.Go(func() error {
		err := s.queue.Consume(gctx, cfg.Forward.Workers, queue.Throttle(cfg.Queue.Delay, s.handleEvent))
		if gctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("consuming events: %w", err)
		}
		return nil
	})
	if cfg.Reload.Watch && s.configPath != "" {
		w := config.NewWatcher(s.configPath, cfg.Reload.Debounce, s.logger)
		g.Go(func() error {
			return w.Run(gctx, func() {
				if err := s.Reload(gctx); err != nil && gctx.Err() == nil {
					s.logger.Error("config reload failed", "error", err)
				}
			})
		})
	}
	if cfg.Links.Retention > 0 && s.store != nil {
		g.Go(func() error {
			s.pruneLinks(gctx, cfg.Links.Retention)
			return nil
		})
	}

	s.logger.Info("service running", "workers", cfg.Forward.Workers, "queue", cfg.Queue.Backend)
	return g.Wait()
}

// work executes commands one at a time until ctx ends, then stops monitoring.
func (s *Service) work(ctx context.Context) {
	defer close(s.stopped)
	for {
		select {
		case <-ctx.Done():
			s.stopMonitor()
			return
		case cmd := <-s.cmds:
			cmd(ctx)
		}
	}
}

// Close releases the queue and in-memory caches. Call after Run returns.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.queue.Close()
		s.links.Close()
		s.seen.Close()
	})
	return err
}

// Future is the pending result of a submitted command.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Wait blocks until the command has run or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// submit hands fn to the worker. fn receives the caller's ctx for its own
// calls; the worker ctx outlives the command and is used for background work.
func submit[T any](ctx context.Context, s *Service, fn func(ctx, wctx context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	cmd := func(wctx context.Context) {
		defer close(f.done)
		f.val, f.err = fn(ctx, wctx)
	}

	select {
	case s.cmds <- cmd:
	case <-s.stopped:
		f.err = ErrStopped
		close(f.done)
	case <-ctx.Done():
		f.err = ctx.Err()
		close(f.done)
	}
	return f
}

// handleEvent is the queue handler. Failures are logged by the engine and
// never stop the consumer.
func (s *Service) handleEvent(ctx context.Context, ev *transport.Event) error {
	if err := s.engine.HandleEvent(ctx, ev); err != nil {
		s.logger.Debug("event not relayed", "event_id", ev.ID, "identity_id", ev.SenderID, "error", err)
	}
	return nil
}
