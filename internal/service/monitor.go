// ABOUTME: Monitor subscription feeding source room events into the event queue.
// ABOUTME: Started and stopped only from the service worker.

package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/mimic/internal/agent"
	"github.com/2389/mimic/internal/session"
	"github.com/2389/mimic/internal/transport"
)

var (
	// ErrAlreadyMonitoring is returned when a subscription is already running.
	ErrAlreadyMonitoring = errors.New("already monitoring")

	// ErrNoSources is returned when no source rooms are configured.
	ErrNoSources = errors.New("no source rooms configured")
)

type monitorRun struct {
	agentID string
	sources []string
	cancel  context.CancelFunc
	done    chan struct{}
}

func (m *monitorRun) running() bool {
	if m == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// startMonitor joins the source rooms and starts the subscription goroutine.
// The subscription lives on wctx so it outlives the submitting request.
func (s *Service) startMonitor(ctx, wctx context.Context) error {
	if s.monitor.running() {
		return ErrAlreadyMonitoring
	}
	s.monitor = nil

	m := s.pool.Monitor()
	if m == nil {
		return session.ErrNoMonitor
	}
	conn := m.Transport()
	if m.State() != agent.StateAuthorized || conn == nil {
		return fmt.Errorf("monitor %s: %w", m.ID, agent.ErrAgentOffline)
	}

	sources := append([]string(nil), s.cfg.Rooms.Sources...)
	if len(sources) == 0 {
		return ErrNoSources
	}

	for _, src := range sources {
		err := s.pool.WithMonitor(ctx, func(conn transport.Transport) error {
			return conn.JoinDestination(ctx, src)
		})
		if err == nil {
			continue
		}
		if transport.IsCredentialsInvalid(err) || errors.Is(err, agent.ErrMonitorOffline) {
			s.logger.Warn("monitor lost while joining sources", "agent_id", m.ID, "source", src, "error", err)
			return fmt.Errorf("joining %s: %w", src, err)
		}
		// Already joined rooms and transient failures do not stop the subscription.
		s.logger.Warn("monitor failed to join source", "agent_id", m.ID, "source", src, "error", err)
	}

	lctx, cancel := context.WithCancel(wctx)
	run := &monitorRun{
		agentID: m.ID,
		sources: sources,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	m.SetListening(true)
	go func() {
		defer close(run.done)
		defer m.SetListening(false)

		err := conn.Listen(lctx, sources, s.onSourceEvent)
		if err == nil || lctx.Err() != nil {
			return
		}
		if transport.IsCredentialsInvalid(err) {
			s.logger.Warn("monitor frozen", "agent_id", m.ID, "error", err)
			s.pool.Reap(context.WithoutCancel(lctx), m)
			return
		}
		s.logger.Error("monitor subscription ended", "agent_id", m.ID, "error", err)
	}()

	s.monitor = run
	s.logger.Info("monitoring started", "agent_id", m.ID, "sources", sources)
	return nil
}

// stopMonitor cancels the subscription and waits for it to exit.
func (s *Service) stopMonitor() {
	run := s.monitor
	if run == nil {
		return
	}
	s.monitor = nil
	run.cancel()
	<-run.done
	s.logger.Info("monitoring stopped", "agent_id", run.agentID)
}

// onSourceEvent is the subscription callback. Duplicate deliveries of the
// same event id are dropped before they reach the queue.
func (s *Service) onSourceEvent(ctx context.Context, ev *transport.Event) {
	if ev == nil || ev.ID == "" {
		return
	}
	if s.seen.CheckAndMark(ev.ID) {
		s.logger.Debug("duplicate source event", "event_id", ev.ID)
		return
	}
	if err := s.queue.Publish(ctx, ev); err != nil && ctx.Err() == nil {
		s.logger.Warn("queueing source event", "event_id", ev.ID, "identity_id", ev.SenderID, "error", err)
	}
}
