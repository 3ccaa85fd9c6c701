// ABOUTME: Control-plane commands executed on the service worker.
// ABOUTME: Each method submits a closure and waits for its result.

package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/mimic/internal/agent"
	"github.com/2389/mimic/internal/profile"
	"github.com/2389/mimic/internal/session"
	"github.com/2389/mimic/internal/store"
)

// ErrNoStore is returned by history queries when the service has no store.
var ErrNoStore = errors.New("no store configured")

// LoadAgents scans the credential store and returns every agent's status.
func (s *Service) LoadAgents(ctx context.Context) ([]agent.Info, error) {
	return submit(ctx, s, func(ctx, _ context.Context) ([]agent.Info, error) {
		if _, err := s.pool.LoadAll(); err != nil {
			return nil, err
		}
		return s.status(), nil
	}).Wait(ctx)
}

// Status returns one row per agent in pool order.
func (s *Service) Status(ctx context.Context) ([]agent.Info, error) {
	return submit(ctx, s, func(_, _ context.Context) ([]agent.Info, error) {
		return s.status(), nil
	}).Wait(ctx)
}

func (s *Service) status() []agent.Info {
	agents := s.pool.List()
	out := make([]agent.Info, len(agents))
	for i, a := range agents {
		out[i] = a.Info()
	}
	return out
}

// LoginAll authorizes every unauthorized agent.
func (s *Service) LoginAll(ctx context.Context) (session.Report, error) {
	return submit(ctx, s, func(ctx, _ context.Context) (session.Report, error) {
		return s.sessions.LoginAll(ctx), nil
	}).Wait(ctx)
}

// LogoutAll disconnects every cloning agent.
func (s *Service) LogoutAll(ctx context.Context) (session.Report, error) {
	return submit(ctx, s, func(ctx, _ context.Context) (session.Report, error) {
		return s.sessions.LogoutAll(ctx), nil
	}).Wait(ctx)
}

// LoginMonitor authorizes the monitor agent.
func (s *Service) LoginMonitor(ctx context.Context) (session.Report, error) {
	return submit(ctx, s, func(ctx, _ context.Context) (session.Report, error) {
		return s.sessions.LoginMonitor(ctx)
	}).Wait(ctx)
}

// StartMonitoring subscribes the monitor to the source rooms.
func (s *Service) StartMonitoring(ctx context.Context) error {
	_, err := submit(ctx, s, func(ctx, wctx context.Context) (struct{}, error) {
		return struct{}{}, s.startMonitor(ctx, wctx)
	}).Wait(ctx)
	return err
}

// StopMonitoring ends the subscription and logs the monitor out.
func (s *Service) StopMonitoring(ctx context.Context) (session.Report, error) {
	return submit(ctx, s, func(ctx, _ context.Context) (session.Report, error) {
		s.stopMonitor()
		return s.sessions.LogoutMonitor(ctx)
	}).Wait(ctx)
}

// JoinTarget makes every cloning agent join the target room.
func (s *Service) JoinTarget(ctx context.Context) (session.Report, error) {
	return submit(ctx, s, func(ctx, _ context.Context) (session.Report, error) {
		return s.sessions.JoinTarget(ctx, s.cfg.Rooms.Target), nil
	}).Wait(ctx)
}

// ClearAvatars removes the avatar of every cloning agent.
func (s *Service) ClearAvatars(ctx context.Context) (int, error) {
	return submit(ctx, s, func(ctx, _ context.Context) (int, error) {
		return profile.ClearAvatars(ctx, s.pool, s.logger)
	}).Wait(ctx)
}

// Reload re-reads the config file and applies its hot-reloadable sections.
func (s *Service) Reload(ctx context.Context) error {
	_, err := submit(ctx, s, func(ctx, wctx context.Context) (struct{}, error) {
		return struct{}{}, s.reload(ctx, wctx)
	}).Wait(ctx)
	return err
}

// Assignments returns the most recent assignment records.
func (s *Service) Assignments(ctx context.Context, limit int) ([]*store.Assignment, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	list, err := s.store.ListAssignments(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing assignments: %w", err)
	}
	return list, nil
}

// LogFile returns the configured log file path, empty when logging to stdout only.
func (s *Service) LogFile(ctx context.Context) (string, error) {
	return submit(ctx, s, func(_, _ context.Context) (string, error) {
		return s.cfg.Logging.File, nil
	}).Wait(ctx)
}
