// ABOUTME: Bulk removal of avatars from every authorized cloning agent.
// ABOUTME: Frozen agents found along the way are reaped.

package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/mimic/internal/agent"
	"github.com/2389/mimic/internal/transport"
)

// ClearAvatars removes the avatar of each authorized cloning agent and returns
// how many were cleared. Per-agent failures are joined into the error.
func ClearAvatars(ctx context.Context, pool *agent.Pool, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cleared := 0
	var errs []error
	for _, a := range pool.List() {
		if a.Role != agent.RoleClone || a.State() != agent.StateAuthorized {
			continue
		}
		if err := clearOne(ctx, pool, a); err != nil {
			logger.Warn("clearing avatar failed", "agent_id", a.ID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", a.ID, err))
			continue
		}
		cleared++
	}
	return cleared, errors.Join(errs...)
}

func clearOne(ctx context.Context, pool *agent.Pool, a *agent.Agent) error {
	unlock, ok := pool.Locks().LockAgent(a.ID)
	if !ok {
		return agent.ErrAgentOffline
	}
	defer unlock()

	conn := a.Transport()
	if conn == nil {
		return agent.ErrAgentOffline
	}
	err := conn.ClearProfilePhotos(ctx)
	if transport.IsCredentialsInvalid(err) {
		pool.ReapLocked(ctx, a)
	}
	return err
}
