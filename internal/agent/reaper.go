// ABOUTME: Evicts agents whose credentials the remote service invalidated.
// ABOUTME: Reaping is idempotent and never runs concurrently with an in-flight send.

package agent

import "context"

// Reap retires a after acquiring its lock. Returns false when a was already retired.
func (p *Pool) Reap(ctx context.Context, a *Agent) bool {
	if unlock, ok := p.locks.LockAgent(a.ID); ok {
		defer unlock()
	}
	return p.ReapLocked(ctx, a)
}

// ReapLocked is Reap for callers already holding a's lock.
func (p *Pool) ReapLocked(ctx context.Context, a *Agent) bool {
	if a.State() == StateRetired {
		return false
	}

	if conn := a.Transport(); conn != nil {
		if err := conn.Disconnect(); err != nil {
			p.logger.Debug("disconnecting frozen agent", "agent_id", a.ID, "error", err)
		}
	}
	return p.Retire(ctx, a)
}
