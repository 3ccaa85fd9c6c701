// ABOUTME: Serialized access to the monitoring agent for reads of source content.
// ABOUTME: Failures are tagged so they never retire the cloning agent that asked for them.

package agent

import (
	"context"
	"errors"

	"github.com/2389/mimic/internal/transport"
)

// ErrMonitorOffline indicates no authorized monitor agent is available to read source content.
var ErrMonitorOffline = errors.New("monitor offline")

// MonitorError wraps a failure of the monitor's own transport.
type MonitorError struct {
	AgentID string
	Err     error
}

func (e *MonitorError) Error() string {
	if e.AgentID == "" {
		return "monitor: " + e.Err.Error()
	}
	return "monitor " + e.AgentID + ": " + e.Err.Error()
}

func (e *MonitorError) Unwrap() error {
	return e.Err
}

// WithMonitor runs fn against the monitor's transport while holding the
// monitor's agent lock. The monitor lock is always taken last: a caller may
// already hold an identity lock and one cloning agent's lock. A
// credentials-invalid failure reaps the monitor. Every error returned is a
// *MonitorError.
func (p *Pool) WithMonitor(ctx context.Context, fn func(conn transport.Transport) error) error {
	m := p.Monitor()
	if m == nil {
		return &MonitorError{Err: ErrMonitorOffline}
	}

	unlock, ok := p.locks.LockAgent(m.ID)
	if !ok {
		return &MonitorError{AgentID: m.ID, Err: ErrMonitorOffline}
	}
	defer unlock()

	conn := m.Transport()
	if m.State() != StateAuthorized || conn == nil {
		return &MonitorError{AgentID: m.ID, Err: ErrMonitorOffline}
	}

	err := fn(conn)
	if err == nil {
		return nil
	}
	if transport.IsCredentialsInvalid(err) {
		p.logger.Warn("monitor frozen", "agent_id", m.ID, "error", err)
		p.ReapLocked(ctx, m)
	}
	return &MonitorError{AgentID: m.ID, Err: err}
}

// IsFrozen reports whether err carries a credentials-invalid failure of the
// acting agent itself. Failures inside a *MonitorError belong to the monitor
// and are ignored, including inside joined errors.
func IsFrozen(err error) bool {
	for err != nil {
		switch e := err.(type) {
		case *MonitorError:
			return false
		case *transport.Error:
			if e.Kind == transport.KindCredentialsInvalid {
				return true
			}
		case interface{ Unwrap() []error }:
			for _, inner := range e.Unwrap() {
				if IsFrozen(inner) {
					return true
				}
			}
			return false
		}
		err = errors.Unwrap(err)
	}
	return false
}
