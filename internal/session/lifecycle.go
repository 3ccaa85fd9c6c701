// ABOUTME: Bulk login and logout of agents and the monitor against the credential store.
// ABOUTME: Every agent gets its own outcome; one failure never aborts the batch.

package session

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/2389/mimic/internal/agent"
	"github.com/2389/mimic/internal/transport"
)

// ErrNoMonitor is returned when no monitor credential is loaded.
var ErrNoMonitor = errors.New("no monitor agent loaded")

// Outcome results.
const (
	ResultOK            = "ok"
	ResultSkipped       = "skipped"
	ResultNotAuthorized = "not_authorized"
	ResultUnavailable   = "unavailable"
	ResultFrozen        = "frozen"
	ResultError         = "error"
)

// DefaultParallelism bounds concurrent logins and joins.
const DefaultParallelism = 4

// Outcome is the result of one lifecycle action on one agent.
type Outcome struct {
	AgentID string `json:"agent_id"`
	Result  string `json:"result"`
	Error   string `json:"error,omitempty"`
}

// Report collects per-agent outcomes in pool order.
type Report struct {
	Outcomes []Outcome `json:"outcomes"`
}

// Count returns how many outcomes have the given result.
func (r Report) Count(result string) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Result == result {
			n++
		}
	}
	return n
}

// Lifecycle drives authorization state transitions for the pool.
type Lifecycle struct {
	pool        *agent.Pool
	logger      *slog.Logger
	parallelism int
}

// New creates a Lifecycle over pool.
func New(pool *agent.Pool, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		pool:        pool,
		logger:      logger.With("component", "session"),
		parallelism: DefaultParallelism,
	}
}

// LoginAll authorizes every unauthorized agent the pool knows about.
func (l *Lifecycle) LoginAll(ctx context.Context) Report {
	var targets []*agent.Agent
	for _, a := range l.pool.List() {
		if a.State() == agent.StateUnauthorized {
			targets = append(targets, a)
		}
	}

	report := l.forEach(ctx, targets, func(ctx context.Context, a *agent.Agent) Outcome {
		return l.login(ctx, a)
	})
	l.logger.Info("login finished",
		"ok", report.Count(ResultOK),
		"not_authorized", report.Count(ResultNotAuthorized),
		"unavailable", report.Count(ResultUnavailable),
	)
	return report
}

// LogoutAll disconnects every authorized cloning agent. The monitor stays
// connected.
func (l *Lifecycle) LogoutAll(ctx context.Context) Report {
	var report Report
	for _, a := range l.pool.List() {
		if a.Role != agent.RoleClone || a.State() != agent.StateAuthorized {
			continue
		}
		report.Outcomes = append(report.Outcomes, l.logout(a))
	}
	l.logger.Info("logout finished", "agents", len(report.Outcomes), "errors", report.Count(ResultError))
	return report
}

// LoginMonitor authorizes the monitor agent.
func (l *Lifecycle) LoginMonitor(ctx context.Context) (Report, error) {
	m := l.pool.Monitor()
	if m == nil {
		return Report{}, ErrNoMonitor
	}
	if m.State() == agent.StateAuthorized {
		return Report{Outcomes: []Outcome{{AgentID: m.ID, Result: ResultSkipped}}}, nil
	}
	return Report{Outcomes: []Outcome{l.login(ctx, m)}}, nil
}

// LogoutMonitor disconnects the monitor agent, ending any subscription.
func (l *Lifecycle) LogoutMonitor(ctx context.Context) (Report, error) {
	m := l.pool.Monitor()
	if m == nil {
		return Report{}, ErrNoMonitor
	}
	if m.State() != agent.StateAuthorized {
		return Report{Outcomes: []Outcome{{AgentID: m.ID, Result: ResultSkipped}}}, nil
	}
	return Report{Outcomes: []Outcome{l.logout(m)}}, nil
}

// JoinTarget makes every authorized cloning agent join the target room.
// Agents found frozen are reaped.
func (l *Lifecycle) JoinTarget(ctx context.Context, target string) Report {
	var targets []*agent.Agent
	for _, a := range l.pool.List() {
		if a.Role == agent.RoleClone && a.State() == agent.StateAuthorized {
			targets = append(targets, a)
		}
	}

	report := l.forEach(ctx, targets, func(ctx context.Context, a *agent.Agent) Outcome {
		return l.join(ctx, a, target)
	})
	l.logger.Info("join finished", "target", target, "ok", report.Count(ResultOK), "frozen", report.Count(ResultFrozen))
	return report
}

func (l *Lifecycle) forEach(ctx context.Context, agents []*agent.Agent, fn func(context.Context, *agent.Agent) Outcome) Report {
	outcomes := make([]Outcome, len(agents))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.parallelism)
	for i, a := range agents {
		g.Go(func() error {
			outcomes[i] = fn(gctx, a)
			return nil
		})
	}
	_ = g.Wait()

	return Report{Outcomes: outcomes}
}

func (l *Lifecycle) login(ctx context.Context, a *agent.Agent) Outcome {
	out := Outcome{AgentID: a.ID, Result: ResultOK}

	_, err := l.pool.Authorize(ctx, a.ID)
	switch {
	case err == nil:
		return out
	case errors.Is(err, agent.ErrNotAuthorized):
		out.Result = ResultNotAuthorized
	case errors.Is(err, agent.ErrTransportUnavailable):
		out.Result = ResultUnavailable
	default:
		out.Result = ResultError
	}
	out.Error = err.Error()
	l.logger.Warn("login failed", "agent_id", a.ID, "result", out.Result, "error", err)
	return out
}

func (l *Lifecycle) logout(a *agent.Agent) Outcome {
	if err := l.pool.Deauthorize(a.ID); err != nil {
		l.logger.Warn("logout failed", "agent_id", a.ID, "error", err)
		return Outcome{AgentID: a.ID, Result: ResultError, Error: err.Error()}
	}
	return Outcome{AgentID: a.ID, Result: ResultOK}
}

func (l *Lifecycle) join(ctx context.Context, a *agent.Agent, target string) Outcome {
	out := Outcome{AgentID: a.ID, Result: ResultOK}

	unlock, ok := l.pool.Locks().LockAgent(a.ID)
	if !ok {
		out.Result = ResultSkipped
		return out
	}
	defer unlock()

	conn := a.Transport()
	if conn == nil {
		out.Result = ResultSkipped
		return out
	}

	err := conn.JoinDestination(ctx, target)
	switch {
	case err == nil:
		return out
	case transport.IsCredentialsInvalid(err):
		l.pool.ReapLocked(ctx, a)
		out.Result = ResultFrozen
	default:
		out.Result = ResultError
	}
	out.Error = err.Error()
	l.logger.Warn("join failed", "agent_id", a.ID, "target", target, "result", out.Result, "error", err)
	return out
}
