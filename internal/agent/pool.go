// ABOUTME: Agent pool tracking every loaded account, its authorization, and its identity binding.
// ABOUTME: Identity bindings are a bijective partial mapping; retired agents never return to service.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/mimic/internal/credential"
	"github.com/2389/mimic/internal/transport"
)

// AssignmentRecorder persists assignment history. Failures are logged, never fatal.
type AssignmentRecorder interface {
	RecordAssignment(ctx context.Context, agentID, identityID string) error
	RecordRelease(ctx context.Context, agentID, identityID string) error
}

// PoolConfig holds the collaborators of a Pool.
type PoolConfig struct {
	Credentials credential.Store
	Dialer      transport.Dialer
	// Recorder is optional.
	Recorder AssignmentRecorder
	Logger   *slog.Logger
}

// Pool owns all agents. Iteration order is credential load order.
type Pool struct {
	creds    credential.Store
	dialer   transport.Dialer
	recorder AssignmentRecorder
	locks    *LockSet
	logger   *slog.Logger

	mu         sync.RWMutex
	agents     map[string]*Agent
	order      []string
	byIdentity map[string]*Agent
}

// NewPool creates an empty pool. Call LoadAll to populate it.
func NewPool(cfg PoolConfig) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		creds:      cfg.Credentials,
		dialer:     cfg.Dialer,
		recorder:   cfg.Recorder,
		locks:      NewLockSet(),
		logger:     logger.With("component", "agent_pool"),
		agents:     make(map[string]*Agent),
		byIdentity: make(map[string]*Agent),
	}
}

// Locks returns the pool's lock registry.
func (p *Pool) Locks() *LockSet {
	return p.locks
}

// LoadAll scans the credential store and adds every name not yet tracked as an
// unauthorized agent. It returns only the newly added agents.
func (p *Pool) LoadAll() ([]*Agent, error) {
	names, err := p.creds.List()
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	monitor := p.creds.MonitorName()

	p.mu.Lock()
	defer p.mu.Unlock()

	var added []*Agent
	for _, name := range names {
		if _, exists := p.agents[name]; exists {
			continue
		}
		role := RoleClone
		if name == monitor {
			role = RoleMonitor
		}
		a := newAgent(name, role)
		p.agents[name] = a
		p.order = append(p.order, name)
		added = append(added, a)
	}

	if len(added) > 0 {
		p.logger.Info("loaded agents", "added", len(added), "total", len(p.agents))
	}
	return added, nil
}

// Get returns the agent with the given id.
func (p *Pool) Get(id string) (*Agent, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	a, ok := p.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return a, nil
}

// List returns all agents in pool order.
func (p *Pool) List() []*Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Agent, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.agents[id])
	}
	return out
}

// Monitor returns the monitoring agent, or nil when no monitor credential is loaded.
func (p *Pool) Monitor() *Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, id := range p.order {
		if a := p.agents[id]; a.Role == RoleMonitor {
			return a
		}
	}
	return nil
}

// IsOwnIdentity reports whether userID belongs to one of the pool's own accounts.
// Events from our own agents are never cloned back.
func (p *Pool) IsOwnIdentity(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, a := range p.agents {
		if self := a.Self(); self != nil && self.ID == userID {
			return true
		}
	}
	return false
}

// Authorize connects the agent and confirms its credential. On success the
// agent becomes Authorized and gets a lock. A rejected credential is deleted
// and the agent dropped (ErrNotAuthorized). Connectivity problems return
// ErrTransportUnavailable and leave the agent untouched.
func (p *Pool) Authorize(ctx context.Context, id string) (*Agent, error) {
	a, err := p.Get(id)
	if err != nil {
		return nil, err
	}

	switch a.State() {
	case StateRetired:
		return nil, fmt.Errorf("%w: %s", ErrAgentRetired, id)
	case StateAuthorized:
		return a, nil
	}

	logger := p.logger.With("agent_id", id)

	conn, err := p.dialer.Dial(ctx, id)
	if err != nil {
		return nil, p.authFailure(a, nil, err)
	}
	if err := conn.Connect(ctx); err != nil {
		return nil, p.authFailure(a, conn, err)
	}

	ok, err := conn.IsAuthorized(ctx)
	if err != nil {
		return nil, p.authFailure(a, conn, err)
	}
	if !ok {
		return nil, p.authFailure(a, conn, nil)
	}

	self, err := conn.GetSelf(ctx)
	if err != nil {
		logger.Warn("fetching own profile failed", "error", err)
		self = nil
	}

	a.mu.Lock()
	a.state = StateAuthorized
	a.status = StatusOnline
	a.conn = conn
	a.self = self
	a.mu.Unlock()

	p.locks.RegisterAgent(id)
	logger.Info("agent authorized", "role", a.Role)
	return a, nil
}

// authFailure classifies a failed authorization. cause nil means the service
// answered but rejected the credential.
func (p *Pool) authFailure(a *Agent, conn transport.Transport, cause error) error {
	logger := p.logger.With("agent_id", a.ID)

	if conn != nil {
		_ = conn.Disconnect()
	}
	if cause != nil && !transport.IsCredentialsInvalid(cause) {
		logger.Warn("transport unavailable during authorization", "error", cause)
		return fmt.Errorf("%w: %s: %w", ErrTransportUnavailable, a.ID, cause)
	}

	if err := p.creds.Remove(a.ID); err != nil && !errors.Is(err, credential.ErrNotFound) {
		logger.Warn("removing rejected credential failed, remove it manually", "error", err)
	}
	p.drop(a.ID)

	logger.Info("credential rejected, agent dropped")
	if cause != nil {
		return fmt.Errorf("%w: %s: %w", ErrNotAuthorized, a.ID, cause)
	}
	return fmt.Errorf("%w: %s", ErrNotAuthorized, a.ID)
}

func (p *Pool) drop(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[id]
	if !ok {
		return
	}
	delete(p.agents, id)
	for i, oid := range p.order {
		if oid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	if identity := a.AssignedIdentity(); identity != "" && p.byIdentity[identity] == a {
		delete(p.byIdentity, identity)
		p.locks.UnpinIdentity(identity)
	}
	p.locks.RemoveAgent(id)
}

// Deauthorize disconnects an authorized agent and marks it offline. Its
// identity binding is kept; events for that identity are dropped until the
// agent logs in again.
func (p *Pool) Deauthorize(id string) error {
	a, err := p.Get(id)
	if err != nil {
		return err
	}
	if a.State() != StateAuthorized {
		return nil
	}

	if unlock, ok := p.locks.LockAgent(id); ok {
		defer unlock()
	}

	a.mu.Lock()
	if a.state != StateAuthorized {
		a.mu.Unlock()
		return nil
	}
	conn := a.conn
	a.state = StateUnauthorized
	a.status = StatusOffline
	a.conn = nil
	a.listening = false
	a.mu.Unlock()

	p.locks.RemoveAgent(id)

	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			p.logger.Warn("disconnect failed", "agent_id", id, "error", err)
			return fmt.Errorf("disconnecting %s: %w", id, err)
		}
	}
	p.logger.Info("agent logged out", "agent_id", id)
	return nil
}

// FindAssignment returns the non-retired agent bound to identity, or nil.
func (p *Pool) FindAssignment(identity string) *Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()

	a, ok := p.byIdentity[identity]
	if !ok || a.State() == StateRetired {
		return nil
	}
	return a
}

// ClaimUnassigned returns the first authorized cloning agent with no binding,
// or nil when the pool is exhausted. The claim is not a reservation; Assign
// decides under the agent lock.
func (p *Pool) ClaimUnassigned() *Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, id := range p.order {
		a := p.agents[id]
		if a.Role != RoleClone {
			continue
		}
		a.mu.RLock()
		free := a.state == StateAuthorized && a.identity == ""
		a.mu.RUnlock()
		if free {
			return a
		}
	}
	return nil
}

// Assign binds identity to a. The caller holds the identity lock and a's lock.
// Returns ErrAgentTaken when a was bound first by someone else.
func (p *Pool) Assign(ctx context.Context, a *Agent, identity string) error {
	p.mu.Lock()

	if cur, ok := p.byIdentity[identity]; ok {
		p.mu.Unlock()
		if cur == a {
			return nil
		}
		return fmt.Errorf("%w: identity %s is bound to %s", ErrAgentTaken, identity, cur.ID)
	}

	a.mu.Lock()
	switch {
	case a.state == StateRetired:
		a.mu.Unlock()
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentRetired, a.ID)
	case a.state != StateAuthorized:
		a.mu.Unlock()
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentOffline, a.ID)
	case a.identity != "":
		a.mu.Unlock()
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentTaken, a.ID)
	}
	a.identity = identity
	a.mu.Unlock()

	p.byIdentity[identity] = a
	p.locks.PinIdentity(identity)
	p.mu.Unlock()

	p.logger.Info("identity assigned", "agent_id", a.ID, "identity_id", identity)
	if p.recorder != nil {
		if err := p.recorder.RecordAssignment(ctx, a.ID, identity); err != nil {
			p.logger.Warn("recording assignment failed", "agent_id", a.ID, "identity_id", identity, "error", err)
		}
	}
	return nil
}

// Retire takes a out of service for good: it can no longer be claimed or
// found by its former identity, and its lock is cleared. Returns false when a
// was already retired.
func (p *Pool) Retire(ctx context.Context, a *Agent) bool {
	p.mu.Lock()

	a.mu.Lock()
	if a.state == StateRetired {
		a.mu.Unlock()
		p.mu.Unlock()
		return false
	}
	identity := a.identity
	a.state = StateRetired
	a.status = StatusFrozen
	a.identity = ""
	a.conn = nil
	a.listening = false
	a.mu.Unlock()

	if identity != "" && p.byIdentity[identity] == a {
		delete(p.byIdentity, identity)
	}
	p.mu.Unlock()

	if identity != "" {
		p.locks.UnpinIdentity(identity)
	}
	p.locks.RemoveAgent(a.ID)

	p.logger.Warn("agent retired", "agent_id", a.ID, "identity_id", identity)
	if identity != "" && p.recorder != nil {
		if err := p.recorder.RecordRelease(ctx, a.ID, identity); err != nil {
			p.logger.Warn("recording release failed", "agent_id", a.ID, "identity_id", identity, "error", err)
		}
	}
	return true
}
