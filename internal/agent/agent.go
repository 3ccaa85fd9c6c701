// ABOUTME: Agent record for one automated account and its authorization state.
// ABOUTME: Mutable fields are guarded by the agent's own mutex; the Pool owns every transition.

package agent

import (
	"sync"

	"github.com/2389/mimic/internal/transport"
)

// State is the authorization state of an agent.
type State int

const (
	StateUnauthorized State = iota
	StateAuthorized
	StateRetired
)

func (s State) String() string {
	switch s {
	case StateAuthorized:
		return "authorized"
	case StateRetired:
		return "retired"
	default:
		return "unauthorized"
	}
}

// Role distinguishes the monitoring agent from cloning agents.
type Role string

const (
	RoleClone   Role = "clone"
	RoleMonitor Role = "monitor"
)

// Display statuses shown in the control plane.
const (
	StatusOffline   = "offline"
	StatusOnline    = "online"
	StatusListening = "listening"
	StatusFrozen    = "frozen"
)

// Agent is one automated account. ID is the credential name and never changes.
type Agent struct {
	ID   string
	Role Role

	mu        sync.RWMutex
	state     State
	identity  string
	status    string
	self      *transport.User
	listening bool
	conn      transport.Transport
}

func newAgent(id string, role Role) *Agent {
	return &Agent{ID: id, Role: role, status: StatusOffline}
}

// State returns the current authorization state.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// AssignedIdentity returns the bound source identity, or "" when unassigned.
func (a *Agent) AssignedIdentity() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.identity
}

// Transport returns the live connection, or nil when the agent is not authorized.
func (a *Agent) Transport() transport.Transport {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.conn
}

// Self returns the cached profile of the agent's own account, if known.
func (a *Agent) Self() *transport.User {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.self
}

// Listening reports whether the monitor agent is subscribed to the source stream.
func (a *Agent) Listening() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.listening
}

// SetListening flips the monitor's listening flag and its display status.
func (a *Agent) SetListening(on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listening = on
	if a.state != StateAuthorized {
		return
	}
	if on {
		a.status = StatusListening
	} else {
		a.status = StatusOnline
	}
}

// Info is a point-in-time copy of an agent's public state.
type Info struct {
	ID               string
	Role             Role
	State            State
	AssignedIdentity string
	DisplayStatus    string
	UserID           string
	Username         string
	Nickname         string
	Phone            string
	Listening        bool
}

// Info snapshots the agent.
func (a *Agent) Info() Info {
	a.mu.RLock()
	defer a.mu.RUnlock()

	info := Info{
		ID:               a.ID,
		Role:             a.Role,
		State:            a.state,
		AssignedIdentity: a.identity,
		DisplayStatus:    a.status,
		Listening:        a.listening,
	}
	if a.self != nil {
		info.UserID = a.self.ID
		info.Username = a.self.Username
		info.Nickname = a.self.FullName()
		info.Phone = a.self.Phone
	}
	return info
}
