// ABOUTME: Registry of per-identity and per-agent mutual exclusion locks.
// ABOUTME: Identity locks are reference counted and pinned while assigned, so the table stays bounded.

package agent

import "sync"

type identityLock struct {
	mu     sync.Mutex
	refs   int
	pinned bool
}

// LockSet holds the two lock domains. Acquisition order is always identity
// lock first, then agent lock.
type LockSet struct {
	mu         sync.Mutex
	identities map[string]*identityLock
	agents     map[string]*sync.Mutex
}

// NewLockSet returns an empty registry.
func NewLockSet() *LockSet {
	return &LockSet{
		identities: make(map[string]*identityLock),
		agents:     make(map[string]*sync.Mutex),
	}
}

// LockIdentity blocks until the identity's lock is held and returns its release func.
// The lock entry is created on demand and dropped on release unless the
// identity has been pinned in the meantime.
func (s *LockSet) LockIdentity(identity string) (unlock func()) {
	s.mu.Lock()
	l, ok := s.identities[identity]
	if !ok {
		l = &identityLock{}
		s.identities[identity] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()

			s.mu.Lock()
			defer s.mu.Unlock()
			l.refs--
			if l.refs == 0 && !l.pinned {
				delete(s.identities, identity)
			}
		})
	}
}

// PinIdentity keeps the identity's lock entry alive after assignment.
func (s *LockSet) PinIdentity(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.identities[identity]
	if !ok {
		l = &identityLock{}
		s.identities[identity] = l
	}
	l.pinned = true
}

// UnpinIdentity releases a pin; the entry goes away once no holder remains.
func (s *LockSet) UnpinIdentity(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.identities[identity]
	if !ok {
		return
	}
	l.pinned = false
	if l.refs == 0 {
		delete(s.identities, identity)
	}
}

// IdentityLocks returns the number of live identity lock entries.
func (s *LockSet) IdentityLocks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.identities)
}

// RegisterAgent creates the agent's lock if it does not exist yet.
func (s *LockSet) RegisterAgent(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[agentID]; !ok {
		s.agents[agentID] = &sync.Mutex{}
	}
}

// RemoveAgent drops the agent's lock. Holders keep their mutex; waiters that
// acquire it afterwards are told the agent is gone.
func (s *LockSet) RemoveAgent(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, agentID)
}

// HasAgent reports whether the agent currently has a registered lock.
func (s *LockSet) HasAgent(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.agents[agentID]
	return ok
}

// LockAgent blocks until the agent's lock is held. ok is false when the agent
// has no registered lock, or lost it while waiting; unlock is nil in that case.
func (s *LockSet) LockAgent(agentID string) (unlock func(), ok bool) {
	s.mu.Lock()
	m, exists := s.agents[agentID]
	s.mu.Unlock()
	if !exists {
		return nil, false
	}

	m.Lock()

	s.mu.Lock()
	current := s.agents[agentID]
	s.mu.Unlock()
	if current != m {
		m.Unlock()
		return nil, false
	}

	var once sync.Once
	return func() { once.Do(m.Unlock) }, true
}
