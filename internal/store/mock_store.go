// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	links       map[string]*MessageLink // keyed by source message ID
	assignments []*Assignment
	closed      bool
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		links: make(map[string]*MessageLink),
	}
}

// PutLink stores a copy of link unless the source is already mapped.
func (m *MockStore) PutLink(ctx context.Context, link *MessageLink) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.links[link.SourceID]; exists {
		return false, nil
	}
	l := *link
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	m.links[l.SourceID] = &l
	return true, nil
}

// GetLink returns a copy of the stored link.
func (m *MockStore) GetLink(ctx context.Context, sourceID string) (*MessageLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.links[sourceID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

// DeleteLinksBefore removes links created before cutoff.
func (m *MockStore) DeleteLinksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, l := range m.links {
		if l.CreatedAt.Before(cutoff) {
			delete(m.links, k)
			n++
		}
	}
	return n, nil
}

// RecordAssignment appends an open assignment.
func (m *MockStore) RecordAssignment(ctx context.Context, agentID, identityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.assignments = append(m.assignments, &Assignment{
		ID:         uuid.New().String(),
		IdentityID: identityID,
		AgentID:    agentID,
		AssignedAt: time.Now(),
	})
	return nil
}

// RecordRelease closes the open record for the pair.
func (m *MockStore) RecordRelease(ctx context.Context, agentID, identityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, a := range m.assignments {
		if a.AgentID == agentID && a.IdentityID == identityID && a.ReleasedAt == nil {
			a.ReleasedAt = &now
		}
	}
	return nil
}

// ListAssignments returns copies, newest first.
func (m *MockStore) ListAssignments(ctx context.Context, limit int) ([]*Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Assignment, 0, len(m.assignments))
	for i := len(m.assignments) - 1; i >= 0; i-- {
		cp := *m.assignments[i]
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AssignedAt.After(out[j].AssignedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
