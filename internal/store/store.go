// ABOUTME: Store interface and data types for mimic persistence
// ABOUTME: Defines message links and assignment history records

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// MessageLink maps a source message to the message relayed for it.
type MessageLink struct {
	SourceID  string
	RelayedID string
	AgentID   string
	CreatedAt time.Time
}

// Assignment is one identity-to-agent binding. ReleasedAt is nil while the
// binding is live.
type Assignment struct {
	ID         string
	IdentityID string
	AgentID    string
	AssignedAt time.Time
	ReleasedAt *time.Time
}

// Store is the persistence layer.
type Store interface {
	// PutLink stores the link unless SourceID is already mapped. It reports
	// whether this call stored it; an existing mapping is never replaced.
	PutLink(ctx context.Context, link *MessageLink) (bool, error)

	// GetLink returns the link for a source message, or ErrNotFound.
	GetLink(ctx context.Context, sourceID string) (*MessageLink, error)

	// DeleteLinksBefore removes links created before cutoff and returns how many.
	DeleteLinksBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// RecordAssignment opens an assignment record.
	RecordAssignment(ctx context.Context, agentID, identityID string) error

	// RecordRelease closes the open assignment record for the pair, if any.
	RecordRelease(ctx context.Context, agentID, identityID string) error

	// ListAssignments returns the most recent assignments first.
	// A limit of zero or less returns all of them.
	ListAssignments(ctx context.Context, limit int) ([]*Assignment, error)

	Close() error
}
