// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists message links and assignment history with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
// Timestamps are unix nanoseconds.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS message_links (
			source_id  TEXT PRIMARY KEY,
			relayed_id TEXT NOT NULL,
			agent_id   TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_message_links_created
			ON message_links(created_at);

		CREATE TABLE IF NOT EXISTS assignments (
			id          TEXT PRIMARY KEY,
			identity_id TEXT NOT NULL,
			agent_id    TEXT NOT NULL,
			assigned_at INTEGER NOT NULL,
			released_at INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_assignments_assigned
			ON assignments(assigned_at DESC);

		CREATE INDEX IF NOT EXISTS idx_assignments_open
			ON assignments(agent_id, identity_id) WHERE released_at IS NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// PutLink inserts the link; an existing source_id wins.
func (s *SQLiteStore) PutLink(ctx context.Context, link *MessageLink) (bool, error) {
	createdAt := link.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO message_links (source_id, relayed_id, agent_id, created_at)
		VALUES (?, ?, ?, ?)
	`, link.SourceID, link.RelayedID, link.AgentID, createdAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("inserting message link: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking inserted message link: %w", err)
	}
	return n == 1, nil
}

// GetLink retrieves a link by source message id.
func (s *SQLiteStore) GetLink(ctx context.Context, sourceID string) (*MessageLink, error) {
	var link MessageLink
	var createdAt int64

	err := s.db.QueryRowContext(ctx, `
		SELECT source_id, relayed_id, agent_id, created_at
		FROM message_links
		WHERE source_id = ?
	`, sourceID).Scan(&link.SourceID, &link.RelayedID, &link.AgentID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message link: %w", err)
	}

	link.CreatedAt = time.Unix(0, createdAt)
	return &link, nil
}

// DeleteLinksBefore prunes links older than cutoff.
func (s *SQLiteStore) DeleteLinksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM message_links WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("deleting message links: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted message links: %w", err)
	}
	if n > 0 {
		s.logger.Debug("pruned message links", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// RecordAssignment inserts a new open assignment record.
func (s *SQLiteStore) RecordAssignment(ctx context.Context, agentID, identityID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assignments (id, identity_id, agent_id, assigned_at)
		VALUES (?, ?, ?, ?)
	`, uuid.New().String(), identityID, agentID, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("inserting assignment: %w", err)
	}
	return nil
}

// RecordRelease stamps released_at on the open record for the pair.
func (s *SQLiteStore) RecordRelease(ctx context.Context, agentID, identityID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE assignments SET released_at = ?
		WHERE agent_id = ? AND identity_id = ? AND released_at IS NULL
	`, time.Now().UnixNano(), agentID, identityID)
	if err != nil {
		return fmt.Errorf("releasing assignment: %w", err)
	}
	return nil
}

// ListAssignments returns assignments newest first.
func (s *SQLiteStore) ListAssignments(ctx context.Context, limit int) ([]*Assignment, error) {
	query := `
		SELECT id, identity_id, agent_id, assigned_at, released_at
		FROM assignments
		ORDER BY assigned_at DESC, rowid DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying assignments: %w", err)
	}
	defer rows.Close()

	var out []*Assignment
	for rows.Next() {
		var a Assignment
		var assignedAt int64
		var releasedAt sql.NullInt64
		if err := rows.Scan(&a.ID, &a.IdentityID, &a.AgentID, &assignedAt, &releasedAt); err != nil {
			return nil, fmt.Errorf("scanning assignment: %w", err)
		}
		a.AssignedAt = time.Unix(0, assignedAt)
		if releasedAt.Valid {
			t := time.Unix(0, releasedAt.Int64)
			a.ReleasedAt = &t
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating assignments: %w", err)
	}
	return out, nil
}
