// ABOUTME: Source message id to relayed message id map used to rebuild reply threads.
// ABOUTME: Bounded in memory, optionally backed by the store; the first mapping for a source wins.

package forward

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/mimic/internal/dedupe"
	"github.com/2389/mimic/internal/store"
)

// LinkMap resolves reply targets.
type LinkMap struct {
	cache  *dedupe.Cache[string]
	store  store.Store
	logger *slog.Logger
}

// NewLinkMap keeps at most maxEntries links in memory, each for at most ttl
// (zero means no expiry). st may be nil.
func NewLinkMap(maxEntries int, ttl time.Duration, st store.Store, logger *slog.Logger) *LinkMap {
	if logger == nil {
		logger = slog.Default()
	}
	return &LinkMap{
		cache:  dedupe.New[string](ttl, maxEntries),
		store:  st,
		logger: logger.With("component", "links"),
	}
}

// Lookup returns the relayed id for a source message. Unknown ids are not an error.
func (m *LinkMap) Lookup(ctx context.Context, sourceID string) (string, bool) {
	if id, ok := m.cache.Get(sourceID); ok {
		return id, true
	}
	if m.store == nil {
		return "", false
	}

	link, err := m.store.GetLink(ctx, sourceID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("reading message link failed", "source_id", sourceID, "error", err)
		}
		return "", false
	}
	id, _ := m.cache.PutIfAbsent(sourceID, link.RelayedID)
	return id, true
}

// Record maps sourceID to relayedID unless it is already mapped. It returns
// the mapping now in effect and whether this call created it.
func (m *LinkMap) Record(ctx context.Context, sourceID, relayedID, agentID string) (string, bool) {
	if id, ok := m.cache.Get(sourceID); ok {
		return id, false
	}

	if m.store != nil {
		stored, err := m.store.PutLink(ctx, &store.MessageLink{
			SourceID:  sourceID,
			RelayedID: relayedID,
			AgentID:   agentID,
			CreatedAt: time.Now(),
		})
		switch {
		case err != nil:
			m.logger.Warn("persisting message link failed", "source_id", sourceID, "agent_id", agentID, "error", err)
		case !stored:
			if link, err := m.store.GetLink(ctx, sourceID); err == nil {
				id, _ := m.cache.PutIfAbsent(sourceID, link.RelayedID)
				return id, false
			}
		}
	}

	return m.cache.PutIfAbsent(sourceID, relayedID)
}

// Len returns the number of links held in memory.
func (m *LinkMap) Len() int {
	return m.cache.Len()
}

// Close stops background expiry.
func (m *LinkMap) Close() {
	m.cache.Close()
}
