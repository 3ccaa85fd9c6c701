// ABOUTME: Config reload and periodic pruning of persisted message links.
// ABOUTME: Only blacklist, replacements and room settings change on reload.

package service

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/2389/mimic/internal/config"
	"github.com/2389/mimic/internal/forward"
)

// settingsFromConfig builds the engine's hot-reloadable settings.
func settingsFromConfig(cfg *config.Config) forward.Settings {
	table := make(forward.ReplacementTable, 0, len(cfg.Replacements))
	for _, r := range cfg.Replacements {
		table = append(table, forward.Replacement{Old: r.Old, New: r.New})
	}
	return forward.Settings{
		Target:       cfg.Rooms.Target,
		Blacklist:    forward.NewBlacklist(cfg.Blacklist.IdentityIDs, cfg.Blacklist.Keywords, cfg.Blacklist.Names),
		Replacements: table,
	}
}

func (s *Service) reload(ctx, wctx context.Context) error {
	if s.configPath == "" {
		return fmt.Errorf("no config file to reload")
	}
	next, err := config.Load(s.configPath)
	if err != nil {
		return err
	}

	prev := s.cfg
	applied := *prev
	applied.Rooms = next.Rooms
	applied.Blacklist = next.Blacklist
	applied.Replacements = next.Replacements
	s.cfg = &applied

	s.engine.SetSettings(settingsFromConfig(s.cfg))
	s.logger.Info("config reloaded",
		"target", applied.Rooms.Target,
		"sources", len(applied.Rooms.Sources),
		"blacklist_ids", len(applied.Blacklist.IdentityIDs),
		"blacklist_keywords", len(applied.Blacklist.Keywords),
		"blacklist_names", len(applied.Blacklist.Names),
		"replacements", len(applied.Replacements),
	)

	if s.monitor.running() && !slices.Equal(s.monitor.sources, applied.Rooms.Sources) {
		s.logger.Info("source rooms changed, restarting subscription")
		s.stopMonitor()
		if err := s.startMonitor(ctx, wctx); err != nil {
			return fmt.Errorf("restarting monitor: %w", err)
		}
	}
	return nil
}

// pruneLinks deletes persisted links older than retention once per interval.
func (s *Service) pruneLinks(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(s.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.DeleteLinksBefore(ctx, time.Now().Add(-retention))
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("pruning message links", "error", err)
				}
				continue
			}
			if n > 0 {
				s.logger.Info("pruned message links", "deleted", n)
			}
		}
	}
}
