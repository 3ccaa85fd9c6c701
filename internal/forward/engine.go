// ABOUTME: Forwarding engine that clones each source identity onto one dedicated agent.
// ABOUTME: Resolves, filters, assigns, relays with reply linkage, and reaps frozen agents.

package forward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/2389/mimic/internal/agent"
	"github.com/2389/mimic/internal/transport"
)

// ProfileReplicator mirrors a source identity onto a freshly assigned agent.
type ProfileReplicator interface {
	Replicate(ctx context.Context, a *agent.Agent, source *transport.User) error
}

// Config holds the engine's collaborators.
type Config struct {
	Pool *agent.Pool
	// Replicator is optional; without one new agents keep their own profile.
	Replicator ProfileReplicator
	Links      *LinkMap
	// MediaDir holds media files between download and re-upload.
	MediaDir string
	Logger   *slog.Logger
}

// Engine handles source events. It is safe for concurrent use.
type Engine struct {
	pool       *agent.Pool
	replicator ProfileReplicator
	links      *LinkMap
	mediaDir   string
	logger     *slog.Logger

	settings atomic.Pointer[Settings]
}

// NewEngine creates an engine with the given initial settings.
func NewEngine(cfg Config, settings Settings) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	links := cfg.Links
	if links == nil {
		links = NewLinkMap(10000, 0, nil, logger)
	}
	e := &Engine{
		pool:       cfg.Pool,
		replicator: cfg.Replicator,
		links:      links,
		mediaDir:   cfg.MediaDir,
		logger:     logger.With("component", "forward"),
	}
	e.SetSettings(settings)
	return e
}

// SetSettings swaps the target, blacklist, and replacements. Events already
// past filtering keep the settings they started with.
func (e *Engine) SetSettings(s Settings) {
	e.settings.Store(&s)
}

// Settings returns the settings in effect.
func (e *Engine) Settings() Settings {
	return *e.settings.Load()
}

// Links exposes the reply map.
func (e *Engine) Links() *LinkMap {
	return e.links
}

// HandleEvent processes one source event. Events from service accounts,
// our own agents, or blacklisted senders are dropped and return nil. Every
// other failure is returned after being logged; none of them is fatal.
func (e *Engine) HandleEvent(ctx context.Context, ev *transport.Event) error {
	if ev.Service {
		return nil
	}
	if e.pool.IsOwnIdentity(ev.SenderID) {
		return nil
	}

	var sender *transport.User
	err := e.pool.WithMonitor(ctx, func(monitor transport.Transport) error {
		var err error
		sender, err = monitor.ResolveUser(ctx, ev.SenderID)
		return err
	})
	if errors.Is(err, ErrMonitorOffline) {
		e.logger.Warn("dropping event, monitor offline", "event_id", ev.ID)
		return err
	}
	if err != nil {
		e.logger.Error("unable to resolve sender", "identity_id", ev.SenderID, "event_id", ev.ID, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrUnresolvedReference, ev.SenderID, err)
	}
	if sender.Bot {
		return nil
	}

	settings := e.settings.Load()
	if rule, hit := settings.Blacklist.Match(sender.ID, ev.Text, sender.FullName()); hit {
		e.logger.Info("blacklisted, not relaying", "identity_id", sender.ID, "rule", rule)
		return nil
	}

	unlock := e.pool.Locks().LockIdentity(sender.ID)
	defer unlock()

	if a := e.pool.FindAssignment(sender.ID); a != nil {
		return e.relayAssigned(ctx, a, ev, settings)
	}
	return e.assignAndRelay(ctx, sender, ev, settings)
}

func (e *Engine) relayAssigned(ctx context.Context, a *agent.Agent, ev *transport.Event, settings *Settings) error {
	unlockAgent, ok := e.pool.Locks().LockAgent(a.ID)
	if !ok || a.State() != agent.StateAuthorized {
		if ok {
			unlockAgent()
		}
		e.logger.Warn("assigned agent offline, dropping event",
			"agent_id", a.ID, "identity_id", ev.SenderID, "event_id", ev.ID)
		return fmt.Errorf("%w: %s", agent.ErrAgentOffline, a.ID)
	}
	defer unlockAgent()

	if err := e.relay(ctx, a, ev, settings); err != nil {
		return err
	}
	e.logger.Info("relayed message", "agent_id", a.ID, "identity_id", ev.SenderID)
	return nil
}

// assignAndRelay runs the first-event path. The identity lock is held.
func (e *Engine) assignAndRelay(ctx context.Context, sender *transport.User, ev *transport.Event, settings *Settings) error {
	for {
		a := e.pool.ClaimUnassigned()
		if a == nil {
			e.logger.Warn("no agent available to clone identity", "identity_id", sender.ID, "event_id", ev.ID)
			return fmt.Errorf("%w: %s", agent.ErrNoAgentAvailable, sender.ID)
		}

		unlockAgent, ok := e.pool.Locks().LockAgent(a.ID)
		if !ok {
			continue
		}

		err := e.pool.Assign(ctx, a, sender.ID)
		if err != nil {
			unlockAgent()
			if errors.Is(err, agent.ErrAgentTaken) || errors.Is(err, agent.ErrAgentOffline) || errors.Is(err, agent.ErrAgentRetired) {
				continue
			}
			return err
		}

		err = e.cloneLocked(ctx, a, sender, ev, settings)
		unlockAgent()
		return err
	}
}

func (e *Engine) cloneLocked(ctx context.Context, a *agent.Agent, sender *transport.User, ev *transport.Event, settings *Settings) error {
	logger := e.logger.With("agent_id", a.ID, "identity_id", sender.ID)
	logger.Info("cloning new identity")

	relayErr := e.relay(ctx, a, ev, settings)
	if a.State() == agent.StateRetired {
		return relayErr
	}

	if e.replicator != nil {
		if err := e.replicator.Replicate(ctx, a, sender); err != nil {
			if agent.IsFrozen(err) {
				e.pool.ReapLocked(ctx, a)
				logger.Error("agent frozen during profile copy", "error", err)
			}
			if relayErr == nil {
				relayErr = err
			}
		}
	}

	logger.Info("identity cloned")
	return relayErr
}

// relay sends ev through a. The caller holds a's lock.
func (e *Engine) relay(ctx context.Context, a *agent.Agent, ev *transport.Event, settings *Settings) error {
	logger := e.logger.With("agent_id", a.ID, "identity_id", ev.SenderID, "event_id", ev.ID)

	conn := a.Transport()
	if conn == nil {
		return fmt.Errorf("%w: %s", agent.ErrAgentOffline, a.ID)
	}

	text := settings.Replacements.Apply(ev.Text)
	if text == "" && ev.Media == nil {
		logger.Debug("nothing to relay")
		return nil
	}

	var opts transport.SendOptions
	if ev.IsReply() {
		if mapped, ok := e.links.Lookup(ctx, ev.ReplyTo); ok {
			opts.ReplyTo = mapped
		} else {
			logger.Info("relaying reply as standalone message", "reply_to", ev.ReplyTo, "reason", ErrUnmappedReplyTarget)
		}
	}

	var (
		relayedID string
		err       error
	)
	if ev.Media != nil {
		relayedID, err = e.relayMedia(ctx, conn, ev, text, settings.Target, opts)
	} else {
		relayedID, err = conn.SendMessage(ctx, settings.Target, text, opts)
	}
	if err != nil {
		if agent.IsFrozen(err) {
			e.pool.ReapLocked(ctx, a)
			logger.Error("agent frozen, retired", "error", err)
		} else {
			logger.Error("relay failed", "error", err)
		}
		return fmt.Errorf("relaying %s via %s: %w", ev.ID, a.ID, err)
	}

	if kept, stored := e.links.Record(ctx, ev.ID, relayedID, a.ID); !stored {
		logger.Warn("source message already relayed, keeping first mapping", "relayed_id", kept, "duplicate_id", relayedID)
	}
	return nil
}

// relayMedia fetches the source file through the monitor, then re-uploads it
// through conn. Lock order is identity, then the relaying agent, then the
// monitor; the monitor lock is released before the upload starts.
func (e *Engine) relayMedia(ctx context.Context, conn transport.Transport, ev *transport.Event, caption, target string, opts transport.SendOptions) (string, error) {
	var path string
	err := e.pool.WithMonitor(ctx, func(monitor transport.Transport) error {
		var err error
		path, err = monitor.DownloadMedia(ctx, ev.Media.Ref, e.mediaDir)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("fetching source media: %w", err)
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("removing media file failed", "path", path, "error", err)
		}
	}()

	upload, err := conn.UploadFile(ctx, path)
	if err != nil {
		return "", err
	}

	var attrs transport.FileAttributes
	if ev.Media.Kind == transport.MediaDocument {
		attrs = ev.Media.Attributes
	}
	return conn.SendFile(ctx, target, upload, ev.Media.Kind, attrs, caption, opts)
}
