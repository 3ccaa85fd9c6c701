// ABOUTME: Copies a source identity's display name, avatar, and status onto its cloning agent.
// ABOUTME: Every step is best-effort; failures are collected and reported together.

package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/2389/mimic/internal/agent"
	"github.com/2389/mimic/internal/transport"
)

// ErrPartialReplication wraps the failures of individual replication steps.
var ErrPartialReplication = errors.New("profile replication incomplete")

// Replicator mirrors identities onto agents. Source avatars are read through
// the pool's monitor, which shares the source rooms with the identity.
type Replicator struct {
	pool   *agent.Pool
	dir    string
	logger *slog.Logger
}

// NewReplicator returns a Replicator that stages avatar files under dir.
func NewReplicator(pool *agent.Pool, dir string, logger *slog.Logger) *Replicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replicator{pool: pool, dir: dir, logger: logger.With("component", "profile")}
}

// Replicate sets a's display name, newest avatar, and status decoration from
// source. The caller holds a's lock. The returned error wraps
// ErrPartialReplication and every failed step; a credentials-invalid failure
// of a stops the remaining steps. A frozen monitor only fails the avatar step.
func (r *Replicator) Replicate(ctx context.Context, a *agent.Agent, source *transport.User) error {
	conn := a.Transport()
	if conn == nil {
		return fmt.Errorf("replicating onto %s: %w", a.ID, agent.ErrAgentOffline)
	}

	logger := r.logger.With("agent_id", a.ID, "identity_id", source.ID)

	steps := []struct {
		name string
		run  func() error
	}{
		{"name", func() error { return r.copyName(ctx, conn, source) }},
		{"avatar", func() error { return r.copyAvatar(ctx, conn, source) }},
		{"status", func() error { return r.copyStatus(ctx, conn, a.Self(), source) }},
	}

	var errs []error
	for _, step := range steps {
		err := step.run()
		if err == nil {
			continue
		}
		logger.Warn("profile step failed", "step", step.name, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
		if agent.IsFrozen(err) {
			break
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrPartialReplication, errors.Join(errs...))
	}
	logger.Info("profile replicated")
	return nil
}

func (r *Replicator) copyName(ctx context.Context, conn transport.Transport, source *transport.User) error {
	first, last := source.FirstName, source.LastName
	if first == "" && last == "" {
		first = source.Username
	}
	return conn.UpdateProfile(ctx, first, last)
}

func (r *Replicator) copyAvatar(ctx context.Context, conn transport.Transport, source *transport.User) error {
	if !source.HasPhoto {
		return nil
	}

	var (
		newest transport.Photo
		path   string
	)
	err := r.pool.WithMonitor(ctx, func(monitor transport.Transport) error {
		photos, err := monitor.GetProfilePhotos(ctx, source.ID, 1)
		if err != nil || len(photos) == 0 {
			return err
		}
		newest = photos[0]
		path, err = monitor.DownloadMedia(ctx, newest.Ref, r.dir)
		return err
	})
	if err != nil {
		return err
	}
	if path == "" {
		return nil
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("removing avatar file failed", "path", path, "error", err)
		}
	}()

	upload, err := conn.UploadFile(ctx, path)
	if err != nil {
		return err
	}
	return conn.SetProfilePhoto(ctx, upload, newest.Video)
}

// copyStatus mirrors the decoration only when the agent's own account can
// carry one. An ineligible account is not an error.
func (r *Replicator) copyStatus(ctx context.Context, conn transport.Transport, self, source *transport.User) error {
	if source.StatusDecoration == "" {
		return nil
	}
	if self == nil || !self.Premium {
		return nil
	}
	return conn.UpdateStatusDecoration(ctx, source.StatusDecoration)
}
