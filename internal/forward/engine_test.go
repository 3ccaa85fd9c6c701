// ABOUTME: Tests for the forwarding engine state machine and relay behaviour.
// ABOUTME: Drives events through fake transports and inspects what reached the target room.

package forward

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mimic/internal/agent"
	"github.com/2389/mimic/internal/agent/agenttest"
	"github.com/2389/mimic/internal/profile"
	"github.com/2389/mimic/internal/store"
	"github.com/2389/mimic/internal/transport"
	"github.com/2389/mimic/internal/transport/transporttest"
)

const target = "!target:example.org"

type fixture struct {
	h        *agenttest.Harness
	engine   *Engine
	mediaDir string
}

func newFixture(t *testing.T, clones ...string) *fixture {
	t.Helper()

	h := agenttest.New(t, append([]string{"monitor"}, clones...)...)
	h.AuthorizeAll(t)

	mediaDir := t.TempDir()
	links := NewLinkMap(100, 0, store.NewMockStore(), h.Logger)
	t.Cleanup(links.Close)

	e := NewEngine(Config{
		Pool:       h.Pool,
		Replicator: profile.NewReplicator(h.Pool, t.TempDir(), h.Logger),
		Links:      links,
		MediaDir:   mediaDir,
		Logger:     h.Logger,
	}, Settings{Target: target})

	return &fixture{h: h, engine: e, mediaDir: mediaDir}
}

func (f *fixture) addSender(id, first string) {
	f.h.Network.AddUser(transport.User{ID: id, FirstName: first})
}

func textEvent(id, sender, text string) *transport.Event {
	return &transport.Event{ID: id, Source: "!source:example.org", SenderID: sender, Text: text}
}

func TestEndToEndCloneAndReply(t *testing.T) {
	f := newFixture(t, "a1", "a2")
	f.addSender("@42:src.org", "Alice")
	ctx := context.Background()

	require.NoError(t, f.engine.HandleEvent(ctx, textEvent("$m1", "@42:src.org", "hello")))

	a1 := f.h.Agent(t, "a1")
	assert.Equal(t, "@42:src.org", a1.AssignedIdentity())
	assert.Equal(t, "Alice", f.h.Network.DisplayName("a1"), "profile copied")

	sent := f.h.Network.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "a1", sent[0].Agent)
	assert.Equal(t, target, sent[0].Dest)
	assert.Equal(t, "hello", sent[0].Text)
	assert.Empty(t, sent[0].ReplyTo)

	mapped, ok := f.engine.Links().Lookup(ctx, "$m1")
	require.True(t, ok)
	assert.Equal(t, sent[0].ID, mapped)

	reply := textEvent("$m2", "@42:src.org", "replying")
	reply.ReplyTo = "$m1"
	require.NoError(t, f.engine.HandleEvent(ctx, reply))

	sent = f.h.Network.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "a1", sent[1].Agent)
	assert.Equal(t, sent[0].ID, sent[1].ReplyTo)
}

func TestUnmappedReplyRelaysStandalone(t *testing.T) {
	f := newFixture(t, "a1")
	f.addSender("@42:src.org", "Alice")

	ev := textEvent("$m2", "@42:src.org", "re: something")
	ev.ReplyTo = "$never-relayed"
	require.NoError(t, f.engine.HandleEvent(context.Background(), ev))

	sent := f.h.Network.Sent()
	require.Len(t, sent, 1)
	assert.Empty(t, sent[0].ReplyTo)
}

func TestDuplicateEventKeepsFirstMapping(t *testing.T) {
	f := newFixture(t, "a1")
	f.addSender("@42:src.org", "Alice")
	ctx := context.Background()

	ev := textEvent("$m1", "@42:src.org", "hello")
	require.NoError(t, f.engine.HandleEvent(ctx, ev))
	require.NoError(t, f.engine.HandleEvent(ctx, ev))

	sent := f.h.Network.Sent()
	require.Len(t, sent, 2)

	mapped, ok := f.engine.Links().Lookup(ctx, "$m1")
	require.True(t, ok)
	assert.Equal(t, sent[0].ID, mapped)
}

func TestRoutingIsStable(t *testing.T) {
	f := newFixture(t, "a1", "a2")
	f.addSender("@42:src.org", "Alice")
	f.addSender("@7:src.org", "Bob")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.engine.HandleEvent(ctx, textEvent(fmt.Sprintf("$a%d", i), "@42:src.org", "a")))
		require.NoError(t, f.engine.HandleEvent(ctx, textEvent(fmt.Sprintf("$b%d", i), "@7:src.org", "b")))
	}

	for _, s := range f.h.Network.Sent() {
		switch s.Text {
		case "a":
			assert.Equal(t, "a1", s.Agent)
		case "b":
			assert.Equal(t, "a2", s.Agent)
		}
	}
}

func TestConcurrentFirstEventsAssignOnce(t *testing.T) {
	f := newFixture(t, "a1", "a2", "a3")
	f.addSender("@42:src.org", "Alice")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = f.engine.HandleEvent(context.Background(), textEvent(fmt.Sprintf("$m%d", i), "@42:src.org", "hi"))
		}(i)
	}
	wg.Wait()

	holders := 0
	for _, a := range f.h.Pool.List() {
		if a.AssignedIdentity() == "@42:src.org" {
			holders++
		}
	}
	assert.Equal(t, 1, holders)

	sent := f.h.Network.Sent()
	require.Len(t, sent, 20)
	for _, s := range sent {
		assert.Equal(t, sent[0].Agent, s.Agent)
	}
}

func TestPoolExhaustion(t *testing.T) {
	f := newFixture(t, "a1")
	f.addSender("@42:src.org", "Alice")
	f.addSender("@7:src.org", "Bob")
	ctx := context.Background()

	require.NoError(t, f.engine.HandleEvent(ctx, textEvent("$m1", "@42:src.org", "hello")))

	err := f.engine.HandleEvent(ctx, textEvent("$m2", "@7:src.org", "hi"))
	require.ErrorIs(t, err, agent.ErrNoAgentAvailable)

	assert.Nil(t, f.h.Pool.FindAssignment("@7:src.org"))
	assert.Len(t, f.h.Network.Sent(), 1)
	assert.Equal(t, 1, f.h.Pool.Locks().IdentityLocks(), "dropped identity leaves no lock behind")
}

func TestFrozenAgentIsReaped(t *testing.T) {
	f := newFixture(t, "a1", "a2")
	f.addSender("@42:src.org", "Alice")
	f.addSender("@7:src.org", "Bob")
	ctx := context.Background()

	require.NoError(t, f.engine.HandleEvent(ctx, textEvent("$m1", "@42:src.org", "hello")))
	require.NoError(t, f.engine.HandleEvent(ctx, textEvent("$m2", "@7:src.org", "hi")))

	f.h.Transports["a1"].FailOn("SendMessage", transporttest.Frozen("send"))
	err := f.engine.HandleEvent(ctx, textEvent("$m3", "@42:src.org", "again"))
	require.Error(t, err)
	assert.True(t, transport.IsCredentialsInvalid(err))

	a1 := f.h.Agent(t, "a1")
	a2 := f.h.Agent(t, "a2")
	assert.Equal(t, agent.StateRetired, a1.State())
	assert.Nil(t, f.h.Pool.FindAssignment("@42:src.org"))
	assert.False(t, f.h.Transports["a1"].Connected())

	assert.Equal(t, agent.StateAuthorized, a2.State())
	assert.Equal(t, "@7:src.org", a2.AssignedIdentity())

	err = f.engine.HandleEvent(ctx, textEvent("$m4", "@42:src.org", "still here"))
	require.ErrorIs(t, err, agent.ErrNoAgentAvailable, "retired agent is never claimed again")
}

func TestFrozenDuringFirstRelaySkipsProfileCopy(t *testing.T) {
	f := newFixture(t, "a1")
	f.addSender("@42:src.org", "Alice")

	f.h.Transports["a1"].FailOn("SendMessage", transporttest.Frozen("send"))
	err := f.engine.HandleEvent(context.Background(), textEvent("$m1", "@42:src.org", "hello"))
	require.Error(t, err)

	assert.Equal(t, agent.StateRetired, f.h.Agent(t, "a1").State())
	assert.NotContains(t, f.h.Transports["a1"].Calls(), "UpdateProfile")
}

func TestNonFatalSendFailureKeepsAssignment(t *testing.T) {
	f := newFixture(t, "a1")
	f.addSender("@42:src.org", "Alice")

	f.h.Transports["a1"].FailOn("SendMessage", transporttest.Unavailable("send"))
	err := f.engine.HandleEvent(context.Background(), textEvent("$m1", "@42:src.org", "hello"))
	require.Error(t, err)
	assert.False(t, transport.IsCredentialsInvalid(err))

	a1 := f.h.Agent(t, "a1")
	assert.Equal(t, agent.StateAuthorized, a1.State())
	assert.Equal(t, "@42:src.org", a1.AssignedIdentity())
	assert.Equal(t, "Alice", f.h.Network.DisplayName("a1"), "profile still copied")
}

func TestDrops(t *testing.T) {
	f := newFixture(t, "a1")
	f.addSender("@bot:src.org", "Bot")
	f.h.Network.AddUser(transport.User{ID: "@svc:src.org", FirstName: "Svc", Bot: true})
	ctx := context.Background()

	t.Run("service event", func(t *testing.T) {
		ev := textEvent("$s1", "@bot:src.org", "notice")
		ev.Service = true
		require.NoError(t, f.engine.HandleEvent(ctx, ev))
	})

	t.Run("bot account", func(t *testing.T) {
		require.NoError(t, f.engine.HandleEvent(ctx, textEvent("$s2", "@svc:src.org", "beep")))
	})

	t.Run("own agent", func(t *testing.T) {
		require.NoError(t, f.engine.HandleEvent(ctx, textEvent("$s3", agenttest.UserID("a1"), "echo")))
	})

	t.Run("unresolvable sender", func(t *testing.T) {
		err := f.engine.HandleEvent(ctx, textEvent("$s4", "@ghost:src.org", "boo"))
		require.ErrorIs(t, err, ErrUnresolvedReference)
	})

	assert.Empty(t, f.h.Network.Sent())
	assert.Empty(t, f.h.Agent(t, "a1").AssignedIdentity())
}

func TestBlacklistPrecedence(t *testing.T) {
	f := newFixture(t, "a1")
	f.addSender("@42:src.org", "Alice")
	f.addSender("@7:src.org", "Spammer")
	ctx := context.Background()

	f.engine.SetSettings(Settings{
		Target:    target,
		Blacklist: NewBlacklist([]string{"@42:src.org"}, []string{"casino"}, []string{"Spam"}),
	})

	require.NoError(t, f.engine.HandleEvent(ctx, textEvent("$m1", "@42:src.org", "perfectly fine")))
	require.NoError(t, f.engine.HandleEvent(ctx, textEvent("$m2", "@7:src.org", "hello")))

	assert.Empty(t, f.h.Network.Sent())
	assert.Nil(t, f.h.Pool.FindAssignment("@42:src.org"))
}

func TestReplacementsAndSettingsSwap(t *testing.T) {
	f := newFixture(t, "a1")
	f.addSender("@42:src.org", "Alice")
	ctx := context.Background()

	f.engine.SetSettings(Settings{
		Target:       target,
		Replacements: ReplacementTable{{Old: "cat", New: "dog"}, {Old: "dog", New: "wolf"}},
	})
	require.NoError(t, f.engine.HandleEvent(ctx, textEvent("$m1", "@42:src.org", "a cat")))

	f.engine.SetSettings(Settings{Target: "!other:example.org"})
	require.NoError(t, f.engine.HandleEvent(ctx, textEvent("$m2", "@42:src.org", "a cat")))

	sent := f.h.Network.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "a wolf", sent[0].Text)
	assert.Equal(t, target, sent[0].Dest)
	assert.Equal(t, "a cat", sent[1].Text)
	assert.Equal(t, "!other:example.org", sent[1].Dest)
	assert.Equal(t, "@42:src.org", f.h.Agent(t, "a1").AssignedIdentity(), "reload keeps assignments")
}

func TestMediaRelay(t *testing.T) {
	f := newFixture(t, "a1")
	f.addSender("@42:src.org", "Alice")
	ctx := context.Background()

	f.h.Network.AddMedia("mxc://src.org/photo", []byte("jpeg"))
	f.h.Network.AddMedia("mxc://src.org/doc", []byte("pdf"))

	attrs := transport.FileAttributes{FileName: "report.pdf", MimeType: "application/pdf", Size: 3}

	photo := textEvent("$p1", "@42:src.org", "look")
	photo.Media = &transport.Media{Ref: "mxc://src.org/photo", Kind: transport.MediaPhoto, Attributes: transport.FileAttributes{FileName: "IMG.jpg"}}
	require.NoError(t, f.engine.HandleEvent(ctx, photo))

	doc := textEvent("$d1", "@42:src.org", "read")
	doc.ReplyTo = "$p1"
	doc.Media = &transport.Media{Ref: "mxc://src.org/doc", Kind: transport.MediaDocument, Attributes: attrs}
	require.NoError(t, f.engine.HandleEvent(ctx, doc))

	sent := f.h.Network.Sent()
	require.Len(t, sent, 2)

	assert.Equal(t, transport.MediaPhoto, sent[0].Kind)
	assert.Equal(t, transport.FileAttributes{}, sent[0].Attrs, "photos are re-uploaded without document attributes")
	assert.Equal(t, "look", sent[0].Text)

	assert.Equal(t, transport.MediaDocument, sent[1].Kind)
	assert.Equal(t, attrs, sent[1].Attrs)
	assert.Equal(t, sent[0].ID, sent[1].ReplyTo, "media replies keep their reply target")

	entries, err := os.ReadDir(f.mediaDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary media removed")
}

func TestMediaUploadFailureStillCleansUp(t *testing.T) {
	f := newFixture(t, "a1")
	f.addSender("@42:src.org", "Alice")
	f.h.Network.AddMedia("mxc://src.org/photo", []byte("jpeg"))
	f.h.Transports["a1"].FailOn("UploadFile", transporttest.Unavailable("upload"))

	ev := textEvent("$p1", "@42:src.org", "")
	ev.Media = &transport.Media{Ref: "mxc://src.org/photo", Kind: transport.MediaPhoto}
	require.Error(t, f.engine.HandleEvent(context.Background(), ev))

	entries, err := os.ReadDir(f.mediaDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFrozenMonitorDoesNotRetireRelayingAgent(t *testing.T) {
	f := newFixture(t, "a1")
	f.addSender("@42:src.org", "Alice")
	f.h.Transports["monitor"].FailOn("DownloadMedia", transporttest.Frozen("download"))

	ev := textEvent("$p1", "@42:src.org", "")
	ev.Media = &transport.Media{Ref: "mxc://src.org/photo", Kind: transport.MediaPhoto}
	err := f.engine.HandleEvent(context.Background(), ev)
	require.Error(t, err)

	assert.Equal(t, agent.StateAuthorized, f.h.Agent(t, "a1").State())
	assert.Equal(t, agent.StateRetired, f.h.Agent(t, "monitor").State(), "frozen monitor is reaped")
}

func TestMonitorCallsHoldMonitorLock(t *testing.T) {
	f := newFixture(t, "a1")
	f.addSender("@42:src.org", "Alice")

	unlock, ok := f.h.Pool.Locks().LockAgent("monitor")
	require.True(t, ok)

	done := make(chan error, 1)
	go func() {
		done <- f.engine.HandleEvent(context.Background(), textEvent("$m1", "@42:src.org", "hello"))
	}()

	select {
	case err := <-done:
		unlock()
		t.Fatalf("event handled while the monitor was busy: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.NotContains(t, f.h.Transports["monitor"].Calls(), "ResolveUser")

	unlock()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("event not handled after the monitor lock was released")
	}
	assert.Len(t, f.h.Network.Sent(), 1)
}

func TestMediaDownloadHoldsMonitorLock(t *testing.T) {
	f := newFixture(t, "a1")
	f.addSender("@42:src.org", "Alice")
	f.h.Network.AddMedia("mxc://src.org/photo", []byte("jpeg"))

	var lockedDuringDownload atomic.Bool
	f.h.Transports["monitor"].OnCall("DownloadMedia", func() {
		acquired := make(chan struct{})
		go func() {
			if unlock, ok := f.h.Pool.Locks().LockAgent("monitor"); ok {
				unlock()
			}
			close(acquired)
		}()
		select {
		case <-acquired:
		case <-time.After(30 * time.Millisecond):
			lockedDuringDownload.Store(true)
		}
	})

	ev := textEvent("$p1", "@42:src.org", "")
	ev.Media = &transport.Media{Ref: "mxc://src.org/photo", Kind: transport.MediaPhoto}
	require.NoError(t, f.engine.HandleEvent(context.Background(), ev))

	assert.True(t, lockedDuringDownload.Load())
	assert.Len(t, f.h.Network.Sent(), 1)
}

func TestLoggedOutAgentDropsEvents(t *testing.T) {
	f := newFixture(t, "a1", "a2")
	f.addSender("@42:src.org", "Alice")
	ctx := context.Background()

	require.NoError(t, f.engine.HandleEvent(ctx, textEvent("$m1", "@42:src.org", "hello")))
	require.NoError(t, f.h.Pool.Deauthorize("a1"))

	err := f.engine.HandleEvent(ctx, textEvent("$m2", "@42:src.org", "again"))
	require.True(t, errors.Is(err, agent.ErrAgentOffline))
	assert.Empty(t, f.h.Agent(t, "a2").AssignedIdentity(), "identity is not moved to another agent")
}
