// ABOUTME: Tests for the agent pool, identity assignment, and frozen agent reaping.
// ABOUTME: Uses the in-memory fake transport and a temporary credential directory.

package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/2389/mimic/internal/credential"
	"github.com/2389/mimic/internal/transport"
	"github.com/2389/mimic/internal/transport/transporttest"
)

type recordedCall struct {
	kind     string
	agentID  string
	identity string
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (r *fakeRecorder) RecordAssignment(ctx context.Context, agentID, identityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedCall{"assign", agentID, identityID})
	return nil
}

func (r *fakeRecorder) RecordRelease(ctx context.Context, agentID, identityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedCall{"release", agentID, identityID})
	return nil
}

func (r *fakeRecorder) snapshot() []recordedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedCall(nil), r.calls...)
}

type testPool struct {
	pool       *Pool
	creds      *credential.FileStore
	net        *transporttest.Network
	transports map[string]*transporttest.Transport
	recorder   *fakeRecorder
}

func newTestPool(t *testing.T, names ...string) *testPool {
	t.Helper()

	creds, err := credential.NewFileStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("creating credential store: %v", err)
	}

	net := transporttest.NewNetwork()
	dialer := transporttest.NewDialer()
	tp := &testPool{
		creds:      creds,
		net:        net,
		transports: make(map[string]*transporttest.Transport),
		recorder:   &fakeRecorder{},
	}

	for _, name := range names {
		err := creds.Save(name, &credential.Credential{
			Homeserver:  "https://matrix.example.org",
			UserID:      "@" + name + ":example.org",
			AccessToken: "token-" + name,
		})
		if err != nil {
			t.Fatalf("saving credential %s: %v", name, err)
		}
		tr := net.NewTransport(name, transport.User{ID: "@" + name + ":example.org", Username: name})
		dialer.Register(tr)
		tp.transports[name] = tr
	}

	tp.pool = NewPool(PoolConfig{
		Credentials: creds,
		Dialer:      dialer,
		Recorder:    tp.recorder,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if _, err := tp.pool.LoadAll(); err != nil {
		t.Fatalf("loading agents: %v", err)
	}
	return tp
}

func (tp *testPool) authorizeAll(t *testing.T) {
	t.Helper()
	for _, a := range tp.pool.List() {
		if _, err := tp.pool.Authorize(context.Background(), a.ID); err != nil {
			t.Fatalf("authorizing %s: %v", a.ID, err)
		}
	}
}

// claimFor mirrors the forwarding engine's first-assignment path.
func claimFor(p *Pool, identity string) *Agent {
	unlock := p.Locks().LockIdentity(identity)
	defer unlock()

	if a := p.FindAssignment(identity); a != nil {
		return a
	}
	for {
		a := p.ClaimUnassigned()
		if a == nil {
			return nil
		}
		unlockAgent, ok := p.Locks().LockAgent(a.ID)
		if !ok {
			continue
		}
		err := p.Assign(context.Background(), a, identity)
		unlockAgent()
		if err == nil {
			return a
		}
	}
}

func TestLoadAll(t *testing.T) {
	tp := newTestPool(t, "a1", "a2", "monitor")

	agents := tp.pool.List()
	if len(agents) != 3 {
		t.Fatalf("expected 3 agents, got %d", len(agents))
	}
	for _, a := range agents {
		if a.State() != StateUnauthorized {
			t.Errorf("agent %s: expected unauthorized, got %s", a.ID, a.State())
		}
	}

	m := tp.pool.Monitor()
	if m == nil || m.ID != "monitor" || m.Role != RoleMonitor {
		t.Fatalf("expected monitor agent, got %+v", m)
	}

	t.Run("idempotent", func(t *testing.T) {
		added, err := tp.pool.LoadAll()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(added) != 0 {
			t.Fatalf("expected no new agents, got %d", len(added))
		}
	})

	t.Run("picks up new credentials", func(t *testing.T) {
		err := tp.creds.Save("a3", &credential.Credential{Homeserver: "https://hs", AccessToken: "t"})
		if err != nil {
			t.Fatalf("saving: %v", err)
		}
		added, err := tp.pool.LoadAll()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(added) != 1 || added[0].ID != "a3" {
			t.Fatalf("expected a3 added, got %v", added)
		}
	})
}

func TestAuthorize(t *testing.T) {
	t.Run("success registers lock", func(t *testing.T) {
		tp := newTestPool(t, "a1")

		a, err := tp.pool.Authorize(context.Background(), "a1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a.State() != StateAuthorized {
			t.Errorf("expected authorized, got %s", a.State())
		}
		if got := a.Info().DisplayStatus; got != StatusOnline {
			t.Errorf("expected status %q, got %q", StatusOnline, got)
		}
		if !tp.pool.Locks().HasAgent("a1") {
			t.Error("expected agent lock registered")
		}
		if !tp.pool.IsOwnIdentity("@a1:example.org") {
			t.Error("expected own identity recognised after authorize")
		}
	})

	t.Run("rejected credential is deleted", func(t *testing.T) {
		tp := newTestPool(t, "a1", "a2")
		tp.transports["a1"].SetAuthorized(false)

		_, err := tp.pool.Authorize(context.Background(), "a1")
		if !errors.Is(err, ErrNotAuthorized) {
			t.Fatalf("expected ErrNotAuthorized, got %v", err)
		}
		if _, err := tp.pool.Get("a1"); !errors.Is(err, ErrAgentNotFound) {
			t.Errorf("expected a1 dropped, got %v", err)
		}
		names, _ := tp.creds.List()
		if len(names) != 1 || names[0] != "a2" {
			t.Errorf("expected only a2 credential left, got %v", names)
		}
		if tp.transports["a1"].Connected() {
			t.Error("expected rejected transport disconnected")
		}
	})

	t.Run("frozen on connect counts as rejected", func(t *testing.T) {
		tp := newTestPool(t, "a1")
		tp.transports["a1"].FailOn("Connect", transporttest.Frozen("connect"))

		_, err := tp.pool.Authorize(context.Background(), "a1")
		if !errors.Is(err, ErrNotAuthorized) {
			t.Fatalf("expected ErrNotAuthorized, got %v", err)
		}
	})

	t.Run("unavailable leaves state unchanged", func(t *testing.T) {
		tp := newTestPool(t, "a1")
		tp.transports["a1"].FailOn("Connect", transporttest.Unavailable("connect"))

		_, err := tp.pool.Authorize(context.Background(), "a1")
		if !errors.Is(err, ErrTransportUnavailable) {
			t.Fatalf("expected ErrTransportUnavailable, got %v", err)
		}
		a, err := tp.pool.Get("a1")
		if err != nil {
			t.Fatalf("expected a1 kept: %v", err)
		}
		if a.State() != StateUnauthorized {
			t.Errorf("expected unauthorized, got %s", a.State())
		}
		if names, _ := tp.creds.List(); len(names) != 1 {
			t.Errorf("expected credential kept, got %v", names)
		}
	})

	t.Run("unknown agent", func(t *testing.T) {
		tp := newTestPool(t)
		if _, err := tp.pool.Authorize(context.Background(), "ghost"); !errors.Is(err, ErrAgentNotFound) {
			t.Fatalf("expected ErrAgentNotFound, got %v", err)
		}
	})
}

func TestClaimUnassigned(t *testing.T) {
	tp := newTestPool(t, "a1", "a2", "monitor")
	tp.authorizeAll(t)

	a := tp.pool.ClaimUnassigned()
	if a == nil || a.ID != "a1" {
		t.Fatalf("expected a1 as first free agent, got %v", a)
	}

	if got := claimFor(tp.pool, "alice"); got.ID != "a1" {
		t.Fatalf("expected alice on a1, got %s", got.ID)
	}
	if got := claimFor(tp.pool, "bob"); got.ID != "a2" {
		t.Fatalf("expected bob on a2, got %s", got.ID)
	}

	t.Run("exhausted pool never offers the monitor", func(t *testing.T) {
		if a := tp.pool.ClaimUnassigned(); a != nil {
			t.Fatalf("expected exhausted pool, got %s", a.ID)
		}
		if a := claimFor(tp.pool, "carol"); a != nil {
			t.Fatalf("expected no agent for carol, got %s", a.ID)
		}
		if a := tp.pool.FindAssignment("carol"); a != nil {
			t.Fatal("expected no partial assignment for carol")
		}
	})
}

func TestAssignBijectiveUnderConcurrency(t *testing.T) {
	tp := newTestPool(t, "a1", "a2", "a3", "a4")
	tp.authorizeAll(t)

	identities := []string{"alice", "bob", "carol", "dave", "erin", "frank"}

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimFor(tp.pool, identities[i%len(identities)])
		}(i)
	}
	wg.Wait()

	holders := make(map[string][]string)
	for _, a := range tp.pool.List() {
		if id := a.AssignedIdentity(); id != "" {
			holders[id] = append(holders[id], a.ID)
		}
	}
	if len(holders) != 4 {
		t.Fatalf("expected 4 identities assigned, got %d: %v", len(holders), holders)
	}
	for identity, agents := range holders {
		if len(agents) != 1 {
			t.Errorf("identity %s held by %v", identity, agents)
		}
		if found := tp.pool.FindAssignment(identity); found == nil || found.ID != agents[0] {
			t.Errorf("FindAssignment(%s) disagrees with agent state", identity)
		}
	}

	assigns := 0
	for _, c := range tp.recorder.snapshot() {
		if c.kind == "assign" {
			assigns++
		}
	}
	if assigns != 4 {
		t.Errorf("expected 4 recorded assignments, got %d", assigns)
	}

	if n := tp.pool.Locks().IdentityLocks(); n != 4 {
		t.Errorf("expected only pinned identity locks to remain, got %d", n)
	}
}

func TestAssignmentIsStable(t *testing.T) {
	tp := newTestPool(t, "a1", "a2")
	tp.authorizeAll(t)

	first := claimFor(tp.pool, "42")
	for i := 0; i < 5; i++ {
		if got := claimFor(tp.pool, "42"); got != first {
			t.Fatalf("identity moved from %s to %s", first.ID, got.ID)
		}
	}

	if err := tp.pool.Assign(context.Background(), tp.pool.ClaimUnassigned(), "42"); !errors.Is(err, ErrAgentTaken) {
		t.Fatalf("expected ErrAgentTaken binding an assigned identity elsewhere, got %v", err)
	}
}

func TestReap(t *testing.T) {
	tp := newTestPool(t, "a1", "a2")
	tp.authorizeAll(t)

	a1 := claimFor(tp.pool, "alice")
	a2 := claimFor(tp.pool, "bob")

	if !tp.pool.Reap(context.Background(), a1) {
		t.Fatal("expected first reap to retire a1")
	}
	if tp.pool.Reap(context.Background(), a1) {
		t.Fatal("expected second reap to be a no-op")
	}

	if a1.State() != StateRetired {
		t.Errorf("expected a1 retired, got %s", a1.State())
	}
	if a1.Info().DisplayStatus != StatusFrozen {
		t.Errorf("expected a1 frozen, got %s", a1.Info().DisplayStatus)
	}
	if tp.transports["a1"].Connected() {
		t.Error("expected a1 disconnected")
	}
	if tp.pool.FindAssignment("alice") != nil {
		t.Error("expected alice no longer routed to a retired agent")
	}
	if tp.pool.Locks().HasAgent("a1") {
		t.Error("expected a1 lock cleared")
	}

	if got := tp.pool.FindAssignment("bob"); got != a2 {
		t.Error("expected bob still on a2")
	}
	if a2.State() != StateAuthorized || !tp.pool.Locks().HasAgent("a2") {
		t.Error("expected a2 untouched")
	}

	if a := tp.pool.ClaimUnassigned(); a != nil {
		t.Errorf("expected retired a1 not claimable, got %s", a.ID)
	}

	var released []string
	for _, c := range tp.recorder.snapshot() {
		if c.kind == "release" {
			released = append(released, fmt.Sprintf("%s/%s", c.agentID, c.identity))
		}
	}
	if len(released) != 1 || released[0] != "a1/alice" {
		t.Errorf("expected one release for a1/alice, got %v", released)
	}

	if _, err := tp.pool.Authorize(context.Background(), "a1"); !errors.Is(err, ErrAgentRetired) {
		t.Errorf("expected retired agent to refuse login, got %v", err)
	}
}

func TestDeauthorizeKeepsBinding(t *testing.T) {
	tp := newTestPool(t, "a1")
	tp.authorizeAll(t)
	a1 := claimFor(tp.pool, "alice")

	if err := tp.pool.Deauthorize("a1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a1.State() != StateUnauthorized || a1.Transport() != nil {
		t.Fatalf("expected a1 logged out, state %s", a1.State())
	}
	if tp.pool.Locks().HasAgent("a1") {
		t.Error("expected lock cleared on logout")
	}
	if got := tp.pool.FindAssignment("alice"); got != a1 {
		t.Error("expected alice still bound to a1")
	}

	if _, err := tp.pool.Authorize(context.Background(), "a1"); err != nil {
		t.Fatalf("re-login failed: %v", err)
	}
	if a1.AssignedIdentity() != "alice" {
		t.Errorf("expected binding to survive re-login, got %q", a1.AssignedIdentity())
	}
}
