// ABOUTME: Test harness wiring an agent pool to fake transports and a temp credential store.
// ABOUTME: Shared by every package whose tests need live agents.

package agenttest

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/2389/mimic/internal/agent"
	"github.com/2389/mimic/internal/credential"
	"github.com/2389/mimic/internal/transport"
	"github.com/2389/mimic/internal/transport/transporttest"
)

// Harness is a pool whose agents talk to one fake network.
type Harness struct {
	Pool       *agent.Pool
	Creds      *credential.FileStore
	Network    *transporttest.Network
	Dialer     *transporttest.Dialer
	Transports map[string]*transporttest.Transport
	Logger     *slog.Logger
}

// New creates credentials and fake transports for names and loads them into a
// pool. The name "monitor" becomes the monitoring agent.
func New(t testing.TB, names ...string) *Harness {
	t.Helper()

	creds, err := credential.NewFileStore(t.TempDir(), credential.DefaultMonitorName)
	if err != nil {
		t.Fatalf("creating credential store: %v", err)
	}

	h := &Harness{
		Creds:      creds,
		Network:    transporttest.NewNetwork(),
		Dialer:     transporttest.NewDialer(),
		Transports: make(map[string]*transporttest.Transport),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, name := range names {
		h.AddCredential(t, name)
	}

	h.Pool = agent.NewPool(agent.PoolConfig{
		Credentials: creds,
		Dialer:      h.Dialer,
		Logger:      h.Logger,
	})
	if _, err := h.Pool.LoadAll(); err != nil {
		t.Fatalf("loading agents: %v", err)
	}
	return h
}

// AddCredential saves a credential and registers a fake transport for name
// without loading it into the pool.
func (h *Harness) AddCredential(t testing.TB, name string) *transporttest.Transport {
	t.Helper()

	err := h.Creds.Save(name, &credential.Credential{
		Homeserver:  "https://matrix.example.org",
		UserID:      UserID(name),
		AccessToken: "token-" + name,
	})
	if err != nil {
		t.Fatalf("saving credential %s: %v", name, err)
	}
	tr := h.Network.NewTransport(name, transport.User{ID: UserID(name), Username: name})
	h.Dialer.Register(tr)
	h.Transports[name] = tr
	return tr
}

// AuthorizeAll logs every loaded agent in and fails the test on error.
func (h *Harness) AuthorizeAll(t testing.TB) {
	t.Helper()
	for _, a := range h.Pool.List() {
		if _, err := h.Pool.Authorize(context.Background(), a.ID); err != nil {
			t.Fatalf("authorizing %s: %v", a.ID, err)
		}
	}
}

// Agent returns the named agent or fails the test.
func (h *Harness) Agent(t testing.TB, name string) *agent.Agent {
	t.Helper()
	a, err := h.Pool.Get(name)
	if err != nil {
		t.Fatalf("getting agent %s: %v", name, err)
	}
	return a
}

// UserID is the fake account id of the named agent.
func UserID(name string) string {
	return "@" + name + ":example.org"
}
