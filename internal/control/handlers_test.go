// ABOUTME: Tests for the control API handlers, auth gating and server lifecycle.
// ABOUTME: Uses httptest against a stub command surface.

package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mimic/internal/agent"
	"github.com/2389/mimic/internal/auth"
	"github.com/2389/mimic/internal/config"
	"github.com/2389/mimic/internal/service"
	"github.com/2389/mimic/internal/session"
	"github.com/2389/mimic/internal/store"
)

type stubCommands struct {
	infos       []agent.Info
	report      session.Report
	err         error
	startErr    error
	reloads     int
	cleared     int
	assignments []*store.Assignment
	gotLimit    int
	logFile     string
}

func (c *stubCommands) LoadAgents(context.Context) ([]agent.Info, error) { return c.infos, c.err }
func (c *stubCommands) LoginAll(context.Context) (session.Report, error) { return c.report, c.err }
func (c *stubCommands) LogoutAll(context.Context) (session.Report, error) {
	return c.report, c.err
}
func (c *stubCommands) JoinTarget(context.Context) (session.Report, error) {
	return c.report, c.err
}
func (c *stubCommands) ClearAvatars(context.Context) (int, error) { return c.cleared, c.err }
func (c *stubCommands) LoginMonitor(context.Context) (session.Report, error) {
	return c.report, c.err
}
func (c *stubCommands) StartMonitoring(context.Context) error { return c.startErr }
func (c *stubCommands) StopMonitoring(context.Context) (session.Report, error) {
	return c.report, c.err
}
func (c *stubCommands) Reload(context.Context) error {
	c.reloads++
	return c.err
}
func (c *stubCommands) Assignments(_ context.Context, limit int) ([]*store.Assignment, error) {
	c.gotLimit = limit
	return c.assignments, c.err
}
func (c *stubCommands) LogFile(context.Context) (string, error) { return c.logFile, nil }

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestServer(t *testing.T, cmds Commands, verifier auth.TokenVerifier) *Server {
	t.Helper()
	cfg := &config.Config{Server: config.ServerConfig{HTTPAddr: "127.0.0.1:0"}}
	return New(cfg, cmds, verifier, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	s := newTestServer(t, &stubCommands{}, verifier)

	rec := do(t, s.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestListAgents(t *testing.T) {
	cmds := &stubCommands{infos: []agent.Info{
		{ID: "monitor", Role: agent.RoleMonitor, State: agent.StateAuthorized, DisplayStatus: "listening", Listening: true,
			UserID: "@monitor:example.org", Phone: "+15550100"},
		{ID: "a1", Role: agent.RoleClone, State: agent.StateUnauthorized, DisplayStatus: "offline"},
	}}
	s := newTestServer(t, cmds, nil)

	rec := do(t, s.Handler(), http.MethodGet, "/api/agents", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got []AgentResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Len(t, got, 2)
	assert.Equal(t, "monitor", got[0].ID)
	assert.Equal(t, string(agent.RoleMonitor), got[0].Role)
	assert.Equal(t, agent.StateAuthorized.String(), got[0].State)
	assert.True(t, got[0].Listening)
	assert.Equal(t, "@monitor:example.org", got[0].UserID)
	assert.Equal(t, "+15550100", got[0].Phone)
	assert.Equal(t, "offline", got[1].Status)
	assert.Empty(t, got[1].Phone)
}

func TestReportRoutes(t *testing.T) {
	cmds := &stubCommands{report: session.Report{Outcomes: []session.Outcome{
		{AgentID: "a1", Result: session.ResultOK},
		{AgentID: "a2", Result: session.ResultFrozen, Error: "gone"},
	}}}
	s := newTestServer(t, cmds, nil)

	for _, path := range []string{"/api/agents/login", "/api/agents/logout", "/api/agents/join", "/api/monitor/login", "/api/monitor/stop"} {
		t.Run(path, func(t *testing.T) {
			rec := do(t, s.Handler(), http.MethodPost, path, "")
			require.Equal(t, http.StatusOK, rec.Code)

			var got session.Report
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
			assert.Equal(t, cmds.report, got)
		})
	}
}

func TestEmptyReportEncodesEmptyList(t *testing.T) {
	s := newTestServer(t, &stubCommands{}, nil)

	rec := do(t, s.Handler(), http.MethodPost, "/api/agents/login", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"outcomes":[]}`, rec.Body.String())
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, &stubCommands{}, nil)

	rec := do(t, s.Handler(), http.MethodGet, "/api/agents/login", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCommandErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"no monitor", session.ErrNoMonitor, http.StatusNotFound},
		{"already monitoring", service.ErrAlreadyMonitoring, http.StatusConflict},
		{"monitor offline", fmt.Errorf("monitor m: %w", agent.ErrAgentOffline), http.StatusConflict},
		{"no sources", service.ErrNoSources, http.StatusBadRequest},
		{"stopped", service.ErrStopped, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &stubCommands{startErr: tt.err}, nil)

			rec := do(t, s.Handler(), http.MethodPost, "/api/monitor/start", "")
			assert.Equal(t, tt.want, rec.Code)

			var body map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.err.Error(), body["error"])
		})
	}
}

func TestStartMonitoringOK(t *testing.T) {
	s := newTestServer(t, &stubCommands{}, nil)

	rec := do(t, s.Handler(), http.MethodPost, "/api/monitor/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"monitoring"}`, rec.Body.String())
}

func TestReloadAndClearAvatars(t *testing.T) {
	cmds := &stubCommands{cleared: 3}
	s := newTestServer(t, cmds, nil)

	rec := do(t, s.Handler(), http.MethodPost, "/api/config/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, cmds.reloads)

	rec = do(t, s.Handler(), http.MethodPost, "/api/agents/avatars/clear", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cleared":3}`, rec.Body.String())
}

func TestAssignments(t *testing.T) {
	assigned := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	released := assigned.Add(time.Hour)
	cmds := &stubCommands{assignments: []*store.Assignment{
		{IdentityID: "@b:src.org", AgentID: "a2", AssignedAt: assigned},
		{IdentityID: "@a:src.org", AgentID: "a1", AssignedAt: assigned, ReleasedAt: &released},
	}}
	s := newTestServer(t, cmds, nil)

	rec := do(t, s.Handler(), http.MethodGet, "/api/assignments?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, cmds.gotLimit)

	var got []AssignmentResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Len(t, got, 2)
	assert.Empty(t, got[0].ReleasedAt)
	assert.Equal(t, "2026-03-01T13:00:00Z", got[1].ReleasedAt)

	rec = do(t, s.Handler(), http.MethodGet, "/api/assignments", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultAssignmentLimit, cmds.gotLimit)

	rec = do(t, s.Handler(), http.MethodGet, "/api/assignments?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mimic.log")
	var b strings.Builder
	for i := 1; i <= 10; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0644))
	s := newTestServer(t, &stubCommands{logFile: path}, nil)

	rec := do(t, s.Handler(), http.MethodGet, "/api/logs?lines=3", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got LogsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, []string{"line 8", "line 9", "line 10"}, got.Lines)
}

func TestLogsWithoutFile(t *testing.T) {
	s := newTestServer(t, &stubCommands{}, nil)

	rec := do(t, s.Handler(), http.MethodGet, "/api/logs", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthRequiredWhenSecretConfigured(t *testing.T) {
	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	token, err := verifier.Generate("ops", time.Hour)
	require.NoError(t, err)
	s := newTestServer(t, &stubCommands{}, verifier)

	assert.Equal(t, http.StatusUnauthorized, do(t, s.Handler(), http.MethodGet, "/api/agents", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, s.Handler(), http.MethodGet, "/api/agents", "not-a-jwt").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, s.Handler(), http.MethodPost, "/api/monitor/start", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodGet, "/api/agents", token).Code)
}

func TestServeStopsOnCancel(t *testing.T) {
	s := newTestServer(t, &stubCommands{}, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := resolveTailscaleAuthKey("")
	assert.Error(t, err)

	key, err := resolveTailscaleAuthKey("tskey-configured")
	require.NoError(t, err)
	assert.Equal(t, "tskey-configured", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)
}
