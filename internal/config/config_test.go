// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults, ordering, and the file watcher

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const minimalConfig = `
database:
  path: "./test.db"
sessions:
  dir: "./sessions"
rooms:
  sources: ["!src:example.org"]
  target: "!dst:example.org"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:9000"

database:
  path: "./test.db"

sessions:
  dir: "./sessions"
  monitor_name: "watcher"

transport:
  request_timeout: "10s"
  proxy: "socks5://127.0.0.1:1080"
  status_decoration: true

rooms:
  sources:
    - "!a:example.org"
    - "#b:example.org"
  target: "!dst:example.org"

forward:
  media_dir: "/tmp/media"
  workers: 3

blacklist:
  identity_ids: ["@spam:example.org"]
  keywords: ["casino"]
  names: ["Bot"]

queue:
  backend: "redis"
  delay: "250ms"
  redis:
    address: "localhost:6379"
    key: "mimic:test"

links:
  max_entries: 500
  ttl: "1h"
  retention: "48h"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:9000" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:9000")
	}
	if cfg.Sessions.MonitorName != "watcher" {
		t.Errorf("Sessions.MonitorName = %q, want %q", cfg.Sessions.MonitorName, "watcher")
	}
	if cfg.Transport.RequestTimeout != 10*time.Second {
		t.Errorf("Transport.RequestTimeout = %v, want 10s", cfg.Transport.RequestTimeout)
	}
	if !cfg.Transport.StatusDecoration {
		t.Error("Transport.StatusDecoration = false, want true")
	}
	if len(cfg.Rooms.Sources) != 2 || cfg.Rooms.Sources[1] != "#b:example.org" {
		t.Errorf("Rooms.Sources = %v", cfg.Rooms.Sources)
	}
	if cfg.Forward.Workers != 3 {
		t.Errorf("Forward.Workers = %d, want 3", cfg.Forward.Workers)
	}
	if cfg.Forward.ProfileDir != "/tmp/media" {
		t.Errorf("Forward.ProfileDir = %q, want media dir fallback", cfg.Forward.ProfileDir)
	}
	if cfg.Queue.Delay != 250*time.Millisecond {
		t.Errorf("Queue.Delay = %v, want 250ms", cfg.Queue.Delay)
	}
	if cfg.Queue.Redis.Key != "mimic:test" {
		t.Errorf("Queue.Redis.Key = %q", cfg.Queue.Redis.Key)
	}
	if cfg.Links.TTL != time.Hour || cfg.Links.Retention != 48*time.Hour || cfg.Links.MaxEntries != 500 {
		t.Errorf("Links = %+v", cfg.Links)
	}
	if cfg.Blacklist.Keywords[0] != "casino" {
		t.Errorf("Blacklist.Keywords = %v", cfg.Blacklist.Keywords)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:8090" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Sessions.MonitorName != "monitor" {
		t.Errorf("Sessions.MonitorName = %q", cfg.Sessions.MonitorName)
	}
	if cfg.Queue.Backend != "memory" || cfg.Queue.Delay != time.Second {
		t.Errorf("Queue = %+v", cfg.Queue)
	}
	if cfg.Forward.Workers != 1 {
		t.Errorf("Forward.Workers = %d", cfg.Forward.Workers)
	}
	if cfg.Links.TTL != 0 {
		t.Errorf("Links.TTL = %v, want no expiry", cfg.Links.TTL)
	}
	if cfg.Logging.Format != "text" || cfg.Logging.Level != "info" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_ZeroDelayDisablesThrottle(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+"queue:\n  delay: \"0s\"\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Queue.Delay != 0 {
		t.Errorf("Queue.Delay = %v, want 0", cfg.Queue.Delay)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("MIMIC_TEST_SECRET", "s3cret-s3cret-s3cret-s3cret-s3cret")
	t.Setenv("MIMIC_TEST_TARGET", "!expanded:example.org")

	cfg, err := Load(writeConfig(t, `
auth:
  jwt_secret: "${MIMIC_TEST_SECRET}"
database:
  path: "./test.db"
sessions:
  dir: "./sessions"
rooms:
  sources: ["!src:example.org"]
  target: "${MIMIC_TEST_TARGET}"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "s3cret-s3cret-s3cret-s3cret-s3cret" {
		t.Errorf("Auth.JWTSecret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Rooms.Target != "!expanded:example.org" {
		t.Errorf("Rooms.Target = %q", cfg.Rooms.Target)
	}
}

func TestLoad_ReplacementsKeepOrder(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
replacements:
  zebra: "z"
  apple: "a"
  mango: "m"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var keys []string
	for _, r := range cfg.Replacements {
		keys = append(keys, r.Old)
	}
	if got := strings.Join(keys, ","); got != "zebra,apple,mango" {
		t.Errorf("replacement order = %s, want document order", got)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing file", "", "reading config file"},
		{"missing database", "sessions:\n  dir: x\nrooms:\n  sources: [a]\n  target: b\n", "database.path is required"},
		{"missing sessions", "database:\n  path: x\nrooms:\n  sources: [a]\n  target: b\n", "sessions.dir is required"},
		{"missing target", "database:\n  path: x\nsessions:\n  dir: x\nrooms:\n  sources: [a]\n", "rooms.target is required"},
		{"no sources", "database:\n  path: x\nsessions:\n  dir: x\nrooms:\n  target: b\n", "rooms.sources"},
		{"target in sources", "database:\n  path: x\nsessions:\n  dir: x\nrooms:\n  sources: [b]\n  target: b\n", "must not contain the target"},
		{"bad duration", minimalConfig + "queue:\n  delay: soon\n", "queue.delay"},
		{"bad proxy", minimalConfig + "transport:\n  proxy: ftp://x\n", "not supported"},
		{"redis without address", minimalConfig + "queue:\n  backend: redis\n", "queue.redis.address"},
		{"amqp without url", minimalConfig + "queue:\n  backend: amqp\n", "queue.amqp.url"},
		{"unknown backend", minimalConfig + "queue:\n  backend: kafka\n", "queue.backend"},
		{"bad log format", minimalConfig + "logging:\n  format: xml\n", "logging.format"},
		{"replacements not a map", minimalConfig + "replacements: [a, b]\n", "replacements must be a mapping"},
		{"duplicate replacement", minimalConfig + "replacements:\n  a: b\n  a: c\n", ""},
		{"short jwt secret", minimalConfig + "auth:\n  jwt_secret: short\n", "auth.jwt_secret"},
		{"tailscale without hostname", minimalConfig + "tailscale:\n  enabled: true\n", "tailscale.hostname"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "missing.yaml")
			if tt.content != "" {
				path = writeConfig(t, tt.content)
			}
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestTemplateParses(t *testing.T) {
	dir := t.TempDir()
	secret := "0123456789abcdef0123456789abcdef"
	content := fmt.Sprintf(Template, dir, dir, dir, secret)
	cfg, err := Parse([]byte(content))
	if err != nil {
		t.Fatalf("template does not parse: %v", err)
	}
	if cfg.Auth.JWTSecret != secret {
		t.Errorf("Auth.JWTSecret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Database.Path != filepath.Join(dir, "mimic.db") {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
}

func TestWatcherDebouncesChanges(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var changes atomic.Int32
	w := NewWatcher(path, 50*time.Millisecond, nil)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func() { changes.Add(1) })
	}()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte(minimalConfig+fmt.Sprintf("# edit %d\n", i)), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Unrelated files in the same directory are ignored.
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), "other.yaml"), []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for changes.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(150 * time.Millisecond)

	if got := changes.Load(); got != 1 {
		t.Errorf("expected 1 debounced change, got %d", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}
