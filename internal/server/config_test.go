package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "server.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// TestLoadConfig verifies YAML values land on top of the defaults.
func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
port: ":9090"
node_id: node-a
allowed_origins: ["https://chat.example.com"]
send_buffer: 64
rate_limit:
  burst: 5
  refill_interval: 500ms
typing:
  exclude_sender: true
nats:
  url: nats://127.0.0.1:4222
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != ":9090" || cfg.NodeID != "node-a" || cfg.SendBuffer != 64 {
		t.Errorf("scalar fields = %q %q %d", cfg.Port, cfg.NodeID, cfg.SendBuffer)
	}
	if cfg.RateLimit.Burst != 5 || cfg.RateLimit.RefillInterval != 500*time.Millisecond {
		t.Errorf("rate limit = %+v", cfg.RateLimit)
	}
	if !cfg.Typing.ExcludeSender {
		t.Error("typing.exclude_sender not applied")
	}
	if cfg.NATS.URL != "nats://127.0.0.1:4222" || cfg.NATS.Subject != defaultNATSSubject {
		t.Errorf("nats = %+v", cfg.NATS)
	}
	if cfg.MaxMessageSize != defaultMaxMessageSize {
		t.Errorf("MaxMessageSize = %d, want default", cfg.MaxMessageSize)
	}
}

// TestLoadConfigEnvOverrides verifies environment variables win over the file.
func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "port: \":9090\"\n")
	t.Setenv("SERVER_PORT", ":7070")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "3")
	t.Setenv("REDIS_ADDR", "127.0.0.1:6379")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != ":7070" {
		t.Errorf("Port = %q, want env value", cfg.Port)
	}
	if cfg.RateLimit.RefillInterval != 3*time.Second {
		t.Errorf("RefillInterval = %v, want 3s", cfg.RateLimit.RefillInterval)
	}
	if cfg.Redis.Addr != "127.0.0.1:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
}

// TestLoadConfigRejects covers unreadable, unparsable and invalid files.
func TestLoadConfigRejects(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}

	bodies := map[string]string{
		"bad yaml":         "port: [",
		"negative db":      "redis:\n  db: -1\n",
		"wildcard subject": "nats:\n  subject: chat.>\n",
		"mongo without db": "mongo:\n  uri: mongodb://localhost\n",
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, t.TempDir(), body)); err == nil {
				t.Errorf("%s accepted", name)
			}
		})
	}
}

// TestSetConfigSanitizes verifies out-of-range values fall back to defaults.
func TestSetConfigSanitizes(t *testing.T) {
	SetConfig(&Config{SendBuffer: -1, MaxMessageSize: 0})
	t.Cleanup(func() { SetConfig(nil) })

	cfg := CurrentConfig()
	if cfg.SendBuffer != defaultSendBuffer || cfg.MaxMessageSize != defaultMaxMessageSize {
		t.Fatalf("sanitized = %d %d", cfg.SendBuffer, cfg.MaxMessageSize)
	}
	if cfg.RateLimit.Burst != defaultBurst || cfg.ShutdownTimeout != defaultShutdownTimeout {
		t.Fatalf("sanitized rate/shutdown = %+v %v", cfg.RateLimit, cfg.ShutdownTimeout)
	}
}

// TestParseInterval covers both accepted forms.
func TestParseInterval(t *testing.T) {
	if got := parseInterval("250ms", time.Second); got != 250*time.Millisecond {
		t.Errorf("duration form = %v", got)
	}
	if got := parseInterval("2", time.Second); got != 2*time.Second {
		t.Errorf("seconds form = %v", got)
	}
	if got := parseInterval("-1s", time.Second); got != time.Second {
		t.Errorf("negative = %v, want default", got)
	}
}

// waitForSendBuffer reads reloads until one carries want.
func waitForSendBuffer(t *testing.T, changes <-chan *Config, want int) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case cfg := <-changes:
			if cfg.SendBuffer == want {
				return
			}
		case <-deadline:
			t.Fatalf("reload with send_buffer %d not observed", want)
		}
	}
}

// TestWatchConfigReloads verifies a rewrite of the file is delivered, a
// broken rewrite is skipped, and a save that renames a new file over the
// old one keeps the watch alive.
func TestWatchConfigReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "send_buffer: 8\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 16)
	errc := make(chan error, 1)
	go func() { errc <- WatchConfig(ctx, path, func(c *Config) { changes <- c }) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("send_buffer: ["), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("send_buffer: 32\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	waitForSendBuffer(t, changes, 32)

	tmp := filepath.Join(dir, "config.yaml.tmp")
	if err := os.WriteFile(tmp, []byte("send_buffer: 64\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
	waitForSendBuffer(t, changes, 64)

	if err := os.WriteFile(path, []byte("send_buffer: 128\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	waitForSendBuffer(t, changes, 128)

	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("WatchConfig returned %v", err)
	}
}
