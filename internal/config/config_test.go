package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != defaultBindAddr {
		t.Fatalf("bind_addr = %q", cfg.BindAddr)
	}
	if cfg.Queue.LeaseTTLMs != defaultLeaseTTLMs {
		t.Fatalf("lease_ttl_ms = %d", cfg.Queue.LeaseTTLMs)
	}
	if cfg.Retry.MaxAttempts != defaultTaskAttempts {
		t.Fatalf("max_attempts = %d", cfg.Retry.MaxAttempts)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
bind_addr: "0.0.0.0:9900"
queue:
  lease_ttl_ms: 10000
  worker_count: 8
retry:
  max_attempts: 5
provider_links:
  anthropic: "https://console.anthropic.com/logs?request={providerRequestId}"
`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9900" {
		t.Fatalf("bind_addr = %q", cfg.BindAddr)
	}
	if cfg.Queue.LeaseTTLMs != 10000 || cfg.Queue.WorkerCount != 8 {
		t.Fatalf("queue = %+v", cfg.Queue)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Fatalf("max_attempts = %d", cfg.Retry.MaxAttempts)
	}
	if cfg.ProviderLinks["anthropic"] == "" {
		t.Fatal("provider link not parsed")
	}
}

func TestLoadRejectsBrokenYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "queue: [not a map")
	if _, err := Load(dir); err == nil {
		t.Fatal("broken YAML must error")
	}
}

func TestLoadClampsOutOfRangeKnobs(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
queue:
  lease_ttl_ms: 5
  poll_min_ms: 900000
  poll_max_ms: 1
retry:
  max_attempts: 99
  jitter_ratio: 3.0
`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.LeaseTTLMs != minLeaseTTLMs {
		t.Fatalf("lease_ttl_ms = %d, want floor %d", cfg.Queue.LeaseTTLMs, minLeaseTTLMs)
	}
	if cfg.Queue.PollMinMs != maxPollMs {
		t.Fatalf("poll_min_ms = %d, want ceiling %d", cfg.Queue.PollMinMs, maxPollMs)
	}
	if cfg.Queue.PollMaxMs < cfg.Queue.PollMinMs {
		t.Fatalf("poll_max_ms %d < poll_min_ms %d after clamp", cfg.Queue.PollMaxMs, cfg.Queue.PollMinMs)
	}
	if cfg.Retry.MaxAttempts != maxTaskAttempts {
		t.Fatalf("max_attempts = %d, want ceiling %d", cfg.Retry.MaxAttempts, maxTaskAttempts)
	}
	if cfg.Retry.JitterRatio != maxJitterRatio {
		t.Fatalf("jitter_ratio = %v, want ceiling %v", cfg.Retry.JitterRatio, maxJitterRatio)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENTD_BIND_ADDR", "127.0.0.1:7000")
	t.Setenv("AGENTD_AUTH_TOKEN", "env-token")
	t.Setenv("AGENTD_LEASE_TTL_MS", "60000")
	t.Setenv("AGENTD_PROVIDER_LINK_OPENAI", "https://platform.openai.com/logs/{providerRequestId}")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:7000" {
		t.Fatalf("bind_addr = %q", cfg.BindAddr)
	}
	if cfg.AuthToken != "env-token" {
		t.Fatalf("auth_token = %q", cfg.AuthToken)
	}
	if cfg.Queue.LeaseTTLMs != 60000 {
		t.Fatalf("lease_ttl_ms = %d", cfg.Queue.LeaseTTLMs)
	}
	if cfg.ProviderLinks["openai"] == "" {
		t.Fatalf("provider links = %v", cfg.ProviderLinks)
	}
}

func TestTunablesConversion(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	tun := cfg.Tunables()
	if tun.LeaseTTL != 30*time.Second {
		t.Fatalf("lease_ttl = %v", tun.LeaseTTL)
	}
	if tun.PollMin != 250*time.Millisecond || tun.PollMax != 5*time.Second {
		t.Fatalf("poll = %v..%v", tun.PollMin, tun.PollMax)
	}
	if tun.DedupeWindow != 2*time.Minute {
		t.Fatalf("dedupe_window = %v", tun.DedupeWindow)
	}
}

func TestWatcherEmitsOnConfigChange(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "log_level: info\n")

	w := NewWatcher(dir, nil)
	ctx := t.Context()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Give fsnotify a beat to register the directory watch.
	time.Sleep(50 * time.Millisecond)
	writeConfig(t, dir, "log_level: debug\n")

	select {
	case ev := <-w.Events():
		if filepath.Base(ev.Path) != "config.yaml" {
			t.Fatalf("event path = %q", ev.Path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload event after config rewrite")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	w := NewWatcher(dir, nil)
	if err := w.Start(t.Context()); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %q", ev.Path)
	case <-time.After(200 * time.Millisecond):
	}
}
