package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
logging:
  level: debug
  console: true
manager:
  max_concurrent: 8
  default_timeout: 30s
  default_max_retries: 2
  retention_size: 100
rate_limit:
  limit: 5
  window: 1s
schedules:
  - name: cleanup
    spec: "10m"
    priority: low
  - name: report
    spec: "cron:0 * * * *"
    priority: high
    timeout: 5m
`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Manager.MaxConcurrent != 8 || cfg.Manager.DefaultTimeout != "30s" {
		t.Fatalf("manager = %+v", cfg.Manager)
	}
	if len(cfg.Schedules) != 2 || cfg.Schedules[1].Spec != "cron:0 * * * *" {
		t.Fatalf("schedules = %+v", cfg.Schedules)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed snapshot")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{
  "logging": {"level": "info"},
  "manager": {"max_concurrent": 2},
  "storage": {"path": "/tmp/audit.db", "busy_timeout": "500ms"}
}`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage == nil || cfg.Storage.Path != "/tmp/audit.db" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
manager:
  max_concurrent: 2
  max_workers: 9
`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
manager:
  default_timeout: "five minutes"
`)
	_, err := NewManager(path).Load()
	if err == nil || !strings.Contains(err.Error(), "manager.default_timeout") {
		t.Fatalf("err = %v, want duration field error", err)
	}
}

func TestValidateSchedules(t *testing.T) {
	t.Parallel()
	cfg := &Config{Schedules: []ScheduleConfig{{Name: "", Spec: "10m"}}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unnamed schedule")
	}
	cfg = &Config{ScheduleTimezone: "Mars/Olympus"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for bogus timezone")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 90s "); err != nil || d != 90*time.Second {
		t.Fatalf("got (%v, %v)", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = (%v, %v), want (0, nil)", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("expected error for negative duration")
	}
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default = (%v, %v), want (1m, nil)", d, err)
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	sub := m.Subscribe(1)

	cfg := &Config{}
	m.publish(cfg)
	select {
	case got := <-sub:
		if got != cfg {
			t.Fatal("wrong config delivered")
		}
	case <-time.After(time.Second):
		t.Fatal("publish never delivered")
	}

	// A full buffer drops the stale snapshot, not the fresh one.
	stale, fresh := &Config{}, &Config{}
	m.publish(stale)
	m.publish(fresh)
	if got := <-sub; got != fresh {
		t.Fatal("expected the freshest snapshot")
	}

	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("channel still open after Unsubscribe")
	}
}

func TestWatchPublishesReload(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", "manager:\n  max_concurrent: 1\n")
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := m.Subscribe(4)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		_ = m.Watch(ctx)
	}()

	// let the watcher attach before rewriting
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("manager:\n  max_concurrent: 6\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-sub:
		if cfg.Manager.MaxConcurrent != 6 {
			t.Fatalf("reloaded max_concurrent = %d, want 6", cfg.Manager.MaxConcurrent)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch never published the reload")
	}
	if got := m.Get().Manager.MaxConcurrent; got != 6 {
		t.Fatalf("Get after reload = %d, want 6", got)
	}

	cancel()
	select {
	case <-watchDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not stop on cancel")
	}
}
