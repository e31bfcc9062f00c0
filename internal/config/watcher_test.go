package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
}

func TestReloadHotApplyLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := DefaultConfig()
	writeConfig(t, path, cfg)

	cfg2 := DefaultConfig()
	cfg2.Server.LogLevel = "debug"
	writeConfig(t, path, cfg2)

	result, err := cfg.Reload(path)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if len(result.Applied) != 1 || result.Applied[0] != "Server.LogLevel" {
		t.Errorf("expected Server.LogLevel applied, got %v", result.Applied)
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("expected logLevel debug, got %s", cfg.Server.LogLevel)
	}
}

func TestReloadRestartRequiredFieldsSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := DefaultConfig()
	writeConfig(t, path, cfg)

	cfg2 := DefaultConfig()
	cfg2.Server.Port = 9999
	cfg2.Sync.Policy = "drop-failed"
	writeConfig(t, path, cfg2)

	result, err := cfg.Reload(path)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if len(result.Skipped) != 2 {
		t.Errorf("expected 2 skipped, got %v", result.Skipped)
	}
	if len(result.Applied) != 0 {
		t.Errorf("expected nothing applied, got %v", result.Applied)
	}
	if cfg.Server.Port != 8420 {
		t.Errorf("expected port unchanged (8420), got %d", cfg.Server.Port)
	}
	if cfg.Sync.Policy != "retain-failed" {
		t.Errorf("expected policy unchanged, got %s", cfg.Sync.Policy)
	}
}

func TestReloadNoChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := DefaultConfig()
	writeConfig(t, path, cfg)

	result, err := cfg.Reload(path)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if len(result.Changed) != 0 {
		t.Errorf("expected no changes, got %v", result.Changed)
	}
}

func TestReloadInvalidFileKeepsConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"server": {"logLevel": "chatty"}}`), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	if _, err := cfg.Reload(path); err == nil {
		t.Fatal("expected error for invalid config")
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("config changed by failed reload: %s", cfg.Server.LogLevel)
	}

	if _, err := cfg.Reload("/nonexistent/path.json"); err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestIsRestartRequired(t *testing.T) {
	if !IsRestartRequired("Server.Port") {
		t.Error("Server.Port should require restart")
	}
	if !IsRestartRequired("Gateway") {
		t.Error("Gateway should require restart")
	}
	if IsRestartRequired("Server.LogLevel") {
		t.Error("Server.LogLevel should not require restart")
	}
}

func TestLogResult(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	r := &ReloadResult{}
	r.LogResult(logger) // should not panic

	r2 := &ReloadResult{
		Changed: []string{"Server.LogLevel", "Server.Port"},
		Applied: []string{"Server.LogLevel"},
		Skipped: []string{"Server.Port (requires restart)"},
	}
	r2.LogResult(logger)
}

func TestWatcherDetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := DefaultConfig()
	writeConfig(t, path, cfg)

	changed := make(chan string, 1)
	w := NewWatcher(path, 50*time.Millisecond, nil, func(p string) {
		select {
		case changed <- p:
		default:
		}
	})
	w.Start()
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)
	cfg.Server.LogLevel = "debug"
	writeConfig(t, path, cfg)

	select {
	case p := <-changed:
		if p != path {
			t.Errorf("onChange path = %q, want %q", p, path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not detect change within timeout")
	}
}

func TestWatcherIgnoresUnchangedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, DefaultConfig())

	changed := make(chan string, 1)
	w := NewWatcher(path, 20*time.Millisecond, nil, func(p string) { changed <- p })
	w.Start()
	defer w.Stop()

	select {
	case <-changed:
		t.Fatal("unexpected change notification")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcherStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, DefaultConfig())

	w := NewWatcher(path, 50*time.Millisecond, nil, nil)
	w.Start()
	w.Stop()
	w.Stop() // double stop should not panic
}
