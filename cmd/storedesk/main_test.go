package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clawinfra/storedesk/internal/config"
	"github.com/clawinfra/storedesk/internal/queue"
	"github.com/clawinfra/storedesk/internal/record"
)

func writeTestConfig(t *testing.T) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Server.DataDir = filepath.Join(dir, "data")
	cfg.Server.Port = 0
	cfg.Server.LogLevel = "error"
	cfg.Connectivity.Initial = "offline"
	cfg.Sync.RetrySchedule = ""

	path := filepath.Join(dir, "storedesk.json")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save config: %v", err)
	}
	return path, cfg
}

func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func seedQueue(t *testing.T, cfg *config.Config, keys ...string) {
	t.Helper()
	store, err := queue.OpenStore(cfg.Queue.Backend, cfg.Server.DataDir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	q := queue.New(store, queue.Options{})
	defer q.Close()

	for _, k := range keys {
		r := record.Record{
			OrderNumber:    "OC-" + k,
			CostCenter:     "CC-100",
			Description:    "Filtro de aceite",
			ReceiverName:   "Ana Rojas",
			ReceiverID:     "1032456789",
			Area:           "Mantenimiento",
			Custodian:      "Luis Pardo",
			IdempotencyKey: k,
		}
		record.Prepare(&r, time.Now())
		if err := q.Enqueue(context.Background(), r); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, context.Background(), "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "StoreDesk v"+version) {
		t.Errorf("unexpected output %q", out)
	}
}

func TestPendingAndSync(t *testing.T) {
	path, cfg := writeTestConfig(t)
	seedQueue(t, cfg, "a", "b")
	ctx := context.Background()

	out, err := execute(t, ctx, "--config", path, "pending")
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if strings.TrimSpace(out) != "2" {
		t.Errorf("expected 2 pending, got %q", out)
	}

	out, err = execute(t, ctx, "--config", path, "pending", "--list")
	if err != nil {
		t.Fatalf("pending --list failed: %v", err)
	}
	var listed []record.Record
	if err := json.Unmarshal([]byte(out), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if got := record.Keys(listed); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("unexpected queue order %v", got)
	}

	out, err = execute(t, ctx, "--config", path, "sync")
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if !strings.Contains(out, "synced 2") || !strings.Contains(out, "pending 0") {
		t.Errorf("unexpected sync output %q", out)
	}

	out, err = execute(t, ctx, "--config", path, "pending")
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if strings.TrimSpace(out) != "0" {
		t.Errorf("expected empty queue after sync, got %q", out)
	}
}

func TestInitSchemaMemoryGateway(t *testing.T) {
	path, _ := writeTestConfig(t)

	out, err := execute(t, context.Background(), "--config", path, "init-schema")
	if err != nil {
		t.Fatalf("init-schema failed: %v", err)
	}
	if !strings.Contains(out, "no schema") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestInvalidConfig(t *testing.T) {
	path, cfg := writeTestConfig(t)
	cfg.Gateway.Kind = "cassandra"
	// Save skips validation, Load does not.
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	if _, err := execute(t, context.Background(), "--config", path, "pending"); err == nil {
		t.Fatal("expected error for invalid gateway kind")
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	path, _ := writeTestConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := execute(t, ctx, "--config", path, "serve")
		done <- err
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestBuildGatewayUnknownKind(t *testing.T) {
	_, err := buildGateway(config.GatewayConfig{Kind: "cassandra"}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestSyncHonoursRateLimit(t *testing.T) {
	path, cfg := writeTestConfig(t)
	cfg.Sync.RatePerSecond = 20
	cfg.Sync.Burst = 1
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	seedQueue(t, cfg, "a", "b", "c", "d", "e")

	start := time.Now()
	out, err := execute(t, context.Background(), "--config", path, "sync")
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if !strings.Contains(out, "synced 5") {
		t.Errorf("unexpected sync output %q", out)
	}
	// Burst 1 at 20/s leaves four 50ms waits between five creates.
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("sync was not paced: took %v", elapsed)
	}
}
