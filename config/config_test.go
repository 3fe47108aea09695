package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Server.Addr != ":9090" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if len(cfg.Queues) != 1 || cfg.Queues[0].Name != "default" {
		t.Errorf("Queues = %+v", cfg.Queues)
	}
	if cfg.Dispatch.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d", cfg.Dispatch.MaxAttempts)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.yaml")
	yaml := `
server:
  addr: ":8080"
data_dir: /var/lib/warden
log_level: debug
queues:
  - name: default
    limit: 4
    lease_ttl: 10m
  - name: bulk
    limit: 1
    lease_ttl: 1h
dispatch:
  max_attempts: 3
  backoff_base: 250ms
intervals:
  lease_reap: 45s
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.DataDir != "/var/lib/warden" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if len(cfg.Queues) != 2 {
		t.Fatalf("Queues = %+v", cfg.Queues)
	}
	if cfg.Queues[0].TTL() != 10*time.Minute {
		t.Errorf("TTL = %v", cfg.Queues[0].TTL())
	}
	if cfg.Queues[1].Limit != 1 {
		t.Errorf("bulk Limit = %d", cfg.Queues[1].Limit)
	}
	if cfg.Dispatch.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d", cfg.Dispatch.MaxAttempts)
	}
	if cfg.Dispatch.Backoff() != 250*time.Millisecond {
		t.Errorf("Backoff = %v", cfg.Dispatch.Backoff())
	}
	if cfg.Intervals.LeaseReapEvery() != 45*time.Second {
		t.Errorf("LeaseReapEvery = %v", cfg.Intervals.LeaseReapEvery())
	}
	// Unset intervals fall back to their defaults.
	if cfg.Intervals.WorkerPollEvery() != time.Second {
		t.Errorf("WorkerPollEvery = %v", cfg.Intervals.WorkerPollEvery())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/warden.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDurationFallbacks(t *testing.T) {
	q := QueueConfig{LeaseTTL: "garbage"}
	if q.TTL() != 5*time.Minute {
		t.Errorf("TTL fallback = %v", q.TTL())
	}
	q = QueueConfig{LeaseTTL: "-2m"}
	if q.TTL() != 5*time.Minute {
		t.Errorf("negative TTL fallback = %v", q.TTL())
	}
	var i Intervals
	if i.RedeliveryEvery() != 15*time.Second {
		t.Errorf("RedeliveryEvery fallback = %v", i.RedeliveryEvery())
	}
	if i.InteractionExpiryEvery() != time.Minute {
		t.Errorf("InteractionExpiryEvery fallback = %v", i.InteractionExpiryEvery())
	}
}
