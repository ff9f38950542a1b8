package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "litekeeper.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}

	if !cfg.Candidate {
		t.Fatal("default candidate = false, want true")
	}
	if cfg.LeaseTTL != 30*time.Second {
		t.Fatalf("default lease_ttl = %v, want 30s", cfg.LeaseTTL)
	}
	if cfg.LockDelay != 5*time.Second {
		t.Fatalf("default lock_delay = %v, want 5s", cfg.LockDelay)
	}
	if cfg.RenewTimeout != cfg.LeaseTTL/4 {
		t.Fatalf("default renew_timeout = %v, want ttl/4", cfg.RenewTimeout)
	}
	if cfg.NodeID == "" {
		t.Fatal("node_id was not generated")
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := writeConfig(t, `
node_id: alpha
candidate: false
redis_addr: redis.internal:6379
lease_key: myapp:lease
lease_ttl: 10s
lock_delay: 2s
listen_addr: ":9090"
peer_addrs:
  alpha: host-a:9090
  beta: host-b:9090
reconnect_every: 500ms
postgres_dsn: postgres://litekeeper@db/litekeeper
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.NodeID != "alpha" || cfg.Candidate {
		t.Fatalf("identity fields: %+v", cfg)
	}
	if cfg.LeaseTTL != 10*time.Second || cfg.LockDelay != 2*time.Second {
		t.Fatalf("lease timing: ttl=%v delay=%v", cfg.LeaseTTL, cfg.LockDelay)
	}
	if cfg.RenewTimeout != 2500*time.Millisecond {
		t.Fatalf("renew_timeout = %v, want ttl/4 = 2.5s", cfg.RenewTimeout)
	}
	if cfg.PeerAddrs["beta"] != "host-b:9090" {
		t.Fatalf("peer_addrs = %v", cfg.PeerAddrs)
	}
	if cfg.PostgresDSN == "" {
		t.Fatal("postgres_dsn not loaded")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
node_id: from-file
redis_addr: file.redis:6379
lease_ttl: 10s
`)

	t.Setenv("LITEKEEPER_NODE_ID", "from-env")
	t.Setenv("LITEKEEPER_REDIS_ADDR", "env.redis:6379")
	t.Setenv("LITEKEEPER_LEASE_TTL", "20s")
	t.Setenv("LITEKEEPER_CANDIDATE", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeID != "from-env" {
		t.Fatalf("node_id = %q, env should win", cfg.NodeID)
	}
	if cfg.RedisAddr != "env.redis:6379" {
		t.Fatalf("redis_addr = %q, env should win", cfg.RedisAddr)
	}
	if cfg.LeaseTTL != 20*time.Second {
		t.Fatalf("lease_ttl = %v, env should win", cfg.LeaseTTL)
	}
	if cfg.Candidate {
		t.Fatal("candidate = true, env should win")
	}
}

func TestValidateRejectsUnsafeTiming(t *testing.T) {
	path := writeConfig(t, `
lease_ttl: 10s
renew_timeout: 10s
`)
	if _, err := Load(path); err == nil {
		t.Fatal("renew_timeout >= lease_ttl was accepted")
	} else if !strings.Contains(err.Error(), "renew_timeout") {
		t.Fatalf("unexpected error: %v", err)
	}

	path = writeConfig(t, "lease_ttl: -5s\n")
	if _, err := Load(path); err == nil {
		t.Fatal("negative lease_ttl was accepted")
	}

	path = writeConfig(t, "redis_addr: \"\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("empty redis_addr was accepted")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing file was accepted")
	}
}
