package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration. Values load from a YAML file,
// then LITEKEEPER_* environment variables override, then defaults fill in.
type Config struct {
	// NodeID identifies this node in the coordination service. Generated
	// when empty.
	NodeID string `yaml:"node_id"`

	// Candidate controls whether this node attempts to acquire the lease.
	// A region hint belongs here: nodes outside the primary region run
	// with candidate=false. It is a candidacy hint only; actual primary
	// authority always comes from the confirmed lease.
	Candidate bool `yaml:"candidate"`

	// Coordination service (Redis key with CAS + TTL semantics).
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	LeaseKey      string `yaml:"lease_key"`

	// Lease timing.
	LeaseTTL     time.Duration `yaml:"lease_ttl"`
	LockDelay    time.Duration `yaml:"lock_delay"`
	RenewTimeout time.Duration `yaml:"renew_timeout"`

	// Replication.
	ListenAddr     string            `yaml:"listen_addr"`
	PeerAddrs      map[string]string `yaml:"peer_addrs"` // node_id -> host:port
	ReconnectEvery time.Duration     `yaml:"reconnect_every"`

	// Optional Postgres backend for the substrate and fencing epochs.
	// Empty means in-memory.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Candidate:      true,
		RedisAddr:      "localhost:6379",
		LeaseKey:       "litekeeper:lease:primary",
		LeaseTTL:       30 * time.Second,
		LockDelay:      5 * time.Second,
		ListenAddr:     ":8080",
		ReconnectEvery: 2 * time.Second,
	}
}

// Load reads the YAML file at path (optional, empty path skips the file),
// applies environment overrides, and validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.NodeID == "" {
		hostname, _ := os.Hostname()
		cfg.NodeID = hostname + "-" + uuid.NewString()[:8]
	}
	if cfg.RenewTimeout <= 0 {
		cfg.RenewTimeout = cfg.LeaseTTL / 4
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LITEKEEPER_NODE_ID"); v != "" {
		c.NodeID = v
	}
	if v := os.Getenv("LITEKEEPER_CANDIDATE"); v != "" {
		c.Candidate = v == "true" || v == "1"
	}
	if v := os.Getenv("LITEKEEPER_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("LITEKEEPER_REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("LITEKEEPER_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.RedisDB = db
		}
	}
	if v := os.Getenv("LITEKEEPER_LEASE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.LeaseTTL = d
		}
	}
	if v := os.Getenv("LITEKEEPER_LOCK_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.LockDelay = d
		}
	}
	if v := os.Getenv("LITEKEEPER_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("LITEKEEPER_POSTGRES_DSN"); v != "" {
		c.PostgresDSN = v
	}
}

// Validate rejects configurations that would violate lease safety.
func (c *Config) Validate() error {
	if c.LeaseTTL <= 0 {
		return errors.New("config: lease_ttl must be positive")
	}
	if c.LockDelay < 0 {
		return errors.New("config: lock_delay must not be negative")
	}
	if c.RenewTimeout >= c.LeaseTTL {
		// A renewal that can outlive the lease cannot detect loss in time.
		return fmt.Errorf("config: renew_timeout (%v) must be shorter than lease_ttl (%v)",
			c.RenewTimeout, c.LeaseTTL)
	}
	if c.RedisAddr == "" {
		return errors.New("config: redis_addr is required")
	}
	if c.LeaseKey == "" {
		return errors.New("config: lease_key is required")
	}
	return nil
}
