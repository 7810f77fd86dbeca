package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("RedisAddr = %q", cfg.RedisAddr)
	}
	if cfg.LockTTL != 30*time.Second || cfg.LockAcquireTimeout != 5*time.Second {
		t.Fatalf("lock defaults: %v / %v", cfg.LockTTL, cfg.LockAcquireTimeout)
	}
	if cfg.UserTokenTTL != 24*time.Hour {
		t.Fatalf("UserTokenTTL = %v", cfg.UserTokenTTL)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:7000")
	t.Setenv("LOCK_TTL", "1m")
	t.Setenv("REPAIR_STREAM_KEYS", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RedisAddr != "redis:7000" || cfg.LockTTL != time.Minute || !cfg.RepairStreamKeys {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}
