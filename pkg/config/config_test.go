package config

import (
	"testing"
	"time"
)

func TestGetStringFallback(t *testing.T) {
	t.Setenv("DEPLOYD_TEST_STR", "set")
	if got := GetString("DEPLOYD_TEST_STR", "fallback"); got != "set" {
		t.Fatalf("expected env value, got %q", got)
	}
	if got := GetString("DEPLOYD_TEST_STR_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestGetIntInvalidFallsBack(t *testing.T) {
	t.Setenv("DEPLOYD_TEST_INT", "not-a-number")
	if got := GetInt("DEPLOYD_TEST_INT", 42); got != 42 {
		t.Fatalf("invalid int should fall back, got %d", got)
	}
	t.Setenv("DEPLOYD_TEST_INT", "7")
	if got := GetInt("DEPLOYD_TEST_INT", 42); got != 7 {
		t.Fatalf("expected parsed value, got %d", got)
	}
}

func TestGetSeconds(t *testing.T) {
	t.Setenv("DEPLOYD_TEST_SECONDS", "30")
	if got := GetSeconds("DEPLOYD_TEST_SECONDS", 5); got != 30*time.Second {
		t.Fatalf("expected 30s, got %s", got)
	}
	if got := GetSeconds("DEPLOYD_TEST_SECONDS_MISSING", 5); got != 5*time.Second {
		t.Fatalf("expected fallback 5s, got %s", got)
	}
}

func TestLoadServiceConfigDefaults(t *testing.T) {
	cfg := LoadServiceConfig()
	if cfg.Addr == "" || cfg.DatabaseURL == "" {
		t.Fatalf("expected defaults to be populated: %+v", cfg)
	}
	if cfg.Pipeline.ConsecutiveFailureLimit <= 0 {
		t.Fatal("consecutive failure limit must default to a positive value")
	}
	if cfg.Pipeline.RollbackThreshold <= 0 {
		t.Fatal("rollback threshold must default to a positive value")
	}
	if cfg.Supervisor.MaxRestarts <= 0 {
		t.Fatal("restart budget must default to a positive value")
	}
}

func TestPipelineOverridesFromEnv(t *testing.T) {
	t.Setenv("MONITOR_ROLLBACK_THRESHOLD", "9")
	t.Setenv("SUPERVISOR_MAX_RESTARTS", "1")
	cfg := LoadServiceConfig()
	if cfg.Pipeline.RollbackThreshold != 9 {
		t.Fatalf("expected threshold 9, got %d", cfg.Pipeline.RollbackThreshold)
	}
	if cfg.Supervisor.MaxRestarts != 1 {
		t.Fatalf("expected max restarts 1, got %d", cfg.Supervisor.MaxRestarts)
	}
}
