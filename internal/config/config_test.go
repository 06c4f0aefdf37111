package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.MaxSessions != 50 {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
listen_addr: ":9090"
max_sessions: 5
idle_timeout: "30m"
engine_path:
  alpha: /usr/bin/alpha
  beta: /usr/bin/beta
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9090" || cfg.MaxSessions != 5 {
		t.Fatalf("expected file overrides, got %+v", cfg)
	}
	if cfg.IdleTimeout.Duration() != 30*time.Minute {
		t.Fatalf("expected 30m idle timeout, got %v", cfg.IdleTimeout.Duration())
	}
	if len(cfg.EngineNames) != 2 || cfg.EngineNames[0] != "alpha" || cfg.EngineNames[1] != "beta" {
		t.Fatalf("expected sorted engine names, got %v", cfg.EngineNames)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("max_sessions: 5\n"), 0o644)

	t.Setenv("ENGINESRV_MAX_SESSIONS", "99")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxSessions != 99 {
		t.Fatalf("expected env override to 99, got %d", cfg.MaxSessions)
	}
}

func TestLoadParsesSandboxEnvelope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
sandbox:
  cpu_limit: "2s"
  mem_limit_bytes: 536870912
  max_fds: 64
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sandbox.CPULimit.Duration() != 2*time.Second {
		t.Fatalf("expected 2s cpu limit, got %v", cfg.Sandbox.CPULimit.Duration())
	}
	if cfg.Sandbox.MemLimit != 536870912 || cfg.Sandbox.MaxFDs != 64 {
		t.Fatalf("expected mem/fd limits to parse, got %+v", cfg.Sandbox)
	}
}

func TestValidateRejectsEmptyListenAddr(t *testing.T) {
	cfg := Defaults()
	cfg.ListenAddr = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for empty listen_addr")
	}
}

func TestValidateRejectsNonPositiveMaxSessions(t *testing.T) {
	cfg := Defaults()
	cfg.MaxSessions = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for max_sessions == 0")
	}
}

func TestValidateRejectsNonPositiveTimeouts(t *testing.T) {
	for _, mutate := range []func(*Config){
		func(c *Config) { c.IdleTimeout = 0 },
		func(c *Config) { c.CommandTimeout = 0 },
		func(c *Config) { c.OneShotTimeout = 0 },
		func(c *Config) { c.AnalysisTimeout = 0 },
	} {
		cfg := Defaults()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("expected validation error for zeroed timeout, got nil for %+v", cfg)
		}
	}
}
