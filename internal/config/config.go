// Package config loads the layered YAML + environment configuration for
// the enginesrv server: built-in defaults, overlaid by an optional YAML
// file, overlaid by environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the server needs.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	// EnginePath maps a recognized engine name to its binary path;
	// EngineNames is the stable ordering returned by GET /api/engines.
	EnginePath  map[string]string `yaml:"engine_path"`
	EngineNames []string          `yaml:"-"`

	BaseBrowseDir      string `yaml:"base_browse_dir"`
	AnalysisHelperPath string `yaml:"analysis_helper_path"`

	MaxSessions    int `yaml:"max_sessions"`
	MaxBufferBytes int `yaml:"max_buffer_bytes"`

	IdleTimeout        Duration `yaml:"idle_timeout"`
	CommandTimeout     Duration `yaml:"command_timeout"`
	OneShotTimeout     Duration `yaml:"one_shot_timeout"`
	AnalysisTimeout    Duration `yaml:"analysis_timeout"`
	HighWaterMarkBytes int      `yaml:"high_water_mark_bytes"`

	Tokens          []string `yaml:"tokens"`
	StderrAllowList []string `yaml:"stderr_allow_list"`

	SQLiteCataloguePath string `yaml:"sqlite_catalogue_path"`

	Sandbox SandboxConfig `yaml:"sandbox"`
}

// SandboxConfig caps the resource envelope applied to every spawned
// engine/helper process. A zero field leaves that resource unbounded.
type SandboxConfig struct {
	CPULimit Duration `yaml:"cpu_limit"`
	MemLimit uint64   `yaml:"mem_limit_bytes"`
	MaxFDs   uint32   `yaml:"max_fds"`
}

// Duration unmarshals YAML duration strings ("1h", "500ms") via
// time.ParseDuration rather than requiring nanosecond integers.
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Defaults returns the built-in configuration before any file or
// environment overlay is applied.
func Defaults() Config {
	return Config{
		ListenAddr:         ":8080",
		EnginePath:         map[string]string{},
		MaxSessions:        50,
		MaxBufferBytes:     10 * 1024 * 1024,
		IdleTimeout:        Duration(time.Hour),
		CommandTimeout:     Duration(time.Minute),
		OneShotTimeout:     Duration(10 * time.Second),
		AnalysisTimeout:    Duration(5 * time.Minute),
		HighWaterMarkBytes: 8 * 1024 * 1024,
	}
}

// Load builds the final configuration: defaults, then path (if non-empty
// and present), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	normalizeEngineNames(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func normalizeEngineNames(cfg *Config) {
	names := make([]string, 0, len(cfg.EnginePath))
	for name := range cfg.EnginePath {
		names = append(names, name)
	}
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			if names[j] < names[i] {
				names[i], names[j] = names[j], names[i]
			}
		}
	}
	cfg.EngineNames = names
}

// applyEnv overlays a small set of operational knobs from the environment,
// named ENGINESRV_*. File config wins over defaults; env wins over both,
// matching the defaults -> file -> env overlay order.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ENGINESRV_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("ENGINESRV_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSessions = n
		}
	}
	if v := os.Getenv("ENGINESRV_TOKENS"); v != "" {
		cfg.Tokens = strings.Split(v, ",")
	}
	if v := os.Getenv("ENGINESRV_BASE_BROWSE_DIR"); v != "" {
		cfg.BaseBrowseDir = v
	}
	if v := os.Getenv("ENGINESRV_SQLITE_CATALOGUE_PATH"); v != "" {
		cfg.SQLiteCataloguePath = v
	}
}

// Validate rejects an unusable configuration before the server starts.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr must not be empty")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("config: max_sessions must be > 0")
	}
	if c.MaxBufferBytes <= 0 {
		return fmt.Errorf("config: max_buffer_bytes must be > 0")
	}
	if c.IdleTimeout.Duration() <= 0 {
		return fmt.Errorf("config: idle_timeout must be > 0")
	}
	if c.CommandTimeout.Duration() <= 0 {
		return fmt.Errorf("config: command_timeout must be > 0")
	}
	if c.OneShotTimeout.Duration() <= 0 {
		return fmt.Errorf("config: one_shot_timeout must be > 0")
	}
	if c.AnalysisTimeout.Duration() <= 0 {
		return fmt.Errorf("config: analysis_timeout must be > 0")
	}
	return nil
}
