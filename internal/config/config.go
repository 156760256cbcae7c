// Package config loads authbrokerd's YAML configuration file, per
// spec.md §6.5. Duration's custom YAML unmarshal is carried forward
// verbatim from the teacher; the flags-win merge with CLI flags is done by
// the caller (main.go's runServe), not by this package.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML unmarshalling for human-readable strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the top-level configuration file structure.
type Config struct {
	SocketPath  string `yaml:"socket_path"`
	StateDir    string `yaml:"state_dir"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	HistoryLimit int   `yaml:"history_limit"`

	ProviderHeartbeatTimeout Duration `yaml:"provider_heartbeat_timeout"`
	MaintenanceTick          Duration `yaml:"maintenance_tick"`
	PinentryResultTimeout    Duration `yaml:"pinentry_result_timeout"`
	MaxAuthRetries           int      `yaml:"max_auth_retries"`
	FallbackCooldown         Duration `yaml:"fallback_cooldown"`
	FallbackUIPath           string   `yaml:"fallback_ui_path"`

	RequireActiveProvider bool  `yaml:"require_active_provider"`
	Notifications         *bool `yaml:"notifications"`
}

// DefaultPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "authbrokerd", "config.yaml")
}

// DefaultStateDir returns the default runtime state directory using
// XDG_STATE_HOME.
func DefaultStateDir() string {
	stateHome := os.Getenv("XDG_STATE_HOME")
	if stateHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		stateHome = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(stateHome, "authbrokerd")
}

// DefaultSocketPath returns the default IPC socket path using
// XDG_RUNTIME_DIR.
func DefaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = filepath.Join(os.TempDir(), fmt.Sprintf("authbrokerd-%d", os.Getuid()))
	}
	return filepath.Join(runtimeDir, "authbrokerd.sock")
}

// Load reads and parses a YAML config file. If the file does not exist,
// it returns a zero-value Config (with defaults applied) and a nil error.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills in every knob left unset (zero value) after YAML
// decoding, matching the spec's stated defaults (10s pinentry outcome, 3
// polkit retries, 15s provider heartbeat, 5s fallback cooldown).
func (c *Config) applyDefaults() {
	if c.SocketPath == "" {
		c.SocketPath = DefaultSocketPath()
	}
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir()
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 256
	}
	if c.ProviderHeartbeatTimeout <= 0 {
		c.ProviderHeartbeatTimeout = Duration(15 * time.Second)
	}
	if c.MaintenanceTick <= 0 {
		c.MaintenanceTick = Duration(5 * time.Second)
	}
	if c.PinentryResultTimeout <= 0 {
		c.PinentryResultTimeout = Duration(10 * time.Second)
	}
	if c.MaxAuthRetries <= 0 {
		c.MaxAuthRetries = 3
	}
	if c.FallbackCooldown <= 0 {
		c.FallbackCooldown = Duration(5 * time.Second)
	}
}

// NotificationsEnabled reports the effective notifications setting: nil
// means default-on, matching the teacher's ServeConfig.Notifications
// tri-state pattern exactly.
func (c *Config) NotificationsEnabled() bool {
	return c.Notifications == nil || *c.Notifications
}
