// Package config provides centralized configuration management for
// quiesced. All configuration is loaded from a JSON file at
// /etc/quiesce/config.json (overridable via QUIESCE_CONFIG environment
// variable).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	// DefaultConfigPath is the default location for the config file
	DefaultConfigPath = "/etc/quiesce/config.json"

	// ConfigEnvVar is the environment variable to override config file location
	ConfigEnvVar = "QUIESCE_CONFIG"
)

// Config is the root configuration structure
type Config struct {
	Paths   PathsConfig   `json:"paths"`
	Host    HostConfig    `json:"host"`
	Quiesce QuiesceConfig `json:"quiesce"`
}

// PathsConfig defines filesystem paths for quiesced components
type PathsConfig struct {
	StateDir  string `json:"state_dir"`  // Hold database directory
	APISocket string `json:"api_socket"` // Unix socket the daemon listens on
}

// HostConfig defines how the daemon attaches to the host.
type HostConfig struct {
	// Cgroup is the cgroup2 path (relative to the mount root, e.g.
	// "/quiesce.slice") whose member processes the daemon manages.
	Cgroup string `json:"cgroup"`

	// OnlinePollInterval is how often the sysfs online mask is polled
	// for hotplug events. Duration string (e.g. "250ms").
	OnlinePollInterval string `json:"online_poll_interval"`
}

// GetOnlinePollInterval returns the poll interval as a time.Duration.
// Panics if the configuration is invalid (should be caught by validation).
func (h *HostConfig) GetOnlinePollInterval() time.Duration {
	return mustParseDuration(h.OnlinePollInterval)
}

// QuiesceConfig defines controller behavior settings
type QuiesceConfig struct {
	// RecentHaltWindow is how long after a halt the recent-halt hint
	// stays set. Duration string (e.g. "400us").
	RecentHaltWindow string `json:"recent_halt_window"`

	// Debug makes ref-count underflow a crash instead of an error.
	Debug bool `json:"debug"`
}

// GetRecentHaltWindow returns the recent-halt window as a time.Duration.
func (q *QuiesceConfig) GetRecentHaltWindow() time.Duration {
	return mustParseDuration(q.RecentHaltWindow)
}

// mustParseDuration parses a duration string, panicking on error.
// This is safe because validation should have already verified the format.
func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("invalid duration %q: %v (config validation should have caught this)", s, err))
	}
	return d
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.Mutex
	errConfig    error
)

// Reset clears the cached global config, forcing the next Get() call to reload.
// This is intended for testing only. Callers must ensure no concurrent Get() calls
// are in progress when calling Reset().
func Reset() {
	configMu.Lock()
	defer configMu.Unlock()
	globalConfig = nil
	errConfig = nil
	configOnce = sync.Once{}
}

// Get returns the global config, loading it on first call.
// This is the primary way to access configuration throughout the codebase.
func Get() (*Config, error) {
	configOnce.Do(func() {
		globalConfig, errConfig = Load()
	})
	return globalConfig, errConfig
}

// Load loads configuration from QUIESCE_CONFIG env var or /etc/quiesce/config.json.
// A missing file yields the defaults; quiesced runs usefully without a config.
func Load() (*Config, error) {
	configPath := os.Getenv(ConfigEnvVar)
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return LoadFrom(configPath)
}

// LoadFrom loads configuration from a specific path.
// Returns error if file doesn't exist or is invalid.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w (ensure it's valid JSON)", path, err)
	}

	// Apply defaults for empty fields
	cfg.applyDefaults()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			StateDir:  "/var/lib/quiesce",
			APISocket: "/run/quiesce/quiesced.sock",
		},
		Host: HostConfig{
			Cgroup:             "/quiesce.slice",
			OnlinePollInterval: "250ms",
		},
		Quiesce: QuiesceConfig{
			RecentHaltWindow: "400us",
			Debug:            false,
		},
	}
}

// applyDefaults fills in default values for any empty fields
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.Paths.StateDir == "" {
		c.Paths.StateDir = defaults.Paths.StateDir
	}
	if c.Paths.APISocket == "" {
		c.Paths.APISocket = defaults.Paths.APISocket
	}
	if c.Host.Cgroup == "" {
		c.Host.Cgroup = defaults.Host.Cgroup
	}
	if c.Host.OnlinePollInterval == "" {
		c.Host.OnlinePollInterval = defaults.Host.OnlinePollInterval
	}
	if c.Quiesce.RecentHaltWindow == "" {
		c.Quiesce.RecentHaltWindow = defaults.Quiesce.RecentHaltWindow
	}
}
