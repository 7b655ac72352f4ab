package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Validate validates the entire configuration.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return fmt.Errorf("paths: %w", err)
	}
	if err := c.validateHost(); err != nil {
		return fmt.Errorf("host: %w", err)
	}
	if err := c.validateQuiesce(); err != nil {
		return fmt.Errorf("quiesce: %w", err)
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.StateDir == "" {
		return fmt.Errorf("state_dir cannot be empty")
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("state_dir must be absolute, got %q", c.Paths.StateDir)
	}
	if c.Paths.APISocket == "" {
		return fmt.Errorf("api_socket cannot be empty")
	}
	if !filepath.IsAbs(c.Paths.APISocket) {
		return fmt.Errorf("api_socket must be absolute, got %q", c.Paths.APISocket)
	}
	return nil
}

func (c *Config) validateHost() error {
	if c.Host.Cgroup == "" {
		return fmt.Errorf("cgroup cannot be empty")
	}
	if !strings.HasPrefix(c.Host.Cgroup, "/") {
		return fmt.Errorf("cgroup must start with /, got %q", c.Host.Cgroup)
	}
	d, err := validateDuration(c.Host.OnlinePollInterval, "online_poll_interval")
	if err != nil {
		return err
	}
	if d < 10*time.Millisecond {
		return fmt.Errorf("online_poll_interval: too small (%s), min is 10ms", d)
	}
	return nil
}

func (c *Config) validateQuiesce() error {
	d, err := validateDuration(c.Quiesce.RecentHaltWindow, "recent_halt_window")
	if err != nil {
		return err
	}
	if d > time.Second {
		return fmt.Errorf("recent_halt_window: too large (%s), max is 1s", d)
	}
	return nil
}

func validateDuration(val, name string) (time.Duration, error) {
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", name, val)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", name, d)
	}
	return d, nil
}

// EnsureRuntimeDirs creates the directories the daemon writes to. Called
// at startup, not during validation, so that tools that only read config
// never create directories as a side effect.
func (c *Config) EnsureRuntimeDirs() error {
	for _, dir := range []string{c.Paths.StateDir, filepath.Dir(c.Paths.APISocket)} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
