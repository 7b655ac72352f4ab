package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		setupFunc func(*Config)
	}{
		{
			name: "empty state_dir",
			setupFunc: func(c *Config) {
				c.Paths.StateDir = ""
			},
		},
		{
			name: "relative state_dir",
			setupFunc: func(c *Config) {
				c.Paths.StateDir = "state"
			},
		},
		{
			name: "empty api_socket",
			setupFunc: func(c *Config) {
				c.Paths.APISocket = ""
			},
		},
		{
			name: "relative cgroup",
			setupFunc: func(c *Config) {
				c.Host.Cgroup = "quiesce.slice"
			},
		},
		{
			name: "invalid poll interval",
			setupFunc: func(c *Config) {
				c.Host.OnlinePollInterval = "often"
			},
		},
		{
			name: "poll interval too small",
			setupFunc: func(c *Config) {
				c.Host.OnlinePollInterval = "1ms"
			},
		},
		{
			name: "negative recent halt window",
			setupFunc: func(c *Config) {
				c.Quiesce.RecentHaltWindow = "-400us"
			},
		},
		{
			name: "recent halt window too large",
			setupFunc: func(c *Config) {
				c.Quiesce.RecentHaltWindow = "1h"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.setupFunc(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error for %s", tt.name)
			}

			t.Logf("Error message: %s", err)
		})
	}
}

func TestEnsureRuntimeDirs(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Paths.StateDir = filepath.Join(tmpDir, "state")
	cfg.Paths.APISocket = filepath.Join(tmpDir, "run", "quiesced.sock")

	if err := cfg.EnsureRuntimeDirs(); err != nil {
		t.Fatal(err)
	}

	for _, dir := range []string{cfg.Paths.StateDir, filepath.Dir(cfg.Paths.APISocket)} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected %s to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("expected %s to be a directory", dir)
		}
	}
}
