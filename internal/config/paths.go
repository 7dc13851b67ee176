// Package config provides configuration management for vmstate.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds platform-specific directory paths for vmstate.
type Paths struct {
	// ConfigDir is the directory for configuration files.
	// macOS: ~/Library/Application Support/vmstate
	// Linux: ~/.config/vmstate (or XDG_CONFIG_HOME)
	ConfigDir string

	// ConfigFile is the path to the user config file.
	ConfigFile string
}

// GetPaths returns platform-aware paths for vmstate.
func GetPaths() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	p := &Paths{}
	switch runtime.GOOS {
	case "darwin":
		p.ConfigDir = filepath.Join(home, "Library", "Application Support", "vmstate")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			p.ConfigDir = filepath.Join(xdgConfig, "vmstate")
		} else {
			p.ConfigDir = filepath.Join(home, ".config", "vmstate")
		}
	}
	p.ConfigFile = filepath.Join(p.ConfigDir, "config.yaml")
	return p, nil
}

// ContentPath returns the segment directory, relative to AssetDir unless
// absolute.
func (c *Config) ContentPath() string { return c.resolve(c.ContentDir) }

// ManifestFile returns the manifest path, relative to AssetDir unless
// absolute.
func (c *Config) ManifestFile() string { return c.resolve(c.Manifest) }

// OutputFile returns the snapshot path, relative to AssetDir unless
// absolute.
func (c *Config) OutputFile() string { return c.resolve(c.Output) }

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.AssetDir, p)
}
