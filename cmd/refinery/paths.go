package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// refineryDir is the default state directory name under $HOME.
const refineryDir = ".refinery"

// Paths holds all resolved refinery state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	Home         string // ~/.refinery or REFINERY_HOME
	PIDPath      string // refinery.pid or REFINERY_PID_PATH
	StateDBPath  string // state.db or REFINERY_DB_PATH
	ManifestPath string // refinery.toml or REFINERY_MANIFEST
}

// ResolvePaths returns all refinery paths, respecting env var overrides.
// Environment variables:
//   - REFINERY_HOME: base directory for all refinery state (default: ~/.refinery)
//   - REFINERY_PID_PATH: serve daemon PID file (default: $REFINERY_HOME/refinery.pid)
//   - REFINERY_DB_PATH: state database (default: $REFINERY_HOME/state.db)
//   - REFINERY_MANIFEST: server manifest (default: $REFINERY_HOME/refinery.toml)
//
// If REFINERY_HOME is set, it becomes the base for all default paths.
// Specific env vars override both the default and the REFINERY_HOME base.
func ResolvePaths() (*Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}

	return &Paths{
		Home:         home,
		PIDPath:      resolvePathWithEnv("REFINERY_PID_PATH", home, "refinery.pid"),
		StateDBPath:  resolvePathWithEnv("REFINERY_DB_PATH", home, "state.db"),
		ManifestPath: resolvePathWithEnv("REFINERY_MANIFEST", home, "refinery.toml"),
	}, nil
}

// resolveHome returns the refinery home directory from REFINERY_HOME or ~/.refinery.
func resolveHome() (string, error) {
	if v := os.Getenv("REFINERY_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, refineryDir), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
