// Package config loads and validates the refinery server manifest: which tool
// servers exist, how to launch them, and what their degraded-mode behavior is.
// Manifests are TOML or YAML; the file extension selects the decoder.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Fallback modes for non-critical servers.
const (
	FallbackNoop     = "noop"     // log-only substitute, empty data
	FallbackTemplate = "template" // canned result from the manifest
)

// Fallback configures the degraded-mode substitute for one server.
type Fallback struct {
	Mode    string `toml:"mode" yaml:"mode"`
	Message string `toml:"message" yaml:"message"`
	// Data is an inline JSON document returned as the fallback payload in
	// template mode.
	Data string `toml:"data" yaml:"data"`
}

// Server describes one tool server. Immutable after load; the supervisor
// receives a copy and never writes back.
type Server struct {
	Name        string            `toml:"name" yaml:"name"`
	Command     string            `toml:"command" yaml:"command"`
	Args        []string          `toml:"args" yaml:"args"`
	Env         map[string]string `toml:"env" yaml:"env"`
	Critical    bool              `toml:"critical" yaml:"critical"`
	AutoRestart bool              `toml:"auto_restart" yaml:"auto_restart"`
	MaxRestarts int               `toml:"max_restarts" yaml:"max_restarts"`
	Fallback    Fallback          `toml:"fallback" yaml:"fallback"`
}

// Manifest is the full orchestrator configuration.
type Manifest struct {
	// MaxConcurrentRuns caps pipeline runs executing at once; excess runs queue.
	MaxConcurrentRuns int `toml:"max_concurrent_runs" yaml:"max_concurrent_runs"`
	// Debug disables call-log payload truncation.
	Debug   bool     `toml:"debug" yaml:"debug"`
	Servers []Server `toml:"servers" yaml:"servers"`
}

// Load reads, decodes, expands, and validates a manifest file. ${VAR}
// references in env values are expanded from the process environment at load
// time, so credentials stay out of the manifest itself.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-supplied config
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode toml manifest %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode yaml manifest %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("manifest %s: unsupported extension %q (want .toml, .yaml, or .yml)", path, ext)
	}

	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	if m.MaxConcurrentRuns <= 0 {
		m.MaxConcurrentRuns = 5
	}
	for i := range m.Servers {
		s := &m.Servers[i]
		if s.AutoRestart && s.MaxRestarts <= 0 {
			s.MaxRestarts = 3
		}
		if !s.Critical && s.Fallback.Mode == "" {
			s.Fallback.Mode = FallbackNoop
		}
		for k, v := range s.Env {
			s.Env[k] = os.ExpandEnv(v)
		}
	}
}

// Validate checks manifest invariants: at least one server, unique non-empty
// names, launch commands present, and fallback configuration consistent with
// the criticality flag.
func (m *Manifest) Validate() error {
	if len(m.Servers) == 0 {
		return fmt.Errorf("no servers configured")
	}

	seen := make(map[string]bool, len(m.Servers))
	for _, s := range m.Servers {
		if s.Name == "" {
			return fmt.Errorf("server with empty name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate server name %q", s.Name)
		}
		seen[s.Name] = true

		if s.Command == "" {
			return fmt.Errorf("server %s: no launch command", s.Name)
		}
		if s.Critical && s.Fallback.Mode != "" {
			return fmt.Errorf("server %s: critical servers cannot declare a fallback", s.Name)
		}
		if !s.Critical {
			switch s.Fallback.Mode {
			case FallbackNoop, FallbackTemplate:
			default:
				return fmt.Errorf("server %s: unknown fallback mode %q", s.Name, s.Fallback.Mode)
			}
		}
	}
	return nil
}

// ServerByName returns the named server config, or nil.
func (m *Manifest) ServerByName(name string) *Server {
	for i := range m.Servers {
		if m.Servers[i].Name == name {
			return &m.Servers[i]
		}
	}
	return nil
}
