package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"refinery/pkg/config"
)

const tomlManifest = `
max_concurrent_runs = 3
debug = true

[[servers]]
name = "analyzer"
command = "python3"
args = ["analyzer.py"]
critical = true
auto_restart = true

[[servers]]
name = "scaffolder"
command = "npx"
args = ["-y", "scaffolder-server"]
auto_restart = true
max_restarts = 5

[servers.env]
SCAFFOLD_TOKEN = "${REFINERY_TEST_TOKEN}"

[servers.fallback]
mode = "template"
message = "using local template"
data = '{"template":"basic"}'
`

const yamlManifest = `
servers:
  - name: analyzer
    command: python3
    args: [analyzer.py]
    critical: true
  - name: notifier
    command: notify-server
    fallback:
      mode: noop
      message: notification skipped
`

func writeManifest(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestLoad_TOMLManifest(t *testing.T) {
	t.Setenv("REFINERY_TEST_TOKEN", "sekrit")

	m, err := config.Load(writeManifest(t, "servers.toml", tomlManifest))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if m.MaxConcurrentRuns != 3 {
		t.Fatalf("got MaxConcurrentRuns %d, want 3", m.MaxConcurrentRuns)
	}
	if !m.Debug {
		t.Fatal("debug flag not decoded")
	}
	if len(m.Servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(m.Servers))
	}

	analyzer := m.ServerByName("analyzer")
	if analyzer == nil || !analyzer.Critical {
		t.Fatalf("analyzer not loaded as critical: %+v", analyzer)
	}
	if analyzer.MaxRestarts != 3 {
		t.Fatalf("auto_restart default budget: got %d, want 3", analyzer.MaxRestarts)
	}

	scaffolder := m.ServerByName("scaffolder")
	if scaffolder.MaxRestarts != 5 {
		t.Fatalf("explicit max_restarts: got %d, want 5", scaffolder.MaxRestarts)
	}
	if scaffolder.Env["SCAFFOLD_TOKEN"] != "sekrit" {
		t.Fatalf("env not expanded: %q", scaffolder.Env["SCAFFOLD_TOKEN"])
	}
	if scaffolder.Fallback.Mode != config.FallbackTemplate {
		t.Fatalf("got fallback mode %q, want template", scaffolder.Fallback.Mode)
	}
}

func TestLoad_YAMLManifest(t *testing.T) {
	t.Parallel()

	m, err := config.Load(writeManifest(t, "servers.yaml", yamlManifest))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if m.MaxConcurrentRuns != 5 {
		t.Fatalf("default MaxConcurrentRuns: got %d, want 5", m.MaxConcurrentRuns)
	}
	notifier := m.ServerByName("notifier")
	if notifier == nil || notifier.Fallback.Mode != config.FallbackNoop {
		t.Fatalf("notifier fallback not decoded: %+v", notifier)
	}
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	t.Parallel()

	_, err := config.Load(writeManifest(t, "servers.ini", "[servers]"))
	if err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}

func TestValidate_Rejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		manifest string
	}{
		{"empty", "servers: []"},
		{"missing command", "servers:\n  - name: a"},
		{"duplicate names", "servers:\n  - {name: a, command: x}\n  - {name: a, command: y}"},
		{"critical with fallback", "servers:\n  - {name: a, command: x, critical: true, fallback: {mode: noop}}"},
		{"unknown fallback mode", "servers:\n  - {name: a, command: x, fallback: {mode: magic}}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := config.Load(writeManifest(t, "m.yaml", tc.manifest)); err == nil {
				t.Fatalf("manifest accepted, want validation error:\n%s", tc.manifest)
			}
		})
	}
}

func TestWatch_FiresOnManifestWrite(t *testing.T) {
	t.Parallel()

	path := writeManifest(t, "servers.yaml", yamlManifest)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fired := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- config.Watch(ctx, path, func() {
			select {
			case fired <- struct{}{}:
			default:
			}
		})
	}()

	// Give the watcher a moment to attach before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(yamlManifest+"\n# touched\n"), 0o600); err != nil {
		t.Fatalf("rewrite manifest: %v", err)
	}

	select {
	case <-fired:
	case <-ctx.Done():
		t.Fatal("watcher did not fire on manifest write")
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("Watch returned %v, want context.Canceled", err)
	}
}
