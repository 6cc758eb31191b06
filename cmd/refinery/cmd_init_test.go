package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"refinery/pkg/config"
)

// runCLI executes the root command with args and returns combined output.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	root := newRootCmd()
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestInit_WritesManifestAndDatabase(t *testing.T) {
	home := t.TempDir()
	t.Setenv("REFINERY_HOME", home)

	out, err := runCLI(t, "init")
	if err != nil {
		t.Fatalf("init: %v\n%s", err, out)
	}

	manifestPath := filepath.Join(home, "refinery.toml")
	man, err := config.Load(manifestPath)
	if err != nil {
		t.Fatalf("starter manifest does not load: %v", err)
	}
	if len(man.Servers) != 4 {
		t.Fatalf("starter servers = %d, want 4", len(man.Servers))
	}
	analyzer := man.ServerByName("analyzer")
	if analyzer == nil || !analyzer.Critical {
		t.Fatalf("analyzer = %+v, want critical", analyzer)
	}

	if _, err := os.Stat(filepath.Join(home, "state.db")); err != nil {
		t.Fatalf("state database missing: %v", err)
	}
}

func TestInit_PreservesExistingManifestWithoutForce(t *testing.T) {
	home := t.TempDir()
	t.Setenv("REFINERY_HOME", home)

	if _, err := runCLI(t, "init"); err != nil {
		t.Fatalf("first init: %v", err)
	}
	manifestPath := filepath.Join(home, "refinery.toml")
	custom := strings.Replace(starterManifest, "max_concurrent_runs = 5", "max_concurrent_runs = 2", 1)
	if err := os.WriteFile(manifestPath, []byte(custom), 0o644); err != nil {
		t.Fatalf("write custom manifest: %v", err)
	}

	out, err := runCLI(t, "init")
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	if !strings.Contains(out, "manifest exists") {
		t.Fatalf("output = %q, want exists notice", out)
	}
	man, err := config.Load(manifestPath)
	if err != nil {
		t.Fatalf("reload manifest: %v", err)
	}
	if man.MaxConcurrentRuns != 2 {
		t.Fatalf("customization lost: max_concurrent_runs = %d", man.MaxConcurrentRuns)
	}
}

func TestInit_ForceOverwritesManifest(t *testing.T) {
	home := t.TempDir()
	t.Setenv("REFINERY_HOME", home)

	manifestPath := filepath.Join(home, "refinery.toml")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(manifestPath, []byte("max_concurrent_runs = 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := runCLI(t, "init", "--force"); err != nil {
		t.Fatalf("init --force: %v", err)
	}
	man, err := config.Load(manifestPath)
	if err != nil {
		t.Fatalf("reload manifest: %v", err)
	}
	if man.MaxConcurrentRuns != 5 {
		t.Fatalf("manifest not overwritten: max_concurrent_runs = %d", man.MaxConcurrentRuns)
	}
}
