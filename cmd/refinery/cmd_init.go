package main

import (
	"fmt"
	"os"
	"path/filepath"

	"refinery/pkg/config"

	"github.com/spf13/cobra"
)

// starterManifest is written by `refinery init`. It declares the stock
// server fleet; operators edit commands to point at their installations.
const starterManifest = `# refinery server manifest
#
# Each [[servers]] block declares one tool server. The serve daemon launches
# every server listed here and restarts crashed ones within their budget.

max_concurrent_runs = 5
debug = false

[[servers]]
name = "analyzer"
command = "refinery-analyzer"
critical = true
auto_restart = true
max_restarts = 3

[[servers]]
name = "scaffolder"
command = "refinery-scaffolder"
auto_restart = true
max_restarts = 3

[servers.fallback]
mode = "template"
message = "scaffolder unavailable, using local project template"

[[servers]]
name = "linter"
command = "refinery-linter"
auto_restart = true
max_restarts = 3

[servers.fallback]
mode = "template"
message = "linter unavailable, validation skipped"

[[servers]]
name = "notifier"
command = "refinery-notifier"
auto_restart = true
max_restarts = 3

[servers.fallback]
mode = "noop"
message = "notifier unavailable, announcement skipped"
`

// initConfig holds configuration for the init command.
type initConfig struct {
	force bool
}

// newInitCmd creates the "refinery init" subcommand.
func newInitCmd() *cobra.Command {
	var cfg initConfig

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Bootstrap the refinery home directory and starter manifest",
		Long:  "Creates the refinery state directory, writes a starter server manifest,\nand initializes the state database schema.",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			return runInit(cmd, paths, cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.force, "force", false, "overwrite an existing manifest")

	return cmd
}

func runInit(cmd *cobra.Command, paths *Paths, cfg initConfig) error {
	w := cmd.OutOrStdout()

	if err := os.MkdirAll(paths.Home, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", paths.Home, err)
	}
	if dir := filepath.Dir(paths.ManifestPath); dir != paths.Home {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if _, err := os.Stat(paths.ManifestPath); err == nil && !cfg.force {
		fmt.Fprintf(w, "manifest exists at %s (use --force to overwrite)\n", paths.ManifestPath)
	} else {
		if err := os.WriteFile(paths.ManifestPath, []byte(starterManifest), 0o644); err != nil { //nolint:gosec // manifest is not a secret
			return fmt.Errorf("write manifest: %w", err)
		}
		fmt.Fprintf(w, "wrote manifest %s\n", paths.ManifestPath)
	}

	// The starter manifest must round-trip through the loader; a failure
	// here is a bug, not an operator error.
	if _, err := config.Load(paths.ManifestPath); err != nil {
		return fmt.Errorf("validate manifest: %w", err)
	}

	db, err := openStateDB(paths.StateDBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	fmt.Fprintf(w, "initialized state database %s\n", paths.StateDBPath)

	return nil
}
