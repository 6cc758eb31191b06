package main

import (
	"fmt"

	"refinery/internal/version"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root refinery command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "refinery",
		Short:         "Refinery tool-server orchestrator",
		Long:          "refinery supervises a fleet of tool servers and drives generation\npipelines through them: ANALYZE, PLAN, GENERATE, VALIDATE, DEPLOY.",
		Version:       fmt.Sprintf("refinery %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newInitCmd(),
		newServeCmd(),
		newRunCmd(),
		newServersCmd(),
		newLogsCmd(),
		newExportCmd(),
		newArchiveCmd(),
	)

	return cmd
}
