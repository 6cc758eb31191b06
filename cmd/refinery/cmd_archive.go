package main

import (
	"fmt"
	"io"

	"refinery/pkg/calllog"

	"github.com/spf13/cobra"
)

// newArchiveCmd creates the "refinery archive" subcommand: call log
// retention enforcement.
func newArchiveCmd() *cobra.Command {
	var olderThan int

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Delete call log entries past the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			db, err := openStateDB(paths.StateDBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			logger := calllog.New(db, io.Discard, false)
			n, err := logger.Archive(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archived %d call log entries older than %d days\n", n, olderThan)
			return nil
		},
	}

	cmd.Flags().IntVar(&olderThan, "older-than", 30, "retention window in days")

	return cmd
}
