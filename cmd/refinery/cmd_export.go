package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"refinery/pkg/calllog"

	"github.com/spf13/cobra"
)

// exportConfig holds configuration for the export command.
type exportConfig struct {
	runID  string
	server string
	tool   string
	status string
	search string
	since  string
	until  string
	out    string
}

// newExportCmd creates the "refinery export" subcommand.
func newExportCmd() *cobra.Command {
	var cfg exportConfig

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export matching call log entries as JSON",
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

			f := calllog.Filter{
				RunID:  cfg.runID,
				Server: cfg.server,
				Tool:   cfg.tool,
				Status: cfg.status,
				Search: cfg.search,
			}
			if f.After, err = parseTimeFlag(cfg.since); err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			if f.Before, err = parseTimeFlag(cfg.until); err != nil {
				return fmt.Errorf("--until: %w", err)
			}

			logger := calllog.New(db, io.Discard, false)
			out, err := logger.Export(cmd.Context(), f)
			if err != nil {
				return err
			}

			if cfg.out == "" || cfg.out == "-" {
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			}
			if err := os.WriteFile(cfg.out, append(out, '\n'), 0o644); err != nil { //nolint:gosec // export target chosen by operator
				return fmt.Errorf("write %s: %w", cfg.out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported to %s\n", cfg.out)
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.runID, "run", "", "filter by run id")
	cmd.Flags().StringVar(&cfg.server, "server", "", "filter by server name")
	cmd.Flags().StringVar(&cfg.tool, "tool", "", "filter by tool name")
	cmd.Flags().StringVar(&cfg.status, "status", "", "filter by outcome: ok or error")
	cmd.Flags().StringVar(&cfg.search, "search", "", "full-text search over params and responses")
	cmd.Flags().StringVar(&cfg.since, "since", "", "only calls at or after this time (RFC3339 or 2006-01-02)")
	cmd.Flags().StringVar(&cfg.until, "until", "", "only calls at or before this time (RFC3339 or 2006-01-02)")
	cmd.Flags().StringVarP(&cfg.out, "output", "o", "", "write to file instead of stdout")

	return cmd
}

// parseTimeFlag accepts RFC3339 or a bare date.
func parseTimeFlag(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return &ts, nil
		}
	}
	return nil, fmt.Errorf("unrecognized time %q", s)
}
