package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"refinery/pkg/calllog"

	"github.com/spf13/cobra"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	runID  string
	server string
	tool   string
	status string
	search string
	tail   int
	follow bool
	full   bool
}

// newLogsCmd creates the "refinery logs" subcommand.
func newLogsCmd() *cobra.Command {
	var cfg logsConfig

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query and tail the tool call log",
		Long:  "Displays recorded tool calls from the call log.\nFilter by run, server, tool, outcome, or full-text search over payloads.",
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
			w := cmd.OutOrStdout()

			if cfg.follow {
				return followCallLogs(cmd.Context(), logger, w, cfg)
			}
			return printCallLogs(cmd.Context(), logger, w, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.runID, "run", "", "filter by run id")
	cmd.Flags().StringVar(&cfg.server, "server", "", "filter by server name")
	cmd.Flags().StringVar(&cfg.tool, "tool", "", "filter by tool name")
	cmd.Flags().StringVar(&cfg.status, "status", "", "filter by outcome: ok or error")
	cmd.Flags().StringVar(&cfg.search, "search", "", "full-text search over params and responses")
	cmd.Flags().IntVar(&cfg.tail, "tail", 20, "number of recent calls to show")
	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "poll for new calls every 1s")
	cmd.Flags().BoolVar(&cfg.full, "full", false, "print stored params and responses")

	return cmd
}

func filterFrom(cfg logsConfig) calllog.Filter {
	return calllog.Filter{
		RunID:  cfg.runID,
		Server: cfg.server,
		Tool:   cfg.tool,
		Status: cfg.status,
		Search: cfg.search,
		Tail:   cfg.tail,
	}
}

// printCallLogs displays the most recent matching calls in chronological
// order.
func printCallLogs(ctx context.Context, logger *calllog.Logger, w io.Writer, cfg logsConfig) error {
	entries, err := logger.Query(ctx, filterFrom(cfg))
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "no calls found")
		return nil
	}
	for i := range entries {
		formatEntry(w, &entries[i], cfg.full)
	}
	return nil
}

// followCallLogs continuously polls for new calls and displays them.
func followCallLogs(ctx context.Context, logger *calllog.Logger, w io.Writer, cfg logsConfig) error {
	entries, err := logger.Query(ctx, filterFrom(cfg))
	if err != nil {
		return err
	}
	var last time.Time
	// The After bound is inclusive at second resolution, so already-printed
	// entries are skipped by id.
	printed := make(map[string]bool)
	for i := range entries {
		formatEntry(w, &entries[i], cfg.full)
		printed[entries[i].ID] = true
		last = entries[i].CreatedAt
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f := filterFrom(cfg)
			f.Tail = 0
			if !last.IsZero() {
				f.After = &last
			}
			fresh, err := logger.Query(ctx, f)
			if err != nil {
				return err
			}
			for i := range fresh {
				if printed[fresh[i].ID] {
					continue
				}
				formatEntry(w, &fresh[i], cfg.full)
				printed[fresh[i].ID] = true
				last = fresh[i].CreatedAt
			}
		}
	}
}

// formatEntry writes one call log line, optionally followed by the stored
// payloads.
func formatEntry(w io.Writer, e *calllog.Entry, full bool) {
	status := "ok"
	switch {
	case e.Fallback:
		status = "fallback"
	case e.Err != "":
		status = "error"
	}

	line := fmt.Sprintf("%s  %-12s %-20s %-8s %6dms attempt=%d",
		e.CreatedAt.Format(time.RFC3339), e.Server, e.Tool, status,
		e.Duration.Milliseconds(), e.Attempt)
	if e.RunID != "" {
		line += "  run=" + e.RunID
	}
	if e.Err != "" {
		line += "  err=" + e.Err
	}
	fmt.Fprintln(w, line)

	if full {
		if e.Params != "" {
			fmt.Fprintf(w, "    params:   %s\n", e.Params)
		}
		if e.Response != "" {
			fmt.Fprintf(w, "    response: %s\n", e.Response)
		}
	}
}
