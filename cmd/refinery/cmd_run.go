package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"refinery/pkg/pipeline"

	"github.com/spf13/cobra"
)

// newRunCmd creates the "refinery run" subcommand group.
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit and inspect pipeline runs",
	}

	cmd.AddCommand(
		newRunSubmitCmd(),
		newRunStatusCmd(),
		newRunListCmd(),
		newRunCancelCmd(),
	)

	return cmd
}

// newRunSubmitCmd creates "refinery run submit". The run is persisted as
// pending; the serve daemon picks it up within a second.
func newRunSubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <input>",
		Short: "Queue a new pipeline run",
		Args:  cobra.MinimumNArgs(1),
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

			store := pipeline.NewStore(db)
			run, err := store.CreateRun(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "run %s queued\n", run.ID)
			if status, _, _ := DaemonStatus(paths.PIDPath); status != StatusRunning {
				fmt.Fprintln(w, "note: no serve daemon running; start one with `refinery serve`")
			}
			return nil
		},
	}
}

// newRunStatusCmd creates "refinery run status".
func newRunStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show one run with its steps",
		Args:  cobra.ExactArgs(1),
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

			run, err := pipeline.NewStore(db).GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printRun(cmd.OutOrStdout(), run)
			return nil
		},
	}
}

func printRun(w io.Writer, run *pipeline.WorkflowRun) {
	fmt.Fprintf(w, "run %s  %s\n", run.ID, run.Status)
	fmt.Fprintf(w, "input: %s\n", run.Input)
	if run.Err != "" {
		fmt.Fprintf(w, "error: %s\n", run.Err)
	}
	fmt.Fprintln(w)
	for _, step := range run.Steps {
		line := fmt.Sprintf("  %-10s %s", step.Name, step.Status)
		if step.Warning != "" {
			line += "  warning: " + step.Warning
		}
		if step.Err != "" {
			line += "  error: " + step.Err
		}
		fmt.Fprintln(w, line)
	}
}

// newRunListCmd creates "refinery run list".
func newRunListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
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

			runs, err := pipeline.NewStore(db).ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(w, "no runs")
				return nil
			}
			for _, r := range runs {
				line := fmt.Sprintf("%s  %-10s %s", r.ID, r.Status, r.CreatedAt.Format("2006-01-02 15:04:05"))
				if r.Err != "" {
					line += "  " + r.Err
				}
				fmt.Fprintln(w, line)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to show")

	return cmd
}

// newRunCancelCmd creates "refinery run cancel". The cancel lands in the
// database; a running daemon notices it at the next step boundary.
func newRunCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a pending or running run",
		Args:  cobra.ExactArgs(1),
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

			store := pipeline.NewStore(db)
			ok, err := store.CancelRequested(cmd.Context(), args[0], "cancelled by operator")
			if err != nil {
				return err
			}
			if !ok {
				status, err := store.Status(context.Background(), args[0])
				if err != nil {
					return err
				}
				return fmt.Errorf("run %s already %s", args[0], status)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s cancelled (in-flight step finishes first)\n", args[0])
			return nil
		},
	}
}
