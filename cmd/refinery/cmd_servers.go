package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"
)

// newServersCmd creates the "refinery servers" subcommand: fleet health as
// last mirrored by the serve daemon.
func newServersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "Show tool server states",
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

			rows, err := db.QueryContext(cmd.Context(),
				`SELECT name, state, pid, restarts, last_error, updated_at
				 FROM server_state ORDER BY name`)
			if err != nil {
				return fmt.Errorf("query server state: %w", err)
			}
			defer rows.Close()

			w := cmd.OutOrStdout()
			n := 0
			for rows.Next() {
				var (
					name, state, updatedAt string
					pid, restarts          int
					lastErr                sql.NullString
				)
				if err := rows.Scan(&name, &state, &pid, &restarts, &lastErr, &updatedAt); err != nil {
					return fmt.Errorf("scan server state: %w", err)
				}
				line := fmt.Sprintf("%-12s %-8s pid=%-7d restarts=%d  (as of %s)", name, state, pid, restarts, updatedAt)
				if lastErr.String != "" {
					line += "\n             " + lastErr.String
				}
				fmt.Fprintln(w, line)
				n++
			}
			if err := rows.Err(); err != nil {
				return err
			}
			if n == 0 {
				fmt.Fprintln(w, "no servers recorded; is the daemon running?")
			}

			if status, pid, _ := DaemonStatus(paths.PIDPath); status == StatusRunning {
				fmt.Fprintf(w, "daemon running (PID %d)\n", pid)
			} else {
				fmt.Fprintf(w, "daemon %s\n", status)
			}
			return nil
		},
	}
}
