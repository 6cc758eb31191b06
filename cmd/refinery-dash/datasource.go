package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ServerRow is one tool server as mirrored by the serve daemon.
type ServerRow struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	PID       int    `json:"pid"`
	Restarts  int    `json:"restarts"`
	LastError string `json:"last_error,omitempty"`
	UpdatedAt string `json:"updated_at"`
}

// RunRow is one pipeline run summary.
type RunRow struct {
	ID        string `json:"id"`
	Input     string `json:"input"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at"`
}

// CallRow is one recent tool call.
type CallRow struct {
	Server     string `json:"server"`
	Tool       string `json:"tool"`
	Attempt    int    `json:"attempt"`
	Fallback   bool   `json:"fallback"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	CreatedAt  string `json:"created_at"`
}

// defaultDBPath returns the state database path from env or ~/.refinery.
func defaultDBPath() string {
	if v := os.Getenv("REFINERY_DB_PATH"); v != "" {
		return v
	}
	base := os.Getenv("REFINERY_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, ".refinery")
	}
	return filepath.Join(base, "state.db")
}

// openRead opens the state database for a read-only query path.
func openRead(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open state db %s: %w", dbPath, err)
	}
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping state db %s: %w", dbPath, err)
	}
	return db, nil
}

// FetchServers reads the fleet state mirrored by the serve daemon.
//
// Error cases:
//   - dbPath does not exist or is not a valid sqlite DB → returns error
//   - SQL query error → returns error
func FetchServers(dbPath string) ([]ServerRow, error) {
	db, err := openRead(dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close() //nolint:errcheck // best-effort close on read-only query path

	rows, err := db.QueryContext(context.Background(), `
		SELECT name, state, pid, restarts, COALESCE(last_error, ''), updated_at
		FROM   server_state
		ORDER  BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("query server state: %w", err)
	}
	defer rows.Close() //nolint:errcheck // best-effort close after full iteration

	servers := []ServerRow{}
	for rows.Next() {
		var s ServerRow
		if err := rows.Scan(&s.Name, &s.State, &s.PID, &s.Restarts, &s.LastError, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan server row: %w", err)
		}
		servers = append(servers, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate server state: %w", err)
	}
	return servers, nil
}

// FetchRuns reads the newest pipeline runs.
func FetchRuns(dbPath string, limit int) ([]RunRow, error) {
	db, err := openRead(dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close() //nolint:errcheck // best-effort close on read-only query path

	rows, err := db.QueryContext(context.Background(), `
		SELECT id, input, status, COALESCE(error, ''), created_at
		FROM   runs
		ORDER  BY created_at DESC, id DESC
		LIMIT  ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close() //nolint:errcheck // best-effort close after full iteration

	runs := []RunRow{}
	for rows.Next() {
		var r RunRow
		if err := rows.Scan(&r.ID, &r.Input, &r.Status, &r.Error, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// FetchRecentCalls reads the newest tool calls from the call log.
func FetchRecentCalls(dbPath string, limit int) ([]CallRow, error) {
	db, err := openRead(dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close() //nolint:errcheck // best-effort close on read-only query path

	rows, err := db.QueryContext(context.Background(), `
		SELECT server, tool, attempt, fallback, COALESCE(error, ''), duration_ms, created_at
		FROM   call_logs
		ORDER  BY created_at DESC, id DESC
		LIMIT  ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query call log: %w", err)
	}
	defer rows.Close() //nolint:errcheck // best-effort close after full iteration

	calls := []CallRow{}
	for rows.Next() {
		var (
			c  CallRow
			fb int
		)
		if err := rows.Scan(&c.Server, &c.Tool, &c.Attempt, &fb, &c.Error, &c.DurationMS, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan call row: %w", err)
		}
		c.Fallback = fb != 0
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call log: %w", err)
	}
	return calls, nil
}
