package main

import (
	"database/sql"
	"path/filepath"
	"testing"

	"refinery/pkg/protocol"
)

func seedDB(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	stmts := []string{
		`INSERT INTO server_state (name, state, pid, restarts, last_error, updated_at)
		 VALUES ('analyzer', 'running', 100, 0, NULL, datetime('now'))`,
		`INSERT INTO server_state (name, state, pid, restarts, last_error, updated_at)
		 VALUES ('notifier', 'crashed', 0, 3, 'restart budget exhausted', datetime('now'))`,
		`INSERT INTO runs (id, input, status, created_at)
		 VALUES ('run-a', 'billing service', 'completed', datetime('now'))`,
		`INSERT INTO call_logs (id, run_id, server, tool, attempt, params, response, fallback, duration_ms, created_at)
		 VALUES ('c1', 'run-a', 'analyzer', 'analyzeCode', 1, '{}', '{}', 0, 42, datetime('now'))`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return dbPath
}

func TestFetchServers_ReturnsMirroredFleet(t *testing.T) {
	dbPath := seedDB(t)

	servers, err := FetchServers(dbPath)
	if err != nil {
		t.Fatalf("FetchServers: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("servers = %d, want 2", len(servers))
	}
	if servers[0].Name != "analyzer" || servers[0].State != "running" {
		t.Errorf("first server = %+v", servers[0])
	}
	if servers[1].LastError != "restart budget exhausted" {
		t.Errorf("crashed server error = %q", servers[1].LastError)
	}
}

func TestFetchServers_MissingDatabaseErrors(t *testing.T) {
	// A directory path is never a valid sqlite file.
	if _, err := FetchServers(t.TempDir()); err == nil {
		t.Fatal("expected error for unreadable database")
	}
}

func TestFetchRuns_ReturnsNewestFirst(t *testing.T) {
	dbPath := seedDB(t)

	runs, err := FetchRuns(dbPath, 10)
	if err != nil {
		t.Fatalf("FetchRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	if runs[0].ID != "run-a" || runs[0].Status != "completed" {
		t.Errorf("run = %+v", runs[0])
	}
}

func TestFetchRecentCalls_ReadsCallLog(t *testing.T) {
	dbPath := seedDB(t)

	calls, err := FetchRecentCalls(dbPath, 10)
	if err != nil {
		t.Fatalf("FetchRecentCalls: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	c := calls[0]
	if c.Server != "analyzer" || c.Tool != "analyzeCode" || c.DurationMS != 42 {
		t.Errorf("call = %+v", c)
	}
}
