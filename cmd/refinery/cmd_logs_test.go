package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"refinery/pkg/calllog"
)

// seedCallLog records a few calls directly against the CLI's database.
func seedCallLog(t *testing.T) {
	t.Helper()
	paths := ResolvePathsOrDie(t)
	db, err := openStateDB(paths.StateDBPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	logger := calllog.New(db, io.Discard, false)
	ctx := context.Background()
	logger.Record(ctx, calllog.Entry{
		RunID: "run-1", Server: "analyzer", Tool: "analyzeCode",
		Params: `{"input":"billing"}`, Response: `{"entities":["VBAK"]}`,
		Duration: 120 * time.Millisecond,
	})
	logger.Record(ctx, calllog.Entry{
		RunID: "run-1", Server: "linter", Tool: "lintProject",
		Params: `{"project":"p"}`, Err: "connection refused",
		Duration: 5 * time.Millisecond,
	})
}

func TestLogs_FiltersByServerAndStatus(t *testing.T) {
	t.Setenv("REFINERY_HOME", t.TempDir())
	seedCallLog(t)

	out, err := runCLI(t, "logs", "--server", "analyzer")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if !strings.Contains(out, "analyzeCode") || strings.Contains(out, "lintProject") {
		t.Errorf("server filter output:\n%s", out)
	}

	out, err = runCLI(t, "logs", "--status", "error")
	if err != nil {
		t.Fatalf("logs --status error: %v", err)
	}
	if !strings.Contains(out, "connection refused") || strings.Contains(out, "analyzeCode") {
		t.Errorf("status filter output:\n%s", out)
	}
}

func TestLogs_FullPrintsPayloads(t *testing.T) {
	t.Setenv("REFINERY_HOME", t.TempDir())
	seedCallLog(t)

	out, err := runCLI(t, "logs", "--full", "--server", "analyzer")
	if err != nil {
		t.Fatalf("logs --full: %v", err)
	}
	if !strings.Contains(out, `{"entities":["VBAK"]}`) {
		t.Errorf("--full output lacks response payload:\n%s", out)
	}
}

func TestExport_WritesJSONArrayToFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("REFINERY_HOME", home)
	seedCallLog(t)

	outPath := filepath.Join(home, "calls.json")
	if out, err := runCLI(t, "export", "--run", "run-1", "-o", outPath); err != nil {
		t.Fatalf("export: %v\n%s", err, out)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	var entries []calllog.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("export is not a JSON array: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("exported %d entries, want 2", len(entries))
	}
}

func TestArchive_RemovesOnlyAgedEntries(t *testing.T) {
	t.Setenv("REFINERY_HOME", t.TempDir())
	seedCallLog(t)

	// Plant one entry well past the retention window.
	db, err := openStateDB(ResolvePathsOrDie(t).StateDBPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	_, err = db.Exec(`INSERT INTO call_logs (id, server, tool, attempt, params, response, fallback, duration_ms, created_at)
		VALUES ('aged', 'linter', 'lintProject', 1, '{}', '{}', 0, 1, datetime('now', '-40 days'))`)
	db.Close()
	if err != nil {
		t.Fatalf("plant aged entry: %v", err)
	}

	out, err := runCLI(t, "archive", "--older-than", "30")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !strings.Contains(out, "archived 1 call log entries") {
		t.Errorf("archive output %q", out)
	}

	out, err = runCLI(t, "logs", "--tail", "50")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if got := strings.Count(out, "\n"); got != 2 {
		t.Errorf("remaining log lines = %d, want 2:\n%s", got, out)
	}
}
