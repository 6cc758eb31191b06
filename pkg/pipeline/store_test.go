package pipeline_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"refinery/pkg/pipeline"
	"refinery/pkg/protocol"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	// WAL journal mode and a busy timeout, as openDB in cmd/refinery sets,
	// via the DSN so every pooled connection gets them and concurrent
	// workers don't fail with SQLITE_BUSY.
	dsn := "file:" + filepath.Join(t.TempDir(), "state.db") +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return db
}

func TestStore_CreateRun_SeedsAllStepsNotStarted(t *testing.T) {
	store := pipeline.NewStore(openTestDB(t))
	ctx := context.Background()

	run, err := store.CreateRun(ctx, "order intake service")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.Status != pipeline.RunPending {
		t.Fatalf("status = %s, want %s", run.Status, pipeline.RunPending)
	}

	loaded, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if loaded.Input != "order intake service" {
		t.Fatalf("input = %q", loaded.Input)
	}
	if len(loaded.Steps) != len(pipeline.Stages) {
		t.Fatalf("steps = %d, want %d", len(loaded.Steps), len(pipeline.Stages))
	}
	for i, step := range loaded.Steps {
		if step.Name != pipeline.Stages[i] {
			t.Errorf("step %d name = %s, want %s", i, step.Name, pipeline.Stages[i])
		}
		if step.Status != pipeline.StepNotStarted {
			t.Errorf("step %s status = %s, want %s", step.Name, step.Status, pipeline.StepNotStarted)
		}
	}
}

func TestStore_MarkRunning_WinsExactlyOnce(t *testing.T) {
	store := pipeline.NewStore(openTestDB(t))
	ctx := context.Background()

	run, err := store.CreateRun(ctx, "x")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	won, err := store.MarkRunning(ctx, run.ID)
	if err != nil || !won {
		t.Fatalf("first MarkRunning = (%v, %v), want (true, nil)", won, err)
	}
	won, err = store.MarkRunning(ctx, run.ID)
	if err != nil {
		t.Fatalf("second MarkRunning: %v", err)
	}
	if won {
		t.Fatal("second MarkRunning won; run would execute twice")
	}
}

func TestStore_SetStepStatus_StampsTimestamps(t *testing.T) {
	store := pipeline.NewStore(openTestDB(t))
	ctx := context.Background()

	run, err := store.CreateRun(ctx, "x")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	if err := store.SetStepStatus(ctx, run.ID, 0, pipeline.StepInProgress, "", "", ""); err != nil {
		t.Fatalf("SetStepStatus in_progress: %v", err)
	}
	if err := store.SetStepStatus(ctx, run.ID, 0, pipeline.StepCompleted, `{"ok":true}`, "degraded", ""); err != nil {
		t.Fatalf("SetStepStatus completed: %v", err)
	}

	loaded, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	step := loaded.Steps[0]
	if step.Status != pipeline.StepCompleted {
		t.Fatalf("status = %s", step.Status)
	}
	if step.Output != `{"ok":true}` || step.Warning != "degraded" {
		t.Fatalf("output = %q warning = %q", step.Output, step.Warning)
	}
	if step.StartedAt == nil || step.CompletedAt == nil {
		t.Fatal("expected both started_at and completed_at stamped")
	}
}

func TestStore_SetRunStatus_TerminalStampsCompletedAt(t *testing.T) {
	store := pipeline.NewStore(openTestDB(t))
	ctx := context.Background()

	run, err := store.CreateRun(ctx, "x")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := store.SetRunStatus(ctx, run.ID, pipeline.RunFailed, "step GENERATE failed"); err != nil {
		t.Fatalf("SetRunStatus: %v", err)
	}

	loaded, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if loaded.Status != pipeline.RunFailed || loaded.Err != "step GENERATE failed" {
		t.Fatalf("run = %s / %q", loaded.Status, loaded.Err)
	}
	if loaded.CompletedAt == nil {
		t.Fatal("expected completed_at stamped on terminal status")
	}
}

func TestStore_PendingRunIDs_OldestFirstAndExcludesStarted(t *testing.T) {
	store := pipeline.NewStore(openTestDB(t))
	ctx := context.Background()

	first, err := store.CreateRun(ctx, "first")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	second, err := store.CreateRun(ctx, "second")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	started, err := store.CreateRun(ctx, "started")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if _, err := store.MarkRunning(ctx, started.ID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}

	ids, err := store.PendingRunIDs(ctx)
	if err != nil {
		t.Fatalf("PendingRunIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("pending = %d, want 2", len(ids))
	}
	want := map[string]bool{first.ID: true, second.ID: true}
	for _, id := range ids {
		if !want[id] {
			t.Fatalf("unexpected pending id %s", id)
		}
	}
}

func TestStore_ListRuns_NewestFirst(t *testing.T) {
	store := pipeline.NewStore(openTestDB(t))
	ctx := context.Background()

	for _, input := range []string{"a", "b", "c"} {
		if _, err := store.CreateRun(ctx, input); err != nil {
			t.Fatalf("CreateRun %s: %v", input, err)
		}
	}

	runs, err := store.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(runs))
	}
}
