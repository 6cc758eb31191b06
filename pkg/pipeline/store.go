package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// sqliteTime is the timestamp layout used throughout the database.
const sqliteTime = "2006-01-02 15:04:05"

// Store persists runs and steps in the refinery SQLite database. All writes
// go through the engine; readers (CLI, dashboard) share the same tables.
type Store struct {
	db *sql.DB
}

// NewStore wraps db. The schema must already be applied.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateRun inserts a pending run with its five not_started steps.
func (s *Store) CreateRun(ctx context.Context, input string) (*WorkflowRun, error) {
	run := &WorkflowRun{
		ID:        uuid.NewString(),
		Input:     input,
		Status:    RunPending,
		CreatedAt: time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create run: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, input, status, created_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.Input, run.Status, run.CreatedAt.Format(sqliteTime))
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	for i, name := range Stages {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO steps (run_id, position, name, status) VALUES (?, ?, ?, ?)`,
			run.ID, i, name, StepNotStarted)
		if err != nil {
			return nil, fmt.Errorf("insert step %s: %w", name, err)
		}
		run.Steps = append(run.Steps, WorkflowStep{Position: i, Name: name, Status: StepNotStarted})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create run: %w", err)
	}
	return run, nil
}

// GetRun loads a run and its ordered steps.
func (s *Store) GetRun(ctx context.Context, id string) (*WorkflowRun, error) {
	run := &WorkflowRun{ID: id}
	var (
		errText     sql.NullString
		createdAt   string
		completedAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT input, status, error, created_at, completed_at FROM runs WHERE id = ?`, id).
		Scan(&run.Input, &run.Status, &errText, &createdAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", id, err)
	}
	run.Err = errText.String
	if run.CreatedAt, err = time.Parse(sqliteTime, createdAt); err != nil {
		return nil, fmt.Errorf("parse run created_at: %w", err)
	}
	if completedAt.Valid {
		ts, err := time.Parse(sqliteTime, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse run completed_at: %w", err)
		}
		run.CompletedAt = &ts
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT position, name, status, output, warning, error, started_at, completed_at
		 FROM steps WHERE run_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("load steps for %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			st                       WorkflowStep
			output, warning, errText sql.NullString
			startedAt, completedAt   sql.NullString
		)
		if err := rows.Scan(&st.Position, &st.Name, &st.Status, &output, &warning, &errText, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		st.Output = output.String
		st.Warning = warning.String
		st.Err = errText.String
		if startedAt.Valid {
			if ts, err := time.Parse(sqliteTime, startedAt.String); err == nil {
				st.StartedAt = &ts
			}
		}
		if completedAt.Valid {
			if ts, err := time.Parse(sqliteTime, completedAt.String); err == nil {
				st.CompletedAt = &ts
			}
		}
		run.Steps = append(run.Steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first, without steps.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]WorkflowRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, error, created_at FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []WorkflowRun
	for rows.Next() {
		var (
			r         WorkflowRun
			errText   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.Status, &errText, &createdAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Err = errText.String
		if r.CreatedAt, err = time.Parse(sqliteTime, createdAt); err != nil {
			return nil, fmt.Errorf("parse run created_at: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// PendingRunIDs returns ids of runs not yet picked up, oldest first. The
// serve daemon polls this to adopt runs submitted through the CLI.
func (s *Store) PendingRunIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM runs WHERE status = ? ORDER BY created_at, id`, RunPending)
	if err != nil {
		return nil, fmt.Errorf("list pending runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Status returns just the run's current status.
func (s *Store) Status(ctx context.Context, id string) (RunStatus, error) {
	var status RunStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return "", fmt.Errorf("load run %s status: %w", id, err)
	}
	return status, nil
}

// CancelRequested marks a run cancelled directly in the database. Pending
// runs settle immediately; running runs are noticed by the engine between
// steps. Terminal runs are left alone and reported as not cancelled.
func (s *Store) CancelRequested(ctx context.Context, id string, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, completed_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		RunCancelled, nullable(reason), time.Now().UTC().Format(sqliteTime),
		id, RunPending, RunRunning)
	if err != nil {
		return false, fmt.Errorf("cancel run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel run %s: %w", id, err)
	}
	return n == 1, nil
}

// SetRunStatus updates a run's status; terminal states also stamp
// completed_at.
func (s *Store) SetRunStatus(ctx context.Context, id string, status RunStatus, errMsg string) error {
	var completedAt any
	if status == RunCompleted || status == RunFailed || status == RunCancelled {
		completedAt = time.Now().UTC().Format(sqliteTime)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		status, nullable(errMsg), completedAt, id)
	if err != nil {
		return fmt.Errorf("set run %s status %s: %w", id, status, err)
	}
	return nil
}

// MarkRunning transitions a pending run to running. It reports whether this
// call won the transition, so the same run is never executed twice.
func (s *Store) MarkRunning(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ? WHERE id = ? AND status = ?`, RunRunning, id, RunPending)
	if err != nil {
		return false, fmt.Errorf("mark run %s running: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark run %s running: %w", id, err)
	}
	return n == 1, nil
}

// ResetStep returns a step to not_started with its outcome cleared, used
// when a shutdown interrupts a step that will be re-executed later.
func (s *Store) ResetStep(ctx context.Context, runID string, position int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE steps SET status = ?, output = NULL, warning = NULL, error = NULL,
		        started_at = NULL, completed_at = NULL
		 WHERE run_id = ? AND position = ?`,
		StepNotStarted, runID, position)
	if err != nil {
		return fmt.Errorf("reset step %d of run %s: %w", position, runID, err)
	}
	return nil
}

// SetStepStatus updates one step of a run. in_progress stamps started_at;
// terminal states stamp completed_at.
func (s *Store) SetStepStatus(ctx context.Context, runID string, position int, status StepStatus, output, warning, errMsg string) error {
	now := time.Now().UTC().Format(sqliteTime)
	var startedAt, completedAt any
	switch status {
	case StepInProgress:
		startedAt = now
	case StepCompleted, StepFailed:
		completedAt = now
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE steps SET status = ?,
		        output = COALESCE(?, output),
		        warning = COALESCE(?, warning),
		        error = COALESCE(?, error),
		        started_at = COALESCE(?, started_at),
		        completed_at = COALESCE(?, completed_at)
		 WHERE run_id = ? AND position = ?`,
		status, nullable(output), nullable(warning), nullable(errMsg), startedAt, completedAt, runID, position)
	if err != nil {
		return fmt.Errorf("set step %d of run %s to %s: %w", position, runID, status, err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
