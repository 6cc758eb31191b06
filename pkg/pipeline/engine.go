package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"refinery/pkg/events"
	"refinery/pkg/resilience"
)

// Caller is the resilience layer as the engine sees it. The engine never
// inspects raw protocol errors; it only learns whether a step's calls
// succeeded (possibly degraded) or failed with a reason.
type Caller interface {
	CallWithRetry(ctx context.Context, runID, server, tool string, params json.RawMessage) (resilience.Result, error)
}

// CallFunc is the call capability handed to stage executors, pre-bound to
// the owning run.
type CallFunc func(ctx context.Context, server, tool string, params json.RawMessage) (resilience.Result, error)

// ExecCtx is everything a stage executor gets to work with.
type ExecCtx struct {
	Run *WorkflowRun
	// Outputs holds the raw output of every completed predecessor stage.
	Outputs map[Stage]json.RawMessage
	Call    CallFunc
}

// Executor is one stage's execution body. It may issue any number of calls,
// concurrently if it wishes; the engine serializes stages, not calls.
type Executor interface {
	Execute(ctx context.Context, ec ExecCtx) (output json.RawMessage, warning string, err error)
}

// Progress event statuses, as consumed by external subscribers.
const (
	EventStarted   = "started"
	EventCompleted = "completed"
	EventFailed    = "failed"
)

// DefaultMaxConcurrentRuns bounds runs executing at once; excess runs queue.
const DefaultMaxConcurrentRuns = 5

// queueCapacity bounds runs waiting for a worker.
const queueCapacity = 256

// Engine executes workflow runs against the stage executor registry.
type Engine struct {
	store     *Store
	caller    Caller
	executors map[Stage]Executor
	bus       *events.Bus

	maxConcurrent int
	queue         chan string
	wg            sync.WaitGroup

	mu        sync.Mutex
	cancelled map[string]bool
	started   bool
}

// NewEngine creates an engine. Executors maps every stage to its execution
// body; DefaultExecutors covers the stock deployment.
func NewEngine(store *Store, caller Caller, executors map[Stage]Executor, bus *events.Bus) *Engine {
	return &Engine{
		store:         store,
		caller:        caller,
		executors:     executors,
		bus:           bus,
		maxConcurrent: DefaultMaxConcurrentRuns,
		queue:         make(chan string, queueCapacity),
		cancelled:     make(map[string]bool),
	}
}

// SetMaxConcurrentRuns overrides the concurrency cap. Call before Start.
func (e *Engine) SetMaxConcurrentRuns(n int) {
	if n > 0 {
		e.maxConcurrent = n
	}
}

// Start launches the worker pool. Runs queue in submission order and start
// as workers free up. ctx cancellation stops the pool after in-flight steps
// finish.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	for range e.maxConcurrent {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-e.queue:
					e.execute(ctx, id)
				}
			}
		}()
	}
}

// Wait blocks until the worker pool has drained after Start's ctx ended.
func (e *Engine) Wait() { e.wg.Wait() }

// Submit creates a new pending run and queues it for execution.
func (e *Engine) Submit(ctx context.Context, input string) (string, error) {
	run, err := e.store.CreateRun(ctx, input)
	if err != nil {
		return "", err
	}
	if err := e.Enqueue(run.ID); err != nil {
		return run.ID, err
	}
	return run.ID, nil
}

// Enqueue queues an already-persisted pending run (e.g. one submitted via
// the CLI and adopted by the daemon).
func (e *Engine) Enqueue(runID string) error {
	select {
	case e.queue <- runID:
		return nil
	default:
		return fmt.Errorf("run queue full (%d waiting)", queueCapacity)
	}
}

// Cancel marks a run for cancellation. A pending run cancels immediately; a
// running run finishes its current step first; cancellation only ever takes
// effect between steps.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	switch run.Status {
	case RunCompleted, RunFailed, RunCancelled:
		return fmt.Errorf("run %s already %s", runID, run.Status)
	}

	e.mu.Lock()
	e.cancelled[runID] = true
	e.mu.Unlock()

	if run.Status == RunPending {
		// Not yet picked up: settle it now so a worker skips it later.
		if err := e.store.SetRunStatus(ctx, runID, RunCancelled, "cancelled before start"); err != nil {
			return err
		}
		e.emitRun(runID, RunCancelled, "cancelled before start")
	}
	return nil
}

func (e *Engine) isCancelled(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled[runID]
}

func (e *Engine) clearCancelled(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancelled, runID)
}

// execute drives one run to a terminal status, or back to pending if the
// pool is shutting down: the in-flight step's writes must land even after
// ctx is cancelled, so persistence runs on a detached context.
func (e *Engine) execute(ctx context.Context, runID string) {
	defer e.clearCancelled(runID)
	dbCtx := context.WithoutCancel(ctx)

	won, err := e.store.MarkRunning(dbCtx, runID)
	if err != nil || !won {
		return
	}
	e.emitRun(runID, RunRunning, "")

	run, err := e.store.GetRun(dbCtx, runID)
	if err != nil {
		_ = e.store.SetRunStatus(dbCtx, runID, RunFailed, err.Error())
		e.emitRun(runID, RunFailed, err.Error())
		return
	}

	outputs := make(map[Stage]json.RawMessage, len(Stages))
	call := func(ctx context.Context, server, tool string, params json.RawMessage) (resilience.Result, error) {
		return e.caller.CallWithRetry(ctx, runID, server, tool, params)
	}

	for _, step := range run.Steps {
		// Already-completed steps are skipped when a requeued run resumes;
		// their outputs feed later stages as if just produced.
		if step.Status == StepCompleted {
			if step.Output != "" {
				outputs[step.Name] = json.RawMessage(step.Output)
			}
			continue
		}

		if e.isCancelled(runID) {
			if err := e.store.SetRunStatus(dbCtx, runID, RunCancelled, "cancelled between steps"); err == nil {
				e.emitRun(runID, RunCancelled, "cancelled between steps")
			}
			return
		}
		// A cancel issued through another process lands straight in the
		// database; honor it at the same boundary.
		if status, err := e.store.Status(dbCtx, runID); err == nil && status == RunCancelled {
			e.emitRun(runID, RunCancelled, "cancelled between steps")
			return
		}
		if ctx.Err() != nil {
			// Shutdown lands between steps: hand the run back for the next
			// daemon to pick up.
			_ = e.store.SetRunStatus(dbCtx, runID, RunPending, "")
			return
		}

		if err := e.runStep(ctx, dbCtx, run, step, outputs, call); err != nil {
			if ctx.Err() != nil {
				// The step lost to shutdown, not to the tool: rewind it and
				// requeue the run.
				_ = e.store.ResetStep(dbCtx, runID, step.Position)
				_ = e.store.SetRunStatus(dbCtx, runID, RunPending, "")
				return
			}
			reason := fmt.Sprintf("step %s failed: %v", step.Name, err)
			if perr := e.store.SetRunStatus(dbCtx, runID, RunFailed, reason); perr == nil {
				e.emitRun(runID, RunFailed, reason)
			}
			return
		}
	}

	if err := e.store.SetRunStatus(dbCtx, runID, RunCompleted, ""); err == nil {
		e.emitRun(runID, RunCompleted, "")
	}
}

// runStep executes one step body between its two persisted transitions.
// Status always hits the store before the progress event goes out: a crash
// between the two loses a notification, never state.
func (e *Engine) runStep(ctx, dbCtx context.Context, run *WorkflowRun, step WorkflowStep, outputs map[Stage]json.RawMessage, call CallFunc) error {
	if err := e.store.SetStepStatus(dbCtx, run.ID, step.Position, StepInProgress, "", "", ""); err != nil {
		return err
	}
	e.emitStep(run.ID, step.Name, EventStarted, "")

	executor, ok := e.executors[step.Name]
	if !ok {
		err := fmt.Errorf("no executor for stage %s", step.Name)
		_ = e.store.SetStepStatus(dbCtx, run.ID, step.Position, StepFailed, "", "", err.Error())
		e.emitStep(run.ID, step.Name, EventFailed, err.Error())
		return err
	}

	output, warning, err := executor.Execute(ctx, ExecCtx{Run: run, Outputs: outputs, Call: call})
	if err != nil {
		_ = e.store.SetStepStatus(dbCtx, run.ID, step.Position, StepFailed, "", warning, err.Error())
		e.emitStep(run.ID, step.Name, EventFailed, err.Error())
		return err
	}

	outputs[step.Name] = output
	if err := e.store.SetStepStatus(dbCtx, run.ID, step.Position, StepCompleted, string(output), warning, ""); err != nil {
		return err
	}
	e.emitStep(run.ID, step.Name, EventCompleted, "")
	return nil
}

func (e *Engine) emitStep(runID string, stage Stage, status, errMsg string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Kind:   events.KindRunStep,
		RunID:  runID,
		Step:   string(stage),
		Status: status,
		Err:    errMsg,
	})
}

func (e *Engine) emitRun(runID string, status RunStatus, errMsg string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Kind:   events.KindRunStatus,
		RunID:  runID,
		Status: string(status),
		Err:    errMsg,
	})
}
