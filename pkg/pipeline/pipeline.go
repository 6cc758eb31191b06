// Package pipeline runs the fixed five-stage transformation workflow. Each
// run walks ANALYZE, PLAN, GENERATE, VALIDATE, DEPLOY strictly in order,
// issuing tool-server calls through the resilience layer, persisting every
// step transition before announcing it, and halting on the first failed step.
package pipeline

import "time"

// Stage names, in execution order.
type Stage string

// The five stages of a run.
const (
	StageAnalyze  Stage = "ANALYZE"
	StagePlan     Stage = "PLAN"
	StageGenerate Stage = "GENERATE"
	StageValidate Stage = "VALIDATE"
	StageDeploy   Stage = "DEPLOY"
)

// Stages is the canonical execution order.
var Stages = []Stage{StageAnalyze, StagePlan, StageGenerate, StageValidate, StageDeploy}

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

// Run states.
const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// StepStatus is the lifecycle state of one step within a run.
type StepStatus string

// Step states.
const (
	StepNotStarted StepStatus = "not_started"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// WorkflowStep is the persisted record of one stage within a run. Steps are
// owned by their run and never outlive it.
type WorkflowStep struct {
	Position    int        `json:"position"`
	Name        Stage      `json:"name"`
	Status      StepStatus `json:"status"`
	Output      string     `json:"output,omitempty"`
	Warning     string     `json:"warning,omitempty"`
	Err         string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// WorkflowRun is the persisted record of one pipeline execution.
type WorkflowRun struct {
	ID          string         `json:"id"`
	Input       string         `json:"input,omitempty"`
	Status      RunStatus      `json:"status"`
	Err         string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Steps       []WorkflowStep `json:"steps"`
}

// Step returns the run's step with the given stage name, or nil.
func (r *WorkflowRun) Step(name Stage) *WorkflowStep {
	for i := range r.Steps {
		if r.Steps[i].Name == name {
			return &r.Steps[i]
		}
	}
	return nil
}
