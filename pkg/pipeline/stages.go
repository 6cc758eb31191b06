package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"refinery/pkg/resilience"
)

// Stock server names used by the default stage wiring.
const (
	ServerAnalyzer   = "analyzer"
	ServerScaffolder = "scaffolder"
	ServerLinter     = "linter"
	ServerNotifier   = "notifier"
)

// ToolExecutor runs a stage as a single tool call. BuildParams shapes the
// request from the run input and predecessor outputs.
type ToolExecutor struct {
	Server      string
	Tool        string
	BuildParams func(ec ExecCtx) (json.RawMessage, error)
}

// Execute issues the call and maps a degraded fallback result to a completed
// step carrying a warning.
func (t ToolExecutor) Execute(ctx context.Context, ec ExecCtx) (json.RawMessage, string, error) {
	params, err := t.BuildParams(ec)
	if err != nil {
		return nil, "", fmt.Errorf("build params for %s.%s: %w", t.Server, t.Tool, err)
	}
	res, err := ec.Call(ctx, t.Server, t.Tool, params)
	if err != nil {
		return nil, "", err
	}
	return flatten(res)
}

// ValidateExecutor fans out the validation calls concurrently: the lint pass
// and the build verification are independent and the stage completes when
// both do. Either failing fails the stage.
type ValidateExecutor struct{}

type validateOutcome struct {
	name    string
	output  json.RawMessage
	warning string
	err     error
}

// Execute runs linter.lintProject and scaffolder.verifyBuild against the
// GENERATE output.
func (ValidateExecutor) Execute(ctx context.Context, ec ExecCtx) (json.RawMessage, string, error) {
	params, err := stageParams(ec, StageGenerate, "project")
	if err != nil {
		return nil, "", err
	}

	checks := []struct {
		name   string
		server string
		tool   string
	}{
		{"lint", ServerLinter, "lintProject"},
		{"build", ServerScaffolder, "verifyBuild"},
	}

	results := make([]validateOutcome, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := ec.Call(ctx, c.server, c.tool, params)
			if err != nil {
				results[i] = validateOutcome{name: c.name, err: err}
				return
			}
			output, warning, err := flatten(res)
			results[i] = validateOutcome{name: c.name, output: output, warning: warning, err: err}
		}()
	}
	wg.Wait()

	combined := make(map[string]json.RawMessage, len(results))
	var warnings []string
	for _, r := range results {
		if r.err != nil {
			return nil, "", fmt.Errorf("%s: %w", r.name, r.err)
		}
		combined[r.name] = r.output
		if r.warning != "" {
			warnings = append(warnings, r.name+": "+r.warning)
		}
	}

	output, err := json.Marshal(combined)
	if err != nil {
		return nil, "", err
	}
	return output, strings.Join(warnings, "; "), nil
}

// DefaultExecutors wires the five stages to the stock servers.
func DefaultExecutors() map[Stage]Executor {
	return map[Stage]Executor{
		StageAnalyze: ToolExecutor{
			Server: ServerAnalyzer,
			Tool:   "analyzeCode",
			BuildParams: func(ec ExecCtx) (json.RawMessage, error) {
				return json.Marshal(map[string]string{"input": ec.Run.Input})
			},
		},
		StagePlan: ToolExecutor{
			Server: ServerAnalyzer,
			Tool:   "extractPlan",
			BuildParams: func(ec ExecCtx) (json.RawMessage, error) {
				return stageParams(ec, StageAnalyze, "analysis")
			},
		},
		StageGenerate: ToolExecutor{
			Server: ServerScaffolder,
			Tool:   "generateProject",
			BuildParams: func(ec ExecCtx) (json.RawMessage, error) {
				return stageParams(ec, StagePlan, "plan")
			},
		},
		StageValidate: ValidateExecutor{},
		StageDeploy: ToolExecutor{
			Server: ServerNotifier,
			Tool:   "announce",
			BuildParams: func(ec ExecCtx) (json.RawMessage, error) {
				return json.Marshal(map[string]any{
					"run_id":     ec.Run.ID,
					"input":      ec.Run.Input,
					"validation": ec.Outputs[StageValidate],
				})
			},
		},
	}
}

// stageParams wraps a predecessor stage's output under the given key.
func stageParams(ec ExecCtx, from Stage, key string) (json.RawMessage, error) {
	output, ok := ec.Outputs[from]
	if !ok {
		return nil, fmt.Errorf("missing %s output", from)
	}
	return json.Marshal(map[string]json.RawMessage{key: output})
}

// flatten turns a resilience result into step output. Degraded fallback
// results complete the step with the fallback payload and a warning.
func flatten(res resilience.Result) (json.RawMessage, string, error) {
	if res.Fallback == nil {
		return res.Payload, res.Warning, nil
	}
	output, err := json.Marshal(res.Fallback)
	if err != nil {
		return nil, "", err
	}
	warning := res.Warning
	if warning == "" {
		warning = res.Fallback.Message
	}
	return output, warning, nil
}
