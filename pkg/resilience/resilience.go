// Package resilience wraps protocol calls with retry, backoff, and per-server
// fallback. It is the single place that turns raw call failures into one of
// three outcomes the pipeline can see: a genuine result, a degraded fallback
// result, or a fatal error. It is also the single place that feeds the call
// logger: every attempt, outcome, and fallback invocation is recorded before
// control returns to the caller.
package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"refinery/pkg/calllog"
	"refinery/pkg/protocol"
)

// MaxAttempts is the total attempt count per call, first try included.
const MaxAttempts = 3

// Invoker issues one raw protocol call attempt. The client set implements
// this in production; tests script it.
type Invoker interface {
	Invoke(ctx context.Context, server, tool string, params json.RawMessage) (json.RawMessage, error)
}

// Recorder receives the audit record of every attempt. *calllog.Logger
// satisfies this.
type Recorder interface {
	Record(ctx context.Context, e calllog.Entry)
}

// Result is the successful outcome of CallWithRetry. Either Payload is set
// (genuine result) or Fallback is set (degraded result, Warning explains).
type Result struct {
	Payload  json.RawMessage
	Fallback *protocol.FallbackResult
	Warning  string
	Attempts int
}

// Layer drives retries and fallback for all servers.
type Layer struct {
	invoker  Invoker
	recorder Recorder
	registry *Registry
	backoff  BackoffConfig

	mu       sync.RWMutex
	critical map[string]bool

	// sleep is injectable so tests assert the schedule instead of waiting
	// through it.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Layer with the default backoff schedule.
func New(invoker Invoker, recorder Recorder, registry *Registry) *Layer {
	return &Layer{
		invoker:  invoker,
		recorder: recorder,
		registry: registry,
		backoff:  DefaultBackoff(),
		critical: make(map[string]bool),
		sleep:    sleepCtx,
	}
}

// SetBackoff replaces the retry schedule.
func (l *Layer) SetBackoff(cfg BackoffConfig) { l.backoff = cfg }

// SetCritical flags a server as having no acceptable fallback. Safe to call
// while calls are in flight; manifest reloads adjust flags live.
func (l *Layer) SetCritical(server string, critical bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.critical[server] = critical
}

// Registry exposes the fallback registry so strategies can be registered and
// replaced as the manifest changes.
func (l *Layer) Registry() *Registry { return l.registry }

func (l *Layer) isCritical(server string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.critical[server]
}

// SetSleep replaces the inter-attempt sleep.
//
//refinery:testonly
func (l *Layer) SetSleep(fn func(ctx context.Context, d time.Duration) error) { l.sleep = fn }

// CallWithRetry invokes server/tool with up to MaxAttempts attempts and
// exponential backoff. Non-retryable errors propagate immediately. After
// exhaustion a non-critical server yields its registered fallback result; a
// critical server yields a FatalError. runID tags the audit records.
func (l *Layer) CallWithRetry(ctx context.Context, runID, server, tool string, params json.RawMessage) (Result, error) {
	deadline := time.Now().Add(l.backoff.Budget)
	var lastErr error

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		start := time.Now()
		payload, err := l.invoker.Invoke(ctx, server, tool, params)
		elapsed := time.Since(start)

		entry := calllog.Entry{
			RunID:    runID,
			Server:   server,
			Tool:     tool,
			Attempt:  attempt,
			Params:   string(params),
			Duration: elapsed,
		}
		if err != nil {
			entry.Err = err.Error()
		} else {
			entry.Response = string(payload)
		}
		l.recorder.Record(ctx, entry)

		if err == nil {
			return Result{Payload: payload, Attempts: attempt}, nil
		}
		lastErr = err

		if !protocol.Retryable(err) {
			return Result{}, fmt.Errorf("call %s/%s: %w", server, tool, err)
		}
		if attempt == MaxAttempts {
			break
		}

		delay := NextDelay(l.backoff, attempt)
		if protocol.RateLimited(err) {
			// Rate limiting widens the backoff.
			delay *= 2
			if l.backoff.Max > 0 && delay > l.backoff.Max {
				delay = l.backoff.Max
			}
		}
		if time.Now().Add(delay).After(deadline) {
			// Retry budget spent; treat as exhausted.
			break
		}
		if err := l.sleep(ctx, delay); err != nil {
			return Result{}, protocol.NewCallError(protocol.KindCancelled, server, tool, err)
		}
	}

	return l.exhausted(ctx, runID, server, tool, params, lastErr)
}

// exhausted resolves a call whose retries are spent: fallback for ordinary
// servers, fatal error for critical ones.
func (l *Layer) exhausted(ctx context.Context, runID, server, tool string, params json.RawMessage, lastErr error) (Result, error) {
	if l.isCritical(server) {
		return Result{}, &protocol.FatalError{Server: server, Tool: tool, Err: lastErr}
	}

	strategy := l.registry.Lookup(server)
	if strategy == nil {
		strategy = NoopStrategy{}
	}
	fb := strategy.Execute(ctx, tool, params, lastErr)

	fbJSON, _ := json.Marshal(fb)
	l.recorder.Record(ctx, calllog.Entry{
		RunID:    runID,
		Server:   server,
		Tool:     tool,
		Attempt:  MaxAttempts,
		Params:   string(params),
		Response: string(fbJSON),
		Fallback: true,
	})

	warning := fmt.Sprintf("%s/%s degraded to fallback: %v", server, tool, lastErr)
	return Result{Fallback: &fb, Warning: warning, Attempts: MaxAttempts}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
