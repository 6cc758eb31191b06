package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"refinery/pkg/protocol"
)

// Strategy produces the degraded-mode substitute for one server once its
// retries are exhausted. Adding a server to the deployment means registering
// a strategy for it, not editing a conditional.
type Strategy interface {
	Execute(ctx context.Context, tool string, params json.RawMessage, lastErr error) protocol.FallbackResult
}

// Registry maps server name to fallback strategy.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register installs the strategy for a server, replacing any previous one.
func (r *Registry) Register(server string, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[server] = s
}

// Lookup returns the server's strategy, or nil.
func (r *Registry) Lookup(server string) Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strategies[server]
}

// TemplateStrategy answers with a canned payload, e.g. a local project
// template standing in for a generated artifact.
type TemplateStrategy struct {
	Message string
	Data    json.RawMessage
}

// Execute returns the canned result.
func (s TemplateStrategy) Execute(_ context.Context, tool string, _ json.RawMessage, lastErr error) protocol.FallbackResult {
	return protocol.FallbackResult{
		Success:  true,
		Fallback: true,
		Method:   tool,
		Message:  fmt.Sprintf("%s (after: %v)", s.Message, lastErr),
		Data:     s.Data,
	}
}

// NoopStrategy substitutes nothing: the operation is skipped and only noted,
// the right shape for non-essential side effects like notifications.
type NoopStrategy struct {
	Message string
}

// Execute returns an empty-data acknowledgment.
func (s NoopStrategy) Execute(_ context.Context, tool string, _ json.RawMessage, lastErr error) protocol.FallbackResult {
	msg := s.Message
	if msg == "" {
		msg = "operation skipped"
	}
	return protocol.FallbackResult{
		Success:  true,
		Fallback: true,
		Method:   tool,
		Message:  fmt.Sprintf("%s (after: %v)", msg, lastErr),
	}
}
