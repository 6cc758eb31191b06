package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"refinery/pkg/client"
	"refinery/pkg/protocol"
)

// defaultCallTimeout bounds a single protocol call attempt. Retries on top
// of this are the resilience layer's business.
const defaultCallTimeout = 30 * time.Second

// clientSet routes protocol calls to the per-server client, implementing
// resilience.Invoker for the whole fleet.
type clientSet struct {
	mu      sync.RWMutex
	clients map[string]*client.Client
	timeout time.Duration
}

func newClientSet() *clientSet {
	return &clientSet{
		clients: make(map[string]*client.Client),
		timeout: defaultCallTimeout,
	}
}

func (cs *clientSet) add(name string, c *client.Client) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.clients[name] = c
}

func (cs *clientSet) remove(name string) {
	cs.mu.Lock()
	c := cs.clients[name]
	delete(cs.clients, name)
	cs.mu.Unlock()
	if c != nil {
		c.Disconnect()
	}
}

func (cs *clientSet) lookup(name string) *client.Client {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.clients[name]
}

// Invoke issues one call attempt against the named server.
func (cs *clientSet) Invoke(ctx context.Context, server, tool string, params json.RawMessage) (json.RawMessage, error) {
	c := cs.lookup(server)
	if c == nil {
		return nil, &protocol.CallError{
			Kind:   protocol.KindConnection,
			Server: server,
			Tool:   tool,
			Err:    fmt.Errorf("no such server in manifest"),
		}
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c.Call(ctx, tool, params, cs.timeout)
}
