// Package client implements the per-server protocol channel: it writes
// request frames to a supervised server's stdin, routes response frames read
// from its stdout back to the issuing caller by correlation id, and tolerates
// arbitrary non-protocol noise on the output stream.
//
// One Client per server. Calls to the same server may be in flight
// concurrently; responses are matched by id, never by arrival order. The
// pending-call table is private to the client and bounded by per-call
// timeouts, so entries always drain.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"refinery/pkg/events"
	"refinery/pkg/protocol"
)

// DefaultConnectTimeout bounds how long Connect waits for the supervisor to
// report the server running.
const DefaultConnectTimeout = 10 * time.Second

// Transport is the slice of the supervisor the client needs. Tests substitute
// a scripted implementation.
type Transport interface {
	WaitRunning(ctx context.Context, name string, timeout time.Duration) error
	WriteLine(name string, frame []byte) error
	OnStdoutLine(name string, fn func(line string))
	Running(name string) bool
}

// outcome is the terminal result of one pending call.
type outcome struct {
	result json.RawMessage
	err    error
}

// Client is the request/response channel to one tool server.
type Client struct {
	server         string
	transport      Transport
	connectTimeout time.Duration

	nextID atomic.Int64
	noise  atomic.Int64

	mu        sync.Mutex
	pending   map[int64]chan outcome
	connected bool

	unsubscribe func()
}

// New creates a client for the named server and attaches its frame router to
// the transport's stdout stream. When bus is non-nil the client also fails
// pending calls the moment the supervisor reports the server's process gone,
// instead of letting them ride out their timeouts.
func New(server string, transport Transport, bus *events.Bus) *Client {
	c := &Client{
		server:         server,
		transport:      transport,
		connectTimeout: DefaultConnectTimeout,
		pending:        make(map[int64]chan outcome),
	}
	transport.OnStdoutLine(server, c.handleLine)

	if bus != nil {
		ch, cancel := bus.Subscribe(16)
		c.unsubscribe = cancel
		go func() {
			for e := range ch {
				if e.Server == server && (e.Kind == events.KindServerExited || e.Kind == events.KindServerError) {
					c.failPending(protocol.NewCallError(protocol.KindConnection, server, "",
						fmt.Errorf("server process exited: %s", e.Err)))
				}
			}
		}()
	}
	return c
}

// SetConnectTimeout overrides the Connect wait bound.
func (c *Client) SetConnectTimeout(d time.Duration) { c.connectTimeout = d }

// Connect waits until the server is running. It fails with a connection
// error once the bounded wait expires.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.WaitRunning(ctx, c.server, c.connectTimeout); err != nil {
		return protocol.NewCallError(protocol.KindConnection, c.server, "", err)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// Call sends one tool invocation and blocks until its response frame arrives,
// the timeout passes, or ctx ends. Safe for concurrent use.
func (c *Client) Call(ctx context.Context, tool string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, protocol.NewCallError(protocol.KindConnection, c.server, tool,
			errors.New("client not connected"))
	}
	c.mu.Unlock()

	if !c.transport.Running(c.server) {
		return nil, protocol.NewCallError(protocol.KindConnection, c.server, tool,
			errors.New("server not running"))
	}

	id := c.nextID.Add(1)
	frame, err := protocol.EncodeRequest(protocol.Request{ID: id, Tool: tool, Params: params})
	if err != nil {
		return nil, protocol.NewCallError(protocol.KindMalformed, c.server, tool, err)
	}

	ch := make(chan outcome, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.transport.WriteLine(c.server, frame); err != nil {
		c.remove(id)
		return nil, protocol.NewCallError(protocol.KindConnection, c.server, tool, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, c.withTool(out.err, tool)
		}
		return out.result, nil
	case <-timer.C:
		c.remove(id)
		return nil, protocol.NewCallError(protocol.KindTimeout, c.server, tool,
			fmt.Errorf("no response within %s", timeout))
	case <-ctx.Done():
		c.remove(id)
		return nil, protocol.NewCallError(protocol.KindCancelled, c.server, tool, ctx.Err())
	}
}

// Disconnect cancels every pending call with a cancellation error and
// releases the channel. The client can Connect again later.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	c.failPending(protocol.NewCallError(protocol.KindCancelled, c.server, "",
		errors.New("client disconnected")))
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}

// PendingCount returns the number of in-flight calls.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// NoiseLines returns how many non-protocol stdout lines were skipped.
func (c *Client) NoiseLines() int64 { return c.noise.Load() }

// handleLine routes one stdout line. Non-frames are incidental server
// logging: counted and dropped, never an error.
func (c *Client) handleLine(line string) {
	resp, ok := protocol.DecodeFrame([]byte(line))
	if !ok {
		c.noise.Add(1)
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()
	if !ok {
		// Late response for a timed-out or cancelled call.
		c.noise.Add(1)
		return
	}

	if resp.Error != nil {
		kind := protocol.ClassifyRemote(resp.Error.Code)
		ch <- outcome{err: protocol.NewCallError(kind, c.server, "", resp.Error)}
		return
	}
	ch <- outcome{result: resp.Result}
}

func (c *Client) remove(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failPending rejects every pending call with err.
func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan outcome)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- outcome{err: err}
	}
}

// withTool stamps the tool name onto a CallError routed through the pending
// table (the router only knows the correlation id).
func (c *Client) withTool(err error, tool string) error {
	var ce *protocol.CallError
	if errors.As(err, &ce) && ce.Tool == "" {
		return protocol.NewCallError(ce.Kind, ce.Server, tool, ce.Err)
	}
	return err
}
