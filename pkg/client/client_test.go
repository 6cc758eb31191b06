package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"refinery/pkg/client"
	"refinery/pkg/protocol"
)

// fakeTransport scripts the supervisor side of the channel. Written frames
// are parsed and handed to respond, which decides what (if anything) comes
// back on the stdout stream.
type fakeTransport struct {
	mu      sync.Mutex
	handler func(string)
	running bool
	// respond is invoked for every written frame; it may call Emit any
	// number of times, from any goroutine.
	respond func(req protocol.Request)
	wrote   []protocol.Request
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{running: true}
}

func (f *fakeTransport) WaitRunning(_ context.Context, _ string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return fmt.Errorf("server not running after %s", timeout)
	}
	return nil
}

func (f *fakeTransport) Running(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeTransport) OnStdoutLine(_ string, fn func(string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = fn
}

func (f *fakeTransport) WriteLine(_ string, frame []byte) error {
	var req protocol.Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return err
	}
	f.mu.Lock()
	f.wrote = append(f.wrote, req)
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		respond(req)
	}
	return nil
}

// Emit delivers one raw stdout line to the client.
func (f *fakeTransport) Emit(line string) {
	f.mu.Lock()
	fn := f.handler
	f.mu.Unlock()
	if fn != nil {
		fn(line)
	}
}

func connectedClient(t *testing.T, ft *fakeTransport) *client.Client {
	t.Helper()
	c := client.New("alpha", ft, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

func TestClient_Call_ResolvesMatchingResult(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	ft.respond = func(req protocol.Request) {
		ft.Emit(fmt.Sprintf(`{"id":%d,"result":{"success":true,"data":{"module":"SD"}}}`, req.ID))
	}
	c := connectedClient(t, ft)

	res, err := c.Call(context.Background(), "analyzeCode", json.RawMessage(`{"code":"x"}`), time.Second)
	if err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	var body struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(res, &body); err != nil || !body.Success {
		t.Fatalf("unexpected result %s (err %v)", res, err)
	}
	if n := c.PendingCount(); n != 0 {
		t.Fatalf("pending table not drained: %d", n)
	}
}

func TestClient_Call_OutOfOrderResponsesRouteByID(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	c := connectedClient(t, ft)

	// Hold both requests, then answer the second before the first.
	reqs := make(chan protocol.Request, 2)
	ft.respond = func(req protocol.Request) { reqs <- req }

	type res struct {
		tool string
		body string
		err  error
	}
	results := make(chan res, 2)
	callTool := func(tool string) {
		r, err := c.Call(context.Background(), tool, nil, 2*time.Second)
		results <- res{tool: tool, body: string(r), err: err}
	}
	go callTool("first")
	go callTool("second")

	r1, r2 := <-reqs, <-reqs
	// Map request id -> tool so the assertion does not depend on goroutine
	// scheduling order.
	byID := map[int64]protocol.Request{r1.ID: r1, r2.ID: r2}
	if len(byID) != 2 {
		t.Fatalf("correlation ids not unique: %d and %d", r1.ID, r2.ID)
	}

	// Respond to the later id first.
	hi, lo := r1, r2
	if hi.ID < lo.ID {
		hi, lo = lo, hi
	}
	ft.Emit(fmt.Sprintf(`{"id":%d,"result":{"order":"hi"}}`, hi.ID))
	ft.Emit(fmt.Sprintf(`{"id":%d,"result":{"order":"lo"}}`, lo.ID))

	got := map[string]string{}
	for range 2 {
		r := <-results
		if r.err != nil {
			t.Fatalf("call %s failed: %v", r.tool, r.err)
		}
		got[r.tool] = r.body
	}
	wantHi, wantLo := hi.Tool, lo.Tool
	if got[wantHi] != `{"order":"hi"}` || got[wantLo] != `{"order":"lo"}` {
		t.Fatalf("responses crossed callers: %v", got)
	}
}

func TestClient_Call_IgnoresNoiseLines(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	ft.respond = func(req protocol.Request) {
		ft.Emit("analyzer tool server v2.1 started")
		ft.Emit("{ broken json")
		ft.Emit(`{"log":"no id here"}`)
		ft.Emit(fmt.Sprintf(`{"id":%d,"result":{}}`, req.ID))
	}
	c := connectedClient(t, ft)

	if _, err := c.Call(context.Background(), "ping", nil, time.Second); err != nil {
		t.Fatalf("Call returned error despite valid frame: %v", err)
	}
	if n := c.NoiseLines(); n != 3 {
		t.Fatalf("got %d noise lines, want 3", n)
	}
}

func TestClient_Call_TimeoutRemovesPendingEntry(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport() // never responds
	c := connectedClient(t, ft)

	_, err := c.Call(context.Background(), "slow", nil, 50*time.Millisecond)
	var ce *protocol.CallError
	if !errors.As(err, &ce) || ce.Kind != protocol.KindTimeout {
		t.Fatalf("got %v, want timeout CallError", err)
	}
	if n := c.PendingCount(); n != 0 {
		t.Fatalf("timed-out call leaked a pending entry: %d", n)
	}

	// A late response for the dead id is noise, not a crash.
	ft.Emit(`{"id":1,"result":{}}`)
	if c.NoiseLines() == 0 {
		t.Fatal("late response not counted as noise")
	}
}

func TestClient_Call_RemoteErrorClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code int
		want protocol.ErrorKind
	}{
		{401, protocol.KindAuth},
		{429, protocol.KindRateLimited},
		{503, protocol.KindUnavailable},
		{-32601, protocol.KindRemote},
	}
	for _, tc := range cases {
		ft := newFakeTransport()
		ft.respond = func(req protocol.Request) {
			ft.Emit(fmt.Sprintf(`{"id":%d,"error":{"code":%d,"message":"nope"}}`, req.ID, tc.code))
		}
		c := connectedClient(t, ft)

		_, err := c.Call(context.Background(), "tool", nil, time.Second)
		var ce *protocol.CallError
		if !errors.As(err, &ce) {
			t.Fatalf("code %d: got %v, want CallError", tc.code, err)
		}
		if ce.Kind != tc.want {
			t.Fatalf("code %d: got kind %s, want %s", tc.code, ce.Kind, tc.want)
		}
		if ce.Tool != "tool" {
			t.Fatalf("code %d: tool not stamped on error: %+v", tc.code, ce)
		}
	}
}

func TestClient_Disconnect_CancelsAllPending(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport() // never responds
	c := connectedClient(t, ft)

	errs := make(chan error, 3)
	for range 3 {
		go func() {
			_, err := c.Call(context.Background(), "hang", nil, 10*time.Second)
			errs <- err
		}()
	}

	// Wait until all three calls are registered before disconnecting.
	deadline := time.Now().Add(2 * time.Second)
	for c.PendingCount() != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("calls never registered: %d pending", c.PendingCount())
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.Disconnect()

	for range 3 {
		err := <-errs
		var ce *protocol.CallError
		if !errors.As(err, &ce) || ce.Kind != protocol.KindCancelled {
			t.Fatalf("got %v, want cancellation CallError", err)
		}
	}

	// Calls after disconnect fail fast with a connection error.
	_, err := c.Call(context.Background(), "late", nil, time.Second)
	var ce *protocol.CallError
	if !errors.As(err, &ce) || ce.Kind != protocol.KindConnection {
		t.Fatalf("post-disconnect call: got %v, want connection CallError", err)
	}
}

func TestClient_Connect_FailsWhenServerNeverRuns(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	ft.running = false
	c := client.New("alpha", ft, nil)
	c.SetConnectTimeout(50 * time.Millisecond)

	err := c.Connect(context.Background())
	var ce *protocol.CallError
	if !errors.As(err, &ce) || ce.Kind != protocol.KindConnection {
		t.Fatalf("got %v, want connection CallError", err)
	}
}
