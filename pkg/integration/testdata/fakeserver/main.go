// Command fakeserver is a stand-in tool server for integration tests. It
// speaks the line-delimited JSON protocol on stdio: one request per stdin
// line, one response per stdout line, matched by id. On startup it prints a
// banner to stderr, the way real tool servers announce themselves.
//
// Unknown tools get an error response rather than silence. Flags make it
// misbehave on demand:
//
//	-delay          sleep before answering each request
//	-drop-every N   swallow every Nth request without responding
//	-garbage-every N emit a junk stdout line before every Nth response
//	-exit-after N   exit with status 1 after answering N requests
//
// The binary is deliberately self-contained so it compiles and runs exactly
// like a third-party server would.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"
)

type request struct {
	ID     int64           `json:"id"`
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params,omitempty"`
}

type response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *remoteError    `json:"error,omitempty"`
}

type remoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// results maps each supported tool to its canned payload.
var results = map[string]string{
	"analyzeCode":     `{"modules":["billing","auth"],"loc":1240}`,
	"extractPlan":     `{"steps":["model","handlers","tests"]}`,
	"generateProject": `{"files":12,"root":"out/project"}`,
	"lintProject":     `{"issues":0}`,
	"verifyBuild":     `{"ok":true}`,
	"announce":        `{"delivered":true}`,
}

func main() {
	delay := flag.Duration("delay", 0, "sleep before answering each request")
	dropEvery := flag.Int("drop-every", 0, "swallow every Nth request")
	garbageEvery := flag.Int("garbage-every", 0, "emit a junk line before every Nth response")
	exitAfter := flag.Int("exit-after", 0, "exit 1 after answering N requests")
	flag.Parse()

	fmt.Fprintln(os.Stderr, "fakeserver: ready")

	out := bufio.NewWriter(os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	seen := 0
	answered := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		seen++

		var req request
		if err := json.Unmarshal(line, &req); err != nil || req.ID <= 0 {
			fmt.Fprintf(os.Stderr, "fakeserver: unreadable request: %s\n", line)
			continue
		}

		if *delay > 0 {
			time.Sleep(*delay)
		}
		if *dropEvery > 0 && seen%*dropEvery == 0 {
			fmt.Fprintf(os.Stderr, "fakeserver: dropping request %d\n", req.ID)
			continue
		}
		if *garbageEvery > 0 && seen%*garbageEvery == 0 {
			fmt.Fprintln(out, "[fakeserver] heartbeat: all systems nominal")
		}

		resp := response{ID: req.ID}
		if payload, ok := results[req.Tool]; ok {
			resp.Result = json.RawMessage(payload)
		} else {
			resp.Error = &remoteError{Code: 400, Message: "unknown tool: " + req.Tool}
		}

		b, err := json.Marshal(resp)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fakeserver: encode response %d: %v\n", req.ID, err)
			continue
		}
		out.Write(b)
		out.WriteByte('\n')
		out.Flush()

		answered++
		if *exitAfter > 0 && answered >= *exitAfter {
			fmt.Fprintln(os.Stderr, "fakeserver: exiting as instructed")
			os.Exit(1)
		}
	}
}
