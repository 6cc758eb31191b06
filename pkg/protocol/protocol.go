// Package protocol defines the wire format spoken between the orchestrator
// and its tool servers, the typed error taxonomy for failed calls, and the
// SQLite schema shared by the call log, the run store, and the dashboard.
//
// The wire format is line-delimited JSON over the tool server's stdio: one
// request object per stdin line, one response object per stdout line, matched
// by correlation id. Tool servers are free to interleave human-readable log
// lines on stdout; anything that does not parse as a frame with an id is
// incidental output, not a protocol violation.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Request is one tool invocation sent to a server's stdin.
type Request struct {
	ID     int64           `json:"id"`
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one frame read from a server's stdout. Exactly one of Result
// and Error is set on a well-formed frame.
type Response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
}

// RemoteError is the error object a tool server attaches to a response.
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("tool server error %d: %s", e.Code, e.Message)
}

// FallbackResult is the degraded-mode substitute returned in place of a
// genuine tool result when a non-critical server's retries are exhausted.
type FallbackResult struct {
	Success  bool            `json:"success"`
	Fallback bool            `json:"fallback"`
	Method   string          `json:"method"`
	Message  string          `json:"message"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// EncodeRequest serializes a request as a single newline-terminated frame.
func EncodeRequest(req Request) ([]byte, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request %d: %w", req.ID, err)
	}
	return append(b, '\n'), nil
}

// DecodeFrame parses one stdout line. It returns (nil, false) for anything
// that is not a protocol frame: non-JSON text, JSON without a positive id,
// or JSON carrying neither result nor error. Callers treat such lines as
// incidental server logging.
func DecodeFrame(line []byte) (*Response, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return nil, false
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, false
	}
	if resp.ID <= 0 {
		return nil, false
	}
	if resp.Result == nil && resp.Error == nil {
		return nil, false
	}
	return &resp, true
}
