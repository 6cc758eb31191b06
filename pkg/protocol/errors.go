package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed call for the retry policy. The kind, not the
// error text, decides whether an attempt may be retried.
type ErrorKind string

// Error kinds, in rough order of how often they occur in practice.
const (
	KindConnection  ErrorKind = "connection"   // server unreachable or not yet running
	KindTimeout     ErrorKind = "timeout"      // no response within the call deadline
	KindRateLimited ErrorKind = "rate_limited" // server asked us to slow down
	KindAuth        ErrorKind = "auth"         // missing or rejected credential
	KindMalformed   ErrorKind = "malformed"    // response frame could not be used
	KindUnavailable ErrorKind = "unavailable"  // server-side transient failure (5xx-equivalent)
	KindRemote      ErrorKind = "remote"       // server rejected the request itself
	KindCancelled   ErrorKind = "cancelled"    // client disconnected or context ended
)

// ClassifyRemote maps a tool server's error code onto the retry taxonomy.
// Servers reuse HTTP-ish codes; anything unrecognized is a permanent
// rejection of the request.
func ClassifyRemote(code int) ErrorKind {
	switch {
	case code == 401 || code == 403:
		return KindAuth
	case code == 408:
		return KindTimeout
	case code == 429:
		return KindRateLimited
	case code >= 500 && code <= 599:
		return KindUnavailable
	default:
		return KindRemote
	}
}

// CallError is the typed error raised by the protocol client. The resilience
// layer discriminates on Kind via errors.As; everything above it only sees
// opaque step errors.
type CallError struct {
	Kind   ErrorKind
	Server string
	Tool   string
	Err    error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call %s/%s: %s: %v", e.Server, e.Tool, e.Kind, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Retryable reports whether the failure indicates a transient condition.
// Auth failures and cancellations are permanent; remote tool errors are the
// server telling us the request itself is bad, so they are permanent too.
func (e *CallError) Retryable() bool {
	switch e.Kind {
	case KindConnection, KindTimeout, KindRateLimited, KindMalformed, KindUnavailable:
		return true
	default:
		return false
	}
}

// NewCallError builds a CallError for the given server and tool.
func NewCallError(kind ErrorKind, server, tool string, err error) *CallError {
	return &CallError{Kind: kind, Server: server, Tool: tool, Err: err}
}

// FatalError marks a critical server's retry exhaustion. There is no
// degraded-mode substitute; the owning workflow step must fail.
type FatalError struct {
	Server string
	Tool   string
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("critical server %s failed on %s: %v", e.Server, e.Tool, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Retryable reports whether err is a transient call failure. Errors that are
// not CallErrors are treated as permanent.
func Retryable(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return false
}

// RateLimited reports whether err is a rate-limit rejection, which widens the
// retry backoff for that attempt.
func RateLimited(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Kind == KindRateLimited
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
