// Package calllog records every attempted tool-server call in the refinery
// SQLite database for audit and debugging. Entries are append-only: recorded
// once, queried and exported, never mutated.
//
// Record additionally echoes one human-readable line to the console for every
// attempt, whether or not persistence succeeds, so operators keep visibility
// even when the backing store is unavailable.
package calllog

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
)

// MaxPayload is the stored size of params and responses unless debug mode is
// on; longer payloads are truncated with an explicit marker.
const MaxPayload = 1000

// sqliteTime is the timestamp layout used throughout the database.
const sqliteTime = "2006-01-02 15:04:05"

// Entry is one completed (or failed) call attempt.
type Entry struct {
	ID        string        `json:"id"`
	RunID     string        `json:"run_id,omitempty"`
	Server    string        `json:"server"`
	Tool      string        `json:"tool"`
	Attempt   int           `json:"attempt"`
	Params    string        `json:"params,omitempty"`
	Response  string        `json:"response,omitempty"`
	Err       string        `json:"error,omitempty"`
	Fallback  bool          `json:"fallback,omitempty"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// Logger persists call attempts and echoes them to the console.
type Logger struct {
	db      *sql.DB
	console io.Writer
	color   bool
	debug   bool
}

// New creates a Logger writing durable entries to db and echo lines to
// console (stderr when nil). Debug mode stores payloads in full.
func New(db *sql.DB, console io.Writer, debug bool) *Logger {
	if console == nil {
		console = os.Stderr
	}
	color := false
	if f, ok := console.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd())
	}
	return &Logger{db: db, console: console, color: color, debug: debug}
}

// Record persists one entry and echoes its console line. Missing id and
// timestamp are filled in. Persistence failures are reported on the console
// but never returned: the audit log must not be able to fail a call path.
func (l *Logger) Record(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Attempt <= 0 {
		e.Attempt = 1
	}
	if !l.debug {
		e.Params = Truncate(e.Params, MaxPayload)
		e.Response = Truncate(e.Response, MaxPayload)
	}

	l.echo(e)

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO call_logs (id, run_id, server, tool, attempt, params, response, error, fallback, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, nullable(e.RunID), e.Server, e.Tool, e.Attempt,
		e.Params, e.Response, nullable(e.Err), boolInt(e.Fallback),
		e.Duration.Milliseconds(), e.CreatedAt.Format(sqliteTime))
	if err != nil {
		fmt.Fprintf(l.console, "calllog: persist failed (entry retained on console only): %v\n", err)
	}
}

// Truncate shortens s to limit characters, appending a marker that names the
// original length.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + fmt.Sprintf("...[truncated, %d chars total]", len(s))
}

// echo writes the single-line operator view of the attempt.
func (l *Logger) echo(e Entry) {
	status := "ok"
	if e.Err != "" {
		status = "error"
	}
	if e.Fallback {
		status = "fallback"
	}
	if l.color {
		switch status {
		case "ok":
			status = "\x1b[32mok\x1b[0m"
		case "error":
			status = "\x1b[31merror\x1b[0m"
		case "fallback":
			status = "\x1b[33mfallback\x1b[0m"
		}
	}

	line := fmt.Sprintf("%s %s %s %s %s attempt=%d",
		e.CreatedAt.Format(time.RFC3339), e.Server, e.Tool, status, e.Duration.Round(time.Millisecond), e.Attempt)
	if e.Err != "" {
		line += " err=" + firstLine(e.Err)
	}
	fmt.Fprintln(l.console, line)
}

func firstLine(s string) string {
	for i := range len(s) {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
