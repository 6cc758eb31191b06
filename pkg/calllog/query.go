package calllog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"refinery/pkg/protocol"
)

// Status filter values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Filter specifies query criteria for the call log. Zero values mean "no
// constraint"; results are ordered oldest-first by (created_at, id) so the
// same filter always returns the same page.
type Filter struct {
	RunID  string
	Server string
	Tool   string
	// Status is StatusOK (no error recorded), StatusError, or empty.
	Status string
	After  *time.Time
	Before *time.Time
	// Search is a free-text query across server, tool, params, response,
	// and error via the FTS index.
	Search string
	Limit  int
	Offset int
	// Tail returns the newest N entries instead of the oldest, still
	// delivered oldest-first. Overrides Limit/Offset.
	Tail int
}

// Query returns entries matching the filter. An empty result is a nil slice.
func (l *Logger) Query(ctx context.Context, f Filter) ([]Entry, error) {
	query, args := buildQuery(f)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query call log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e              Entry
			runID, errText sql.NullString
			fallback       int
			durationMS     int64
			createdAt      string
		)
		if err := rows.Scan(&e.ID, &runID, &e.Server, &e.Tool, &e.Attempt,
			&e.Params, &e.Response, &errText, &fallback, &durationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scan call log entry: %w", err)
		}
		e.RunID = runID.String
		e.Err = errText.String
		e.Fallback = fallback != 0
		e.Duration = time.Duration(durationMS) * time.Millisecond
		ts, err := time.Parse(sqliteTime, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at %q: %w", createdAt, err)
		}
		e.CreatedAt = ts
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call log: %w", err)
	}
	if f.Tail > 0 {
		// Tail queries scan newest-first; flip back to chronological.
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}
	return entries, nil
}

// Export serializes the filtered entries as a JSON array.
func (l *Logger) Export(ctx context.Context, f Filter) ([]byte, error) {
	entries, err := l.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []Entry{}
	}
	out, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode export: %w", err)
	}
	return out, nil
}

// Archive deletes entries older than the retention window and returns the
// count removed.
func (l *Logger) Archive(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < 0 {
		return 0, fmt.Errorf("negative retention window %d", olderThanDays)
	}
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM call_logs WHERE created_at < datetime('now', ?)`,
		fmt.Sprintf("-%d days", olderThanDays))
	if err != nil {
		return 0, fmt.Errorf("archive call log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("archive call log: rows affected: %w", err)
	}
	return n, nil
}

const selectColumns = "cl.id, cl.run_id, cl.server, cl.tool, cl.attempt, cl.params, cl.response, cl.error, cl.fallback, cl.duration_ms, cl.created_at"

// buildQuery constructs the SQL query and arguments from the filter.
func buildQuery(f Filter) (string, []any) {
	var (
		conditions []string
		args       []any
	)

	query := "SELECT " + selectColumns + " FROM call_logs cl"
	if f.Search != "" {
		query += " JOIN call_logs_fts fts ON fts.rowid = cl.rowid"
		conditions = append(conditions, "call_logs_fts MATCH ?")
		args = append(args, protocol.SanitizeFTS5Query(f.Search))
	}

	if f.RunID != "" {
		conditions = append(conditions, "cl.run_id = ?")
		args = append(args, f.RunID)
	}
	if f.Server != "" {
		conditions = append(conditions, "cl.server = ?")
		args = append(args, f.Server)
	}
	if f.Tool != "" {
		conditions = append(conditions, "cl.tool = ?")
		args = append(args, f.Tool)
	}
	switch f.Status {
	case StatusOK:
		conditions = append(conditions, "cl.error IS NULL")
	case StatusError:
		conditions = append(conditions, "cl.error IS NOT NULL")
	}
	if f.After != nil {
		conditions = append(conditions, "cl.created_at >= ?")
		args = append(args, f.After.UTC().Format(sqliteTime))
	}
	if f.Before != nil {
		conditions = append(conditions, "cl.created_at <= ?")
		args = append(args, f.Before.UTC().Format(sqliteTime))
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	if f.Tail > 0 {
		query += " ORDER BY cl.created_at DESC, cl.id DESC LIMIT ?"
		args = append(args, f.Tail)
		return query, args
	}

	query += " ORDER BY cl.created_at, cl.id"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}
	return query, args
}
