package protocol

// SchemaDDL defines the SQLite schema for the refinery state database.
// Tables: call_logs (+ call_logs_fts FTS5), runs, steps, server_state.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Append-only audit log: one row per attempted tool-server call
CREATE TABLE IF NOT EXISTS call_logs (
    id TEXT PRIMARY KEY,
    run_id TEXT,
    server TEXT NOT NULL,
    tool TEXT NOT NULL,
    attempt INTEGER NOT NULL DEFAULT 1,
    params TEXT,
    response TEXT,
    error TEXT,
    fallback INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_call_logs_run ON call_logs(run_id);
CREATE INDEX IF NOT EXISTS idx_call_logs_server ON call_logs(server);
CREATE INDEX IF NOT EXISTS idx_call_logs_created ON call_logs(created_at);

-- FTS5 full-text index over call log text fields for free-text search
CREATE VIRTUAL TABLE IF NOT EXISTS call_logs_fts USING fts5(
    server,
    tool,
    params,
    response,
    error,
    content=call_logs,
    content_rowid=rowid
);

-- Triggers to keep the FTS index in sync with call_logs
CREATE TRIGGER IF NOT EXISTS call_logs_ai AFTER INSERT ON call_logs BEGIN
    INSERT INTO call_logs_fts(rowid, server, tool, params, response, error)
    VALUES (new.rowid, new.server, new.tool, new.params, new.response, new.error);
END;

CREATE TRIGGER IF NOT EXISTS call_logs_ad AFTER DELETE ON call_logs BEGIN
    INSERT INTO call_logs_fts(call_logs_fts, rowid, server, tool, params, response, error)
    VALUES ('delete', old.rowid, old.server, old.tool, old.params, old.response, old.error);
END;

-- One pipeline execution
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    input TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    error TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    completed_at TEXT
);

-- The five ordered steps of a run; position fixes the stage order
CREATE TABLE IF NOT EXISTS steps (
    run_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    name TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'not_started',
    output TEXT,
    warning TEXT,
    error TEXT,
    started_at TEXT,
    completed_at TEXT,
    PRIMARY KEY (run_id, position)
);

-- Last known supervisor state per server, maintained by the serve daemon
-- for the CLI and the dashboard
CREATE TABLE IF NOT EXISTS server_state (
    name TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    pid INTEGER NOT NULL DEFAULT 0,
    restarts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`
