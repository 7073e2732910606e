package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS run_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    collector_id TEXT NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    status TEXT NOT NULL CHECK(status IN ('running', 'success', 'failed', 'partial')),
    rows_collected INTEGER DEFAULT 0,
    rows_new INTEGER DEFAULT 0,
    error_message TEXT,
    data_period TEXT,
    is_new_data INTEGER DEFAULT 0,
    triggered_by TEXT NOT NULL DEFAULT 'scheduler',
    key_metric REAL,
    row_keys TEXT
);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event_type TEXT NOT NULL,
    event_time TEXT NOT NULL,
    source TEXT NOT NULL,
    summary TEXT NOT NULL,
    details TEXT,
    priority INTEGER NOT NULL DEFAULT 3,
    acknowledged INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS graph_nodes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    node_key TEXT UNIQUE NOT NULL,
    node_type TEXT NOT NULL,
    label TEXT NOT NULL,
    properties TEXT,
    created_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS graph_edges (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source_node_id INTEGER NOT NULL REFERENCES graph_nodes(id),
    target_node_id INTEGER NOT NULL REFERENCES graph_nodes(id),
    edge_type TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 0.5,
    confidence REAL NOT NULL DEFAULT 0.5,
    properties TEXT,
    created_by TEXT NOT NULL DEFAULT 'analyst',
    UNIQUE(source_node_id, target_node_id, edge_type, created_by)
);

CREATE TABLE IF NOT EXISTS graph_contexts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    node_id INTEGER NOT NULL REFERENCES graph_nodes(id),
    context_type TEXT NOT NULL,
    context_key TEXT NOT NULL,
    context_value TEXT NOT NULL,
    applicable_when TEXT,
    source TEXT NOT NULL CHECK(source IN ('analyst', 'computed')),
    last_updated TEXT NOT NULL,
    UNIQUE(node_id, context_type, context_key, source)
);

-- Single-flight guard: at most one running record per collector.
CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_single_flight
    ON run_records(collector_id) WHERE status = 'running';
CREATE INDEX IF NOT EXISTS idx_runs_collector ON run_records(collector_id, started_at);
CREATE INDEX IF NOT EXISTS idx_runs_status ON run_records(status);
CREATE INDEX IF NOT EXISTS idx_events_unacked ON events(acknowledged, priority, event_time);
CREATE INDEX IF NOT EXISTS idx_events_source ON events(source, event_type);
CREATE INDEX IF NOT EXISTS idx_edges_source ON graph_edges(source_node_id);
CREATE INDEX IF NOT EXISTS idx_edges_target ON graph_edges(target_node_id);
CREATE INDEX IF NOT EXISTS idx_contexts_node ON graph_contexts(node_id);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
