package database

import (
	"database/sql"
	"strings"
	"time"
)

// InsertEvent appends one event row.
func (db *DB) InsertEvent(eventType, source, summary string, details *string, priority int, at time.Time) (int64, error) {
	result, err := db.conn.Exec(
		`INSERT INTO events (event_type, event_time, source, summary, details, priority)
		VALUES (?, ?, ?, ?, ?, ?)`,
		eventType, formatTime(at), source, summary, details, priority,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// UnacknowledgedEvents returns unacked events ordered by priority, then
// recency. limit <= 0 returns everything.
func (db *DB) UnacknowledgedEvents(limit int) ([]Event, error) {
	query := `SELECT id, event_type, event_time, source, summary, details, priority, acknowledged
		FROM events WHERE acknowledged = 0
		ORDER BY priority ASC, event_time DESC, id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// AcknowledgeEvents flips acknowledged on the given ids. Idempotent: already
// acknowledged ids are left alone. Returns the number of rows flipped.
func (db *DB) AcknowledgeEvents(ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	result, err := db.conn.Exec(
		`UPDATE events SET acknowledged = 1 WHERE acknowledged = 0 AND id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// HasUnacknowledged reports whether an unacked event of the given type exists
// for a source. The overdue sweep uses this to avoid flooding.
func (db *DB) HasUnacknowledged(source, eventType string) (bool, error) {
	var n int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM events WHERE source = ? AND event_type = ? AND acknowledged = 0`,
		source, eventType,
	).Scan(&n)
	return n > 0, err
}

// EventsForSource returns recent events for one source, newest first.
func (db *DB) EventsForSource(source string, limit int) ([]Event, error) {
	rows, err := db.conn.Query(
		`SELECT id, event_type, event_time, source, summary, details, priority, acknowledged
		FROM events WHERE source = ? ORDER BY id DESC LIMIT ?`, source, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		var ts string
		var acked int
		if err := rows.Scan(&e.ID, &e.Type, &ts, &e.Source, &e.Summary,
			&e.Details, &e.Priority, &acked); err != nil {
			return nil, err
		}
		e.Time = parseTime(ts)
		e.Acknowledged = acked != 0
		events = append(events, e)
	}
	return events, rows.Err()
}
