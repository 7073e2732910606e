// Package obs is the boundary to the external historical observation store.
// The core only reads ordered (timestamp, value) series from it.
package obs

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Observation is one historical data point.
type Observation struct {
	At    time.Time
	Value float64
}

// SeriesStore answers historical time-series queries for graph nodes.
type SeriesStore interface {
	// QuerySeries returns observations for a node key since the given
	// time, ordered by timestamp ascending.
	QuerySeries(nodeKey string, since time.Time) ([]Observation, error)
}

// SQLiteStore reads an external SQLite observation database with an
// observations(node_key, observed_at, value) table. The store is opened
// read-only; cropwatch never writes raw observations.
type SQLiteStore struct {
	conn *sql.DB
}

// OpenSQLite opens the observation database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("opening observation store: %w", err)
	}
	return &SQLiteStore{conn: conn}, nil
}

func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

func (s *SQLiteStore) QuerySeries(nodeKey string, since time.Time) ([]Observation, error) {
	rows, err := s.conn.Query(
		`SELECT observed_at, value FROM observations
		WHERE node_key = ? AND observed_at >= ?
		ORDER BY observed_at ASC`,
		nodeKey, since.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var ts string
		var o Observation
		if err := rows.Scan(&ts, &o.Value); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			// Tolerate date-only rows from older stores.
			t, err = time.Parse("2006-01-02", ts)
			if err != nil {
				return nil, fmt.Errorf("bad observed_at %q for %s", ts, nodeKey)
			}
		}
		o.At = t
		out = append(out, o)
	}
	return out, rows.Err()
}
