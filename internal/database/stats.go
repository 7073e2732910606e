package database

// GetStats returns aggregate counters for the status command and API.
func (db *DB) GetStats() (*Stats, error) {
	s := &Stats{}

	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM run_records", &s.TotalRuns},
		{"SELECT COUNT(*) FROM run_records WHERE status = 'success'", &s.SuccessfulRuns},
		{"SELECT COUNT(*) FROM run_records WHERE status = 'failed'", &s.FailedRuns},
		{"SELECT COUNT(*) FROM events WHERE acknowledged = 0", &s.UnackedEvents},
		{"SELECT COUNT(*) FROM graph_nodes", &s.Nodes},
		{"SELECT COUNT(*) FROM graph_edges", &s.Edges},
		{"SELECT COUNT(*) FROM graph_contexts", &s.Contexts},
	}
	for _, c := range counts {
		if err := db.conn.QueryRow(c.query).Scan(c.dest); err != nil {
			return nil, err
		}
	}
	return s, nil
}
