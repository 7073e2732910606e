package database

import (
	"database/sql"
	"encoding/json"
	"time"
)

// StartRun inserts a RunRecord with status running. Returns the ID on
// success, 0 if a run for this collector is already in flight; the partial
// unique index makes the insert itself the atomic test-and-set.
func (db *DB) StartRun(collectorID, triggeredBy string, startedAt time.Time) (int64, error) {
	result, err := db.conn.Exec(
		`INSERT INTO run_records (collector_id, started_at, status, triggered_by)
		VALUES (?, ?, ?, ?)`,
		collectorID, formatTime(startedAt), StatusRunning, triggeredBy,
	)
	if err != nil {
		// Single-flight constraint: one is already running.
		return 0, nil //nolint: nilerr
	}
	return result.LastInsertId()
}

// FinishRun writes the terminal fields of a run exactly once. The status
// guard means a record never changes again after finished_at is set.
func (db *DB) FinishRun(id int64, status string, rowsCollected, rowsNew int, isNewData bool,
	keyMetric *float64, errorMessage, dataPeriod *string, rowKeys []string, finishedAt time.Time) error {

	var keys *string
	if len(rowKeys) > 0 {
		b, err := json.Marshal(rowKeys)
		if err != nil {
			return err
		}
		s := string(b)
		keys = &s
	}

	newData := 0
	if isNewData {
		newData = 1
	}

	_, err := db.conn.Exec(
		`UPDATE run_records
		SET finished_at = ?, status = ?, rows_collected = ?, rows_new = ?,
			is_new_data = ?, key_metric = ?, error_message = ?, data_period = ?, row_keys = ?
		WHERE id = ? AND status = ?`,
		formatTime(finishedAt), status, rowsCollected, rowsNew,
		newData, keyMetric, errorMessage, dataPeriod, keys,
		id, StatusRunning,
	)
	return err
}

// MarkRunFailed force-fails a run that is still marked running. Used by the
// dispatcher's restart reconciliation for orphaned records.
func (db *DB) MarkRunFailed(id int64, errorMessage string, at time.Time) error {
	_, err := db.conn.Exec(
		`UPDATE run_records SET finished_at = ?, status = ?, error_message = ?
		WHERE id = ? AND status = ?`,
		formatTime(at), StatusFailed, errorMessage, id, StatusRunning,
	)
	return err
}

const runColumns = `id, collector_id, started_at, finished_at, status, rows_collected,
	rows_new, error_message, data_period, is_new_data, triggered_by, key_metric, row_keys`

// LatestRun returns the most recent run for a collector, or nil.
func (db *DB) LatestRun(collectorID string) (*RunRecord, error) {
	rows, err := db.conn.Query(
		`SELECT `+runColumns+` FROM run_records
		WHERE collector_id = ? ORDER BY id DESC LIMIT 1`, collectorID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return firstRun(rows)
}

// LatestSuccess returns the most recent successful run for a collector, or nil.
func (db *DB) LatestSuccess(collectorID string) (*RunRecord, error) {
	rows, err := db.conn.Query(
		`SELECT `+runColumns+` FROM run_records
		WHERE collector_id = ? AND status = ? ORDER BY id DESC LIMIT 1`,
		collectorID, StatusSuccess,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return firstRun(rows)
}

// LatestRuns returns the most recent run per collector.
func (db *DB) LatestRuns() ([]RunRecord, error) {
	rows, err := db.conn.Query(
		`SELECT ` + runColumns + ` FROM run_records
		WHERE id IN (SELECT MAX(id) FROM run_records GROUP BY collector_id)
		ORDER BY collector_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// LatestSuccesses returns the most recent successful run per collector.
func (db *DB) LatestSuccesses() (map[string]RunRecord, error) {
	rows, err := db.conn.Query(
		`SELECT `+runColumns+` FROM run_records
		WHERE status = ? AND id IN
			(SELECT MAX(id) FROM run_records WHERE status = ? GROUP BY collector_id)`,
		StatusSuccess, StatusSuccess,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]RunRecord, len(records))
	for _, r := range records {
		out[r.CollectorID] = r
	}
	return out, nil
}

// RunsForCollector returns recent runs for a collector, newest first.
func (db *DB) RunsForCollector(collectorID string, limit int) ([]RunRecord, error) {
	rows, err := db.conn.Query(
		`SELECT `+runColumns+` FROM run_records
		WHERE collector_id = ? ORDER BY id DESC LIMIT ?`, collectorID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// RunningCount returns how many runs are currently marked running for a
// collector. At most 1 by construction.
func (db *DB) RunningCount(collectorID string) (int, error) {
	var n int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM run_records WHERE collector_id = ? AND status = ?`,
		collectorID, StatusRunning,
	).Scan(&n)
	return n, err
}

// OrphanedRunning returns runs still marked running that started before the
// given cutoff.
func (db *DB) OrphanedRunning(before time.Time) ([]RunRecord, error) {
	rows, err := db.conn.Query(
		`SELECT `+runColumns+` FROM run_records
		WHERE status = ? AND started_at < ?`,
		StatusRunning, formatTime(before),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func firstRun(rows *sql.Rows) (*RunRecord, error) {
	records, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func scanRuns(rows *sql.Rows) ([]RunRecord, error) {
	var records []RunRecord
	for rows.Next() {
		var r RunRecord
		var started string
		var finished, rowKeys *string
		var newData int
		if err := rows.Scan(&r.ID, &r.CollectorID, &started, &finished, &r.Status,
			&r.RowsCollected, &r.RowsNew, &r.ErrorMessage, &r.DataPeriod,
			&newData, &r.TriggeredBy, &r.KeyMetric, &rowKeys); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTimePtr(finished)
		r.IsNewData = newData != 0
		if rowKeys != nil {
			if err := json.Unmarshal([]byte(*rowKeys), &r.RowKeys); err != nil {
				return nil, err
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
