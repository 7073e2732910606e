// Package freshness derives per-collector data freshness from the run
// ledger. Nothing here is stored; every answer is computed from run_records
// and the schedule at query time.
package freshness

import (
	"time"

	"github.com/cropwatch/cropwatch/internal/database"
	"github.com/cropwatch/cropwatch/internal/schedule"
)

// Freshness states.
const (
	StatusFresh       = "fresh"
	StatusStale       = "stale"
	StatusNever       = "never_collected"
	StatusOutOfSeason = "out_of_season"
)

// Report is the derived freshness of one collector.
type Report struct {
	CollectorID string     `json:"collector_id"`
	Name        string     `json:"name"`
	Frequency   string     `json:"frequency"`
	Status      string     `json:"status"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastStatus  string     `json:"last_run_status,omitempty"`
	AgeHours    *float64   `json:"age_hours,omitempty"`
	NextDue     *time.Time `json:"next_due,omitempty"`
	Critical    bool       `json:"critical"`
}

// Threshold returns the maximum age a collector's last success may have
// before the data counts as stale. Thresholds leave room for one missed
// occurrence plus slack.
func Threshold(f schedule.Frequency) time.Duration {
	switch f {
	case schedule.Daily:
		return 48 * time.Hour
	case schedule.Weekly, schedule.SeasonalWeekly:
		return 192 * time.Hour
	case schedule.Monthly:
		return 840 * time.Hour
	}
	return 48 * time.Hour
}

// Evaluate computes the freshness of every scheduled collector at the given
// time.
func Evaluate(db *database.DB, reg *schedule.Registry, now time.Time) ([]Report, error) {
	latest, err := db.LatestRuns()
	if err != nil {
		return nil, err
	}
	lastByID := make(map[string]database.RunRecord, len(latest))
	for _, r := range latest {
		lastByID[r.CollectorID] = r
	}
	successes, err := db.LatestSuccesses()
	if err != nil {
		return nil, err
	}

	reports := make([]Report, 0, len(reg.Entries()))
	for _, e := range reg.Entries() {
		reports = append(reports, evaluateEntry(reg, e, lastByID, successes, now))
	}
	return reports, nil
}

func evaluateEntry(reg *schedule.Registry, e schedule.Entry,
	lastByID map[string]database.RunRecord, successes map[string]database.RunRecord, now time.Time) Report {

	r := Report{
		CollectorID: e.CollectorID,
		Name:        e.Name,
		Frequency:   string(e.Frequency),
		Critical:    e.Critical,
	}
	if next, ok := reg.NextDue(e, now); ok {
		r.NextDue = &next
	}
	if last, ok := lastByID[e.CollectorID]; ok {
		r.LastStatus = last.Status
	}

	success, ok := successes[e.CollectorID]
	if ok {
		finished := success.StartedAt
		if success.FinishedAt != nil {
			finished = *success.FinishedAt
		}
		r.LastSuccess = &finished
		age := now.Sub(finished).Hours()
		r.AgeHours = &age
	}

	// Out-of-season collectors are reported as such regardless of age: stale
	// crop-condition data in January is expected, not alarming.
	if e.Frequency == schedule.SeasonalWeekly && !e.InSeason(now) {
		r.Status = StatusOutOfSeason
		return r
	}

	if !ok {
		r.Status = StatusNever
		return r
	}
	if now.Sub(*r.LastSuccess) > Threshold(e.Frequency) {
		r.Status = StatusStale
		return r
	}
	r.Status = StatusFresh
	return r
}
