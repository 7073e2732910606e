package freshness

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cropwatch/cropwatch/internal/calendar"
	"github.com/cropwatch/cropwatch/internal/config"
	"github.com/cropwatch/cropwatch/internal/database"
	"github.com/cropwatch/cropwatch/internal/schedule"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testRegistry(t *testing.T, cols ...config.Collector) *schedule.Registry {
	t.Helper()
	reg, err := schedule.NewRegistry(cols, calendar.New(config.Calendar{}))
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func succeedAt(t *testing.T, db *database.DB, collectorID string, at time.Time) {
	t.Helper()
	id, err := db.StartRun(collectorID, database.TriggerScheduler, at)
	if err != nil || id == 0 {
		t.Fatalf("start run: id=%d err=%v", id, err)
	}
	if err := db.FinishRun(id, database.StatusSuccess, 1, 1, true, nil, nil, nil, nil, at); err != nil {
		t.Fatal(err)
	}
}

func reportFor(t *testing.T, reports []Report, id string) Report {
	t.Helper()
	for _, r := range reports {
		if r.CollectorID == id {
			return r
		}
	}
	t.Fatalf("no report for %s in %v", id, reports)
	return Report{}
}

func TestThresholds(t *testing.T) {
	cases := []struct {
		freq schedule.Frequency
		want time.Duration
	}{
		{schedule.Daily, 48 * time.Hour},
		{schedule.Weekly, 192 * time.Hour},
		{schedule.SeasonalWeekly, 192 * time.Hour},
		{schedule.Monthly, 840 * time.Hour},
	}
	for _, tc := range cases {
		if got := Threshold(tc.freq); got != tc.want {
			t.Errorf("Threshold(%s) = %v, want %v", tc.freq, got, tc.want)
		}
	}
}

func TestEvaluateStates(t *testing.T) {
	db := openTestDB(t)
	reg := testRegistry(t,
		config.Collector{ID: "fresh_daily", Name: "Fresh daily",
			Schedule: config.Schedule{Frequency: "daily"}},
		config.Collector{ID: "stale_daily", Name: "Stale daily",
			Schedule: config.Schedule{Frequency: "daily"}},
		config.Collector{ID: "never_ran", Name: "Never ran",
			Schedule: config.Schedule{Frequency: "weekly", Weekday: "thursday"}},
	)

	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	succeedAt(t, db, "fresh_daily", now.Add(-20*time.Hour))
	succeedAt(t, db, "stale_daily", now.Add(-72*time.Hour))

	reports, err := Evaluate(db, reg, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 3 {
		t.Fatalf("expected 3 reports, got %d", len(reports))
	}

	fresh := reportFor(t, reports, "fresh_daily")
	if fresh.Status != StatusFresh {
		t.Errorf("expected fresh, got %q", fresh.Status)
	}
	if fresh.AgeHours == nil || *fresh.AgeHours < 19 || *fresh.AgeHours > 21 {
		t.Errorf("unexpected age %v", fresh.AgeHours)
	}
	if fresh.NextDue == nil {
		t.Error("expected a next_due time")
	}

	stale := reportFor(t, reports, "stale_daily")
	if stale.Status != StatusStale {
		t.Errorf("expected stale, got %q", stale.Status)
	}

	never := reportFor(t, reports, "never_ran")
	if never.Status != StatusNever {
		t.Errorf("expected never_collected, got %q", never.Status)
	}
	if never.LastSuccess != nil {
		t.Error("never-run collector should have no last_success")
	}
}

func TestEvaluateOutOfSeason(t *testing.T) {
	db := openTestDB(t)
	reg := testRegistry(t, config.Collector{
		ID: "crop_condition", Name: "Crop condition",
		Schedule: config.Schedule{
			Frequency: "seasonal-weekly", Weekday: "monday",
			ValidMonths: []int{4, 5, 6, 7, 8, 9, 10, 11},
		},
	})

	// Last success at the end of the season; now it is deep winter.
	succeedAt(t, db, "crop_condition", time.Date(2025, 11, 24, 12, 0, 0, 0, time.UTC))
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	reports, err := Evaluate(db, reg, now)
	if err != nil {
		t.Fatal(err)
	}
	r := reportFor(t, reports, "crop_condition")
	if r.Status != StatusOutOfSeason {
		t.Errorf("winter crop-condition data should be out_of_season, got %q", r.Status)
	}

	// Back in season with months-old data it is stale.
	spring := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	reports, err = Evaluate(db, reg, spring)
	if err != nil {
		t.Fatal(err)
	}
	r = reportFor(t, reports, "crop_condition")
	if r.Status != StatusStale {
		t.Errorf("in-season with old data should be stale, got %q", r.Status)
	}
}

func TestEvaluateFailedRunDoesNotRefresh(t *testing.T) {
	db := openTestDB(t)
	reg := testRegistry(t, config.Collector{ID: "d", Name: "Daily",
		Schedule: config.Schedule{Frequency: "daily"}})

	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	succeedAt(t, db, "d", now.Add(-80*time.Hour))

	// A recent failed run must not reset the freshness clock.
	id, err := db.StartRun("d", database.TriggerScheduler, now.Add(-time.Hour))
	if err != nil || id == 0 {
		t.Fatalf("start run: id=%d err=%v", id, err)
	}
	msg := "HTTP 502"
	if err := db.FinishRun(id, database.StatusFailed, 0, 0, false, nil, &msg, nil, nil, now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	reports, err := Evaluate(db, reg, now)
	if err != nil {
		t.Fatal(err)
	}
	r := reportFor(t, reports, "d")
	if r.Status != StatusStale {
		t.Errorf("freshness must track successes only, got %q", r.Status)
	}
	if r.LastStatus != database.StatusFailed {
		t.Errorf("last run status should surface the failure, got %q", r.LastStatus)
	}
}
