package dispatch

import (
	"fmt"
	"log"
	"time"

	"github.com/cropwatch/cropwatch/internal/database"
	"github.com/cropwatch/cropwatch/internal/schedule"
)

// sweepLookbackDays bounds the scan for a collector's most recent nominal
// occurrence. Covers a monthly schedule plus slack.
const sweepLookbackDays = 45

// SweepOverdue raises a schedule_overdue event for every collector whose
// most recent nominal occurrence passed the grace period without a
// successful run. One unacknowledged overdue event per collector: repeats
// are suppressed until somebody acknowledges the existing one.
func (d *Dispatcher) SweepOverdue(now time.Time) error {
	d.mu.Lock()
	entries := d.schedules.Entries()
	reg := d.schedules
	d.mu.Unlock()

	successes, err := d.db.LatestSuccesses()
	if err != nil {
		return fmt.Errorf("loading successes: %w", err)
	}

	for _, e := range entries {
		occ, ok := lastOccurrence(reg, e, now)
		if !ok {
			continue
		}
		if now.Before(occ.Add(d.cfg.OrphanGrace.Std())) {
			continue // still inside the grace window
		}
		if success, ok := successes[e.CollectorID]; ok && !success.StartedAt.Before(occ) {
			continue
		}

		flooding, err := d.db.HasUnacknowledged(e.CollectorID, database.EventScheduleOverdue)
		if err != nil {
			return err
		}
		if flooding {
			continue
		}

		priority := database.PriorityImportant
		if e.Critical {
			priority = database.PriorityCritical
		}
		summary := fmt.Sprintf("%s: no successful collection for the %s occurrence",
			e.Name, occ.Format("2006-01-02 15:04"))
		if _, err := d.db.InsertEvent(database.EventScheduleOverdue, e.CollectorID,
			summary, nil, priority, now); err != nil {
			return err
		}
		log.Printf("overdue: %s (occurrence %s)", e.CollectorID, occ)
	}
	return nil
}

// lastOccurrence finds the most recent nominal occurrence at or before now.
func lastOccurrence(reg *schedule.Registry, e schedule.Entry, now time.Time) (time.Time, bool) {
	due := reg.DueSince(e, now.AddDate(0, 0, -sweepLookbackDays), now)
	if len(due) == 0 {
		return time.Time{}, false
	}
	return due[len(due)-1], true
}
