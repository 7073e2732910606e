// Package dispatch owns the scheduling loop: it watches the clock, fires
// collector runs through a bounded worker pool, reconciles the ledger after
// restarts, and sweeps for overdue schedules.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cropwatch/cropwatch/internal/config"
	"github.com/cropwatch/cropwatch/internal/database"
	"github.com/cropwatch/cropwatch/internal/schedule"
)

// Runner executes one collector run. Satisfied by *runner.Runner.
type Runner interface {
	Run(ctx context.Context, collectorID, trigger string) error
}

// Dispatcher drives scheduled collector runs.
type Dispatcher struct {
	db  *database.DB
	cfg config.Dispatcher

	mu        sync.Mutex
	schedules *schedule.Registry
	runner    Runner
	nextDue   map[string]time.Time

	slots chan struct{}
	wg    sync.WaitGroup

	// Now is overridable for tests.
	Now func() time.Time
}

// New creates a dispatcher over the given registry and runner.
func New(db *database.DB, cfg config.Dispatcher, schedules *schedule.Registry, r Runner) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Dispatcher{
		db:        db,
		cfg:       cfg,
		schedules: schedules,
		runner:    r,
		nextDue:   make(map[string]time.Time),
		slots:     make(chan struct{}, workers),
		Now:       time.Now,
	}
}

// SetRegistry swaps the schedule registry and runner in place, for
// configuration reloads. Due times are recomputed against the new entries on
// the next tick; in-flight runs are unaffected.
func (d *Dispatcher) SetRegistry(schedules *schedule.Registry, r Runner) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.schedules = schedules
	d.runner = r
	d.nextDue = make(map[string]time.Time)
	log.Printf("dispatcher registry replaced: %d entries", len(schedules.Entries()))
}

// Reconcile repairs the ledger after a restart: runs still marked running
// past the orphan grace are force-failed, and occurrences missed while the
// process was down are queued. Only the most recent one per collector fires;
// a late run of the newest data covers the older gaps.
func (d *Dispatcher) Reconcile(now time.Time) error {
	orphans, err := d.db.OrphanedRunning(now.Add(-d.cfg.OrphanGrace.Std()))
	if err != nil {
		return fmt.Errorf("finding orphaned runs: %w", err)
	}
	for _, run := range orphans {
		log.Printf("failing orphaned run %d for %s (started %s)", run.ID, run.CollectorID, run.StartedAt)
		if err := d.db.MarkRunFailed(run.ID, "orphaned on restart", now); err != nil {
			return fmt.Errorf("failing orphaned run %d: %w", run.ID, err)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.schedules.Entries() {
		last, err := d.db.LatestRun(e.CollectorID)
		if err != nil {
			return fmt.Errorf("loading latest run for %s: %w", e.CollectorID, err)
		}
		if last == nil {
			continue // never ran: first due time comes from the normal tick path
		}
		missed := d.schedules.DueSince(e, last.StartedAt, now)
		if len(missed) == 0 {
			continue
		}
		// Queue the newest missed occurrence for the next tick.
		d.nextDue[e.CollectorID] = missed[len(missed)-1]
		if len(missed) > 1 {
			summary := fmt.Sprintf("%s: missed %d occurrences while down; running the most recent only",
				e.Name, len(missed))
			if _, err := d.db.InsertEvent(database.EventScheduleOverdue, e.CollectorID,
				summary, nil, database.PriorityInfo, now); err != nil {
				return err
			}
			log.Print(summary)
		}
	}
	return nil
}

// Run drives the tick and sweep loops until the context is cancelled, then
// waits for in-flight runs to drain.
func (d *Dispatcher) Run(ctx context.Context) error {
	tick := time.NewTicker(d.cfg.TickInterval.Std())
	defer tick.Stop()
	sweep := time.NewTicker(d.cfg.SweepInterval.Std())
	defer sweep.Stop()

	log.Printf("dispatcher started: tick %s, sweep %s, %d workers",
		d.cfg.TickInterval.Std(), d.cfg.SweepInterval.Std(), cap(d.slots))

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return ctx.Err()
		case <-tick.C:
			d.Tick(ctx, d.Now())
		case <-sweep.C:
			if err := d.SweepOverdue(d.Now()); err != nil {
				log.Printf("overdue sweep failed: %v", err)
			}
		}
	}
}

// Tick fires every collector whose due time has passed, bounded by the
// worker pool. A collector with no free slot keeps its due time and is
// retried on the next tick.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, e := range d.schedules.Entries() {
		due, ok := d.nextDue[e.CollectorID]
		if !ok {
			next, found := d.schedules.NextDue(e, now)
			if !found {
				continue
			}
			d.nextDue[e.CollectorID] = next
			continue
		}
		if now.Before(due) {
			continue
		}
		if !d.launch(ctx, e.CollectorID) {
			continue // pool exhausted, retry next tick
		}
		if next, found := d.schedules.NextDue(e, due); found {
			d.nextDue[e.CollectorID] = next
		} else {
			delete(d.nextDue, e.CollectorID)
		}
	}
}

// launch starts a run in the worker pool. Returns false when no slot is
// free.
func (d *Dispatcher) launch(ctx context.Context, collectorID string) bool {
	select {
	case d.slots <- struct{}{}:
	default:
		log.Printf("worker pool full, deferring %s", collectorID)
		return false
	}

	r := d.runner
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.slots }()
		defer func() {
			if p := recover(); p != nil {
				log.Printf("run for %s panicked: %v", collectorID, p)
			}
		}()
		if err := r.Run(ctx, collectorID, database.TriggerScheduler); err != nil {
			log.Printf("run for %s: %v", collectorID, err)
		}
	}()
	return true
}

// Wait blocks until all in-flight runs finish. Exposed for tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
