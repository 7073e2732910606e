// Package runner executes one collector run end to end: claim the
// single-flight slot, collect with retries, finish the ledger record, and
// emit exactly one terminal event.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cropwatch/cropwatch/internal/collector"
	"github.com/cropwatch/cropwatch/internal/database"
	"github.com/cropwatch/cropwatch/internal/enrich"
	"github.com/cropwatch/cropwatch/internal/schedule"
)

// Runner drives collector executions against the ledger.
type Runner struct {
	db         *database.DB
	collectors *collector.Registry
	schedules  *schedule.Registry

	// Now and Sleep are overridable for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// New creates a runner over the given registries.
func New(db *database.DB, collectors *collector.Registry, schedules *schedule.Registry) *Runner {
	return &Runner{
		db:         db,
		collectors: collectors,
		schedules:  schedules,
		Now:        time.Now,
		Sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ErrRunFailed is returned when a run exhausted its attempts. The ledger and
// event log already record the details by the time the caller sees it.
var ErrRunFailed = errors.New("collector run failed")

// Run executes one collector run. A trigger that arrives while a run is
// already in flight is a silent no-op on the ledger: it records a skip event
// and returns nil.
func (r *Runner) Run(ctx context.Context, collectorID, trigger string) error {
	entry, ok := r.schedules.Get(collectorID)
	if !ok {
		return fmt.Errorf("unknown collector %q", collectorID)
	}
	impl, ok := r.collectors.Get(collectorID)
	if !ok {
		return fmt.Errorf("no implementation for collector %q", collectorID)
	}

	startedAt := r.Now()
	runID, err := r.db.StartRun(collectorID, trigger, startedAt)
	if err != nil {
		return fmt.Errorf("starting run: %w", err)
	}
	if runID == 0 {
		log.Printf("run skipped for %s: already in flight", collectorID)
		_, err := r.db.InsertEvent(database.EventRunSkipped, collectorID,
			fmt.Sprintf("%s: trigger ignored, a run is already in flight", entry.Name),
			nil, database.PriorityInfo, startedAt)
		return err
	}

	// Snapshot the prior success before this run finishes, for new-row
	// detection and the delta summary.
	prior, err := r.db.LatestSuccess(collectorID)
	if err != nil {
		return fmt.Errorf("loading prior success: %w", err)
	}

	outcome, attempts, collectErr := r.collect(ctx, entry, impl)
	finishedAt := r.Now()

	if collectErr != nil {
		return r.finishFailed(entry, runID, attempts, collectErr, finishedAt)
	}
	return r.finishCollected(entry, runID, prior, outcome, finishedAt)
}

// collect runs the retry loop. MaxRetries counts total attempts; permanent
// data errors stop retrying immediately.
func (r *Runner) collect(ctx context.Context, entry schedule.Entry, impl collector.Collector) (*collector.Outcome, int, error) {
	var lastErr error
	for attempt := 1; attempt <= entry.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, entry.Timeout)
		outcome, err := impl.Collect(attemptCtx)
		cancel()
		if err == nil {
			return outcome, attempt, nil
		}
		lastErr = err
		log.Printf("collect attempt %d/%d for %s failed: %v", attempt, entry.MaxRetries, entry.CollectorID, err)

		if errors.Is(err, collector.ErrBadData) {
			return nil, attempt, err
		}
		if attempt < entry.MaxRetries {
			backoff := entry.RetryBackoff * (1 << (attempt - 1))
			if err := r.Sleep(ctx, backoff); err != nil {
				return nil, attempt, lastErr
			}
		}
	}
	return nil, entry.MaxRetries, lastErr
}

func (r *Runner) finishFailed(entry schedule.Entry, runID int64, attempts int, collectErr error, at time.Time) error {
	msg := collectErr.Error()
	if err := r.db.FinishRun(runID, database.StatusFailed, 0, 0, false, nil, &msg, nil, nil, at); err != nil {
		return fmt.Errorf("finishing failed run: %w", err)
	}

	priority := database.PriorityImportant
	if entry.Critical {
		priority = database.PriorityCritical
	}
	details := mustJSON(map[string]any{
		"error":    msg,
		"attempts": attempts,
	})
	if _, err := r.db.InsertEvent(database.EventCollectionFailed, entry.CollectorID,
		fmt.Sprintf("%s: collection failed after %d attempt(s)", entry.Name, attempts),
		&details, priority, at); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s: %s", ErrRunFailed, entry.CollectorID, msg)
}

func (r *Runner) finishCollected(entry schedule.Entry, runID int64, prior *database.RunRecord,
	outcome *collector.Outcome, at time.Time) error {

	rowKeys := make([]string, 0, len(outcome.Rows))
	for _, row := range outcome.Rows {
		rowKeys = append(rowKeys, row.Key)
	}
	rowsNew := countNewRows(rowKeys, prior)

	var keyMetric *float64
	if len(outcome.Rows) > 0 {
		keyMetric = outcome.Rows[0].Metric
	}

	var period *string
	if outcome.Period != "" {
		period = &outcome.Period
	}
	isNewData := rowsNew > 0 || (prior != nil && period != nil && prior.DataPeriod != nil && *period != *prior.DataPeriod)
	if prior == nil && len(outcome.Rows) > 0 {
		isNewData = true
	}

	status := database.StatusSuccess
	priority := database.PriorityInfo
	summary := fmt.Sprintf("%s: collected %d rows (%d new)", entry.Name, len(outcome.Rows), rowsNew)
	if outcome.PartialReason != "" {
		status = database.StatusPartial
		priority = database.PriorityImportant
		summary = fmt.Sprintf("%s: partial collection (%s)", entry.Name, outcome.PartialReason)
	}

	if err := r.db.FinishRun(runID, status, len(outcome.Rows), rowsNew, isNewData,
		keyMetric, nil, period, rowKeys, at); err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}

	band, seasonKey, err := r.seasonalBand(entry, at)
	if err != nil {
		// Enrichment lookups failing must not fail the run itself.
		log.Printf("seasonal band lookup for %s: %v", entry.CollectorID, err)
	}

	details := r.deltaDetails(outcome, prior, keyMetric, rowsNew, band, seasonKey)
	if _, err := r.db.InsertEvent(database.EventCollectionComplete, entry.CollectorID,
		summary, details, priority, at); err != nil {
		return err
	}

	if err := r.checkAnomaly(entry, keyMetric, band, seasonKey, at); err != nil {
		log.Printf("anomaly check for %s: %v", entry.CollectorID, err)
	}
	return nil
}

// countNewRows counts keys not present in the prior success.
func countNewRows(rowKeys []string, prior *database.RunRecord) int {
	if prior == nil {
		return len(rowKeys)
	}
	seen := make(map[string]bool, len(prior.RowKeys))
	for _, k := range prior.RowKeys {
		seen[k] = true
	}
	n := 0
	for _, k := range rowKeys {
		if !seen[k] {
			n++
		}
	}
	return n
}

// deltaDetails builds the event payload comparing this run with the prior
// success and the seasonal norm. The comparison fields are omitted when
// there is nothing to compare against.
func (r *Runner) deltaDetails(outcome *collector.Outcome, prior *database.RunRecord,
	keyMetric *float64, rowsNew int, band *enrich.Band, seasonKey string) *string {

	payload := map[string]any{
		"rows":     len(outcome.Rows),
		"rows_new": rowsNew,
	}
	if outcome.Period != "" {
		payload["period"] = outcome.Period
	}
	if keyMetric != nil {
		payload["key_metric"] = *keyMetric
	}
	if prior != nil && prior.KeyMetric != nil && keyMetric != nil {
		payload["prior_key_metric"] = *prior.KeyMetric
		if *prior.KeyMetric != 0 {
			payload["change_pct"] = (*keyMetric - *prior.KeyMetric) / *prior.KeyMetric * 100
		}
	}
	if band != nil && keyMetric != nil {
		payload["seasonal_rank"] = band.Rank(*keyMetric)
		payload["season_key"] = seasonKey
	}
	s := mustJSON(payload)
	return &s
}

// seasonalBand loads the computed seasonal norm for the collector's series
// node at the given time, when one exists.
func (r *Runner) seasonalBand(entry schedule.Entry, at time.Time) (*enrich.Band, string, error) {
	if entry.NodeKey == "" {
		return nil, "", nil
	}
	node, err := r.db.NodeByKey(entry.NodeKey)
	if err != nil || node == nil {
		return nil, "", err
	}

	granularity := enrich.GranularityMonthly
	if g, ok := node.Properties["granularity"].(string); ok && g != "" {
		granularity = g
	}
	seasonKey := enrich.SeasonKey(at, granularity)

	ctx, err := r.db.GetContext(node.ID, "seasonal_norm", seasonKey, database.SourceComputed)
	if err != nil || ctx == nil {
		return nil, "", err
	}
	band, err := enrich.ParseBand(ctx.Value)
	if err != nil {
		return nil, "", err
	}
	return &band, seasonKey, nil
}

// checkAnomaly emits a data_anomaly event when the run's key metric falls
// outside the seasonal p10-p90 band.
func (r *Runner) checkAnomaly(entry schedule.Entry, keyMetric *float64, band *enrich.Band, seasonKey string, at time.Time) error {
	if band == nil || keyMetric == nil {
		return nil
	}
	v := *keyMetric
	if v >= band.P10 && v <= band.P90 {
		return nil
	}

	direction := "above"
	if v < band.P10 {
		direction = "below"
	}
	details := mustJSON(map[string]any{
		"value":      v,
		"season_key": seasonKey,
		"p10":        band.P10,
		"p90":        band.P90,
		"rank":       band.Rank(v),
	})
	_, err := r.db.InsertEvent(database.EventDataAnomaly, entry.CollectorID,
		fmt.Sprintf("%s: %s %.2f is %s the seasonal p10-p90 band", entry.Name, seasonKey, v, direction),
		&details, database.PriorityImportant, at)
	return err
}

func mustJSON(v map[string]any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
