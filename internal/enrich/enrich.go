// Package enrich recomputes derived knowledge-graph contexts from
// historical observations: seasonal percentile bands and cumulative pace
// ratios. Recomputation is idempotent; computed rows are fully replaced
// per (node, type, key), and analyst rows are never touched.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/cropwatch/cropwatch/internal/config"
	"github.com/cropwatch/cropwatch/internal/database"
	"github.com/cropwatch/cropwatch/internal/obs"
)

// Engine recomputes computed contexts for all data-series nodes.
type Engine struct {
	db        *database.DB
	store     obs.SeriesStore
	years     int
	gapPolicy string

	// Now is overridable for tests.
	Now func() time.Time
}

// New creates an enrichment engine.
func New(db *database.DB, store obs.SeriesStore, cfg config.Enrichment) *Engine {
	years := cfg.TrailingYears
	if years <= 0 {
		years = 5
	}
	gap := cfg.GapPolicy
	if gap == "" {
		gap = GapSkip
	}
	return &Engine{
		db:        db,
		store:     store,
		years:     years,
		gapPolicy: gap,
		Now:       time.Now,
	}
}

// Result summarizes one recomputation cycle.
type Result struct {
	NodesProcessed int
	BandsWritten   int
	PaceWritten    int
	EdgesWritten   int
	Skipped        int
}

// RecomputeAll recomputes seasonal norms for every data_series node and
// pace tracking for the cumulative ones. Errors on one node are logged and
// do not stop the others.
func (e *Engine) RecomputeAll(ctx context.Context) (*Result, error) {
	nodes, err := e.db.NodesByType("data_series")
	if err != nil {
		return nil, fmt.Errorf("listing series nodes: %w", err)
	}

	now := e.Now()
	r := &Result{}
	for _, node := range nodes {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		if err := e.recomputeNode(node, now, r); err != nil {
			log.Printf("enrichment failed for %s: %v", node.Key, err)
			r.Skipped++
			continue
		}
		r.NodesProcessed++
	}
	log.Printf("enrichment complete: %d nodes, %d bands, %d pace contexts", r.NodesProcessed, r.BandsWritten, r.PaceWritten)
	return r, nil
}

func (e *Engine) recomputeNode(node database.GraphNode, now time.Time, r *Result) error {
	since := now.AddDate(-e.years-1, 0, 0)
	observations, err := e.store.QuerySeries(node.Key, since)
	if err != nil {
		return fmt.Errorf("querying series: %w", err)
	}
	if len(observations) == 0 {
		return nil
	}

	granularity := stringProp(node.Properties, "granularity", GranularityMonthly)

	bands := SeasonalBands(observations, granularity, e.years, e.gapPolicy, now)
	for key, band := range bands {
		value, err := json.Marshal(band)
		if err != nil {
			return err
		}
		if err := e.db.ReplaceComputedContext(node.ID, "seasonal_norm", key, string(value), nil, now); err != nil {
			return fmt.Errorf("writing seasonal_norm %s: %w", key, err)
		}
		r.BandsWritten++
	}

	if boolProp(node.Properties, "cumulative") {
		if err := e.recomputePace(node, observations, now, r); err != nil {
			return err
		}
	}

	// Link the series to its commodity when declared.
	if commodity := stringProp(node.Properties, "commodity", ""); commodity != "" {
		target, err := e.db.NodeByKey(commodity)
		if err != nil {
			return err
		}
		if target != nil {
			if err := e.db.UpsertEdge(node.ID, target.ID, "seasonal_pattern", 1, 1, nil, "derived"); err != nil {
				return err
			}
			r.EdgesWritten++
		}
	}
	return nil
}

func (e *Engine) recomputePace(node database.GraphNode, observations []obs.Observation, now time.Time, r *Result) error {
	startMonth := time.Month(intProp(node.Properties, "cycle_start_month", 1))
	cycle := CycleID(now, startMonth)

	projection, err := e.analystProjection(node.ID, cycle)
	if err != nil {
		return err
	}

	pace := CyclePace(observations, startMonth, now, projection)
	if pace == nil {
		return nil
	}
	value, err := json.Marshal(pace)
	if err != nil {
		return err
	}
	if err := e.db.ReplaceComputedContext(node.ID, "pace_tracking", cycle, string(value), nil, now); err != nil {
		return fmt.Errorf("writing pace_tracking %s: %w", cycle, err)
	}
	r.PaceWritten++
	return nil
}

// analystProjection reads the analyst-authored pace_tracking row for the
// same cycle, when one exists, and extracts its projection.
func (e *Engine) analystProjection(nodeID int64, cycle string) (*float64, error) {
	ctx, err := e.db.GetContext(nodeID, "pace_tracking", cycle, database.SourceAnalyst)
	if err != nil || ctx == nil {
		return nil, err
	}
	var payload struct {
		Projection *float64 `json:"projection"`
	}
	if err := json.Unmarshal([]byte(ctx.Value), &payload); err != nil {
		return nil, fmt.Errorf("bad analyst pace_tracking payload for cycle %s: %w", cycle, err)
	}
	return payload.Projection, nil
}

// ParseBand decodes a seasonal_norm context value. Consumers of the open
// context payload go through this typed accessor.
func ParseBand(value string) (Band, error) {
	var b Band
	if err := json.Unmarshal([]byte(value), &b); err != nil {
		return Band{}, fmt.Errorf("bad seasonal_norm payload: %w", err)
	}
	return b, nil
}

func stringProp(props map[string]any, key, fallback string) string {
	if v, ok := props[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func boolProp(props map[string]any, key string) bool {
	v, ok := props[key].(bool)
	return ok && v
}

func intProp(props map[string]any, key string, fallback int) int {
	switch v := props[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}
