package enrich

import (
	"fmt"
	"time"

	"github.com/cropwatch/cropwatch/internal/obs"
)

// Pace is a cumulative pace snapshot, stored as the context_value of a
// pace_tracking context keyed by the cycle identifier.
type Pace struct {
	Cycle        string   `json:"cycle"`
	Actual       float64  `json:"ytd_actual"`
	PriorActual  float64  `json:"prior_ytd_actual"`
	VsPrior      *float64 `json:"vs_prior,omitempty"`
	Projection   *float64 `json:"projection,omitempty"`
	VsProjection *float64 `json:"vs_projection,omitempty"`
	AsOf         string   `json:"as_of"`
}

// CycleStart returns the beginning of the cycle containing t for a cycle
// that starts on the first day of startMonth (e.g. September for a corn
// marketing year).
func CycleStart(t time.Time, startMonth time.Month) time.Time {
	year := t.Year()
	if t.Month() < startMonth {
		year--
	}
	return time.Date(year, startMonth, 1, 0, 0, 0, 0, t.Location())
}

// CycleID names the cycle containing t, e.g. "2025/26" for a September
// 2025 – August 2026 marketing year, or "2026" for calendar-year cycles.
func CycleID(t time.Time, startMonth time.Month) string {
	start := CycleStart(t, startMonth)
	if startMonth == time.January {
		return fmt.Sprintf("%d", start.Year())
	}
	return fmt.Sprintf("%d/%02d", start.Year(), (start.Year()+1)%100)
}

// CyclePace computes year-to-date cumulative actual versus the prior
// cycle's cumulative at the same elapsed point, and versus an external
// projection when one is supplied. Returns nil when the current cycle has
// no observations yet.
func CyclePace(observations []obs.Observation, startMonth time.Month, now time.Time, projection *float64) *Pace {
	start := CycleStart(now, startMonth)
	priorStart := start.AddDate(-1, 0, 0)
	priorNow := now.AddDate(-1, 0, 0)

	var actual, prior float64
	var any bool
	for _, o := range observations {
		if !o.At.Before(start) && !o.At.After(now) {
			actual += o.Value
			any = true
		}
		if !o.At.Before(priorStart) && !o.At.After(priorNow) {
			prior += o.Value
		}
	}
	if !any {
		return nil
	}

	p := &Pace{
		Cycle:       CycleID(now, startMonth),
		Actual:      actual,
		PriorActual: prior,
		AsOf:        now.UTC().Format("2006-01-02"),
	}
	if prior != 0 {
		r := actual / prior
		p.VsPrior = &r
	}
	if projection != nil {
		p.Projection = projection
		if *projection != 0 {
			r := actual / *projection
			p.VsProjection = &r
		}
	}
	return p
}
