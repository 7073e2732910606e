package enrich

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/cropwatch/cropwatch/internal/obs"
)

// Band is a seasonal percentile band computed from historical observations,
// stored as the context_value of a seasonal_norm context.
type Band struct {
	P10         float64 `json:"p10"`
	P25         float64 `json:"p25"`
	P50         float64 `json:"p50"`
	P75         float64 `json:"p75"`
	P90         float64 `json:"p90"`
	N           int     `json:"n"`
	WindowYears int     `json:"window_years"`
}

// Percentile computes the p-th percentile (0-100) of sorted values using
// linear interpolation between order statistics.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// Granularity of a series' natural seasonal key.
const (
	GranularityMonthly = "monthly"
	GranularityWeekly  = "weekly"
)

// SeasonKey returns the seasonal grouping key for a timestamp: calendar
// month for monthly series, ISO week for weekly ones.
func SeasonKey(t time.Time, granularity string) string {
	if granularity == GranularityWeekly {
		_, week := t.ISOWeek()
		return fmt.Sprintf("week-%02d", week)
	}
	return fmt.Sprintf("month-%02d", int(t.Month()))
}

// Gap policies for missing periods inside the trailing window.
const (
	GapSkip        = "skip"
	GapExcludeYear = "exclude_year"
)

// minObservationsPerKey guards against unreliable bands: keys with fewer
// historical points are skipped entirely.
const minObservationsPerKey = 3

// SeasonalBands groups observations by seasonal key over the trailing
// window ending at now and computes a percentile band per key.
//
// With GapExcludeYear, any year that is missing one of the keys seen in the
// data contributes nothing at all; with GapSkip a missing period is simply
// absent from that key's sample.
func SeasonalBands(observations []obs.Observation, granularity string, trailingYears int, gapPolicy string, now time.Time) map[string]Band {
	if trailingYears <= 0 {
		trailingYears = 5
	}
	cutoff := now.AddDate(-trailingYears, 0, 0)

	grouped := make(map[string][]float64)
	byYearKey := make(map[int]map[string]bool)
	for _, o := range observations {
		if o.At.Before(cutoff) || o.At.After(now) {
			continue
		}
		key := SeasonKey(o.At, granularity)
		grouped[key] = append(grouped[key], o.Value)
		y := o.At.Year()
		if byYearKey[y] == nil {
			byYearKey[y] = make(map[string]bool)
		}
		byYearKey[y][key] = true
	}

	if gapPolicy == GapExcludeYear {
		grouped = excludeGapYears(observations, grouped, byYearKey, granularity, cutoff, now)
	}

	bands := make(map[string]Band, len(grouped))
	for key, values := range grouped {
		if len(values) < minObservationsPerKey {
			continue
		}
		sort.Float64s(values)
		bands[key] = Band{
			P10:         Percentile(values, 10),
			P25:         Percentile(values, 25),
			P50:         Percentile(values, 50),
			P75:         Percentile(values, 75),
			P90:         Percentile(values, 90),
			N:           len(values),
			WindowYears: trailingYears,
		}
	}
	return bands
}

// excludeGapYears rebuilds the grouped samples without years that are
// missing any key the series otherwise covers.
func excludeGapYears(observations []obs.Observation, grouped map[string][]float64,
	byYearKey map[int]map[string]bool, granularity string, cutoff, now time.Time) map[string][]float64 {

	allKeys := make(map[string]bool, len(grouped))
	for key := range grouped {
		allKeys[key] = true
	}

	complete := make(map[int]bool, len(byYearKey))
	for year, keys := range byYearKey {
		complete[year] = len(keys) == len(allKeys)
	}

	rebuilt := make(map[string][]float64, len(grouped))
	for _, o := range observations {
		if o.At.Before(cutoff) || o.At.After(now) {
			continue
		}
		if !complete[o.At.Year()] {
			continue
		}
		key := SeasonKey(o.At, granularity)
		rebuilt[key] = append(rebuilt[key], o.Value)
	}
	return rebuilt
}

// Rank places value against a band, interpolating between the band's order
// statistics. Values outside the band pin to 5 or 95: the band carries no
// shape information beyond its edges.
func (b Band) Rank(value float64) float64 {
	type point struct {
		p float64
		v float64
	}
	points := []point{{10, b.P10}, {25, b.P25}, {50, b.P50}, {75, b.P75}, {90, b.P90}}

	if value < points[0].v {
		return 5
	}
	for i := 1; i < len(points); i++ {
		if value <= points[i].v {
			lo, hi := points[i-1], points[i]
			if hi.v == lo.v {
				return hi.p
			}
			return lo.p + (hi.p-lo.p)*(value-lo.v)/(hi.v-lo.v)
		}
	}
	return 95
}
