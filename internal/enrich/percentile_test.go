package enrich

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/cropwatch/cropwatch/internal/obs"
)

func TestPercentileInterpolates(t *testing.T) {
	sorted := []float64{10, 20, 30, 40, 50}

	cases := []struct {
		p    float64
		want float64
	}{
		{0, 10},
		{10, 14},
		{25, 20},
		{50, 30},
		{75, 40},
		{90, 46},
		{100, 50},
	}
	for _, tc := range cases {
		got := Percentile(sorted, tc.p)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("Percentile(p=%v) = %v, want %v", tc.p, got, tc.want)
		}
	}
}

func TestPercentileSmallSamples(t *testing.T) {
	if !math.IsNaN(Percentile(nil, 50)) {
		t.Error("expected NaN for empty sample")
	}
	if got := Percentile([]float64{7}, 90); got != 7 {
		t.Errorf("single-value sample should return that value, got %v", got)
	}
}

func TestSeasonKey(t *testing.T) {
	feb := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	if got := SeasonKey(feb, GranularityMonthly); got != "month-02" {
		t.Errorf("unexpected monthly key %q", got)
	}
	if got := SeasonKey(feb, GranularityWeekly); got != "week-07" {
		t.Errorf("unexpected weekly key %q", got)
	}
}

// februaries returns one Feb observation per year with values 10..50.
func februaries() []obs.Observation {
	var out []obs.Observation
	for i, year := range []int{2021, 2022, 2023, 2024, 2025} {
		out = append(out, obs.Observation{
			At:    time.Date(year, 2, 15, 0, 0, 0, 0, time.UTC),
			Value: float64((i + 1) * 10),
		})
	}
	return out
}

func TestSeasonalBandsMonthly(t *testing.T) {
	now := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	bands := SeasonalBands(februaries(), GranularityMonthly, 5, GapSkip, now)

	band, ok := bands["month-02"]
	if !ok {
		t.Fatalf("expected a band for month-02, got %v", bands)
	}
	if band.N != 5 {
		t.Errorf("expected 5 observations, got %d", band.N)
	}
	if band.P50 != 30 {
		t.Errorf("expected p50 = 30, got %v", band.P50)
	}
	if band.P10 >= band.P25 || band.P25 >= band.P50 || band.P50 >= band.P75 || band.P75 >= band.P90 {
		t.Errorf("band not monotone: %+v", band)
	}
	if band.WindowYears != 5 {
		t.Errorf("expected window_years 5, got %d", band.WindowYears)
	}
}

func TestSeasonalBandsSkipsSparseKeys(t *testing.T) {
	observations := []obs.Observation{
		{At: time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), Value: 1},
		{At: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), Value: 2},
	}
	now := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	bands := SeasonalBands(observations, GranularityMonthly, 5, GapSkip, now)
	if len(bands) != 0 {
		t.Errorf("two observations should not produce a band, got %v", bands)
	}
}

func TestSeasonalBandsIgnoresOutOfWindow(t *testing.T) {
	observations := append(februaries(),
		obs.Observation{At: time.Date(2015, 2, 15, 0, 0, 0, 0, time.UTC), Value: 9999},
	)
	now := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	bands := SeasonalBands(observations, GranularityMonthly, 5, GapSkip, now)
	if bands["month-02"].P90 > 50 {
		t.Errorf("stale observation leaked into the window: %+v", bands["month-02"])
	}
}

func TestSeasonalBandsExcludeYear(t *testing.T) {
	// 2021, 2022, 2024, 2025 cover Feb and Mar; 2023 is missing March.
	var observations []obs.Observation
	for _, year := range []int{2021, 2022, 2023, 2024, 2025} {
		observations = append(observations, obs.Observation{
			At: time.Date(year, 2, 15, 0, 0, 0, 0, time.UTC), Value: float64(year),
		})
		if year != 2023 {
			observations = append(observations, obs.Observation{
				At: time.Date(year, 3, 15, 0, 0, 0, 0, time.UTC), Value: float64(year),
			})
		}
	}
	now := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)

	skip := SeasonalBands(observations, GranularityMonthly, 5, GapSkip, now)
	if skip["month-02"].N != 5 {
		t.Errorf("skip policy should keep all februaries, got n=%d", skip["month-02"].N)
	}

	excl := SeasonalBands(observations, GranularityMonthly, 5, GapExcludeYear, now)
	if excl["month-02"].N != 4 {
		t.Errorf("exclude_year should drop the incomplete year, got n=%d", excl["month-02"].N)
	}
	if excl["month-03"].N != 4 {
		t.Errorf("exclude_year month-03 should have 4 years, got n=%d", excl["month-03"].N)
	}
}

func TestSeasonalBandsDeterministic(t *testing.T) {
	now := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	a := SeasonalBands(februaries(), GranularityMonthly, 5, GapSkip, now)
	b := SeasonalBands(februaries(), GranularityMonthly, 5, GapSkip, now)

	ja, err := json.Marshal(a["month-02"])
	if err != nil {
		t.Fatal(err)
	}
	jb, err := json.Marshal(b["month-02"])
	if err != nil {
		t.Fatal(err)
	}
	if string(ja) != string(jb) {
		t.Errorf("identical inputs produced different payloads: %s vs %s", ja, jb)
	}
}

func TestBandRank(t *testing.T) {
	band := Band{P10: 10, P25: 20, P50: 30, P75: 40, P90: 50}

	cases := []struct {
		value float64
		want  float64
	}{
		{5, 5},    // below the band pins low
		{10, 10},  // at p10
		{25, 37.5},
		{30, 50},
		{50, 90},
		{99, 95}, // above the band pins high
	}
	for _, tc := range cases {
		got := band.Rank(tc.value)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("Rank(%v) = %v, want %v", tc.value, got, tc.want)
		}
	}
}
