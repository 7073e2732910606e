// Package schedule holds the validated schedule registry and the calendar
// arithmetic that answers "when is this collector due next?".
package schedule

import (
	"fmt"
	"time"

	"github.com/cropwatch/cropwatch/internal/calendar"
	"github.com/cropwatch/cropwatch/internal/config"
)

type Frequency string

const (
	Daily          Frequency = "daily"
	Weekly         Frequency = "weekly"
	Monthly        Frequency = "monthly"
	SeasonalWeekly Frequency = "seasonal-weekly"
)

type ShiftRule string

const (
	ShiftNone            ShiftRule = "none"
	ShiftNextBusinessDay ShiftRule = "next_business_day"
	// ShiftNthBusinessDay interprets DayOfMonth as the Nth business day of
	// the month rather than a calendar day.
	ShiftNthBusinessDay ShiftRule = "nth_business_day"
)

// Entry is one collector's schedule, immutable at runtime. Entries are only
// replaced wholesale through a configuration reload.
type Entry struct {
	CollectorID  string
	Name         string
	Frequency    Frequency
	Hour         int
	Minute       int
	Weekday      time.Weekday
	DayOfMonth   int
	ValidMonths  map[time.Month]bool // nil means all months
	HolidayShift ShiftRule
	MaxRetries   int
	RetryBackoff time.Duration
	Timeout      time.Duration
	Critical     bool
	NodeKey      string
}

// Registry answers due-time questions for a fixed set of entries against an
// injected business calendar.
type Registry struct {
	entries []Entry
	byID    map[string]Entry
	cal     calendar.Calendar
}

// NewRegistry converts validated config collectors into schedule entries.
// config.Parse has already rejected malformed entries; this conversion only
// fails on programmer error.
func NewRegistry(cols []config.Collector, cal calendar.Calendar) (*Registry, error) {
	r := &Registry{
		entries: make([]Entry, 0, len(cols)),
		byID:    make(map[string]Entry, len(cols)),
		cal:     cal,
	}
	for _, col := range cols {
		e, err := newEntry(col)
		if err != nil {
			return nil, err
		}
		r.entries = append(r.entries, e)
		r.byID[e.CollectorID] = e
	}
	return r, nil
}

func newEntry(col config.Collector) (Entry, error) {
	s := col.Schedule
	e := Entry{
		CollectorID:  col.ID,
		Name:         col.Name,
		Frequency:    Frequency(s.Frequency),
		DayOfMonth:   s.DayOfMonth,
		HolidayShift: ShiftRule(s.HolidayShift),
		MaxRetries:   s.MaxRetries,
		RetryBackoff: s.RetryBackoff.Std(),
		Timeout:      s.Timeout.Std(),
		Critical:     col.Critical,
		NodeKey:      col.NodeKey,
	}
	if e.HolidayShift == "" {
		e.HolidayShift = ShiftNone
	}
	if e.MaxRetries == 0 {
		e.MaxRetries = 1
	}
	if e.Timeout == 0 {
		e.Timeout = 60 * time.Second
	}

	nominal := s.NominalTime
	if nominal == "" {
		nominal = "06:00"
	}
	tm, err := time.Parse("15:04", nominal)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: collector %q: bad nominal_time %q", config.ErrInvalid, col.ID, s.NominalTime)
	}
	e.Hour, e.Minute = tm.Hour(), tm.Minute()

	if s.Weekday != "" {
		wd, ok := config.ParseWeekday(s.Weekday)
		if !ok {
			return Entry{}, fmt.Errorf("%w: collector %q: unknown weekday %q", config.ErrInvalid, col.ID, s.Weekday)
		}
		e.Weekday = wd
	}

	if len(s.ValidMonths) > 0 {
		e.ValidMonths = make(map[time.Month]bool, len(s.ValidMonths))
		for _, m := range s.ValidMonths {
			e.ValidMonths[time.Month(m)] = true
		}
	}
	return e, nil
}

// Entries returns all schedule entries.
func (r *Registry) Entries() []Entry {
	return r.entries
}

// Get returns the entry for a collector id.
func (r *Registry) Get(collectorID string) (Entry, bool) {
	e, ok := r.byID[collectorID]
	return e, ok
}

// InSeason reports whether the entry is scheduled at all during t's month.
func (e Entry) InSeason(t time.Time) bool {
	if e.ValidMonths == nil {
		return true
	}
	return e.ValidMonths[t.Month()]
}

// searchHorizonDays bounds the due-time scan. Seasonal entries can be out of
// season for months, so the horizon covers more than a full year.
const searchHorizonDays = 430

// NextDue computes the first due timestamp strictly after the given time,
// honoring seasonal windows, fixed weekdays, and the holiday shift rule.
// The boolean is false when no occurrence exists inside the search horizon.
//
// A holiday shift can land two nominal days on the same timestamp (a daily
// entry over a long weekend, say). Because NextDue returns the earliest
// occurrence after `after` and callers advance past it, those collapse to a
// single run.
func (r *Registry) NextDue(e Entry, after time.Time) (time.Time, bool) {
	// Start the scan a week early: a nominal day before `after` may shift
	// forward past it.
	day := time.Date(after.Year(), after.Month(), after.Day(), 0, 0, 0, 0, after.Location()).AddDate(0, 0, -7)

	for i := 0; i < searchHorizonDays; i++ {
		d := day.AddDate(0, 0, i)
		if !r.isOccurrenceDay(e, d) {
			continue
		}
		occ := r.shift(e, d)
		occ = time.Date(occ.Year(), occ.Month(), occ.Day(), e.Hour, e.Minute, 0, 0, after.Location())
		if occ.After(after) {
			return occ, true
		}
	}
	return time.Time{}, false
}

// DueSince lists due timestamps in (last, now], deduplicating occurrences
// that a holiday shift collapsed onto the same instant.
func (r *Registry) DueSince(e Entry, last, now time.Time) []time.Time {
	var due []time.Time
	cursor := last
	for {
		next, ok := r.NextDue(e, cursor)
		if !ok || next.After(now) {
			return due
		}
		if len(due) == 0 || !next.Equal(due[len(due)-1]) {
			due = append(due, next)
		}
		cursor = next
	}
}

func (r *Registry) isOccurrenceDay(e Entry, d time.Time) bool {
	if !e.InSeason(d) {
		return false
	}
	switch e.Frequency {
	case Daily:
		return true
	case Weekly, SeasonalWeekly:
		return d.Weekday() == e.Weekday
	case Monthly:
		if e.HolidayShift == ShiftNthBusinessDay {
			return r.isNthBusinessDay(d, e.DayOfMonth)
		}
		return d.Day() == e.DayOfMonth
	}
	return false
}

func (r *Registry) isNthBusinessDay(d time.Time, n int) bool {
	if !r.cal.IsBusinessDay(d) {
		return false
	}
	count := 0
	for day := 1; day <= d.Day(); day++ {
		t := time.Date(d.Year(), d.Month(), day, 0, 0, 0, 0, d.Location())
		if r.cal.IsBusinessDay(t) {
			count++
		}
	}
	return count == n
}

func (r *Registry) shift(e Entry, d time.Time) time.Time {
	if e.HolidayShift != ShiftNextBusinessDay {
		return d
	}
	if r.cal.IsBusinessDay(d) {
		return d
	}
	return r.cal.NextBusinessDay(d)
}
