// Package calendar provides the business-day collaborator used by schedule
// arithmetic. The schedule package never decides which days are holidays
// itself; it asks a Calendar.
package calendar

import (
	"time"

	"github.com/cropwatch/cropwatch/internal/config"
)

// Calendar answers business-day questions.
type Calendar interface {
	IsBusinessDay(d time.Time) bool
	NextBusinessDay(d time.Time) time.Time
}

// HolidayCalendar treats weekends plus a fixed holiday set as non-business.
type HolidayCalendar struct {
	holidays map[string]bool // YYYY-MM-DD
}

// New builds a HolidayCalendar from configured holiday dates.
func New(cfg config.Calendar) *HolidayCalendar {
	h := make(map[string]bool, len(cfg.Holidays))
	for _, d := range cfg.Holidays {
		h[d] = true
	}
	return &HolidayCalendar{holidays: h}
}

func (c *HolidayCalendar) IsBusinessDay(d time.Time) bool {
	if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		return false
	}
	return !c.holidays[d.Format("2006-01-02")]
}

// NextBusinessDay returns the first business day strictly after d.
func (c *HolidayCalendar) NextBusinessDay(d time.Time) time.Time {
	for {
		d = d.AddDate(0, 0, 1)
		if c.IsBusinessDay(d) {
			return d
		}
	}
}
