package util

import (
	"fmt"
	"time"
)

// TradingCalendar provides session-hours awareness for one instrument.
// Sessions whose close is earlier than their open run overnight and belong
// to the following trading day, as on most futures exchanges.
type TradingCalendar struct {
	loc      *time.Location
	open     int // minutes after midnight
	close    int
	holidays map[string]bool
}

// NewTradingCalendar creates a calendar from "HH:MM" open and close times
// in the named location. Holidays are "YYYY-MM-DD" trading days.
func NewTradingCalendar(location, openAt, closeAt string, holidays ...string) (*TradingCalendar, error) {
	loc := time.UTC
	if location != "" {
		l, err := time.LoadLocation(location)
		if err != nil {
			return nil, fmt.Errorf("loading location %q: %w", location, err)
		}
		loc = l
	}
	o, err := parseClock(openAt)
	if err != nil {
		return nil, err
	}
	c, err := parseClock(closeAt)
	if err != nil {
		return nil, err
	}
	if o == c {
		return nil, fmt.Errorf("session open and close are both %s", openAt)
	}
	h := make(map[string]bool, len(holidays))
	for _, d := range holidays {
		h[d] = true
	}
	return &TradingCalendar{loc: loc, open: o, close: c, holidays: h}, nil
}

// IsMarketOpen returns whether a session is in progress at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	local := t.In(tc.loc)
	m := local.Hour()*60 + local.Minute()

	if tc.open < tc.close {
		return m >= tc.open && m < tc.close && tc.tradingDay(local)
	}
	// Overnight session.
	if m >= tc.open {
		return tc.tradingDay(local.AddDate(0, 0, 1))
	}
	if m < tc.close {
		return tc.tradingDay(local)
	}
	return false
}

// NextOpen returns the next session open at or after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	local := t.In(tc.loc)
	for d := 0; d <= 10; d++ {
		c := tc.at(local.AddDate(0, 0, d), tc.open)
		if !c.Before(local) && tc.IsMarketOpen(c) {
			return c
		}
	}
	return time.Time{}
}

// NextClose returns the next session close at or after t.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	local := t.In(tc.loc)
	for d := 0; d <= 10; d++ {
		c := tc.at(local.AddDate(0, 0, d), tc.close)
		if !c.Before(local) && tc.IsMarketOpen(c.Add(-time.Minute)) {
			return c
		}
	}
	return time.Time{}
}

func (tc *TradingCalendar) tradingDay(day time.Time) bool {
	switch day.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !tc.holidays[day.Format("2006-01-02")]
}

func (tc *TradingCalendar) at(day time.Time, minutes int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minutes/60, minutes%60, 0, 0, tc.loc)
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parsing session time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
