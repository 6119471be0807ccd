// Package service contains the service layer for the Ticker API
package service

import (
	"strings"
	"time"
)

// Trading window constants, minutes from midnight IST.
const (
	equityOpenMinute     = 9*60 + 15  // 09:15
	equityCloseMinute    = 15*60 + 30 // 15:30
	currencyOpenMinute   = 9 * 60     // 09:00
	currencyCloseMinute  = 17 * 60    // 17:00
	commodityOpenMinute  = 9 * 60     // 09:00
	commodityCloseMinute = 23*60 + 30 // 23:30

	marketMinutesPerDay = equityCloseMinute - equityOpenMinute // 375
)

// MarketClock answers IST calendar questions: market dates, session windows
// per exchange, and integrated market-minutes used for option time-to-expiry.
// Exchange holidays are not modeled; weekends are.
type MarketClock struct {
	loc *time.Location
	now func() time.Time
}

// NewMarketClock creates a clock pinned to Asia/Kolkata
func NewMarketClock() *MarketClock {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		loc = time.FixedZone("IST", 5*3600+1800)
	}
	return &MarketClock{loc: loc, now: time.Now}
}

// Now returns the current IST time
func (c *MarketClock) Now() time.Time {
	return c.now().In(c.loc)
}

// Location returns the exchange time zone
func (c *MarketClock) Location() *time.Location {
	return c.loc
}

// MarketDate returns midnight IST of the given instant
func (c *MarketClock) MarketDate(t time.Time) time.Time {
	t = t.In(c.loc)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.loc)
}

// sessionWindow returns the trading window for an exchange, in minutes from
// midnight IST. Currency and commodity segments trade later than equity.
func sessionWindow(exchange string) (openMinute, closeMinute int) {
	switch {
	case strings.HasPrefix(exchange, "MCX"):
		return commodityOpenMinute, commodityCloseMinute
	case strings.HasPrefix(exchange, "CDS"), strings.HasPrefix(exchange, "BCD"):
		return currencyOpenMinute, currencyCloseMinute
	default:
		return equityOpenMinute, equityCloseMinute
	}
}

// IsMarketOpen reports whether the exchange session is open at t
func (c *MarketClock) IsMarketOpen(t time.Time, exchange string) bool {
	t = t.In(c.loc)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	openMinute, closeMinute := sessionWindow(exchange)
	minute := t.Hour()*60 + t.Minute()
	return minute >= openMinute && minute < closeMinute
}

// MarketMinutesBetween integrates equity-session minutes (09:15–15:30,
// Mon–Fri) between two instants.
func (c *MarketClock) MarketMinutesBetween(from, to time.Time) float64 {
	from = from.In(c.loc)
	to = to.In(c.loc)
	if !to.After(from) {
		return 0
	}

	total := 0.0
	day := c.MarketDate(from)
	lastDay := c.MarketDate(to)

	for !day.After(lastDay) {
		switch day.Weekday() {
		case time.Saturday, time.Sunday:
			day = day.AddDate(0, 0, 1)
			continue
		}

		open := day.Add(time.Duration(equityOpenMinute) * time.Minute)
		close := day.Add(time.Duration(equityCloseMinute) * time.Minute)

		start := open
		if from.After(start) {
			start = from
		}
		end := close
		if to.Before(end) {
			end = to
		}
		if end.After(start) {
			total += end.Sub(start).Minutes()
		}
		day = day.AddDate(0, 0, 1)
	}

	return total
}

// ExpiryClose returns 15:30 IST on the expiry date
func (c *MarketClock) ExpiryClose(expiry time.Time) time.Time {
	expiry = expiry.In(c.loc)
	y, m, d := expiry.Date()
	return time.Date(y, m, d, 15, 30, 0, 0, c.loc)
}

// YearsToExpiry expresses the remaining market-minutes until expiry close as
// a fraction of a 365-day year. Zero strictly at and beyond expiry close.
func (c *MarketClock) YearsToExpiry(from, expiry time.Time) float64 {
	minutes := c.MarketMinutesBetween(from, c.ExpiryClose(expiry))
	return minutes / (365.0 * marketMinutesPerDay)
}
