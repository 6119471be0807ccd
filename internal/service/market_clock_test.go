package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ist(t *testing.T) *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	return loc
}

func TestMarketMinutesSingleDay(t *testing.T) {
	loc := ist(t)
	c := NewMarketClock()

	// Wednesday 2025-11-19, full session.
	from := time.Date(2025, 11, 19, 9, 15, 0, 0, loc)
	to := time.Date(2025, 11, 19, 15, 30, 0, 0, loc)
	assert.InDelta(t, 375.0, c.MarketMinutesBetween(from, to), 1e-9)

	// Starting mid-session.
	from = time.Date(2025, 11, 19, 12, 0, 0, 0, loc)
	assert.InDelta(t, 210.0, c.MarketMinutesBetween(from, to), 1e-9)
}

func TestMarketMinutesSkipWeekend(t *testing.T) {
	loc := ist(t)
	c := NewMarketClock()

	// Friday close to Monday close is exactly one session.
	from := time.Date(2025, 11, 21, 15, 30, 0, 0, loc)
	to := time.Date(2025, 11, 24, 15, 30, 0, 0, loc)
	assert.InDelta(t, 375.0, c.MarketMinutesBetween(from, to), 1e-9)
}

func TestYearsToExpiryZeroAtClose(t *testing.T) {
	loc := ist(t)
	c := NewMarketClock()
	expiry := time.Date(2025, 11, 27, 0, 0, 0, 0, loc)

	atClose := time.Date(2025, 11, 27, 15, 30, 0, 0, loc)
	assert.Equal(t, 0.0, c.YearsToExpiry(atClose, expiry))

	pastClose := atClose.Add(time.Hour)
	assert.Equal(t, 0.0, c.YearsToExpiry(pastClose, expiry))

	before := atClose.Add(-time.Minute)
	assert.Greater(t, c.YearsToExpiry(before, expiry), 0.0)
}

func TestIsMarketOpenSegmentWindows(t *testing.T) {
	loc := ist(t)
	c := NewMarketClock()

	// 16:00 IST on a Wednesday: equity closed, currency and commodity open.
	at := time.Date(2025, 11, 19, 16, 0, 0, 0, loc)
	assert.False(t, c.IsMarketOpen(at, "NSE"))
	assert.False(t, c.IsMarketOpen(at, "NFO"))
	assert.True(t, c.IsMarketOpen(at, "CDS"))
	assert.True(t, c.IsMarketOpen(at, "MCX"))

	// 22:00 IST: only commodity open.
	at = time.Date(2025, 11, 19, 22, 0, 0, 0, loc)
	assert.False(t, c.IsMarketOpen(at, "CDS"))
	assert.True(t, c.IsMarketOpen(at, "MCX"))

	// Saturday: everything closed.
	at = time.Date(2025, 11, 22, 11, 0, 0, 0, loc)
	assert.False(t, c.IsMarketOpen(at, "NSE"))
	assert.False(t, c.IsMarketOpen(at, "MCX"))
}
