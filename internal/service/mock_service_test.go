package service

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/quantbots/tickerapi/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func istClockAt(hour, minute int, weekday time.Weekday) *MarketClock {
	c := NewMarketClock()
	// 2025-11-24 is a Monday; walk to the requested weekday.
	base := time.Date(2025, 11, 24, hour, minute, 0, 0, c.loc)
	for base.Weekday() != weekday {
		base = base.AddDate(0, 0, 1)
	}
	frozen := base
	c.now = func() time.Time { return frozen }
	return c
}

func TestMockCacheBoundedByCapacity(t *testing.T) {
	cache := NewMockStateCache(3)
	marketDate := time.Date(2025, 11, 24, 0, 0, 0, 0, time.UTC)

	for i := uint32(1); i <= 5; i++ {
		cache.Put(i, MockState{InstrumentToken: i, LastPrice: float64(i)}, marketDate)
	}

	assert.Equal(t, 3, cache.Len())
	assert.Equal(t, uint64(2), cache.Evictions())

	_, ok := cache.Get(1)
	assert.False(t, ok, "oldest entries must be evicted first")
	_, ok = cache.Get(5)
	assert.True(t, ok)
}

func TestMockCacheLRUTouchOnGet(t *testing.T) {
	cache := NewMockStateCache(2)
	marketDate := time.Date(2025, 11, 24, 0, 0, 0, 0, time.UTC)

	cache.Put(1, MockState{InstrumentToken: 1}, marketDate)
	cache.Put(2, MockState{InstrumentToken: 2}, marketDate)
	cache.Get(1)
	cache.Put(3, MockState{InstrumentToken: 3}, marketDate)

	_, ok := cache.Get(1)
	assert.True(t, ok, "recently read entry must survive")
	_, ok = cache.Get(2)
	assert.False(t, ok)
}

func TestMockCacheSweepsExpiredOptions(t *testing.T) {
	cache := NewMockStateCache(100)
	day0 := time.Date(2025, 11, 20, 0, 0, 0, 0, time.UTC)
	day1 := time.Date(2025, 11, 24, 0, 0, 0, 0, time.UTC)

	// All entries are live on day0; the first contract expires before day1.
	cache.Put(1, MockState{InstrumentToken: 1, Expiry: day0.AddDate(0, 0, 1)}, day0)
	cache.Put(2, MockState{InstrumentToken: 2, Expiry: day1.AddDate(0, 0, 7)}, day0)
	cache.Put(3, MockState{InstrumentToken: 3}, day0) // underlying, never expires

	removed := cache.Sweep(day1)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, cache.Len())

	_, ok := cache.Get(1)
	assert.False(t, ok)
}

func TestMockCachePutSweepsInline(t *testing.T) {
	cache := NewMockStateCache(100)
	day0 := time.Date(2025, 11, 20, 0, 0, 0, 0, time.UTC)
	day1 := time.Date(2025, 11, 24, 0, 0, 0, 0, time.UTC)

	cache.Put(1, MockState{InstrumentToken: 1, Expiry: day0.AddDate(0, 0, 1)}, day0)

	// The next insert on a later market date drops the expired contract.
	cache.Put(2, MockState{InstrumentToken: 2}, day1)

	assert.Equal(t, 1, cache.Len())
	_, ok := cache.Get(1)
	assert.False(t, ok)
	assert.Zero(t, cache.Sweep(day1), "nothing left to sweep after the inline pass")
}

func TestMockCacheGetReturnsCopy(t *testing.T) {
	cache := NewMockStateCache(10)
	marketDate := time.Date(2025, 11, 24, 0, 0, 0, 0, time.UTC)

	cache.Put(1, MockState{InstrumentToken: 1, LastPrice: 100}, marketDate)

	got, ok := cache.Get(1)
	require.True(t, ok)
	got.LastPrice = 999

	again, _ := cache.Get(1)
	assert.Equal(t, 100.0, again.LastPrice, "mutating a returned state must not affect the cache")
}

func TestMockGeneratorDisallowedDuringSession(t *testing.T) {
	open := istClockAt(11, 0, time.Monday)
	closed := istClockAt(20, 0, time.Monday)

	g := NewMockGenerator(true, NewMockStateCache(10), open)
	assert.False(t, g.Allowed("NSE"), "no synthetic data while the session is open")

	g = NewMockGenerator(true, NewMockStateCache(10), closed)
	assert.True(t, g.Allowed("NSE"))

	// Commodity trades until 23:30 IST, so 20:00 is still live there.
	assert.False(t, g.Allowed("MCX"))

	g = NewMockGenerator(false, NewMockStateCache(10), closed)
	assert.False(t, g.Allowed("NSE"), "disabled flag wins regardless of the clock")
}

func TestMockUnderlyingStaysInDailyBand(t *testing.T) {
	clock := istClockAt(20, 0, time.Monday)
	g := NewMockGenerator(true, NewMockStateCache(10), clock)

	const ref = 24500.0
	for i := 0; i < 2000; i++ {
		bar := g.NextUnderlying(256265, "NIFTY", ref)
		require.GreaterOrEqual(t, bar.LastPrice, ref*0.95)
		require.LessOrEqual(t, bar.LastPrice, ref*1.05)
		require.Equal(t, "NIFTY", bar.Symbol)
	}
}

func TestMockUnderlyingEvolvesFromCachedState(t *testing.T) {
	clock := istClockAt(20, 0, time.Monday)
	cache := NewMockStateCache(10)
	g := NewMockGenerator(true, cache, clock)

	g.NextUnderlying(256265, "NIFTY", 24500)
	state, ok := cache.Get(256265)
	require.True(t, ok)
	assert.Equal(t, 24500.0, state.ReferencePrice)
	assert.NotZero(t, state.LastPrice)
}

func TestMockOptionPriceRespectsIntrinsicAndTick(t *testing.T) {
	clock := istClockAt(20, 0, time.Monday)
	g := NewMockGenerator(true, NewMockStateCache(100), clock)

	inst := models.InstrumentModel{
		InstrumentToken: 11536642,
		Tradingsymbol:   "NIFTY25NOV24000CE",
		Name:            "NIFTY",
		Expiry:          "2025-11-27",
		Strike:          24000,
		TickSize:        0.05,
		InstrumentType:  "CE",
		Segment:         "NFO-OPT",
		Exchange:        "NFO",
	}

	for i := 0; i < 200; i++ {
		snap := g.NextOption(inst, 24500)
		require.GreaterOrEqual(t, snap.LastPrice, 500.0, "ITM call cannot trade below intrinsic")

		steps := snap.LastPrice / 0.05
		require.InDelta(t, math.Round(steps), steps, 1e-6, "price %v not on the 0.05 tick grid", snap.LastPrice)
		require.Equal(t, models.OptionTypeCE, snap.OptionType)
		require.Equal(t, "NIFTY", snap.UnderlyingSymbol)
	}
}

func TestMockOptionDeepOTMNeverZero(t *testing.T) {
	clock := istClockAt(20, 0, time.Monday)
	g := NewMockGenerator(true, NewMockStateCache(100), clock)

	inst := models.InstrumentModel{
		InstrumentToken: 11536643,
		Tradingsymbol:   "NIFTY25NOV30000CE",
		Name:            "NIFTY",
		Expiry:          "2025-11-27",
		Strike:          30000,
		TickSize:        0.05,
		InstrumentType:  "CE",
		Segment:         "NFO-OPT",
		Exchange:        "NFO",
	}

	snap := g.NextOption(inst, 24500)
	assert.Greater(t, snap.LastPrice, 0.0)
}

func TestMockConcurrentGeneration(t *testing.T) {
	clock := istClockAt(20, 0, time.Monday)
	g := NewMockGenerator(true, NewMockStateCache(500), clock)

	done := make(chan struct{})
	for w := 0; w < 8; w++ {
		go func(w int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 100; i++ {
				g.NextUnderlying(uint32(w*1000+i), fmt.Sprintf("SYM%d", w), 100)
			}
		}(w)
	}
	for w := 0; w < 8; w++ {
		<-done
	}
}
