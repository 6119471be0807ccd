// Package service contains the service layer for the Ticker API
package service

import (
	"container/list"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/quantbots/tickerapi/internal/models"
	"github.com/quantbots/tickerapi/pkg/utils/zaplogger"
	"github.com/shopspring/decimal"
)

// MockState is the synthetic per-instrument state the generator evolves.
// Instances handed out by the cache are copies; callers never see a shared
// mutable value.
type MockState struct {
	InstrumentToken uint32
	LastPrice       float64
	ReferencePrice  float64
	Expiry          time.Time // zero for underlyings
	UpdatedAt       time.Time
}

type mockCacheEntry struct {
	token uint32
	state MockState
}

// MockStateCache is a bounded LRU over synthetic instrument state. Entries
// whose option expiry predates the current market date are removed by the
// sweeper, which runs inline before every insert and on a 5 minute schedule.
type MockStateCache struct {
	mu      sync.Mutex
	maxSize int
	order   *list.List // front = most recently used
	index   map[uint32]*list.Element

	evictions uint64
	sweeps    uint64
}

// NewMockStateCache creates a cache bounded at maxSize entries
func NewMockStateCache(maxSize int) *MockStateCache {
	if maxSize <= 0 {
		maxSize = 5000
	}
	return &MockStateCache{
		maxSize: maxSize,
		order:   list.New(),
		index:   make(map[uint32]*list.Element),
	}
}

// Get returns a copy of the state for a token, marking it recently used
func (c *MockStateCache) Get(token uint32) (MockState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[token]
	if !ok {
		return MockState{}, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*mockCacheEntry).state, true
}

// Put stores the state for a token. Expired entries are swept first; if the
// cache is still full the least-recently-used entry is evicted.
func (c *MockStateCache) Put(token uint32, state MockState, marketDate time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked(marketDate)

	if elem, ok := c.index[token]; ok {
		elem.Value.(*mockCacheEntry).state = state
		c.order.MoveToFront(elem)
		return
	}

	for c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.evictions++
	}

	elem := c.order.PushFront(&mockCacheEntry{token: token, state: state})
	c.index[token] = elem
}

// Sweep removes entries whose expiry is strictly before the market date
func (c *MockStateCache) Sweep(marketDate time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(marketDate)
}

func (c *MockStateCache) sweepLocked(marketDate time.Time) int {
	removed := 0
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		entry := elem.Value.(*mockCacheEntry)
		if !entry.state.Expiry.IsZero() && entry.state.Expiry.Before(marketDate) {
			c.removeLocked(elem)
			removed++
		}
		elem = prev
	}
	if removed > 0 {
		c.sweeps++
		zaplogger.Debug("swept expired mock state", zaplogger.Fields{
			"removed":   removed,
			"remaining": c.order.Len(),
		})
	}
	return removed
}

func (c *MockStateCache) removeLocked(elem *list.Element) {
	entry := c.order.Remove(elem).(*mockCacheEntry)
	delete(c.index, entry.token)
}

// Len returns the current entry count
func (c *MockStateCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Evictions returns how many entries were dropped for capacity
func (c *MockStateCache) Evictions() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}

// Generator tuning. The underlying walk reverts toward the reference price
// and is clamped to a daily band around it.
const (
	mockMeanReversion  = 0.05
	mockUnderlyingVol  = 0.0004
	mockOptionNoiseVol = 0.01
	mockDailyRangePct  = 0.05
)

// MockGenerator produces synthetic bars and option snapshots for subscribed
// instruments outside market hours. All state updates go through a single
// mutex; emitted values are plain copies.
type MockGenerator struct {
	enabled bool
	cache   *MockStateCache
	clock   *MarketClock
	rng     *rand.Rand

	mu sync.Mutex
}

// NewMockGenerator creates a generator over the given state cache
func NewMockGenerator(enabled bool, cache *MockStateCache, clock *MarketClock) *MockGenerator {
	return &MockGenerator{
		enabled: enabled,
		cache:   cache,
		clock:   clock,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Allowed reports whether synthetic data may be produced right now for the
// exchange. Never true while the segment's session is open, regardless of
// the enabled flag.
func (g *MockGenerator) Allowed(exchange string) bool {
	if !g.enabled {
		return false
	}
	return !g.clock.IsMarketOpen(g.clock.Now(), exchange)
}

// NextUnderlying advances the synthetic walk for an underlying and returns
// the bar. The reference price seeds the walk on first sight of the symbol.
func (g *MockGenerator) NextUnderlying(token uint32, symbol string, referencePrice float64) models.UnderlyingBar {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	state, ok := g.cache.Get(token)
	if !ok {
		state = MockState{
			InstrumentToken: token,
			LastPrice:       referencePrice,
			ReferencePrice:  referencePrice,
		}
	}

	drift := mockMeanReversion * (state.ReferencePrice - state.LastPrice)
	shock := mockUnderlyingVol * state.ReferencePrice * g.rng.NormFloat64()
	next := state.LastPrice + drift + shock

	lo := state.ReferencePrice * (1 - mockDailyRangePct)
	hi := state.ReferencePrice * (1 + mockDailyRangePct)
	next = math.Max(lo, math.Min(hi, next))

	state.LastPrice = next
	state.UpdatedAt = now
	g.cache.Put(token, state, g.clock.MarketDate(now))

	return models.UnderlyingBar{
		Symbol:      symbol,
		LastPrice:   next,
		TimestampMs: now.UnixMilli(),
	}
}

// NextOption produces a synthetic snapshot for an option from the last
// underlying state: intrinsic value plus volatility-scaled noise, rounded
// to the instrument's tick size.
func (g *MockGenerator) NextOption(inst models.InstrumentModel, spot float64) models.OptionSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()

	intrinsic := 0.0
	switch inst.OptionContractType() {
	case models.OptionTypeCE:
		intrinsic = math.Max(0, spot-inst.Strike)
	case models.OptionTypePE:
		intrinsic = math.Max(0, inst.Strike-spot)
	}

	noise := mockOptionNoiseVol * spot * math.Abs(g.rng.NormFloat64())
	price := roundToTick(intrinsic+noise, inst.TickSize)
	if price <= 0 {
		price = inst.TickSize
	}

	g.cache.Put(inst.InstrumentToken, MockState{
		InstrumentToken: inst.InstrumentToken,
		LastPrice:       price,
		ReferencePrice:  spot,
		Expiry:          inst.ExpiryDate(),
		UpdatedAt:       now,
	}, g.clock.MarketDate(now))

	return models.OptionSnapshot{
		InstrumentToken:  inst.InstrumentToken,
		Tradingsymbol:    inst.Tradingsymbol,
		UnderlyingSymbol: inst.UnderlyingSymbol(),
		Strike:           inst.Strike,
		OptionType:       inst.OptionContractType(),
		ExpiryISO:        inst.Expiry,
		LastPrice:        price,
		Spot:             spot,
		TimestampMs:      now.UnixMilli(),
	}
}

// roundToTick snaps a price to the exchange tick size
func roundToTick(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	tick := decimal.NewFromFloat(tickSize)
	rounded, _ := p.Div(tick).Round(0).Mul(tick).Float64()
	return rounded
}
