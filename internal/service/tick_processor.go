// Package service contains the service layer for the Ticker API
package service

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantbots/tickerapi/internal/models"
	"github.com/quantbots/tickerapi/pkg/utils/zaplogger"
)

const defaultMaxSpotAge = 2 * time.Second

type spotEntry struct {
	price float64
	at    time.Time
}

// ProcessorCounters is the processor's stats snapshot
type ProcessorCounters struct {
	Processed      uint64 `json:"processed"`
	DroppedInvalid uint64 `json:"dropped_invalid"`
	SkippedExpired uint64 `json:"skipped_expired"`
	UnknownToken   uint64 `json:"unknown_token"`
	NoGreeks       uint64 `json:"no_greeks"`
	TickErrors     uint64 `json:"tick_errors"`
}

// TickProcessor routes validated ticks: underlyings update the spot table
// and emit bars; options are enriched with IV and Greeks from the last spot
// and emit snapshots. It never returns an error to the caller; per-tick
// failures are counted and processing continues.
type TickProcessor struct {
	validator  *TickValidator
	registry   *InstrumentRegistry
	greeks     *GreeksCalculator
	batcher    *TickBatcher
	clock      *MarketClock
	maxSpotAge time.Duration

	spotMu sync.RWMutex
	spots  map[string]spotEntry

	tickMu     sync.Mutex
	lastTickAt map[string]time.Time

	processed      atomic.Uint64
	skippedExpired atomic.Uint64
	unknownToken   atomic.Uint64
	noGreeks       atomic.Uint64
	tickErrors     atomic.Uint64
}

// NewTickProcessor wires the processing pipeline stages together
func NewTickProcessor(validator *TickValidator, registry *InstrumentRegistry, greeks *GreeksCalculator, batcher *TickBatcher, clock *MarketClock, maxSpotAge time.Duration) *TickProcessor {
	if maxSpotAge <= 0 {
		maxSpotAge = defaultMaxSpotAge
	}
	return &TickProcessor{
		validator:  validator,
		registry:   registry,
		greeks:     greeks,
		batcher:    batcher,
		clock:      clock,
		maxSpotAge: maxSpotAge,
		spots:      make(map[string]spotEntry),
		lastTickAt: make(map[string]time.Time),
	}
}

// ProcessBatch validates and routes one batch of raw ticks from an account's
// stream. Errors never propagate to the streaming loop.
func (p *TickProcessor) ProcessBatch(accountID string, ticks []models.TickFrame) {
	valid, err := p.validator.Validate(ticks)
	if err != nil {
		// Strict mode abort: count the batch and move on.
		p.tickErrors.Add(uint64(len(ticks)))
		zaplogger.Debug("tick batch rejected", zaplogger.Fields{
			"account_id": accountID,
			"error":      err.Error(),
		})
		return
	}

	marketDate := p.clock.MarketDate(p.clock.Now())

	for _, tick := range valid {
		p.processOne(tick, marketDate)
	}

	if len(valid) > 0 {
		p.tickMu.Lock()
		p.lastTickAt[accountID] = time.Now()
		p.tickMu.Unlock()
	}
}

func (p *TickProcessor) processOne(tick models.TickFrame, marketDate time.Time) {
	defer func() {
		if r := recover(); r != nil {
			p.tickErrors.Add(1)
			zaplogger.Debug("tick processing panic", zaplogger.Fields{
				"instrument_token": tick.InstrumentToken,
				"panic":            r,
			})
		}
	}()

	inst, ok := p.registry.Lookup(tick.InstrumentToken)
	if !ok {
		p.unknownToken.Add(1)
		return
	}

	if inst.IsExpiredOn(marketDate) {
		p.skippedExpired.Add(1)
		return
	}

	switch inst.NormalizedSegment() {
	case models.SegmentOptions:
		p.processOption(tick, inst)
	default:
		p.processUnderlying(tick, inst)
	}
	p.processed.Add(1)
}

// processUnderlying updates the spot table and emits a bar
func (p *TickProcessor) processUnderlying(tick models.TickFrame, inst models.InstrumentModel) {
	symbol := inst.UnderlyingSymbol()

	p.spotMu.Lock()
	p.spots[symbol] = spotEntry{price: tick.LastPrice, at: time.Now()}
	p.spotMu.Unlock()

	p.batcher.AddUnderlying(models.UnderlyingBar{
		Symbol:      symbol,
		LastPrice:   tick.LastPrice,
		Volume:      tick.Volume,
		TimestampMs: tick.Timestamp.UnixMilli(),
	})
}

// processOption enriches the tick with IV and Greeks when a fresh spot is
// available, and emits the snapshot either way.
func (p *TickProcessor) processOption(tick models.TickFrame, inst models.InstrumentModel) {
	snap := models.OptionSnapshot{
		InstrumentToken:  tick.InstrumentToken,
		Tradingsymbol:    inst.Tradingsymbol,
		UnderlyingSymbol: inst.UnderlyingSymbol(),
		Strike:           inst.Strike,
		OptionType:       inst.OptionContractType(),
		ExpiryISO:        inst.Expiry,
		LastPrice:        tick.LastPrice,
		Volume:           tick.Volume,
		OI:               tick.OI,
		Depth:            tick.Depth,
		TimestampMs:      tick.Timestamp.UnixMilli(),
	}

	spot, fresh := p.Spot(snap.UnderlyingSymbol)
	if !fresh {
		p.noGreeks.Add(1)
		p.batcher.AddOption(snap)
		return
	}
	snap.Spot = spot

	tte := p.greeks.TimeToExpiry(p.clock.Now(), inst.ExpiryDate())
	iv, err := p.greeks.ImpliedVol(tick.LastPrice, spot, inst.Strike, tte, p.greeks.RiskFreeRate(), snap.OptionType)
	if err != nil {
		p.noGreeks.Add(1)
		p.batcher.AddOption(snap)
		return
	}

	greeks := p.greeks.Greeks(spot, inst.Strike, tte, iv, p.greeks.RiskFreeRate(), snap.OptionType)
	greeks.IV = iv
	snap.Greeks = &greeks

	p.batcher.AddOption(snap)
}

// Spot returns the last underlying price if it is fresh enough for Greeks
func (p *TickProcessor) Spot(symbol string) (float64, bool) {
	p.spotMu.RLock()
	entry, ok := p.spots[symbol]
	p.spotMu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(entry.at) > p.maxSpotAge {
		return 0, false
	}
	return entry.price, true
}

// LastTickAt returns when the account last delivered a valid tick
func (p *TickProcessor) LastTickAt(accountID string) (time.Time, bool) {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()
	at, ok := p.lastTickAt[accountID]
	return at, ok
}

// Counters returns a stats snapshot
func (p *TickProcessor) Counters() ProcessorCounters {
	return ProcessorCounters{
		Processed:      p.processed.Load(),
		DroppedInvalid: p.validator.Dropped(),
		SkippedExpired: p.skippedExpired.Load(),
		UnknownToken:   p.unknownToken.Load(),
		NoGreeks:       p.noGreeks.Load(),
		TickErrors:     p.tickErrors.Load(),
	}
}
