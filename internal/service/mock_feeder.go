// Package service contains the service layer for the Ticker API
package service

import (
	"context"
	"time"

	"github.com/quantbots/tickerapi/internal/models"
)

const defaultMockFeedInterval = time.Second

type activeLister interface {
	ListActive() ([]models.SubscriptionModel, error)
}

// MockFeeder drives the synthetic generator for every active subscription
// whose segment is outside market hours. Underlyings are walked first so the
// options in the same round price off the fresh synthetic spot; the last
// real spot seen by the processor seeds a symbol on first sight.
type MockFeeder struct {
	subs      activeLister
	registry  *InstrumentRegistry
	generator *MockGenerator
	processor *TickProcessor
	batcher   *TickBatcher
	interval  time.Duration
}

// NewMockFeeder creates the feeder loop
func NewMockFeeder(subs activeLister, registry *InstrumentRegistry, generator *MockGenerator, processor *TickProcessor, batcher *TickBatcher, interval time.Duration) *MockFeeder {
	if interval <= 0 {
		interval = defaultMockFeedInterval
	}
	return &MockFeeder{
		subs:      subs,
		registry:  registry,
		generator: generator,
		processor: processor,
		batcher:   batcher,
		interval:  interval,
	}
}

// Run generates one synthetic round per interval until the context ends
func (f *MockFeeder) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.round()
		}
	}
}

// round walks every eligible subscribed instrument once
func (f *MockFeeder) round() {
	subs, err := f.subs.ListActive()
	if err != nil || len(subs) == 0 {
		return
	}

	var underlyings, options []models.InstrumentModel
	for _, sub := range subs {
		inst, ok := f.registry.Lookup(sub.InstrumentToken)
		if !ok || !f.generator.Allowed(inst.Exchange) {
			continue
		}
		if inst.NormalizedSegment() == models.SegmentOptions {
			options = append(options, inst)
		} else {
			underlyings = append(underlyings, inst)
		}
	}

	spots := make(map[string]float64, len(underlyings))
	for _, inst := range underlyings {
		symbol := inst.UnderlyingSymbol()
		bar := f.generator.NextUnderlying(inst.InstrumentToken, symbol, f.referencePrice(inst, symbol))
		spots[symbol] = bar.LastPrice
		f.batcher.AddUnderlying(bar)
	}

	for _, inst := range options {
		spot, ok := spots[inst.UnderlyingSymbol()]
		if !ok {
			spot, ok = f.processor.Spot(inst.UnderlyingSymbol())
		}
		if !ok || spot <= 0 {
			continue
		}
		f.batcher.AddOption(f.generator.NextOption(inst, spot))
	}
}

// referencePrice seeds the walk: last real spot, else the dump price
func (f *MockFeeder) referencePrice(inst models.InstrumentModel, symbol string) float64 {
	if spot, ok := f.processor.Spot(symbol); ok && spot > 0 {
		return spot
	}
	if inst.LastPrice > 0 {
		return inst.LastPrice
	}
	return 100
}
