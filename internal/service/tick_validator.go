// Package service contains the service layer for the Ticker API
package service

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/quantbots/tickerapi/internal/models"
	"github.com/quantbots/tickerapi/pkg/utils/zaplogger"
)

// ValidationMode selects the validator failure policy
type ValidationMode string

const (
	// ValidationLenient drops invalid ticks with a counter increment.
	ValidationLenient ValidationMode = "lenient"
	// ValidationStrict aborts the whole batch on the first invalid tick.
	ValidationStrict ValidationMode = "strict"
)

// Sanity ceiling on last price. Nothing on Indian exchanges trades
// anywhere near this.
const defaultPriceCeiling = 10_000_000.0

// Maximum tolerated clock skew on broker timestamps.
const maxTimestampSkew = 5 * time.Minute

// TickValidator screens raw ticks before processing. It never mutates its
// inputs; it returns the filtered slice.
type TickValidator struct {
	mode         ValidationMode
	priceCeiling float64
	now          func() time.Time

	dropped atomic.Uint64
}

// NewTickValidator creates a validator in the given mode
func NewTickValidator(mode ValidationMode) *TickValidator {
	return &TickValidator{
		mode:         mode,
		priceCeiling: defaultPriceCeiling,
		now:          time.Now,
	}
}

// Validate screens a batch. In lenient mode invalid ticks are dropped and
// counted; in strict mode the first invalid tick aborts the batch.
func (v *TickValidator) Validate(ticks []models.TickFrame) ([]models.TickFrame, error) {
	valid := make([]models.TickFrame, 0, len(ticks))

	for _, tick := range ticks {
		if reason := v.check(tick); reason != "" {
			if v.mode == ValidationStrict {
				return nil, fmt.Errorf("%w: token %d: %s", ErrInvalidTick, tick.InstrumentToken, reason)
			}
			n := v.dropped.Add(1)
			if n%100 == 1 {
				zaplogger.Warn("dropping invalid tick", zaplogger.Fields{
					"instrument_token": tick.InstrumentToken,
					"reason":           reason,
					"dropped_total":    n,
				})
			}
			continue
		}
		valid = append(valid, tick)
	}

	return valid, nil
}

// check returns a non-empty reason when the tick fails a screen
func (v *TickValidator) check(tick models.TickFrame) string {
	if tick.InstrumentToken == 0 {
		return "zero instrument token"
	}
	if math.IsNaN(tick.LastPrice) || math.IsInf(tick.LastPrice, 0) {
		return "non-finite last price"
	}
	if tick.LastPrice <= 0 {
		return "non-positive last price"
	}
	if tick.LastPrice > v.priceCeiling {
		return "last price above sanity ceiling"
	}
	if tick.Timestamp.IsZero() {
		return "zero timestamp"
	}
	if tick.Timestamp.After(v.now().Add(maxTimestampSkew)) {
		return "timestamp in the future"
	}
	if tick.Depth != nil {
		for _, level := range tick.Depth.Buy {
			if math.IsNaN(level.Price) || level.Price < 0 {
				return "invalid bid depth price"
			}
		}
		for _, level := range tick.Depth.Sell {
			if math.IsNaN(level.Price) || level.Price < 0 {
				return "invalid ask depth price"
			}
		}
	}
	return ""
}

// Dropped returns how many ticks have been discarded in lenient mode
func (v *TickValidator) Dropped() uint64 {
	return v.dropped.Load()
}
