package service

import (
	"math"
	"testing"
	"time"

	"github.com/quantbots/tickerapi/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCalculator() *GreeksCalculator {
	return NewGreeksCalculator(0.065, NewMarketClock())
}

func TestPriceAtMoneyCall(t *testing.T) {
	g := newTestCalculator()

	price := g.Price(24500, 24500, 7.0/365, 0.18, 0.065, models.OptionTypeCE)
	assert.Greater(t, price, 0.0)
	// ATM call with a week to run is worth a few hundred points on NIFTY.
	assert.InDelta(t, 260, price, 60)
}

func TestPutCallParity(t *testing.T) {
	g := newTestCalculator()
	spot, strike, tte, sigma, rate := 24500.0, 24700.0, 14.0/365, 0.22, 0.065

	call := g.Price(spot, strike, tte, sigma, rate, models.OptionTypeCE)
	put := g.Price(spot, strike, tte, sigma, rate, models.OptionTypePE)

	parity := call - put - (spot - strike*math.Exp(-rate*tte))
	assert.InDelta(t, 0, parity, 1e-9)
}

func TestPriceDegradesToIntrinsic(t *testing.T) {
	g := newTestCalculator()

	assert.Equal(t, 500.0, g.Price(25000, 24500, 0, 0.2, 0.065, models.OptionTypeCE))
	assert.Equal(t, 0.0, g.Price(24000, 24500, 0, 0.2, 0.065, models.OptionTypeCE))
	assert.Equal(t, 500.0, g.Price(24000, 24500, 7.0/365, 0, 0.065, models.OptionTypePE))
}

func TestGreeksZeroAtExpiry(t *testing.T) {
	g := newTestCalculator()
	greeks := g.Greeks(24500, 24500, 0, 0.2, 0.065, models.OptionTypeCE)
	assert.Zero(t, greeks.Delta)
	assert.Zero(t, greeks.Gamma)
	assert.Zero(t, greeks.Theta)
	assert.Zero(t, greeks.Vega)
}

func TestGreeksZeroVolDeltaStep(t *testing.T) {
	g := newTestCalculator()

	itm := g.Greeks(25000, 24500, 7.0/365, 0, 0.065, models.OptionTypeCE)
	assert.Equal(t, 1.0, itm.Delta)
	assert.Zero(t, itm.Gamma)

	otm := g.Greeks(24000, 24500, 7.0/365, 0, 0.065, models.OptionTypeCE)
	assert.Zero(t, otm.Delta)
}

func TestGreeksSigns(t *testing.T) {
	g := newTestCalculator()
	spot, strike, tte, sigma, rate := 24500.0, 24500.0, 7.0/365, 0.18, 0.065

	call := g.Greeks(spot, strike, tte, sigma, rate, models.OptionTypeCE)
	assert.InDelta(t, 0.5, call.Delta, 0.1)
	assert.Greater(t, call.Gamma, 0.0)
	assert.Greater(t, call.Vega, 0.0)
	assert.Less(t, call.Theta, 0.0)

	put := g.Greeks(spot, strike, tte, sigma, rate, models.OptionTypePE)
	assert.InDelta(t, -0.5, put.Delta, 0.1)
	assert.Greater(t, put.Gamma, 0.0)
}

func TestImpliedVolRoundTripAtMoney(t *testing.T) {
	g := newTestCalculator()
	spot, strike, tte, rate := 24500.0, 24500.0, 7.0/365, 0.065
	sigmaTrue := 0.18

	price := g.Price(spot, strike, tte, sigmaTrue, rate, models.OptionTypeCE)
	iv, err := g.ImpliedVol(price, spot, strike, tte, rate, models.OptionTypeCE)
	require.NoError(t, err)
	assert.InDelta(t, sigmaTrue, iv, 1e-4)
}

func TestImpliedVolRoundTripAcrossRange(t *testing.T) {
	g := newTestCalculator()
	spot, rate, tte := 24500.0, 0.065, 14.0/365

	for _, sigmaTrue := range []float64{0.05, 0.12, 0.3, 0.8, 1.5, 2.0} {
		for _, strike := range []float64{23500, 24500, 25500} {
			for _, optionType := range []models.OptionType{models.OptionTypeCE, models.OptionTypePE} {
				price := g.Price(spot, strike, tte, sigmaTrue, rate, optionType)
				if price < 0.05 {
					continue // numerically meaningless deep-OTM quote
				}
				iv, err := g.ImpliedVol(price, spot, strike, tte, rate, optionType)
				require.NoError(t, err, "sigma=%v strike=%v type=%v", sigmaTrue, strike, optionType)
				assert.InDelta(t, sigmaTrue, iv, 1e-4)
			}
		}
	}
}

func TestImpliedVolITMPutBelowUndiscountedIntrinsic(t *testing.T) {
	g := newTestCalculator()
	spot, strike, tte, rate := 24500.0, 25500.0, 14.0/365, 0.065
	sigmaTrue := 0.05

	// With positive rates a low-vol ITM put fairly trades below max(K-S, 0).
	price := g.Price(spot, strike, tte, sigmaTrue, rate, models.OptionTypePE)
	require.Less(t, price, strike-spot)

	iv, err := g.ImpliedVol(price, spot, strike, tte, rate, models.OptionTypePE)
	require.NoError(t, err)
	assert.InDelta(t, sigmaTrue, iv, 1e-4)
}

func TestImpliedVolBelowIntrinsic(t *testing.T) {
	g := newTestCalculator()

	// Deep ITM call quoted below intrinsic: IV is undefined.
	iv, err := g.ImpliedVol(300, 25000, 24500, 7.0/365, 0.065, models.OptionTypeCE)
	assert.ErrorIs(t, err, ErrNoGreeks)
	assert.True(t, math.IsNaN(iv))
	assert.Equal(t, uint64(1), g.IVFailures())
}

func TestTimeToExpiryCached(t *testing.T) {
	g := newTestCalculator()
	loc, _ := time.LoadLocation("Asia/Kolkata")
	now := time.Date(2025, 11, 19, 11, 0, 0, 0, loc)
	expiry := time.Date(2025, 11, 27, 0, 0, 0, 0, loc)

	first := g.TimeToExpiry(now, expiry)
	second := g.TimeToExpiry(now.Add(10*time.Second), expiry)
	assert.Equal(t, first, second, "same minute must hit the cache")
	assert.Greater(t, first, 0.0)
}
