// Package service contains the service layer for the Ticker API
package service

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantbots/tickerapi/internal/models"
	"gonum.org/v1/gonum/stat/distuv"
)

// IV solver bounds and tolerances.
const (
	ivInitialGuess   = 0.3
	ivLowerBound     = 0.001
	ivUpperBound     = 5.0
	ivMaxIterations  = 100
	ivPriceTolerance = 1e-6
)

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// GreeksCalculator prices European options under Black–Scholes with
// continuous compounding and solves implied volatility via Newton–Raphson
// with a bisection bracket. Pure CPU work; no method suspends.
type GreeksCalculator struct {
	riskFreeRate float64
	clock        *MarketClock

	// time-to-expiry cache, keyed per (expiry, current minute)
	tteMu    sync.Mutex
	tteCache map[string]float64

	ivFailures atomic.Uint64
}

// NewGreeksCalculator creates a calculator with the configured risk-free rate
func NewGreeksCalculator(riskFreeRate float64, clock *MarketClock) *GreeksCalculator {
	return &GreeksCalculator{
		riskFreeRate: riskFreeRate,
		clock:        clock,
		tteCache:     make(map[string]float64),
	}
}

// RiskFreeRate returns the configured continuously-compounded rate
func (g *GreeksCalculator) RiskFreeRate() float64 {
	return g.riskFreeRate
}

// intrinsic returns the exercise value of the option
func intrinsic(spot, strike float64, optionType models.OptionType) float64 {
	if optionType == models.OptionTypeCE {
		return math.Max(spot-strike, 0)
	}
	return math.Max(strike-spot, 0)
}

// Price returns the Black–Scholes price. T <= 0 or sigma <= 0 degrade to
// intrinsic value.
func (g *GreeksCalculator) Price(spot, strike, tte, sigma, rate float64, optionType models.OptionType) float64 {
	if tte <= 0 || sigma <= 0 {
		return intrinsic(spot, strike, optionType)
	}

	sqrtT := math.Sqrt(tte)
	d1 := (math.Log(spot/strike) + (rate+sigma*sigma/2)*tte) / (sigma * sqrtT)
	d2 := d1 - sigma*sqrtT
	discount := math.Exp(-rate * tte)

	if optionType == models.OptionTypeCE {
		return spot*stdNormal.CDF(d1) - strike*discount*stdNormal.CDF(d2)
	}
	return strike*discount*stdNormal.CDF(-d2) - spot*stdNormal.CDF(-d1)
}

// Greeks returns delta, gamma, theta (per day), vega (per 1% vol) and rho
// (per 1% rate). Degenerate inputs produce the documented edge values.
func (g *GreeksCalculator) Greeks(spot, strike, tte, sigma, rate float64, optionType models.OptionType) models.OptionGreeks {
	if tte <= 0 {
		return models.OptionGreeks{IV: sigma}
	}
	if sigma <= 0 {
		greeks := models.OptionGreeks{}
		if optionType == models.OptionTypeCE && spot > strike {
			greeks.Delta = 1
		}
		if optionType == models.OptionTypePE && spot < strike {
			greeks.Delta = -1
		}
		return greeks
	}

	sqrtT := math.Sqrt(tte)
	d1 := (math.Log(spot/strike) + (rate+sigma*sigma/2)*tte) / (sigma * sqrtT)
	d2 := d1 - sigma*sqrtT
	discount := math.Exp(-rate * tte)
	pdfD1 := stdNormal.Prob(d1)

	greeks := models.OptionGreeks{
		IV:    sigma,
		Gamma: pdfD1 / (spot * sigma * sqrtT),
		Vega:  spot * pdfD1 * sqrtT / 100,
	}

	if optionType == models.OptionTypeCE {
		greeks.Delta = stdNormal.CDF(d1)
		greeks.Theta = (-spot*pdfD1*sigma/(2*sqrtT) - rate*strike*discount*stdNormal.CDF(d2)) / 365
		greeks.Rho = strike * tte * discount * stdNormal.CDF(d2) / 100
	} else {
		greeks.Delta = stdNormal.CDF(d1) - 1
		greeks.Theta = (-spot*pdfD1*sigma/(2*sqrtT) + rate*strike*discount*stdNormal.CDF(-d2)) / 365
		greeks.Rho = -strike * tte * discount * stdNormal.CDF(-d2) / 100
	}

	return greeks
}

// ImpliedVol solves for the volatility matching the observed price.
// Newton–Raphson from a fixed initial guess, bracketed to
// [ivLowerBound, ivUpperBound], at most ivMaxIterations iterations,
// convergence on price within ivPriceTolerance. Prices below the discounted
// intrinsic bound and non-convergence return ErrNoGreeks; the caller emits
// the tick without greeks and moves on.
func (g *GreeksCalculator) ImpliedVol(observed, spot, strike, tte, rate float64, optionType models.OptionType) (float64, error) {
	if tte <= 0 || observed <= 0 || spot <= 0 || strike <= 0 {
		g.ivFailures.Add(1)
		return math.NaN(), ErrNoGreeks
	}

	// The no-arbitrage floor for a European option discounts the strike:
	// an ITM put fairly trades below max(K-S, 0) when rates are positive.
	floor := math.Max(spot-strike*math.Exp(-rate*tte), 0)
	if optionType == models.OptionTypePE {
		floor = math.Max(strike*math.Exp(-rate*tte)-spot, 0)
	}
	if observed < floor-ivPriceTolerance {
		g.ivFailures.Add(1)
		return math.NaN(), ErrNoGreeks
	}

	sigma := ivInitialGuess
	lo, hi := ivLowerBound, ivUpperBound
	sqrtT := math.Sqrt(tte)

	for i := 0; i < ivMaxIterations; i++ {
		price := g.Price(spot, strike, tte, sigma, rate, optionType)
		diff := price - observed
		if math.Abs(diff) < ivPriceTolerance {
			return sigma, nil
		}

		// Maintain the bisection bracket: price is monotone in sigma.
		if diff > 0 {
			hi = sigma
		} else {
			lo = sigma
		}

		d1 := (math.Log(spot/strike) + (rate+sigma*sigma/2)*tte) / (sigma * sqrtT)
		vega := spot * stdNormal.Prob(d1) * sqrtT

		next := sigma
		if vega > 1e-10 {
			next = sigma - diff/vega
		}
		if next <= lo || next >= hi || math.IsNaN(next) {
			next = (lo + hi) / 2
		}
		sigma = next
	}

	g.ivFailures.Add(1)
	return math.NaN(), ErrNoGreeks
}

// TimeToExpiry returns market-minute-integrated years to expiry, cached per
// (expiry, current minute).
func (g *GreeksCalculator) TimeToExpiry(now, expiry time.Time) float64 {
	key := fmt.Sprintf("%s|%d", expiry.Format("2006-01-02"), now.Unix()/60)

	g.tteMu.Lock()
	defer g.tteMu.Unlock()

	if tte, ok := g.tteCache[key]; ok {
		return tte
	}

	tte := g.clock.YearsToExpiry(now, expiry)
	if len(g.tteCache) > 4096 {
		g.tteCache = make(map[string]float64)
	}
	g.tteCache[key] = tte
	return tte
}

// IVFailures returns the count of IV computations that were abandoned
func (g *GreeksCalculator) IVFailures() uint64 {
	return g.ivFailures.Load()
}
