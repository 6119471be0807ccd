// Package service contains the service layer for the Ticker API
package service

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/quantbots/tickerapi/pkg/utils/zaplogger"
	"golang.org/x/time/rate"
)

// SubscriptionReloader coalesces reload triggers. Any number of Trigger
// calls within a debounce window collapse into one reload; reload starts
// are additionally spaced by a minimum gap. At most one reload runs at a
// time. A failing reload is logged and the loop keeps going.
type SubscriptionReloader struct {
	reload      func(ctx context.Context) error
	debounce    time.Duration
	maxDebounce time.Duration
	limiter     *rate.Limiter

	pending chan struct{}
	sem     chan struct{}

	reloads  atomic.Uint64
	failures atomic.Uint64
}

// NewSubscriptionReloader creates a reloader around the given reload func
func NewSubscriptionReloader(reload func(ctx context.Context) error, debounce, maxDebounce, minGap time.Duration) *SubscriptionReloader {
	if debounce <= 0 {
		debounce = time.Second
	}
	if maxDebounce < debounce {
		maxDebounce = 5 * debounce
	}
	if minGap <= 0 {
		minGap = 5 * time.Second
	}
	return &SubscriptionReloader{
		reload:      reload,
		debounce:    debounce,
		maxDebounce: maxDebounce,
		limiter:     rate.NewLimiter(rate.Every(minGap), 1),
		pending:     make(chan struct{}, 1),
		sem:         make(chan struct{}, 1),
	}
}

// Trigger requests a reload. Never blocks.
func (r *SubscriptionReloader) Trigger() {
	select {
	case r.pending <- struct{}{}:
	default:
	}
}

// Run is the reloader loop; spawn it under the task monitor
func (r *SubscriptionReloader) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.pending:
		}

		if !r.debounceWait(ctx) {
			return ctx.Err()
		}

		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}

		r.sem <- struct{}{}
		err := r.reload(ctx)
		<-r.sem

		r.reloads.Add(1)
		if err != nil {
			r.failures.Add(1)
			zaplogger.Error("subscription reload failed", zaplogger.Fields{
				"error": err.Error(),
			})
		}
	}
}

// debounceWait absorbs further triggers, extending the quiet period up to
// the max debounce bound. Returns false on cancellation.
func (r *SubscriptionReloader) debounceWait(ctx context.Context) bool {
	deadline := time.Now().Add(r.maxDebounce)
	timer := time.NewTimer(r.debounce)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-r.pending:
			extend := r.debounce
			if remaining := time.Until(deadline); remaining < extend {
				extend = remaining
			}
			if extend <= 0 {
				return true
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(extend)
		case <-timer.C:
			return true
		}
	}
}

// Reloads returns how many reloads have run
func (r *SubscriptionReloader) Reloads() uint64 {
	return r.reloads.Load()
}

// Failures returns how many reloads returned an error
func (r *SubscriptionReloader) Failures() uint64 {
	return r.failures.Load()
}
