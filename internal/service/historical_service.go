// Package service contains the service layer for the Ticker API
package service

import (
	"context"
	"sync"
	"time"

	"github.com/quantbots/tickerapi/internal/models"
	"github.com/quantbots/tickerapi/internal/repository"
	"github.com/quantbots/tickerapi/pkg/utils/zaplogger"
	"gorm.io/gorm"
)

// CandleSource fetches historical candles from the broker HTTP API. The
// enctoken comes from the account lease the fetch runs under.
type CandleSource interface {
	FetchCandles(ctx context.Context, enctoken string, token uint32, interval string, from, to time.Time) ([]models.CandleModel, error)
}

// HistoricalBootstrapper backfills recent candles for an account's assigned
// instruments on its first session of the process lifetime. Backfill is
// best-effort: per-instrument failures are logged and skipped.
type HistoricalBootstrapper struct {
	repo         *repository.CandleRepository
	source       CandleSource
	sessions     *SessionOrchestrator
	clock        *MarketClock
	backfillDays int
	batchSize    int
	interval     string

	mu   sync.Mutex
	done map[string]bool
}

// NewHistoricalBootstrapper creates the bootstrapper
func NewHistoricalBootstrapper(db *gorm.DB, source CandleSource, sessions *SessionOrchestrator, clock *MarketClock, backfillDays, batchSize int) *HistoricalBootstrapper {
	if backfillDays <= 0 {
		backfillDays = 5
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &HistoricalBootstrapper{
		repo:         repository.NewCandleRepository(db),
		source:       source,
		sessions:     sessions,
		clock:        clock,
		backfillDays: backfillDays,
		batchSize:    batchSize,
		interval:     "minute",
		done:         make(map[string]bool),
	}
}

// Bootstrap backfills candles for the account's tokens once per process
// lifetime. Subsequent calls for the same account return immediately.
func (h *HistoricalBootstrapper) Bootstrap(ctx context.Context, accountID string, tokens []uint32) error {
	h.mu.Lock()
	if h.done[accountID] {
		h.mu.Unlock()
		return nil
	}
	h.done[accountID] = true
	h.mu.Unlock()

	if h.source == nil || len(tokens) == 0 {
		return nil
	}

	lease, err := h.sessions.Lease(ctx, accountID)
	if err != nil {
		h.Reset(accountID)
		return err
	}
	defer lease.Release()

	to := h.clock.Now()
	from := h.marketDaysBack(to, h.backfillDays)

	var fetched, failed int
	for start := 0; start < len(tokens); start += h.batchSize {
		end := start + h.batchSize
		if end > len(tokens) {
			end = len(tokens)
		}
		for _, token := range tokens[start:end] {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			candles, err := h.source.FetchCandles(ctx, lease.Enctoken, token, h.interval, from, to)
			if err != nil {
				failed++
				zaplogger.Debug("candle backfill failed for instrument", zaplogger.Fields{
					"account_id":       accountID,
					"instrument_token": token,
					"error":            err.Error(),
				})
				continue
			}
			if _, err := h.repo.UpsertCandles(candles); err != nil {
				failed++
				continue
			}
			fetched += len(candles)
		}
	}

	zaplogger.Info("historical backfill finished", zaplogger.Fields{
		"account_id":  accountID,
		"instruments": len(tokens),
		"candles":     fetched,
		"failures":    failed,
		"from":        from.Format("2006-01-02"),
	})
	return nil
}

// marketDaysBack walks back n weekday sessions from t
func (h *HistoricalBootstrapper) marketDaysBack(t time.Time, n int) time.Time {
	day := h.clock.MarketDate(t)
	for n > 0 {
		day = day.AddDate(0, 0, -1)
		switch day.Weekday() {
		case time.Saturday, time.Sunday:
			continue
		}
		n--
	}
	return day
}

// Done reports whether the account has been bootstrapped this process
func (h *HistoricalBootstrapper) Done(accountID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done[accountID]
}

// Reset clears the bootstrap flag for an account. Administrative action.
func (h *HistoricalBootstrapper) Reset(accountID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.done, accountID)
}
