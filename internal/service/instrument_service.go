// Package service contains the service layer for the Ticker API
package service

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/quantbots/tickerapi/internal/models"
	"github.com/quantbots/tickerapi/internal/repository"
	"github.com/quantbots/tickerapi/pkg/utils/zaplogger"
	"gorm.io/gorm"
)

const instrumentInsertBatchSize = 500

// InstrumentRegistry caches broker instrument metadata keyed by token. The
// cache refreshes from the database on the first access after an IST day
// boundary, when older than the staleness interval, or on an explicit admin
// call. Refreshes are single-flight: concurrent callers await the in-flight
// one instead of stampeding.
type InstrumentRegistry struct {
	repo       *repository.InstrumentRepository
	clock      *MarketClock
	dumpURL    string
	staleAfter time.Duration
	httpClient *http.Client

	mu         sync.Mutex
	cache      map[uint32]models.InstrumentModel
	loadedAt   time.Time
	loadedDate time.Time
	inflight   chan struct{}
	lastErr    error
}

// NewInstrumentRegistry creates a registry over the instruments table
func NewInstrumentRegistry(db *gorm.DB, clock *MarketClock, dumpURL string, staleAfter time.Duration) *InstrumentRegistry {
	if dumpURL == "" {
		dumpURL = "https://api.kite.trade/instruments"
	}
	if staleAfter <= 0 {
		staleAfter = 24 * time.Hour
	}
	return &InstrumentRegistry{
		repo:       repository.NewInstrumentRepository(db),
		clock:      clock,
		dumpURL:    dumpURL,
		staleAfter: staleAfter,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		cache:      make(map[uint32]models.InstrumentModel),
	}
}

// UpdateFromBroker downloads the broker instrument dump, replaces the table
// and reloads the cache. This is the daily refresh job and the admin call.
func (r *InstrumentRegistry) UpdateFromBroker(ctx context.Context) (int64, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.dumpURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build instruments request: %v", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch instruments: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("instruments dump returned status %d", resp.StatusCode)
	}

	reader := csv.NewReader(resp.Body)
	records, err := reader.ReadAll()
	if err != nil {
		return 0, fmt.Errorf("failed to parse CSV: %v", err)
	}
	if len(records) < 2 {
		return 0, fmt.Errorf("instruments dump is empty")
	}
	records = records[1:] // Skip header row

	if err := r.repo.TruncateInstruments(); err != nil {
		return 0, fmt.Errorf("failed to truncate table: %v", err)
	}

	var totalInserted int64
	for i := 0; i < len(records); i += instrumentInsertBatchSize {
		end := i + instrumentInsertBatchSize
		if end > len(records) {
			end = len(records)
		}
		inserted, err := r.repo.InsertInstruments(records[i:end])
		if err != nil {
			return totalInserted, fmt.Errorf("failed to insert batch starting at index %d: %v", i, err)
		}
		totalInserted += int64(inserted)
	}

	zaplogger.Info("Instruments updated", zaplogger.Fields{
		"totalInserted": totalInserted,
		"duration":      time.Since(start).String(),
	})

	if err := r.reloadCache(); err != nil {
		return totalInserted, err
	}
	return totalInserted, nil
}

// staleLocked reports whether the cache needs a reload. Caller holds mu.
func (r *InstrumentRegistry) staleLocked() bool {
	if r.loadedAt.IsZero() {
		return true
	}
	if time.Since(r.loadedAt) >= r.staleAfter {
		return true
	}
	today := r.clock.MarketDate(r.clock.Now())
	return !r.loadedDate.Equal(today)
}

// EnsureFresh reloads the cache from the database if it is stale. Concurrent
// callers coalesce onto a single reload.
func (r *InstrumentRegistry) EnsureFresh(ctx context.Context) error {
	r.mu.Lock()
	if !r.staleLocked() {
		r.mu.Unlock()
		return nil
	}
	if r.inflight != nil {
		wait := r.inflight
		r.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		r.mu.Lock()
		err := r.lastErr
		r.mu.Unlock()
		return err
	}
	done := make(chan struct{})
	r.inflight = done
	r.mu.Unlock()

	err := r.reloadCache()

	r.mu.Lock()
	r.inflight = nil
	r.lastErr = err
	r.mu.Unlock()
	close(done)
	return err
}

// reloadCache replaces the in-memory index from the instruments table
func (r *InstrumentRegistry) reloadCache() error {
	instruments, err := r.repo.GetAllInstruments()
	if err != nil {
		return fmt.Errorf("failed to load instruments: %v", err)
	}

	cache := make(map[uint32]models.InstrumentModel, len(instruments))
	for _, inst := range instruments {
		cache[inst.InstrumentToken] = inst
	}

	now := r.clock.Now()
	r.mu.Lock()
	r.cache = cache
	r.loadedAt = now
	r.loadedDate = r.clock.MarketDate(now)
	r.mu.Unlock()

	zaplogger.Info("Instrument cache reloaded", zaplogger.Fields{
		"instruments": len(cache),
	})
	return nil
}

// Lookup returns the cached instrument for a token
func (r *InstrumentRegistry) Lookup(token uint32) (models.InstrumentModel, bool) {
	r.mu.Lock()
	inst, ok := r.cache[token]
	r.mu.Unlock()
	return inst, ok
}

// ResolveTokens partitions tokens into resolved instruments and unknown
// tokens. Unknown tokens on a fresh cache mean the instrument was
// deregistered by the broker.
func (r *InstrumentRegistry) ResolveTokens(ctx context.Context, tokens []uint32) (map[uint32]models.InstrumentModel, []uint32, error) {
	if err := r.EnsureFresh(ctx); err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	resolved := make(map[uint32]models.InstrumentModel, len(tokens))
	var missing []uint32
	for _, token := range tokens {
		if inst, ok := r.cache[token]; ok {
			resolved[token] = inst
		} else {
			missing = append(missing, token)
		}
	}
	return resolved, missing, nil
}

// Count returns the cached instrument count
func (r *InstrumentRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

// LoadedAt returns when the cache was last reloaded
func (r *InstrumentRegistry) LoadedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadedAt
}

// Query runs a filtered instrument search at the storage layer
func (r *InstrumentRegistry) Query(exchange, tradingsymbol, expiry, strike, segment string) ([]models.InstrumentModel, error) {
	return r.repo.QueryInstruments(exchange, tradingsymbol, expiry, strike, segment)
}

// RecordCount returns the instrument row count in the database
func (r *InstrumentRegistry) RecordCount() (int64, error) {
	return r.repo.GetInstrumentsRecordCount()
}
