// Package service contains the service layer for the Ticker API
package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/quantbots/tickerapi/internal/models"
	"github.com/quantbots/tickerapi/pkg/utils/zaplogger"
)

// TickBatcher accumulates published messages in two independent batches,
// underlying bars (deduplicated to the latest per symbol) and option
// snapshots, and flushes either on the time window or on the size cap.
// A single flusher goroutine runs all flushes, so triggers that fire while
// a flush is mid-flight coalesce into the next one.
type TickBatcher struct {
	publisher     *RedisPublisher
	channelPrefix string
	window        time.Duration
	maxSize       int

	mu       sync.Mutex
	bars     map[string]models.UnderlyingBar
	barOrder []string
	options  []models.OptionSnapshot

	sizeTrigger chan struct{}
	started     bool
	cancel      context.CancelFunc
	done        chan struct{}

	flushes atomic.Uint64
}

// NewTickBatcher creates a batcher publishing under the given channel prefix
func NewTickBatcher(publisher *RedisPublisher, channelPrefix string, window time.Duration, maxSize int) *TickBatcher {
	if window <= 0 {
		window = 100 * time.Millisecond
	}
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &TickBatcher{
		publisher:     publisher,
		channelPrefix: channelPrefix,
		window:        window,
		maxSize:       maxSize,
		bars:          make(map[string]models.UnderlyingBar),
		sizeTrigger:   make(chan struct{}, 1),
	}
}

// AddUnderlying queues a bar; a newer bar for the same symbol replaces the
// queued one.
func (b *TickBatcher) AddUnderlying(bar models.UnderlyingBar) {
	b.mu.Lock()
	if _, exists := b.bars[bar.Symbol]; !exists {
		b.barOrder = append(b.barOrder, bar.Symbol)
	}
	b.bars[bar.Symbol] = bar
	full := len(b.bars)+len(b.options) >= b.maxSize
	b.mu.Unlock()

	if full {
		b.signalFlush()
	}
}

// AddOption queues an option snapshot
func (b *TickBatcher) AddOption(snap models.OptionSnapshot) {
	b.mu.Lock()
	b.options = append(b.options, snap)
	full := len(b.bars)+len(b.options) >= b.maxSize
	b.mu.Unlock()

	if full {
		b.signalFlush()
	}
}

func (b *TickBatcher) signalFlush() {
	select {
	case b.sizeTrigger <- struct{}{}:
	default:
	}
}

// Start launches the flusher as a monitored task. Calling Start twice is a
// no-op.
func (b *TickBatcher) Start(ctx context.Context, monitor *TaskMonitor) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	b.mu.Unlock()

	monitor.Spawn(ctx, "tick-batch-flusher", b.run, nil)
}

func (b *TickBatcher) run(ctx context.Context) error {
	defer close(b.done)
	ticker := time.NewTicker(b.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.Flush(context.Background())
			return ctx.Err()
		case <-ticker.C:
			b.Flush(ctx)
		case <-b.sizeTrigger:
			b.Flush(ctx)
			ticker.Reset(b.window)
		}
	}
}

// Stop flushes remainders synchronously, then returns
func (b *TickBatcher) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	cancel := b.cancel
	done := b.done
	b.mu.Unlock()

	cancel()
	<-done
}

// Flush drains both batches and publishes each message individually in
// arrival order. Safe to call concurrently; drains are serialized by the
// buffer swap.
func (b *TickBatcher) Flush(ctx context.Context) {
	b.mu.Lock()
	bars := b.bars
	barOrder := b.barOrder
	options := b.options
	b.bars = make(map[string]models.UnderlyingBar)
	b.barOrder = nil
	b.options = nil
	b.mu.Unlock()

	if len(bars) == 0 && len(options) == 0 {
		return
	}
	b.flushes.Add(1)

	for _, symbol := range barOrder {
		bar := bars[symbol]
		payload, err := json.Marshal(bar)
		if err != nil {
			zaplogger.Error("failed to marshal underlying bar", zaplogger.Fields{
				"symbol": symbol,
				"error":  err.Error(),
			})
			continue
		}
		b.publisher.Publish(ctx, b.channelPrefix+":underlying", payload)
	}

	for _, snap := range options {
		payload, err := json.Marshal(snap)
		if err != nil {
			zaplogger.Error("failed to marshal option snapshot", zaplogger.Fields{
				"instrument_token": snap.InstrumentToken,
				"error":            err.Error(),
			})
			continue
		}
		b.publisher.Publish(ctx, b.channelPrefix+":options", payload)
	}
}

// Depth returns the queued message counts for the health surface
func (b *TickBatcher) Depth() (underlying, options int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bars), len(b.options)
}

// Flushes returns the number of non-empty flushes so far
func (b *TickBatcher) Flushes() uint64 {
	return b.flushes.Load()
}
