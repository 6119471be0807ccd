// Package service contains the service layer for the Ticker API
package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quantbots/tickerapi/internal/models"
	"github.com/quantbots/tickerapi/pkg/utils/zaplogger"
)

const (
	tickChannelCapacity = 100000
	tickDrainBatch      = 500
)

// subscriptionSource is what the loop needs from the subscription service
type subscriptionSource interface {
	ListActive() ([]models.SubscriptionModel, error)
	DeactivateStale(ctx context.Context, tokens []uint32) error
	Reassign(ctx context.Context, token uint32, accountID string) error
}

// accountPlan is the per-account token assignment for one reconcile pass
type accountPlan map[string]map[uint32]models.SubscriptionMode

// TickerStats is the loop's health snapshot
type TickerStats struct {
	Running      bool                   `json:"running"`
	Accounts     map[string][]ConnStats `json:"accounts"`
	Assigned     int                    `json:"assigned"`
	Processor    ProcessorCounters      `json:"processor"`
	Publisher    PublisherStats         `json:"publisher"`
	BatchFlushes uint64                 `json:"batch_flushes"`
}

// MultiAccountTickerLoop reconciles persistent subscription intent against
// live broker sessions. Start builds the assignment plan and opens pooled
// connections per account; reloads diff the plan against the live pools and
// apply subscribe/unsubscribe deltas without restarting the streams.
type MultiAccountTickerLoop struct {
	subs         subscriptionSource
	registry     *InstrumentRegistry
	sessions     *SessionOrchestrator
	processor    *TickProcessor
	batcher      *TickBatcher
	publisher    *RedisPublisher
	monitor      *TaskMonitor
	bootstrapper *HistoricalBootstrapper
	clock        *MarketClock
	maxPerConn   int

	// connFactoryFor builds the physical connection factory for an account.
	// Swappable in tests.
	connFactoryFor func(accountID, enctoken string) ConnFactory

	reloader *SubscriptionReloader

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	pools   map[string]*BrokerConnectionPool
	outs    map[string]chan models.TickFrame
}

// NewMultiAccountTickerLoop wires the coordinator
func NewMultiAccountTickerLoop(
	subs subscriptionSource,
	registry *InstrumentRegistry,
	sessions *SessionOrchestrator,
	processor *TickProcessor,
	batcher *TickBatcher,
	publisher *RedisPublisher,
	monitor *TaskMonitor,
	bootstrapper *HistoricalBootstrapper,
	clock *MarketClock,
	maxPerConn int,
	debounce, maxDebounce, minGap time.Duration,
) *MultiAccountTickerLoop {
	loop := &MultiAccountTickerLoop{
		subs:         subs,
		registry:     registry,
		sessions:     sessions,
		processor:    processor,
		batcher:      batcher,
		publisher:    publisher,
		monitor:      monitor,
		bootstrapper: bootstrapper,
		clock:        clock,
		maxPerConn:   maxPerConn,
		pools:        make(map[string]*BrokerConnectionPool),
		outs:         make(map[string]chan models.TickFrame),
	}
	loop.connFactoryFor = func(accountID, enctoken string) ConnFactory {
		return NewKiteConnFactory(accountID, enctoken)
	}
	loop.reloader = NewSubscriptionReloader(loop.reconcile, debounce, maxDebounce, minGap)
	return loop
}

// plan loads active intent, filters it against the registry and assigns
// tokens to healthy accounts. Stored assignments stick while the account is
// healthy; everything else is round-robined.
func (l *MultiAccountTickerLoop) plan(ctx context.Context) (accountPlan, error) {
	subs, err := l.subs.ListActive()
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return accountPlan{}, nil
	}

	tokens := make([]uint32, len(subs))
	byToken := make(map[uint32]models.SubscriptionModel, len(subs))
	for i, sub := range subs {
		tokens[i] = sub.InstrumentToken
		byToken[sub.InstrumentToken] = sub
	}

	resolved, missing, err := l.registry.ResolveTokens(ctx, tokens)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		if err := l.subs.DeactivateStale(ctx, missing); err != nil {
			zaplogger.Error("failed to deactivate stale subscriptions", zaplogger.Fields{
				"error": err.Error(),
			})
		}
	}

	accounts := l.sessions.HealthyAccounts()
	if len(accounts) == 0 {
		return nil, fmt.Errorf("no healthy broker accounts available")
	}
	healthy := make(map[string]bool, len(accounts))
	for _, id := range accounts {
		healthy[id] = true
	}

	marketDate := l.clock.MarketDate(l.clock.Now())

	live := make([]uint32, 0, len(resolved))
	for token, inst := range resolved {
		if inst.IsExpiredOn(marketDate) {
			continue
		}
		live = append(live, token)
	}
	sort.Slice(live, func(i, j int) bool { return live[i] < live[j] })

	plan := make(accountPlan, len(accounts))
	for _, id := range accounts {
		plan[id] = make(map[uint32]models.SubscriptionMode)
	}

	next := 0
	for _, token := range live {
		sub := byToken[token]
		accountID := ""
		if sub.AssignedAccountID != nil && healthy[*sub.AssignedAccountID] {
			accountID = *sub.AssignedAccountID
		} else {
			accountID = accounts[next%len(accounts)]
			next++
			if err := l.subs.Reassign(ctx, token, accountID); err != nil {
				zaplogger.Error("failed to record token assignment", zaplogger.Fields{
					"instrument_token": token,
					"account_id":       accountID,
					"error":            err.Error(),
				})
			}
		}
		plan[accountID][token] = sub.RequestedMode
	}
	return plan, nil
}

// Start brings the loop up. Idempotent in the error sense: a second Start
// while running returns ErrTickerAlreadyRunning.
func (l *MultiAccountTickerLoop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrTickerAlreadyRunning
	}
	l.running = true
	ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()

	plan, err := l.plan(ctx)
	if err != nil {
		l.shutdown()
		return err
	}

	l.batcher.Start(ctx, l.monitor)

	for accountID, tokens := range plan {
		if len(tokens) == 0 {
			continue
		}
		if err := l.startAccount(ctx, accountID, tokens); err != nil {
			zaplogger.Error("failed to start account stream", zaplogger.Fields{
				"account_id": accountID,
				"error":      err.Error(),
			})
			l.sessions.MarkUnhealthy(accountID)
		}
	}

	l.monitor.Spawn(ctx, "subscription-reloader", l.reloader.Run, nil)

	zaplogger.Info("ticker loop started", zaplogger.Fields{
		"accounts": len(plan),
	})
	return nil
}

// startAccount opens the pool, backfills and launches the streaming task
func (l *MultiAccountTickerLoop) startAccount(ctx context.Context, accountID string, tokens map[uint32]models.SubscriptionMode) error {
	enctoken, err := l.sessions.Enctoken(accountID)
	if err != nil {
		return err
	}

	out := make(chan models.TickFrame, tickChannelCapacity)
	pool := NewBrokerConnectionPool(accountID, l.connFactoryFor(accountID, enctoken), l.maxPerConn, out)

	l.mu.Lock()
	l.pools[accountID] = pool
	l.outs[accountID] = out
	l.mu.Unlock()

	tokenList := make([]uint32, 0, len(tokens))
	for token := range tokens {
		tokenList = append(tokenList, token)
	}

	l.monitor.Spawn(ctx, "stream-"+accountID, func(ctx context.Context) error {
		if l.bootstrapper != nil {
			if err := l.bootstrapper.Bootstrap(ctx, accountID, tokenList); err != nil {
				zaplogger.Warn("historical bootstrap incomplete", zaplogger.Fields{
					"account_id": accountID,
					"error":      err.Error(),
				})
			}
		}

		for mode, modeTokens := range groupByMode(tokens) {
			if err := pool.Subscribe(modeTokens, mode); err != nil {
				return err
			}
		}

		return l.stream(ctx, accountID, out)
	}, nil)

	return nil
}

// stream drains the account's tick channel in batches into the processor
func (l *MultiAccountTickerLoop) stream(ctx context.Context, accountID string, out <-chan models.TickFrame) error {
	batch := make([]models.TickFrame, 0, tickDrainBatch)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-out:
			batch = append(batch[:0], frame)
			// Drain whatever else is queued, bounded per pass.
		drain:
			for len(batch) < tickDrainBatch {
				select {
				case next := <-out:
					batch = append(batch, next)
				default:
					break drain
				}
			}
			l.processor.ProcessBatch(accountID, batch)
		}
	}
}

func groupByMode(tokens map[uint32]models.SubscriptionMode) map[models.SubscriptionMode][]uint32 {
	grouped := make(map[models.SubscriptionMode][]uint32)
	for token, mode := range tokens {
		grouped[mode] = append(grouped[mode], token)
	}
	return grouped
}

// Reload asks for a reconcile; coalesced and debounced by the reloader
func (l *MultiAccountTickerLoop) Reload() error {
	l.mu.Lock()
	running := l.running
	l.mu.Unlock()
	if !running {
		return ErrTickerNotRunning
	}
	l.reloader.Trigger()
	return nil
}

// reconcile recomputes the plan and applies per-account subscribe and
// unsubscribe deltas to the live pools. Streams are never restarted.
func (l *MultiAccountTickerLoop) reconcile(ctx context.Context) error {
	plan, err := l.plan(ctx)
	if err != nil {
		return err
	}

	for accountID, tokens := range plan {
		l.mu.Lock()
		pool := l.pools[accountID]
		l.mu.Unlock()

		if pool == nil {
			if len(tokens) == 0 {
				continue
			}
			if err := l.startAccount(ctx, accountID, tokens); err != nil {
				zaplogger.Error("failed to start account during reload", zaplogger.Fields{
					"account_id": accountID,
					"error":      err.Error(),
				})
			}
			continue
		}

		toAdd := make(map[models.SubscriptionMode][]uint32)
		for token, mode := range tokens {
			if !pool.Holds(token) {
				toAdd[mode] = append(toAdd[mode], token)
			}
		}

		var toRemove []uint32
		for _, token := range pool.DesiredTokens() {
			if _, wanted := tokens[token]; !wanted {
				toRemove = append(toRemove, token)
			}
		}

		// Removals first, so a swap at connection capacity reuses the
		// freed slot instead of opening a new connection.
		if len(toRemove) > 0 {
			if err := pool.Unsubscribe(toRemove); err != nil {
				zaplogger.Error("reload unsubscribe failed", zaplogger.Fields{
					"account_id": accountID,
					"tokens":     len(toRemove),
					"error":      err.Error(),
				})
			}
		}
		for mode, add := range toAdd {
			if err := pool.Subscribe(add, mode); err != nil {
				zaplogger.Error("reload subscribe failed", zaplogger.Fields{
					"account_id": accountID,
					"tokens":     len(add),
					"error":      err.Error(),
				})
			}
		}

		if len(toAdd) > 0 || len(toRemove) > 0 {
			zaplogger.Info("reconciled account subscriptions", zaplogger.Fields{
				"account_id": accountID,
				"added":      len(toAdd),
				"removed":    len(toRemove),
			})
		}
	}

	// Pools for accounts the plan no longer names, typically because the
	// account turned unhealthy, are torn down so their tokens are not
	// delivered twice once they come up on another account.
	l.mu.Lock()
	stale := make(map[string]*BrokerConnectionPool)
	for accountID, pool := range l.pools {
		if _, ok := plan[accountID]; !ok {
			stale[accountID] = pool
			delete(l.pools, accountID)
			delete(l.outs, accountID)
		}
	}
	l.mu.Unlock()

	for accountID, pool := range stale {
		pool.Close()
		zaplogger.Info("closed pool for unassigned account", zaplogger.Fields{
			"account_id": accountID,
		})
	}
	return nil
}

// Stop tears the loop down: streams cancelled, batcher drained, pools closed
func (l *MultiAccountTickerLoop) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return ErrTickerNotRunning
	}
	l.mu.Unlock()

	l.shutdown()
	zaplogger.Info("ticker loop stopped")
	return nil
}

func (l *MultiAccountTickerLoop) shutdown() {
	l.mu.Lock()
	cancel := l.cancel
	pools := l.pools
	l.pools = make(map[string]*BrokerConnectionPool)
	l.outs = make(map[string]chan models.TickFrame)
	l.running = false
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, pool := range pools {
		pool.Close()
	}
	l.batcher.Stop()
}

// Running reports whether the loop is up
func (l *MultiAccountTickerLoop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Stats returns the loop's health snapshot
func (l *MultiAccountTickerLoop) Stats() TickerStats {
	l.mu.Lock()
	running := l.running
	accounts := make(map[string][]ConnStats, len(l.pools))
	assigned := 0
	for id, pool := range l.pools {
		accounts[id] = pool.Stats()
		assigned += pool.DesiredCount()
	}
	l.mu.Unlock()

	return TickerStats{
		Running:      running,
		Accounts:     accounts,
		Assigned:     assigned,
		Processor:    l.processor.Counters(),
		Publisher:    l.publisher.Stats(),
		BatchFlushes: l.batcher.Flushes(),
	}
}
