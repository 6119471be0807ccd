package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quantbots/tickerapi/internal/config"
	"github.com/quantbots/tickerapi/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSubsSource is an in-memory subscription intent store
type fakeSubsSource struct {
	mu          sync.Mutex
	active      map[uint32]models.SubscriptionModel
	deactivated []uint32
}

func newFakeSubs(tokens ...uint32) *fakeSubsSource {
	f := &fakeSubsSource{active: make(map[uint32]models.SubscriptionModel)}
	for _, token := range tokens {
		f.active[token] = models.SubscriptionModel{
			InstrumentToken: token,
			RequestedMode:   models.ModeFull,
			Status:          models.SubscriptionActive,
		}
	}
	return f
}

func (f *fakeSubsSource) ListActive() ([]models.SubscriptionModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := make([]models.SubscriptionModel, 0, len(f.active))
	for _, sub := range f.active {
		subs = append(subs, sub)
	}
	return subs, nil
}

func (f *fakeSubsSource) DeactivateStale(ctx context.Context, tokens []uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, token := range tokens {
		delete(f.active, token)
		f.deactivated = append(f.deactivated, token)
	}
	return nil
}

func (f *fakeSubsSource) Reassign(ctx context.Context, token uint32, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.active[token]; ok {
		id := accountID
		sub.AssignedAccountID = &id
		f.active[token] = sub
	}
	return nil
}

func (f *fakeSubsSource) add(token uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[token] = models.SubscriptionModel{
		InstrumentToken: token,
		RequestedMode:   models.ModeFull,
		Status:          models.SubscriptionActive,
	}
}

func (f *fakeSubsSource) remove(token uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, token)
}

// tickerFixture wires a loop with fake connections and two healthy accounts
type tickerFixture struct {
	loop    *MultiAccountTickerLoop
	subs    *fakeSubsSource
	factory *fakeConnFactory
	bus     *fakeRedis
}

func newTickerFixture(t *testing.T, tokens ...uint32) *tickerFixture {
	return newTickerFixtureWithAccounts(t, []string{"AB1234"}, tokens...)
}

func newTickerFixtureWithAccounts(t *testing.T, accountIDs []string, tokens ...uint32) *tickerFixture {
	t.Helper()
	clock := istClockAt(11, 0, time.Monday)

	registry := NewInstrumentRegistry(nil, clock, "", 0)
	cache := make(map[uint32]models.InstrumentModel, len(tokens))
	for _, token := range tokens {
		cache[token] = models.InstrumentModel{
			InstrumentToken: token,
			Tradingsymbol:   "NIFTY 50",
			Name:            "NIFTY 50",
			Segment:         "INDICES",
			Exchange:        "NSE",
		}
	}
	registry.cache = cache
	registry.loadedAt = time.Now()
	registry.loadedDate = clock.MarketDate(clock.Now())

	subs := newFakeSubs(tokens...)

	creds := make([]config.AccountCredentials, len(accountIDs))
	for i, id := range accountIDs {
		creds[i] = config.AccountCredentials{UserID: id, Password: "x", TOTPSecret: "y"}
	}
	sessions := NewSessionOrchestrator(nil, creds, time.Second)
	sessions.mu.Lock()
	for _, id := range accountIDs {
		sessions.accounts[id].healthy = true
		sessions.accounts[id].enctoken = "token-" + id
	}
	sessions.mu.Unlock()

	batcher, bus := newTestBatcher(time.Hour, 10000)
	greeks := NewGreeksCalculator(0.065, clock)
	processor := NewTickProcessor(NewTickValidator(ValidationLenient), registry, greeks, batcher, clock, 2*time.Second)
	monitor := NewTaskMonitor(nil)

	factory := &fakeConnFactory{}
	loop := NewMultiAccountTickerLoop(subs, registry, sessions, processor, batcher, batcher.publisher, monitor, nil, clock, 3,
		10*time.Millisecond, 50*time.Millisecond, 10*time.Millisecond)
	loop.connFactoryFor = func(accountID, enctoken string) ConnFactory {
		return factory.factory()
	}

	return &tickerFixture{loop: loop, subs: subs, factory: factory, bus: bus}
}

func (fx *tickerFixture) wireCount() int {
	fx.factory.mu.Lock()
	defer fx.factory.mu.Unlock()
	total := 0
	for _, conn := range fx.factory.conns {
		total += len(conn.subscribed)
	}
	return total
}

// liveWireCount counts wire subscriptions on connections still open
func (fx *tickerFixture) liveWireCount() int {
	fx.factory.mu.Lock()
	defer fx.factory.mu.Unlock()
	total := 0
	for _, conn := range fx.factory.conns {
		conn.mu.Lock()
		if !conn.closed {
			total += len(conn.subscribed)
		}
		conn.mu.Unlock()
	}
	return total
}

func TestTickerLoopStartSubscribesPlan(t *testing.T) {
	fx := newTickerFixture(t, 1, 2, 3, 4, 5)

	require.NoError(t, fx.loop.Start(context.Background()))
	defer fx.loop.Stop()

	assert.Eventually(t, func() bool { return fx.wireCount() == 5 }, time.Second, 5*time.Millisecond)
	assert.True(t, fx.loop.Running())

	stats := fx.loop.Stats()
	assert.Equal(t, 5, stats.Assigned)
}

func TestTickerLoopStartTwiceFails(t *testing.T) {
	fx := newTickerFixture(t, 1)

	require.NoError(t, fx.loop.Start(context.Background()))
	defer fx.loop.Stop()

	assert.ErrorIs(t, fx.loop.Start(context.Background()), ErrTickerAlreadyRunning)
}

func TestTickerLoopStopWhenNotRunning(t *testing.T) {
	fx := newTickerFixture(t, 1)
	assert.ErrorIs(t, fx.loop.Stop(), ErrTickerNotRunning)
}

func TestTickerLoopReloadAppliesDiffWithoutRestart(t *testing.T) {
	fx := newTickerFixture(t, 1, 2, 3)

	require.NoError(t, fx.loop.Start(context.Background()))
	defer fx.loop.Stop()

	assert.Eventually(t, func() bool { return fx.wireCount() == 3 }, time.Second, 5*time.Millisecond)

	connsBefore := len(fx.factory.conns)

	// Token 3 leaves, token 9 joins. 9 must be in the registry.
	fx.loop.registry.mu.Lock()
	fx.loop.registry.cache[9] = models.InstrumentModel{
		InstrumentToken: 9,
		Tradingsymbol:   "NIFTY BANK",
		Name:            "NIFTY BANK",
		Segment:         "INDICES",
		Exchange:        "NSE",
	}
	fx.loop.registry.mu.Unlock()
	fx.subs.remove(3)
	fx.subs.add(9)

	require.NoError(t, fx.loop.Reload())

	fx.loop.mu.Lock()
	pool := fx.loop.pools["AB1234"]
	fx.loop.mu.Unlock()
	require.NotNil(t, pool)
	assert.Eventually(t, func() bool {
		return pool.Holds(9) && !pool.Holds(3)
	}, 2*time.Second, 10*time.Millisecond)

	fx.factory.mu.Lock()
	connsAfter := len(fx.factory.conns)
	fx.factory.mu.Unlock()
	assert.Equal(t, connsBefore, connsAfter, "reload must not rebuild connections")
}

func TestTickerLoopDrainsPoolOfUnhealthyAccount(t *testing.T) {
	fx := newTickerFixtureWithAccounts(t, []string{"AB1234", "CD5678"}, 1, 2)

	require.NoError(t, fx.loop.Start(context.Background()))
	defer fx.loop.Stop()

	assert.Eventually(t, func() bool { return fx.wireCount() == 2 }, time.Second, 5*time.Millisecond)

	fx.loop.mu.Lock()
	poolCount := len(fx.loop.pools)
	fx.loop.mu.Unlock()
	require.Equal(t, 2, poolCount)

	fx.loop.sessions.MarkUnhealthy("CD5678")
	require.NoError(t, fx.loop.Reload())

	// The unhealthy account's pool is torn down and its token moves to the
	// survivor. Every token stays on exactly one live connection.
	assert.Eventually(t, func() bool {
		fx.loop.mu.Lock()
		_, staleExists := fx.loop.pools["CD5678"]
		survivor := fx.loop.pools["AB1234"]
		fx.loop.mu.Unlock()
		return !staleExists && survivor != nil && survivor.DesiredCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool { return fx.liveWireCount() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestTickerLoopDeactivatesUnknownTokens(t *testing.T) {
	fx := newTickerFixture(t, 1, 2)
	fx.subs.add(777) // not in the registry

	require.NoError(t, fx.loop.Start(context.Background()))
	defer fx.loop.Stop()

	assert.Eventually(t, func() bool {
		fx.subs.mu.Lock()
		defer fx.subs.mu.Unlock()
		return len(fx.subs.deactivated) == 1 && fx.subs.deactivated[0] == 777
	}, time.Second, 5*time.Millisecond)
}

func TestTickerLoopReloadRequiresRunning(t *testing.T) {
	fx := newTickerFixture(t, 1)
	assert.ErrorIs(t, fx.loop.Reload(), ErrTickerNotRunning)
}

func TestTickerLoopTicksFlowToProcessor(t *testing.T) {
	fx := newTickerFixture(t, 1)

	require.NoError(t, fx.loop.Start(context.Background()))
	defer fx.loop.Stop()

	assert.Eventually(t, func() bool { return fx.wireCount() == 1 }, time.Second, 5*time.Millisecond)

	fx.loop.mu.Lock()
	out := fx.loop.outs["AB1234"]
	fx.loop.mu.Unlock()
	require.NotNil(t, out)

	out <- models.TickFrame{InstrumentToken: 1, LastPrice: 24500, Volume: 10, Timestamp: time.Now()}

	assert.Eventually(t, func() bool {
		return fx.loop.processor.Counters().Processed == 1
	}, time.Second, 5*time.Millisecond)

	fx.loop.batcher.Flush(context.Background())
	assert.Equal(t, 1, fx.bus.count())
}

func TestTickerLoopStopDrainsAndCloses(t *testing.T) {
	fx := newTickerFixture(t, 1, 2)

	require.NoError(t, fx.loop.Start(context.Background()))
	assert.Eventually(t, func() bool { return fx.wireCount() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, fx.loop.Stop())
	assert.False(t, fx.loop.Running())

	fx.factory.mu.Lock()
	defer fx.factory.mu.Unlock()
	for _, conn := range fx.factory.conns {
		assert.True(t, conn.closed)
	}
}
