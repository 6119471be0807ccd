package service

import (
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/quantbots/tickerapi/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	niftyIndexToken  = uint32(256265)
	niftyCallToken   = uint32(11536642)
	expiredCallToken = uint32(11536650)
)

func newTestProcessor(t *testing.T) (*TickProcessor, *TickBatcher, *fakeRedis) {
	t.Helper()
	clock := istClockAt(11, 0, time.Monday) // 2025-11-24 11:00 IST

	registry := NewInstrumentRegistry(nil, clock, "", 0)
	registry.cache = map[uint32]models.InstrumentModel{
		niftyIndexToken: {
			InstrumentToken: niftyIndexToken,
			Tradingsymbol:   "NIFTY 50",
			Name:            "NIFTY 50",
			Segment:         "INDICES",
			Exchange:        "NSE",
		},
		niftyCallToken: {
			InstrumentToken: niftyCallToken,
			Tradingsymbol:   "NIFTY25NOV24000CE",
			Name:            "NIFTY",
			Expiry:          "2025-11-27",
			Strike:          24000,
			TickSize:        0.05,
			InstrumentType:  "CE",
			Segment:         "NFO-OPT",
			Exchange:        "NFO",
		},
		expiredCallToken: {
			InstrumentToken: expiredCallToken,
			Tradingsymbol:   "NIFTY25NOV20000CE",
			Name:            "NIFTY",
			Expiry:          "2025-11-20",
			Strike:          20000,
			TickSize:        0.05,
			InstrumentType:  "CE",
			Segment:         "NFO-OPT",
			Exchange:        "NFO",
		},
	}

	batcher, bus := newTestBatcher(time.Hour, 10000)
	greeks := NewGreeksCalculator(0.065, clock)
	p := NewTickProcessor(NewTickValidator(ValidationLenient), registry, greeks, batcher, clock, 2*time.Second)
	return p, batcher, bus
}

func frame(token uint32, price float64) models.TickFrame {
	return models.TickFrame{
		InstrumentToken: token,
		LastPrice:       price,
		Volume:          100,
		Timestamp:       time.Now(),
	}
}

func TestProcessorEmitsNormalizedUnderlyingBar(t *testing.T) {
	p, batcher, bus := newTestProcessor(t)

	p.ProcessBatch("AB1234", []models.TickFrame{frame(niftyIndexToken, 24510.5)})
	batcher.Flush(context.Background())

	records := bus.onChannel(":underlying")
	require.Len(t, records, 1)

	var bar models.UnderlyingBar
	require.NoError(t, json.Unmarshal([]byte(records[0].payload), &bar))
	assert.Equal(t, "NIFTY", bar.Symbol, "exchange-decorated index name must normalize")
	assert.Equal(t, 24510.5, bar.LastPrice)

	spot, fresh := p.Spot("NIFTY")
	assert.True(t, fresh)
	assert.Equal(t, 24510.5, spot)
}

func TestProcessorEnrichesOptionWithGreeks(t *testing.T) {
	p, batcher, bus := newTestProcessor(t)

	p.ProcessBatch("AB1234", []models.TickFrame{
		frame(niftyIndexToken, 24500),
		frame(niftyCallToken, 560),
	})
	batcher.Flush(context.Background())

	records := bus.onChannel(":options")
	require.Len(t, records, 1)

	var snap models.OptionSnapshot
	require.NoError(t, json.Unmarshal([]byte(records[0].payload), &snap))
	require.NotNil(t, snap.Greeks, "fresh spot must yield Greeks")
	assert.Greater(t, snap.Greeks.IV, 0.0)
	assert.Greater(t, snap.Greeks.Delta, 0.5, "deep ITM call delta")
	assert.Equal(t, 24500.0, snap.Spot)
	assert.Equal(t, "NIFTY", snap.UnderlyingSymbol)
}

func TestProcessorEmitsOptionWithoutGreeksWhenSpotMissing(t *testing.T) {
	p, batcher, bus := newTestProcessor(t)

	p.ProcessBatch("AB1234", []models.TickFrame{frame(niftyCallToken, 560)})
	batcher.Flush(context.Background())

	records := bus.onChannel(":options")
	require.Len(t, records, 1)

	var snap models.OptionSnapshot
	require.NoError(t, json.Unmarshal([]byte(records[0].payload), &snap))
	assert.Nil(t, snap.Greeks)
	assert.Equal(t, uint64(1), p.Counters().NoGreeks)
}

func TestProcessorOmitsGreeksOnBelowIntrinsicPrice(t *testing.T) {
	p, batcher, bus := newTestProcessor(t)

	// Observed 400 is below the 500 intrinsic of the 24000 call at 24500.
	p.ProcessBatch("AB1234", []models.TickFrame{
		frame(niftyIndexToken, 24500),
		frame(niftyCallToken, 400),
	})
	batcher.Flush(context.Background())

	records := bus.onChannel(":options")
	require.Len(t, records, 1)

	var snap models.OptionSnapshot
	require.NoError(t, json.Unmarshal([]byte(records[0].payload), &snap))
	assert.Nil(t, snap.Greeks, "IV failure must not block the snapshot")
}

func TestProcessorSkipsExpiredInstruments(t *testing.T) {
	p, batcher, bus := newTestProcessor(t)

	p.ProcessBatch("AB1234", []models.TickFrame{frame(expiredCallToken, 4500)})
	batcher.Flush(context.Background())

	assert.Equal(t, 0, bus.count())
	assert.Equal(t, uint64(1), p.Counters().SkippedExpired)
}

func TestProcessorCountsUnknownTokens(t *testing.T) {
	p, _, _ := newTestProcessor(t)

	p.ProcessBatch("AB1234", []models.TickFrame{frame(999999, 100)})
	assert.Equal(t, uint64(1), p.Counters().UnknownToken)
}

func TestProcessorDropsInvalidTicks(t *testing.T) {
	p, batcher, bus := newTestProcessor(t)

	bad := frame(niftyIndexToken, -5)
	p.ProcessBatch("AB1234", []models.TickFrame{bad, frame(niftyIndexToken, 24500)})
	batcher.Flush(context.Background())

	assert.Equal(t, 1, bus.count())
	assert.Equal(t, uint64(1), p.Counters().DroppedInvalid)
}

func TestProcessorRecordsLastTickAt(t *testing.T) {
	p, _, _ := newTestProcessor(t)

	_, ok := p.LastTickAt("AB1234")
	assert.False(t, ok)

	p.ProcessBatch("AB1234", []models.TickFrame{frame(niftyIndexToken, 24500)})

	at, ok := p.LastTickAt("AB1234")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), at, time.Second)
}

func TestProcessorStaleSpotOmitsGreeks(t *testing.T) {
	p, batcher, bus := newTestProcessor(t)
	p.maxSpotAge = time.Millisecond

	p.ProcessBatch("AB1234", []models.TickFrame{frame(niftyIndexToken, 24500)})
	time.Sleep(5 * time.Millisecond)
	p.ProcessBatch("AB1234", []models.TickFrame{frame(niftyCallToken, 560)})
	batcher.Flush(context.Background())

	records := bus.onChannel(":options")
	require.Len(t, records, 1)

	var snap models.OptionSnapshot
	require.NoError(t, json.Unmarshal([]byte(records[0].payload), &snap))
	assert.Nil(t, snap.Greeks, "stale spot must not feed Greeks")
}
