// Package service contains the service layer for the Ticker API
package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	kiteticker "github.com/nsvirk/gokiteticker"
	"github.com/quantbots/tickerapi/internal/models"
	"github.com/quantbots/tickerapi/pkg/utils/zaplogger"
)

const (
	kiteConnectTimeout      = 10 * time.Second
	kiteReconnectMaxRetries = 10
	kiteRebuildInitialWait  = 1 * time.Second
	kiteRebuildMaxWait      = 30 * time.Second
)

// kiteConn is one physical gokiteticker connection. The library handles
// in-session reconnects itself; when it gives up, the outer rebuild loop
// tears the ticker down and builds a fresh one with exponential backoff.
type kiteConn struct {
	accountID string
	enctoken  string
	connID    int
	out       chan<- models.TickFrame
	onConnect func(connID int)

	mu        sync.Mutex
	ticker    *kiteticker.Ticker
	connected bool
	closed    bool
}

// NewKiteConnFactory returns a ConnFactory producing live broker connections
// for one account's credentials.
func NewKiteConnFactory(accountID, enctoken string) ConnFactory {
	return func(connID int, out chan<- models.TickFrame, onConnect func(connID int)) (BrokerConn, error) {
		c := &kiteConn{
			accountID: accountID,
			enctoken:  enctoken,
			connID:    connID,
			out:       out,
			onConnect: onConnect,
		}
		if err := c.dial(); err != nil {
			return nil, err
		}
		return c, nil
	}
}

// dial builds the ticker, wires callbacks and waits for the first connect
func (c *kiteConn) dial() error {
	ticker := kiteticker.New(c.accountID, c.enctoken)
	ticker.SetReconnectMaxRetries(kiteReconnectMaxRetries)

	connectedCh := make(chan struct{}, 1)

	ticker.OnTick(func(tick kiteticker.Tick) {
		frame := convertKiteTick(tick)
		select {
		case c.out <- frame:
		default:
			// Consumer is saturated; dropping is preferable to blocking
			// the broker read loop.
		}
	})

	ticker.OnConnect(func() {
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
		select {
		case connectedCh <- struct{}{}:
		default:
		}
		c.onConnect(c.connID)
	})

	ticker.OnError(func(err error) {
		zaplogger.Error("broker connection error", zaplogger.Fields{
			"account_id": c.accountID,
			"conn_id":    c.connID,
			"error":      err.Error(),
		})
	})

	ticker.OnClose(func(code int, reason string) {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		zaplogger.Warn("broker connection closed", zaplogger.Fields{
			"account_id": c.accountID,
			"conn_id":    c.connID,
			"code":       code,
			"reason":     reason,
		})
	})

	ticker.OnReconnect(func(attempt int, delay time.Duration) {
		zaplogger.Info("broker reconnecting", zaplogger.Fields{
			"account_id": c.accountID,
			"conn_id":    c.connID,
			"attempt":    attempt,
			"delay":      delay.String(),
		})
	})

	ticker.OnNoReconnect(func(attempt int) {
		zaplogger.Error("broker reconnect attempts exhausted", zaplogger.Fields{
			"account_id": c.accountID,
			"conn_id":    c.connID,
			"attempts":   attempt,
		})
		go c.rebuild()
	})

	c.mu.Lock()
	c.ticker = ticker
	c.mu.Unlock()

	go ticker.Serve()

	select {
	case <-connectedCh:
		return nil
	case <-time.After(kiteConnectTimeout):
		ticker.Close()
		ticker.Stop()
		return fmt.Errorf("timeout waiting for broker connection %d", c.connID)
	}
}

// rebuild replaces a dead ticker after the library stopped retrying
func (c *kiteConn) rebuild() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	old := c.ticker
	c.ticker = nil
	c.mu.Unlock()

	if old != nil {
		old.Close()
		old.Stop()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = kiteRebuildInitialWait
	bo.MaxInterval = kiteRebuildMaxWait

	for {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		err := c.dial()
		if err == nil {
			zaplogger.Info("broker connection rebuilt", zaplogger.Fields{
				"account_id": c.accountID,
				"conn_id":    c.connID,
			})
			return
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = kiteRebuildMaxWait
		}
		zaplogger.Warn("broker connection rebuild failed", zaplogger.Fields{
			"account_id": c.accountID,
			"conn_id":    c.connID,
			"error":      err.Error(),
			"retry_in":   wait.String(),
		})
		time.Sleep(wait)
	}
}

func kiteMode(mode models.SubscriptionMode) kiteticker.Mode {
	switch mode {
	case models.ModeLTP:
		return kiteticker.ModeLTP
	case models.ModeQuote:
		return kiteticker.ModeQuote
	default:
		return kiteticker.ModeFull
	}
}

// Subscribe subscribes the tokens and applies the requested mode
func (c *kiteConn) Subscribe(tokens []uint32, mode models.SubscriptionMode) error {
	c.mu.Lock()
	ticker := c.ticker
	c.mu.Unlock()
	if ticker == nil {
		return ErrTickerNotRunning
	}
	if err := ticker.Subscribe(tokens); err != nil {
		return err
	}
	return ticker.SetMode(kiteMode(mode), tokens)
}

// Unsubscribe removes the tokens from the wire
func (c *kiteConn) Unsubscribe(tokens []uint32) error {
	c.mu.Lock()
	ticker := c.ticker
	c.mu.Unlock()
	if ticker == nil {
		return ErrTickerNotRunning
	}
	return ticker.Unsubscribe(tokens)
}

// Connected reports live connectivity
func (c *kiteConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close shuts the connection down permanently
func (c *kiteConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ticker := c.ticker
	c.ticker = nil
	c.connected = false
	c.mu.Unlock()

	if ticker != nil {
		ticker.Close()
		ticker.Stop()
	}
	return nil
}

// convertKiteTick maps a broker tick onto the internal frame
func convertKiteTick(tick kiteticker.Tick) models.TickFrame {
	frame := models.TickFrame{
		InstrumentToken: tick.InstrumentToken,
		LastPrice:       tick.LastPrice,
		Volume:          tick.VolumeTraded,
		OI:              tick.OI,
		Timestamp:       tick.Timestamp.Time,
	}

	if !tick.IsIndex {
		depth := &models.MarketDepth{}
		for i := 0; i < 5; i++ {
			depth.Buy[i] = models.DepthLevel{
				Price:    tick.Depth.Buy[i].Price,
				Quantity: tick.Depth.Buy[i].Quantity,
				Orders:   tick.Depth.Buy[i].Orders,
			}
			depth.Sell[i] = models.DepthLevel{
				Price:    tick.Depth.Sell[i].Price,
				Quantity: tick.Depth.Sell[i].Quantity,
				Orders:   tick.Depth.Sell[i].Orders,
			}
		}
		frame.Depth = depth
	}
	return frame
}
