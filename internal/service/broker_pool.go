// Package service contains the service layer for the Ticker API
package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/quantbots/tickerapi/internal/models"
	"github.com/quantbots/tickerapi/pkg/utils/zaplogger"
)

// BrokerConn is one physical broker WebSocket connection. Implementations
// manage their own reconnect loop and report reconnects through the pool's
// onConnect callback so the desired token set can be re-applied.
type BrokerConn interface {
	Subscribe(tokens []uint32, mode models.SubscriptionMode) error
	Unsubscribe(tokens []uint32) error
	Connected() bool
	Close() error
}

// ConnFactory builds a physical connection. The out channel receives every
// tick the connection delivers; onConnect fires on connect and reconnect.
type ConnFactory func(connID int, out chan<- models.TickFrame, onConnect func(connID int)) (BrokerConn, error)

// idleGracePeriod is how long a connection may sit with zero desired tokens
// before it is closed.
const idleGracePeriod = 30 * time.Second

type poolConn struct {
	id        int
	conn      BrokerConn
	ready     bool // conn assigned and usable for placement
	desired   map[uint32]models.SubscriptionMode
	closed    bool
	idleTimer *time.Timer
}

// ConnStats describes one pooled connection for the stats surface
type ConnStats struct {
	ConnID    int     `json:"conn_id"`
	Capacity  int     `json:"capacity"`
	Fill      int     `json:"fill"`
	FillPct   float64 `json:"fill_pct"`
	Connected bool    `json:"connected"`
}

// BrokerConnectionPool shards one account's logical subscription set across
// physical connections capped at maxPerConn tokens each. The pool mutex
// guards the connection list and the token index and is never held across
// wire I/O: the index is mutated first, the mutex released, the wire call
// made, and on failure the index rolled back under the mutex again.
type BrokerConnectionPool struct {
	accountID  string
	factory    ConnFactory
	maxPerConn int
	out        chan<- models.TickFrame

	mu     sync.Mutex
	conns  []*poolConn
	index  map[uint32]int // token -> conn id
	nextID int
}

// NewBrokerConnectionPool creates an empty pool for one account
func NewBrokerConnectionPool(accountID string, factory ConnFactory, maxPerConn int, out chan<- models.TickFrame) *BrokerConnectionPool {
	if maxPerConn <= 0 {
		maxPerConn = 1000
	}
	return &BrokerConnectionPool{
		accountID:  accountID,
		factory:    factory,
		maxPerConn: maxPerConn,
		out:        out,
		index:      make(map[uint32]int),
	}
}

// Subscribe places each new token on the first connection with free
// capacity, creating connections only when every existing one is full.
// Tokens are recorded in the desired set before the wire call; a failing
// wire call rolls them back.
func (p *BrokerConnectionPool) Subscribe(tokens []uint32, mode models.SubscriptionMode) error {
	p.mu.Lock()
	placements := make(map[*poolConn][]uint32)
	var newConns []*poolConn

	for _, token := range tokens {
		if _, exists := p.index[token]; exists {
			continue
		}

		var target *poolConn
		for _, pc := range p.conns {
			if !pc.closed && pc.ready && len(pc.desired) < p.maxPerConn {
				target = pc
				break
			}
		}
		if target == nil {
			for _, pc := range newConns {
				if len(pc.desired) < p.maxPerConn {
					target = pc
					break
				}
			}
		}
		if target == nil {
			target = &poolConn{
				id:      p.nextID,
				desired: make(map[uint32]models.SubscriptionMode),
			}
			p.nextID++
			p.conns = append(p.conns, target)
			newConns = append(newConns, target)
		}

		target.desired[token] = mode
		p.index[token] = target.id
		placements[target] = append(placements[target], token)
		if target.idleTimer != nil {
			target.idleTimer.Stop()
			target.idleTimer = nil
		}
	}
	p.mu.Unlock()

	// Wire I/O outside the mutex. A failure unwinds every placement not yet
	// confirmed on the wire, so the index never claims a token the broker
	// was not told about; placements already wired stay.
	for i, pc := range newConns {
		conn, err := p.factory(pc.id, p.out, p.resubscribe)
		if err != nil {
			p.rollbackAll(placements)
			p.mu.Lock()
			for _, unwired := range newConns[i:] {
				unwired.closed = true
			}
			p.mu.Unlock()
			return fmt.Errorf("failed to open broker connection %d: %w", pc.id, err)
		}
		p.mu.Lock()
		pc.conn = conn
		pc.ready = true
		p.mu.Unlock()
	}

	for pc, added := range placements {
		p.mu.Lock()
		conn := pc.conn
		p.mu.Unlock()
		if conn == nil {
			p.rollbackAll(placements)
			return fmt.Errorf("connection %d is not ready", pc.id)
		}
		if err := conn.Subscribe(added, mode); err != nil {
			p.rollbackAll(placements)
			return fmt.Errorf("subscribe failed on connection %d: %w", pc.id, err)
		}
		delete(placements, pc)
	}
	return nil
}

// Unsubscribe removes the tokens from the desired sets and the wire.
// Connections left empty are closed after an idle grace period.
func (p *BrokerConnectionPool) Unsubscribe(tokens []uint32) error {
	p.mu.Lock()
	removals := make(map[*poolConn][]uint32)
	for _, token := range tokens {
		connID, ok := p.index[token]
		if !ok {
			continue
		}
		pc := p.connByIDLocked(connID)
		if pc == nil {
			delete(p.index, token)
			continue
		}
		delete(pc.desired, token)
		delete(p.index, token)
		removals[pc] = append(removals[pc], token)

		if len(pc.desired) == 0 && pc.idleTimer == nil {
			p.armIdleCloseLocked(pc)
		}
	}
	p.mu.Unlock()

	var firstErr error
	for pc, removed := range removals {
		if pc.conn == nil {
			continue
		}
		if err := pc.conn.Unsubscribe(removed); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unsubscribe failed on connection %d: %w", pc.id, err)
		}
	}
	return firstErr
}

// armIdleCloseLocked schedules the close of an empty connection. Caller
// holds the pool mutex.
func (p *BrokerConnectionPool) armIdleCloseLocked(pc *poolConn) {
	pc.idleTimer = time.AfterFunc(idleGracePeriod, func() {
		p.mu.Lock()
		if len(pc.desired) > 0 || pc.closed {
			pc.idleTimer = nil
			p.mu.Unlock()
			return
		}
		pc.closed = true
		conn := pc.conn
		p.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		zaplogger.Info("closed idle broker connection", zaplogger.Fields{
			"account_id": p.accountID,
			"conn_id":    pc.id,
		})
	})
}

// rollbackAll unwinds every placement still pending after a wire failure
func (p *BrokerConnectionPool) rollbackAll(placements map[*poolConn][]uint32) {
	for _, tokens := range placements {
		p.rollback(tokens)
	}
}

// rollback removes tokens from the index after a failed wire call
func (p *BrokerConnectionPool) rollback(tokens []uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, token := range tokens {
		connID, ok := p.index[token]
		if !ok {
			continue
		}
		if pc := p.connByIDLocked(connID); pc != nil {
			delete(pc.desired, token)
			if len(pc.desired) == 0 && pc.conn != nil && pc.idleTimer == nil {
				p.armIdleCloseLocked(pc)
			}
		}
		delete(p.index, token)
	}
}

func (p *BrokerConnectionPool) connByIDLocked(id int) *poolConn {
	for _, pc := range p.conns {
		if pc.id == id {
			return pc
		}
	}
	return nil
}

// resubscribe re-applies a connection's full desired set after a reconnect
func (p *BrokerConnectionPool) resubscribe(connID int) {
	p.mu.Lock()
	pc := p.connByIDLocked(connID)
	if pc == nil || pc.closed || pc.conn == nil {
		p.mu.Unlock()
		return
	}
	byMode := make(map[models.SubscriptionMode][]uint32)
	for token, mode := range pc.desired {
		byMode[mode] = append(byMode[mode], token)
	}
	conn := pc.conn
	p.mu.Unlock()

	for mode, tokens := range byMode {
		if err := conn.Subscribe(tokens, mode); err != nil {
			zaplogger.Error("resubscribe after reconnect failed", zaplogger.Fields{
				"account_id": p.accountID,
				"conn_id":    connID,
				"tokens":     len(tokens),
				"error":      err.Error(),
			})
		}
	}
	zaplogger.Info("resubscribed after reconnect", zaplogger.Fields{
		"account_id": p.accountID,
		"conn_id":    connID,
	})
}

// DesiredCount returns the total desired token count across the pool
func (p *BrokerConnectionPool) DesiredCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.index)
}

// DesiredTokens snapshots every token the pool currently carries
func (p *BrokerConnectionPool) DesiredTokens() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	tokens := make([]uint32, 0, len(p.index))
	for token := range p.index {
		tokens = append(tokens, token)
	}
	return tokens
}

// Holds reports whether the pool carries the token
func (p *BrokerConnectionPool) Holds(token uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.index[token]
	return ok
}

// Stats returns per-connection fill and connectivity
func (p *BrokerConnectionPool) Stats() []ConnStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make([]ConnStats, 0, len(p.conns))
	for _, pc := range p.conns {
		if pc.closed {
			continue
		}
		connected := pc.conn != nil && pc.conn.Connected()
		stats = append(stats, ConnStats{
			ConnID:    pc.id,
			Capacity:  p.maxPerConn,
			Fill:      len(pc.desired),
			FillPct:   float64(len(pc.desired)) / float64(p.maxPerConn) * 100,
			Connected: connected,
		})
	}
	return stats
}

// Close tears down every connection in the pool
func (p *BrokerConnectionPool) Close() {
	p.mu.Lock()
	conns := make([]BrokerConn, 0, len(p.conns))
	for _, pc := range p.conns {
		if pc.closed {
			continue
		}
		pc.closed = true
		if pc.idleTimer != nil {
			pc.idleTimer.Stop()
			pc.idleTimer = nil
		}
		if pc.conn != nil {
			conns = append(conns, pc.conn)
		}
	}
	p.index = make(map[uint32]int)
	p.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}
