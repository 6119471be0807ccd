// Package service contains the service layer for the Ticker API
package service

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/quantbots/tickerapi/pkg/utils/zaplogger"
	"github.com/redis/go-redis/v9"
)

const publishTimeout = 2 * time.Second

// redisPublishClient is the slice of the go-redis API the publisher needs.
// *redis.Client satisfies it; tests substitute a fake.
type redisPublishClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// PublisherStats is the health surface of the publisher
type PublisherStats struct {
	Published    uint64       `json:"published"`
	Dropped      uint64       `json:"dropped"`
	Retried      uint64       `json:"retried"`
	Failed       uint64       `json:"failed"`
	BreakerState BreakerState `json:"breaker_state"`
}

// RedisPublisher publishes fire-and-forget messages to Redis pub/sub behind a
// circuit breaker. Publish never blocks streaming and never returns an error:
// with the breaker open, messages are dropped and counted.
type RedisPublisher struct {
	client  redisPublishClient
	breaker *CircuitBreaker

	published atomic.Uint64
	dropped   atomic.Uint64
	retried   atomic.Uint64
	failed    atomic.Uint64
}

// NewRedisPublisher creates a publisher wrapped in the given breaker
func NewRedisPublisher(client redisPublishClient, breaker *CircuitBreaker) *RedisPublisher {
	return &RedisPublisher{
		client:  client,
		breaker: breaker,
	}
}

// Publish sends one message to the channel. With the breaker open it returns
// immediately (fast-path reject). One retry on connection reset; the final
// failure is recorded against the breaker.
func (p *RedisPublisher) Publish(ctx context.Context, channel string, message []byte) {
	if !p.breaker.MayExecute() {
		p.dropped.Add(1)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err := p.client.Publish(ctx, channel, message).Err()
	if err != nil && isConnectionError(err) {
		p.retried.Add(1)
		err = p.client.Publish(ctx, channel, message).Err()
	}

	if err != nil {
		p.failed.Add(1)
		p.breaker.RecordFailure()
		zaplogger.Debug("publish failed", zaplogger.Fields{
			"channel": channel,
			"error":   err.Error(),
		})
		return
	}

	p.published.Add(1)
	p.breaker.RecordSuccess()
}

// isConnectionError reports whether the error looks like a dropped connection
// worth one immediate retry.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "EOF")
}

// Stats returns publish counters and the breaker state
func (p *RedisPublisher) Stats() PublisherStats {
	return PublisherStats{
		Published:    p.published.Load(),
		Dropped:      p.dropped.Load(),
		Retried:      p.retried.Load(),
		Failed:       p.failed.Load(),
		BreakerState: p.breaker.State(),
	}
}
