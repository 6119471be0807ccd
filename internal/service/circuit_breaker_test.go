package service

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute, 1)

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, BreakerClosed, cb.State())
	assert.True(t, cb.MayExecute())

	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.False(t, cb.MayExecute())
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute, 1)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(1, 30*time.Second, 1)
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	require.Equal(t, BreakerOpen, cb.State())
	assert.False(t, cb.MayExecute())

	// Recovery timeout elapses: exactly one permit is granted.
	now = now.Add(31 * time.Second)
	assert.True(t, cb.MayExecute())
	assert.Equal(t, BreakerHalfOpen, cb.State())
	assert.False(t, cb.MayExecute())

	cb.RecordSuccess()
	assert.Equal(t, BreakerClosed, cb.State())
	assert.True(t, cb.MayExecute())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(1, 30*time.Second, 1)
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	now = now.Add(31 * time.Second)
	require.True(t, cb.MayExecute())

	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.False(t, cb.MayExecute())
}

func TestCircuitBreakerSinglePermitUnderConcurrency(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(1, time.Second, 1)
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	now = now.Add(2 * time.Second)

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cb.MayExecute() {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), granted.Load())
}
