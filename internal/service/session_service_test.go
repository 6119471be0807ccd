package service

import (
	"context"
	"testing"
	"time"

	"github.com/quantbots/tickerapi/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLeaseOrchestrator(timeout time.Duration) *SessionOrchestrator {
	creds := []config.AccountCredentials{
		{UserID: "AB1234", Password: "x", TOTPSecret: "y"},
	}
	return NewSessionOrchestrator(nil, creds, timeout)
}

func TestLeaseGrantsAndReleases(t *testing.T) {
	s := newLeaseOrchestrator(time.Second)

	lease, err := s.Lease(context.Background(), "AB1234")
	require.NoError(t, err)
	lease.Release()

	again, err := s.Lease(context.Background(), "AB1234")
	require.NoError(t, err)
	again.Release()
}

func TestLeaseTimesOutWhileHeld(t *testing.T) {
	s := newLeaseOrchestrator(50 * time.Millisecond)

	lease, err := s.Lease(context.Background(), "AB1234")
	require.NoError(t, err)
	defer lease.Release()

	_, err = s.Lease(context.Background(), "AB1234")
	assert.ErrorIs(t, err, ErrLeaseTimeout)
}

func TestLeaseUnknownAccount(t *testing.T) {
	s := newLeaseOrchestrator(time.Second)

	_, err := s.Lease(context.Background(), "ZZ9999")
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

func TestLeaseReleaseIsIdempotent(t *testing.T) {
	s := newLeaseOrchestrator(time.Second)

	lease, err := s.Lease(context.Background(), "AB1234")
	require.NoError(t, err)
	lease.Release()
	lease.Release() // must not panic or double-free the semaphore

	next, err := s.Lease(context.Background(), "AB1234")
	require.NoError(t, err)
	next.Release()
}

func TestLeaseHonorsContextCancellation(t *testing.T) {
	s := newLeaseOrchestrator(time.Minute)

	lease, err := s.Lease(context.Background(), "AB1234")
	require.NoError(t, err)
	defer lease.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = s.Lease(ctx, "AB1234")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHealthyAccountsTracksMarkUnhealthy(t *testing.T) {
	creds := []config.AccountCredentials{
		{UserID: "AB1234", Password: "x", TOTPSecret: "y"},
		{UserID: "CD5678", Password: "x", TOTPSecret: "y"},
	}
	s := NewSessionOrchestrator(nil, creds, time.Second)

	// Accounts only report healthy once a session exists.
	assert.Empty(t, s.HealthyAccounts())

	s.mu.Lock()
	for _, state := range s.accounts {
		state.healthy = true
	}
	s.mu.Unlock()

	assert.Equal(t, []string{"AB1234", "CD5678"}, s.HealthyAccounts())

	s.MarkUnhealthy("AB1234")
	assert.Equal(t, []string{"CD5678"}, s.HealthyAccounts())
}
