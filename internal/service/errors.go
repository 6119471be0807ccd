// Package service contains the service layer for the Ticker API
package service

import "errors"

var (
	// ErrLeaseTimeout is returned when a per-account lease could not be
	// acquired within the configured timeout.
	ErrLeaseTimeout = errors.New("lease acquisition timed out")

	// ErrBreakerOpen is returned when a call is rejected by an open circuit breaker.
	ErrBreakerOpen = errors.New("circuit breaker is open")

	// ErrNoGreeks means IV/Greeks could not be computed for this tick.
	// The tick is still published, without the greeks block.
	ErrNoGreeks = errors.New("greeks not computable")

	// ErrTickerNotRunning is returned by control operations when the
	// ticker loop has not been started.
	ErrTickerNotRunning = errors.New("ticker is not running")

	// ErrTickerAlreadyRunning is returned when Start is called twice.
	ErrTickerAlreadyRunning = errors.New("ticker is already running")

	// ErrUnknownAccount is returned for operations against an account the
	// orchestrator does not manage.
	ErrUnknownAccount = errors.New("unknown account")

	// ErrInvalidTick is returned by the validator in strict mode.
	ErrInvalidTick = errors.New("invalid tick")
)
