// Package service contains the service layer for the Ticker API
package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	kitesession "github.com/nsvirk/gokitesession"
	"github.com/quantbots/tickerapi/internal/config"
	"github.com/quantbots/tickerapi/internal/models"
	"github.com/quantbots/tickerapi/internal/repository"
	"github.com/quantbots/tickerapi/pkg/utils/zaplogger"
	"gorm.io/gorm"
)

const defaultLeaseTimeout = 30 * time.Second

// Lease is scoped exclusive access to one account's broker client. Release
// exactly once.
type Lease struct {
	AccountID string
	Enctoken  string
	release   func()
	once      sync.Once
}

// Release returns the lease to the orchestrator
func (l *Lease) Release() {
	l.once.Do(l.release)
}

type accountState struct {
	credentials config.AccountCredentials
	enctoken    string
	healthy     bool
	sem         chan struct{} // capacity 1, FIFO-ish per Go runtime
}

// SessionOrchestrator bootstraps broker sessions for every configured
// account and guards access to them with per-account leases. Historical
// fetches and live subscribe calls go through a lease so per-account rate
// limits hold.
type SessionOrchestrator struct {
	repo         *repository.SessionRepository
	kiteSession  *kitesession.Client
	leaseTimeout time.Duration

	mu       sync.Mutex
	accounts map[string]*accountState
}

// NewSessionOrchestrator creates the orchestrator for the configured accounts
func NewSessionOrchestrator(db *gorm.DB, credentials []config.AccountCredentials, leaseTimeout time.Duration) *SessionOrchestrator {
	if leaseTimeout <= 0 {
		leaseTimeout = defaultLeaseTimeout
	}
	accounts := make(map[string]*accountState, len(credentials))
	for _, cred := range credentials {
		accounts[cred.UserID] = &accountState{
			credentials: cred,
			sem:         make(chan struct{}, 1),
		}
	}
	return &SessionOrchestrator{
		repo:         repository.NewSessionRepository(db),
		kiteSession:  kitesession.New(),
		leaseTimeout: leaseTimeout,
		accounts:     accounts,
	}
}

// Bootstrap logs every configured account in. A stored enctoken that still
// validates is reused instead of a fresh login. Individual account failures
// are logged and skipped; an error is returned only when no account came up.
func (s *SessionOrchestrator) Bootstrap(ctx context.Context) error {
	var healthy int
	for userID, state := range s.snapshotAccounts() {
		enctoken, err := s.login(state.credentials)
		if err != nil {
			zaplogger.Error("account login failed", zaplogger.Fields{
				"user_id": userID,
				"error":   err.Error(),
			})
			continue
		}
		s.mu.Lock()
		state.enctoken = enctoken
		state.healthy = true
		s.mu.Unlock()
		healthy++
		zaplogger.Info("account session ready", zaplogger.Fields{"user_id": userID})
	}
	if healthy == 0 {
		return fmt.Errorf("no broker account could establish a session")
	}
	return nil
}

// login reuses a stored valid enctoken or performs a fresh TOTP login
func (s *SessionOrchestrator) login(cred config.AccountCredentials) (string, error) {
	existing, err := s.repo.GetSessionByUserId(cred.UserID)
	if err == nil && existing.Enctoken != "" {
		isValid, err := s.kiteSession.CheckEnctokenValid(existing.Enctoken)
		if err == nil && isValid {
			return existing.Enctoken, nil
		}
	}

	totpValue, err := kitesession.GenerateTOTPValue(cred.TOTPSecret)
	if err != nil {
		return "", fmt.Errorf("failed to generate TOTP: %v", err)
	}

	session, err := s.kiteSession.GenerateSession(cred.UserID, cred.Password, totpValue)
	if err != nil {
		return "", fmt.Errorf("login failed: %v", err)
	}

	newSession := models.SessionModel{
		UserId:        session.UserID,
		UserName:      session.Username,
		UserShortname: session.UserShortname,
		AvatarUrl:     session.AvatarURL,
		PublicToken:   session.PublicToken,
		KfSession:     session.KFSession,
		Enctoken:      session.Enctoken,
		LoginTime:     session.LoginTime,
	}
	if err := s.repo.UpsertSession(&newSession); err != nil {
		return "", fmt.Errorf("failed to upsert session: %v", err)
	}
	return session.Enctoken, nil
}

// Lease acquires exclusive access to the account's broker client, waiting up
// to the configured timeout. Timeout surfaces as ErrLeaseTimeout.
func (s *SessionOrchestrator) Lease(ctx context.Context, accountID string) (*Lease, error) {
	s.mu.Lock()
	state, ok := s.accounts[accountID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	enctoken := state.enctoken
	s.mu.Unlock()

	timer := time.NewTimer(s.leaseTimeout)
	defer timer.Stop()

	select {
	case state.sem <- struct{}{}:
	case <-timer.C:
		return nil, fmt.Errorf("%w: account %s", ErrLeaseTimeout, accountID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return &Lease{
		AccountID: accountID,
		Enctoken:  enctoken,
		release:   func() { <-state.sem },
	}, nil
}

// HealthyAccounts returns the account ids with a live session, in a stable
// order.
func (s *SessionOrchestrator) HealthyAccounts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, state := range s.accounts {
		if state.healthy {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Enctoken returns the session token for an account
func (s *SessionOrchestrator) Enctoken(accountID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.accounts[accountID]
	if !ok || !state.healthy {
		return "", fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	return state.enctoken, nil
}

// MarkUnhealthy flags an account so the ticker loop stops assigning to it
func (s *SessionOrchestrator) MarkUnhealthy(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.accounts[accountID]; ok {
		state.healthy = false
	}
}

// Relogin refreshes one account's session and marks it healthy on success
func (s *SessionOrchestrator) Relogin(accountID string) error {
	s.mu.Lock()
	state, ok := s.accounts[accountID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}

	enctoken, err := s.login(state.credentials)
	if err != nil {
		return err
	}
	s.mu.Lock()
	state.enctoken = enctoken
	state.healthy = true
	s.mu.Unlock()
	return nil
}

// Logout drops the stored session for an account
func (s *SessionOrchestrator) Logout(accountID string) error {
	s.MarkUnhealthy(accountID)
	_, err := s.repo.DeleteSession(accountID)
	return err
}

func (s *SessionOrchestrator) snapshotAccounts() map[string]*accountState {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(map[string]*accountState, len(s.accounts))
	for id, state := range s.accounts {
		snapshot[id] = state
	}
	return snapshot
}
