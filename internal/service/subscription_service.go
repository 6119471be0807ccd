// Package service contains the service layer for the Ticker API
package service

import (
	"context"

	json "github.com/goccy/go-json"
	"github.com/quantbots/tickerapi/internal/models"
	"github.com/quantbots/tickerapi/internal/repository"
	"github.com/quantbots/tickerapi/pkg/utils/zaplogger"
	"gorm.io/gorm"
)

// SubscriptionService fronts the persistent subscription store. Every change
// publishes a lifecycle event and pokes the reload trigger so the running
// ticker reconciles without a restart.
type SubscriptionService struct {
	repo          *repository.SubscriptionRepository
	publisher     *RedisPublisher
	channelPrefix string
	clock         *MarketClock
	onChange      func()
}

// NewSubscriptionService creates the subscription service
func NewSubscriptionService(db *gorm.DB, publisher *RedisPublisher, channelPrefix string, clock *MarketClock) *SubscriptionService {
	return &SubscriptionService{
		repo:          repository.NewSubscriptionRepository(db),
		publisher:     publisher,
		channelPrefix: channelPrefix,
		clock:         clock,
	}
}

// SetOnChange registers the reload trigger invoked after every mutation
func (s *SubscriptionService) SetOnChange(fn func()) {
	s.onChange = fn
}

// Subscribe upserts active intent for the tokens in the requested mode
func (s *SubscriptionService) Subscribe(ctx context.Context, tokens []uint32, mode models.SubscriptionMode) error {
	for _, token := range tokens {
		if err := s.repo.Upsert(token, mode, nil); err != nil {
			return err
		}
		s.publishEvent(ctx, models.EventSubscriptionCreated, token, map[string]string{
			"mode": string(mode),
		})
	}
	s.notifyChange()
	return nil
}

// Unsubscribe deactivates intent for the tokens. Unknown tokens are ignored.
func (s *SubscriptionService) Unsubscribe(ctx context.Context, tokens []uint32) error {
	affected, err := s.repo.DeactivateBatch(tokens)
	if err != nil {
		return err
	}
	for _, token := range tokens {
		s.publishEvent(ctx, models.EventSubscriptionRemoved, token, nil)
	}
	zaplogger.Info("subscriptions deactivated", zaplogger.Fields{
		"requested": len(tokens),
		"affected":  affected,
	})
	s.notifyChange()
	return nil
}

// Reassign records a new owning account for a token
func (s *SubscriptionService) Reassign(ctx context.Context, token uint32, accountID string) error {
	if err := s.repo.AssignAccount(token, accountID); err != nil {
		return err
	}
	s.publishEvent(ctx, models.EventSubscriptionReassigned, token, map[string]string{
		"account_id": accountID,
	})
	return nil
}

// Get returns the stored row for one token
func (s *SubscriptionService) Get(token uint32) (*models.SubscriptionModel, error) {
	return s.repo.Get(token)
}

// List returns subscriptions filtered by status with pagination
func (s *SubscriptionService) List(status models.SubscriptionStatus, limit, offset int) ([]models.SubscriptionModel, error) {
	return s.repo.List(status, limit, offset)
}

// ListActive returns all active subscriptions
func (s *SubscriptionService) ListActive() ([]models.SubscriptionModel, error) {
	return s.repo.ListActive()
}

// Count returns the subscription count for a status
func (s *SubscriptionService) Count(status models.SubscriptionStatus) (int64, error) {
	return s.repo.Count(status)
}

// DeactivateStale deactivates tokens the instrument registry no longer knows
func (s *SubscriptionService) DeactivateStale(ctx context.Context, tokens []uint32) error {
	if len(tokens) == 0 {
		return nil
	}
	affected, err := s.repo.DeactivateBatch(tokens)
	if err != nil {
		return err
	}
	zaplogger.Warn("deactivated subscriptions for deregistered instruments", zaplogger.Fields{
		"tokens":   len(tokens),
		"affected": affected,
	})
	for _, token := range tokens {
		s.publishEvent(ctx, models.EventSubscriptionRemoved, token, map[string]string{
			"reason": "instrument_deregistered",
		})
	}
	return nil
}

func (s *SubscriptionService) notifyChange() {
	if s.onChange != nil {
		s.onChange()
	}
}

func (s *SubscriptionService) publishEvent(ctx context.Context, eventType models.SubscriptionEventType, token uint32, metadata map[string]string) {
	event := models.SubscriptionEvent{
		EventType:       eventType,
		InstrumentToken: token,
		Metadata:        metadata,
		TimestampMs:     s.clock.Now().UnixMilli(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		zaplogger.Error("failed to marshal subscription event", zaplogger.Fields{
			"event_type": string(eventType),
			"error":      err.Error(),
		})
		return
	}
	s.publisher.Publish(ctx, s.channelPrefix+":events", payload)
}
