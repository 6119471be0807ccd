// Package repository contains the repository layer for the Ticker API
package repository

import (
	"errors"
	"time"

	"github.com/quantbots/tickerapi/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SubscriptionRepository is the persistent store for subscription intent.
// All filtering happens at the storage layer.
type SubscriptionRepository struct {
	DB *gorm.DB
}

// NewSubscriptionRepository creates a new subscription repository
func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{DB: db}
}

// Upsert inserts or reactivates the subscription for an instrument token
func (r *SubscriptionRepository) Upsert(token uint32, mode models.SubscriptionMode, accountID *string) error {
	sub := models.SubscriptionModel{
		InstrumentToken:   token,
		RequestedMode:     mode,
		Status:            models.SubscriptionActive,
		AssignedAccountID: accountID,
		UpdatedAt:         time.Now(),
	}
	return r.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instrument_token"}},
		DoUpdates: clause.AssignmentColumns([]string{"requested_mode", "status", "assigned_account_id", "updated_at"}),
	}).Create(&sub).Error
}

// Deactivate marks the subscription inactive. Unknown tokens are not an error.
func (r *SubscriptionRepository) Deactivate(token uint32) error {
	return r.DB.Model(&models.SubscriptionModel{}).
		Where("instrument_token = ?", token).
		Updates(map[string]interface{}{"status": models.SubscriptionInactive, "updated_at": time.Now()}).Error
}

// DeactivateBatch marks many subscriptions inactive in one statement
func (r *SubscriptionRepository) DeactivateBatch(tokens []uint32) (int64, error) {
	if len(tokens) == 0 {
		return 0, nil
	}
	result := r.DB.Model(&models.SubscriptionModel{}).
		Where("instrument_token IN ?", tokens).
		Updates(map[string]interface{}{"status": models.SubscriptionInactive, "updated_at": time.Now()})
	return result.RowsAffected, result.Error
}

// AssignAccount records the account an instrument was assigned to
func (r *SubscriptionRepository) AssignAccount(token uint32, accountID string) error {
	return r.DB.Model(&models.SubscriptionModel{}).
		Where("instrument_token = ?", token).
		Updates(map[string]interface{}{"assigned_account_id": accountID, "updated_at": time.Now()}).Error
}

// Get returns the subscription row for one token
func (r *SubscriptionRepository) Get(token uint32) (*models.SubscriptionModel, error) {
	var sub models.SubscriptionModel
	err := r.DB.Where("instrument_token = ?", token).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, gorm.ErrRecordNotFound
		}
		return nil, err
	}
	return &sub, nil
}

// List returns subscriptions filtered by status with pagination
func (r *SubscriptionRepository) List(status models.SubscriptionStatus, limit, offset int) ([]models.SubscriptionModel, error) {
	query := r.DB.Model(&models.SubscriptionModel{}).Order("instrument_token")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var subs []models.SubscriptionModel
	if err := query.Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

// ListActive returns all active subscriptions
func (r *SubscriptionRepository) ListActive() ([]models.SubscriptionModel, error) {
	var subs []models.SubscriptionModel
	err := r.DB.Where("status = ?", models.SubscriptionActive).
		Order("instrument_token").Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// Count returns the number of subscriptions with the given status
func (r *SubscriptionRepository) Count(status models.SubscriptionStatus) (int64, error) {
	var count int64
	query := r.DB.Model(&models.SubscriptionModel{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	err := query.Count(&count).Error
	return count, err
}
