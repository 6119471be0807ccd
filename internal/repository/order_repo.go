// Package repository contains the repository layer for the Ticker API
package repository

import (
	"errors"
	"time"

	"github.com/quantbots/tickerapi/internal/models"
	"gorm.io/gorm"
)

// OrderTaskRepository is the durable store for order-execution tasks
type OrderTaskRepository struct {
	DB *gorm.DB
}

// NewOrderTaskRepository creates a new order task repository
func NewOrderTaskRepository(db *gorm.DB) *OrderTaskRepository {
	return &OrderTaskRepository{DB: db}
}

// Create persists a new task
func (r *OrderTaskRepository) Create(task *models.OrderTaskModel) error {
	return r.DB.Create(task).Error
}

// Save writes the full task state back
func (r *OrderTaskRepository) Save(task *models.OrderTaskModel) error {
	return r.DB.Save(task).Error
}

// Get returns a task by id
func (r *OrderTaskRepository) Get(id string) (*models.OrderTaskModel, error) {
	var task models.OrderTaskModel
	err := r.DB.Where("id = ?", id).First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, gorm.ErrRecordNotFound
		}
		return nil, err
	}
	return &task, nil
}

// FindByIdempotencyKey returns the most recent task created for the given
// key within the window, whatever its status. A duplicate submit returns
// the recorded task instead of creating a new one.
func (r *OrderTaskRepository) FindByIdempotencyKey(key string, window time.Duration) (*models.OrderTaskModel, error) {
	var task models.OrderTaskModel
	cutoff := time.Now().Add(-window)
	err := r.DB.Where("idempotency_key = ? AND created_at >= ?", key, cutoff).
		Order("created_at DESC").First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, gorm.ErrRecordNotFound
		}
		return nil, err
	}
	return &task, nil
}

// ListPending loads pending tasks due for execution, oldest first
func (r *OrderTaskRepository) ListPending(now time.Time, limit int) ([]models.OrderTaskModel, error) {
	var tasks []models.OrderTaskModel
	err := r.DB.Where("status = ? AND next_attempt_at <= ?", models.OrderTaskPending, now).
		Order("created_at").Limit(limit).Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// RecoverRunning resets tasks stuck in running state back to pending.
// Called once at startup to recover from an unclean shutdown.
func (r *OrderTaskRepository) RecoverRunning() (int64, error) {
	result := r.DB.Model(&models.OrderTaskModel{}).
		Where("status = ?", models.OrderTaskRunning).
		Updates(map[string]interface{}{"status": models.OrderTaskPending, "updated_at": time.Now()})
	return result.RowsAffected, result.Error
}

// CountByStatus returns the task counts for the health surface
func (r *OrderTaskRepository) CountByStatus(status models.OrderTaskStatus) (int64, error) {
	var count int64
	err := r.DB.Model(&models.OrderTaskModel{}).Where("status = ?", status).Count(&count).Error
	return count, err
}
