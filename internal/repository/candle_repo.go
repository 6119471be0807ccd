// Package repository contains the repository layer for the Ticker API
package repository

import (
	"github.com/quantbots/tickerapi/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CandleRepository stores backfilled historical candles
type CandleRepository struct {
	DB *gorm.DB
}

// NewCandleRepository creates a new candle repository
func NewCandleRepository(db *gorm.DB) *CandleRepository {
	return &CandleRepository{DB: db}
}

// UpsertCandles writes a batch of candles, replacing rows on conflict
func (r *CandleRepository) UpsertCandles(candles []models.CandleModel) (int64, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	result := r.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instrument_token"}, {Name: "timestamp"}, {Name: "interval"}},
		DoUpdates: clause.AssignmentColumns([]string{"open", "high", "low", "close", "volume", "oi"}),
	}).CreateInBatches(candles, 500)
	return result.RowsAffected, result.Error
}

// CountForInstrument returns how many candles are stored for a token
func (r *CandleRepository) CountForInstrument(token uint32, interval string) (int64, error) {
	var count int64
	err := r.DB.Model(&models.CandleModel{}).
		Where("instrument_token = ? AND interval = ?", token, interval).
		Count(&count).Error
	return count, err
}
