// Package models contains the models for the Ticker API
package models

import "time"

// CandlesTableName is the name of the table for backfilled candles
var CandlesTableName = "historical_candles"

// CandleModel is one historical OHLCV bar fetched during backfill
type CandleModel struct {
	InstrumentToken uint32    `gorm:"primaryKey;autoIncrement:false" json:"instrument_token"`
	Timestamp       time.Time `gorm:"primaryKey" json:"timestamp"`
	Interval        string    `gorm:"primaryKey;type:varchar(10)" json:"interval"`
	Open            float64   `json:"open"`
	High            float64   `json:"high"`
	Low             float64   `json:"low"`
	Close           float64   `json:"close"`
	Volume          uint32    `json:"volume"`
	OI              uint32    `json:"oi"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"-"`
}

// TableName specifies the table name for the Candle model
func (CandleModel) TableName() string {
	return CandlesTableName
}
