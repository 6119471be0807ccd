// Package models contains the models for the Ticker API
package models

import "time"

// SubscriptionsTableName is the name of the table for subscriptions
var SubscriptionsTableName = "subscriptions"

// SubscriptionMode is the broker tick detail level
type SubscriptionMode string

const (
	ModeLTP   SubscriptionMode = "ltp"
	ModeQuote SubscriptionMode = "quote"
	ModeFull  SubscriptionMode = "full"
)

// SubscriptionStatus is the lifecycle status of a subscription row
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionInactive SubscriptionStatus = "inactive"
)

// SubscriptionModel is the persistent subscription intent for one instrument.
// Exactly one row exists per instrument token.
type SubscriptionModel struct {
	InstrumentToken   uint32             `gorm:"primaryKey" json:"instrument_token"`
	RequestedMode     SubscriptionMode   `gorm:"type:varchar(8);not null" json:"requested_mode"`
	Status            SubscriptionStatus `gorm:"type:varchar(10);index;not null" json:"status"`
	AssignedAccountID *string            `gorm:"index" json:"assigned_account_id"`
	CreatedAt         time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for the Subscription model
func (SubscriptionModel) TableName() string {
	return SubscriptionsTableName
}
