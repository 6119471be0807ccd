// Package models contains the models for the Ticker API
package models

import "time"

// OrderTasksTableName is the name of the table for order tasks
var OrderTasksTableName = "order_tasks"

// OrderOperation is the broker order operation kind
type OrderOperation string

const (
	OrderOpPlace  OrderOperation = "place"
	OrderOpModify OrderOperation = "modify"
	OrderOpCancel OrderOperation = "cancel"
	OrderOpExit   OrderOperation = "exit"
)

// OrderTaskStatus is the task state machine state
type OrderTaskStatus string

const (
	OrderTaskPending    OrderTaskStatus = "pending"
	OrderTaskRunning    OrderTaskStatus = "running"
	OrderTaskCompleted  OrderTaskStatus = "completed"
	OrderTaskFailed     OrderTaskStatus = "failed"
	OrderTaskDeadLetter OrderTaskStatus = "dead_letter"
)

// IsTerminal reports whether no further transitions are allowed from the status
func (s OrderTaskStatus) IsTerminal() bool {
	return s == OrderTaskCompleted || s == OrderTaskDeadLetter
}

// OrderParams are the broker-facing order parameters
type OrderParams struct {
	Tradingsymbol   string  `json:"tradingsymbol"`
	Exchange        string  `json:"exchange"`
	TransactionType string  `json:"transaction_type"`
	Quantity        int     `json:"quantity"`
	OrderType       string  `json:"order_type"`
	Product         string  `json:"product"`
	Price           float64 `json:"price,omitempty"`
	TriggerPrice    float64 `json:"trigger_price,omitempty"`
	OrderID         string  `json:"order_id,omitempty"`
	Validity        string  `json:"validity,omitempty"`
}

// OrderTaskModel is one durable order-execution task
type OrderTaskModel struct {
	ID             string          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Operation      OrderOperation  `gorm:"type:varchar(8);not null" json:"operation"`
	Params         string          `gorm:"type:text;not null" json:"-"`
	AccountID      string          `gorm:"index;not null" json:"account_id"`
	IdempotencyKey string          `gorm:"index:idx_idem_created,priority:1;not null" json:"idempotency_key"`
	Status         OrderTaskStatus `gorm:"type:varchar(12);index;not null" json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	NextAttemptAt  time.Time       `gorm:"index" json:"next_attempt_at"`
	LastError      string          `json:"last_error,omitempty"`
	Result         string          `gorm:"type:text" json:"result,omitempty"`
	CreatedAt      time.Time       `gorm:"autoCreateTime;index:idx_idem_created,priority:2" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for the OrderTask model
func (OrderTaskModel) TableName() string {
	return OrderTasksTableName
}
