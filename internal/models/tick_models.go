// Package models contains the models for the Ticker API
package models

import "time"

// DepthLevel is one side level of the market depth
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity uint32  `json:"quantity"`
	Orders   uint32  `json:"orders"`
}

// MarketDepth is the five-level bid/ask book carried on FULL mode ticks.
// Levels beyond what the broker supplied are zero-filled.
type MarketDepth struct {
	Buy  [5]DepthLevel `json:"buy"`
	Sell [5]DepthLevel `json:"sell"`
}

// TickFrame is one raw, validated market-data update. It lives only
// through the processing pipeline.
type TickFrame struct {
	InstrumentToken uint32       `json:"instrument_token"`
	LastPrice       float64      `json:"last_price"`
	Volume          uint32       `json:"volume"`
	OI              uint32       `json:"oi"`
	Timestamp       time.Time    `json:"timestamp"`
	Depth           *MarketDepth `json:"depth,omitempty"`
}

// UnderlyingBar is a window-aggregated bar for an index/future/equity
type UnderlyingBar struct {
	Symbol      string  `json:"symbol"`
	LastPrice   float64 `json:"last_price"`
	Volume      uint32  `json:"volume"`
	Open        float64 `json:"open,omitempty"`
	High        float64 `json:"high,omitempty"`
	Low         float64 `json:"low,omitempty"`
	Close       float64 `json:"close,omitempty"`
	TimestampMs int64   `json:"timestamp_ms"`
}

// OptionGreeks carries the computed option sensitivities. Nil pointers mean
// the values could not be computed for this tick.
type OptionGreeks struct {
	IV    float64 `json:"iv"`
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	Rho   float64 `json:"rho"`
}

// OptionSnapshot is one enriched option tick ready for publishing
type OptionSnapshot struct {
	InstrumentToken  uint32        `json:"instrument_token"`
	Tradingsymbol    string        `json:"trading_symbol"`
	UnderlyingSymbol string        `json:"underlying_symbol"`
	Strike           float64       `json:"strike"`
	OptionType       OptionType    `json:"option_type"`
	ExpiryISO        string        `json:"expiry_iso"`
	LastPrice        float64       `json:"last_price"`
	Volume           uint32        `json:"volume"`
	OI               uint32        `json:"oi"`
	Spot             float64       `json:"spot,omitempty"`
	Greeks           *OptionGreeks `json:"greeks,omitempty"`
	Depth            *MarketDepth  `json:"depth,omitempty"`
	TimestampMs      int64         `json:"timestamp_ms"`
}

// SubscriptionEventType labels a subscription lifecycle event
type SubscriptionEventType string

const (
	EventSubscriptionCreated    SubscriptionEventType = "subscription_created"
	EventSubscriptionRemoved    SubscriptionEventType = "subscription_removed"
	EventSubscriptionReassigned SubscriptionEventType = "subscription_reassigned"
)

// SubscriptionEvent is published to the events channel on lifecycle changes
type SubscriptionEvent struct {
	EventType       SubscriptionEventType `json:"event_type"`
	InstrumentToken uint32                `json:"instrument_token"`
	Metadata        map[string]string     `json:"metadata,omitempty"`
	TimestampMs     int64                 `json:"timestamp_ms"`
}
