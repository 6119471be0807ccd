// Package models contains the models for the Ticker API
package models

import (
	"strings"
	"time"
)

// InstrumentsTableName is the name of the table for instruments
var InstrumentsTableName = "instruments"

// Segment is the normalized instrument segment
type Segment string

const (
	SegmentIndex   Segment = "index"
	SegmentFutures Segment = "futures"
	SegmentOptions Segment = "options"
	SegmentEquity  Segment = "equity"
)

// OptionType is the option contract type
type OptionType string

const (
	OptionTypeCE   OptionType = "CE"
	OptionTypePE   OptionType = "PE"
	OptionTypeNone OptionType = ""
)

// InstrumentModel represents a trading instrument from the broker dump
type InstrumentModel struct {
	InstrumentToken uint32    `gorm:"primaryKey;uniqueIndex;index" csv:"instrument_token" json:"instrument_token"`
	ExchangeToken   uint32    `csv:"exchange_token" json:"exchange_token"`
	Tradingsymbol   string    `gorm:"index:idx_exchange_tradingsymbol,priority:2" csv:"tradingsymbol" json:"tradingsymbol"`
	Name            string    `csv:"name" json:"name"`
	LastPrice       float64   `csv:"last_price" json:"last_price"`
	Expiry          string    `gorm:"index" csv:"expiry" json:"expiry"`
	Strike          float64   `csv:"strike" json:"strike"`
	TickSize        float64   `csv:"tick_size" json:"tick_size"`
	LotSize         uint      `csv:"lot_size" json:"lot_size"`
	InstrumentType  string    `csv:"instrument_type" json:"instrument_type"`
	Segment         string    `csv:"segment" json:"segment"`
	Exchange        string    `gorm:"index:idx_exchange_tradingsymbol,priority:1" csv:"exchange" json:"exchange"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"-"`
}

// TableName specifies the table name for the Instrument model
func (InstrumentModel) TableName() string {
	return InstrumentsTableName
}

// NormalizedSegment maps the broker segment string to the internal sum type
func (i InstrumentModel) NormalizedSegment() Segment {
	switch {
	case i.Segment == "INDICES":
		return SegmentIndex
	case strings.HasSuffix(i.Segment, "-OPT"):
		return SegmentOptions
	case strings.HasSuffix(i.Segment, "-FUT"):
		return SegmentFutures
	default:
		return SegmentEquity
	}
}

// OptionContractType returns CE/PE for options, none otherwise
func (i InstrumentModel) OptionContractType() OptionType {
	switch i.InstrumentType {
	case "CE":
		return OptionTypeCE
	case "PE":
		return OptionTypePE
	default:
		return OptionTypeNone
	}
}

// ExpiryDate parses the broker expiry column. Returns zero time for
// non-derivative instruments.
func (i InstrumentModel) ExpiryDate() time.Time {
	if i.Expiry == "" {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02", i.Expiry)
	if err != nil {
		return time.Time{}
	}
	return t
}

// IsExpiredOn reports whether the instrument expiry is strictly before the
// given market date. Instruments without an expiry never expire.
func (i InstrumentModel) IsExpiredOn(marketDate time.Time) bool {
	expiry := i.ExpiryDate()
	if expiry.IsZero() {
		return false
	}
	y1, m1, d1 := expiry.Date()
	y2, m2, d2 := marketDate.Date()
	if y1 != y2 {
		return y1 < y2
	}
	if m1 != m2 {
		return m1 < m2
	}
	return d1 < d2
}

// UnderlyingSymbol returns the canonical underlying for derivatives, or the
// tradingsymbol itself for cash instruments.
func (i InstrumentModel) UnderlyingSymbol() string {
	if i.Name != "" {
		return NormalizeUnderlyingSymbol(i.Name)
	}
	return NormalizeUnderlyingSymbol(i.Tradingsymbol)
}

// indexSymbolAliases maps exchange-decorated index names to canonical roots
var indexSymbolAliases = map[string]string{
	"NIFTY 50":        "NIFTY",
	"NIFTY BANK":      "BANKNIFTY",
	"NIFTY FIN SERVE": "FINNIFTY",
	"NIFTY MID SELECT": "MIDCPNIFTY",
	"SENSEX":          "SENSEX",
	"BANKEX":          "BANKEX",
}

// NormalizeUnderlyingSymbol maps exchange-decorated forms to the canonical root
func NormalizeUnderlyingSymbol(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if idx := strings.Index(symbol, ":"); idx >= 0 {
		symbol = symbol[idx+1:]
	}
	if canonical, ok := indexSymbolAliases[symbol]; ok {
		return canonical
	}
	return symbol
}
