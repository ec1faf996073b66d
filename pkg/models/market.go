package models

import (
	"time"
)

type Category string

const (
	CategorySpot   Category = "spot"
	CategoryLinear Category = "linear"
)

type Ticker struct {
	Symbol    string
	BidPrice  float64
	AskPrice  float64
	LastPrice float64
	MarkPrice float64
	Volume24h float64
	Timestamp time.Time
}

// Candle is a single kline bar. End is the close timestamp of the bar;
// Confirmed indicates the bar is closed.
type Candle struct {
	Start     time.Time
	End       time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Turnover  float64
	Confirmed bool
}

// Fill is one private execution on the account.
type Fill struct {
	ExecID    string
	Symbol    string
	Side      OrderSide
	Price     float64
	Quantity  float64
	Timestamp time.Time
}

// CoinBalance is one wallet entry for a coin within an account type.
type CoinBalance struct {
	Coin          string
	AccountType   string
	WalletBalance float64
	Available     float64
}

// Position is the open futures position for a symbol. Size is unsigned;
// Side carries the direction. SignedSize folds both together.
type Position struct {
	Symbol       string
	Side         OrderSide
	Size         float64
	EntryPrice   float64
	MarkPrice    float64
	UnrealizedPL float64
	UpdatedAt    time.Time
}

func (p *Position) SignedSize() float64 {
	switch p.Side {
	case OrderSideBuy:
		return p.Size
	case OrderSideSell:
		return -p.Size
	default:
		return 0
	}
}

// InstrumentInfo carries the quantization rules for a symbol.
type InstrumentInfo struct {
	Symbol      string
	QtyStep     float64
	MinOrderQty float64
	PriceTick   float64
}

type Trend string

const (
	TrendUp      Trend = "UPTREND"
	TrendDown    Trend = "DOWNTREND"
	TrendRanging Trend = "RANGING"
)
