package models

import (
	"time"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "Buy"
	OrderSideSell OrderSide = "Sell"
)

// Opposite returns the other side, used when unwinding exposure.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
)

type TimeInForce string

const (
	TimeInForceGTC      TimeInForce = "GTC"
	TimeInForceIOC      TimeInForce = "IOC"
	TimeInForcePostOnly TimeInForce = "PostOnly"
)

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "New"
	OrderStatusPartiallyFilled OrderStatus = "PartiallyFilled"
	OrderStatusFilled          OrderStatus = "Filled"
	OrderStatusCancelled       OrderStatus = "Cancelled"
	OrderStatusRejected        OrderStatus = "Rejected"
)

type Order struct {
	OrderID     string
	Symbol      string
	Side        OrderSide
	Type        OrderType
	Price       float64
	Quantity    float64
	FilledQty   float64
	Status      OrderStatus
	TimeInForce TimeInForce
	ReduceOnly  bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type OrderRequest struct {
	Category    Category
	Symbol      string
	Side        OrderSide
	Type        OrderType
	Price       float64
	Quantity    float64
	TimeInForce TimeInForce
	ReduceOnly  bool
}
