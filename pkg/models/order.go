package models

import (
	"github.com/shopspring/decimal"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// ExecutionEstimate is the result of walking the book for a hypothetical order.
// Requested, Filled and Unfilled are in quote currency for buys and base currency for sells.
type ExecutionEstimate struct {
	Side      OrderSide       `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Requested decimal.Decimal `json:"requested"`
	Filled    decimal.Decimal `json:"filled"`
	Unfilled  decimal.Decimal `json:"unfilled"`
	Levels    int             `json:"levels"`
}

// Complete reports whether the visible book covered the whole requested size.
func (e ExecutionEstimate) Complete() bool {
	return e.Unfilled.IsZero()
}
