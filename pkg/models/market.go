package models

import (
	"time"
)

// Candle is one OHLC bar. Start is the beginning of the bar's interval.
type Candle struct {
	Start  time.Time `json:"start"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// FlatCandle returns a zero-volume candle with every price set to price.
func FlatCandle(start time.Time, price float64) Candle {
	return Candle{
		Start: start,
		Open:  price,
		High:  price,
		Low:   price,
		Close: price,
	}
}

type ChannelKind string

const (
	ChannelBook ChannelKind = "book"
	ChannelOHLC ChannelKind = "ohlc"
)
