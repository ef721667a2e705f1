// Package candles maintains the per-asset OHLC history fed by exchange ticks
// and finalised on wall-clock interval boundaries.
package candles

import (
	"time"

	"github.com/gregtusar/marketfeed/pkg/models"
)

const DefaultHistorySize = 1000

// Tick is one OHLC update from the exchange. Values are cumulative for the
// interval ending at End.
type Tick struct {
	Time   time.Time
	End    time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Series is the candle state for one asset: a bounded history of finalised
// candles plus the candle currently being built.
type Series struct {
	history     []models.Candle
	current     models.Candle
	since       int64
	interval    time.Duration
	historySize int
}

// NewSeries seeds a series from an externally fetched snapshot. history must
// be ordered oldest first; current is the in-progress candle.
func NewSeries(history []models.Candle, current models.Candle, since int64, interval time.Duration, historySize int) *Series {
	if interval <= 0 {
		interval = time.Minute
	}
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}

	s := &Series{
		interval:    interval,
		historySize: historySize,
		since:       since,
		history:     make([]models.Candle, 0, len(history)),
	}
	for _, c := range history {
		s.appendBridged(c)
	}
	s.current = current
	return s
}

func (s *Series) Interval() time.Duration { return s.interval }

func (s *Series) Current() models.Candle { return s.current }

// Since is the watermark for the next historical fetch.
func (s *Series) Since() int64 { return s.since }

func (s *Series) LastPrice() float64 { return s.current.Close }

func (s *Series) Len() int { return len(s.history) }

// Candles returns a copy of the finalised history, oldest first.
func (s *Series) Candles() []models.Candle {
	return append([]models.Candle(nil), s.history...)
}

// Lookup finds the finalised candle starting at start.
func (s *Series) Lookup(start time.Time) (models.Candle, bool) {
	for i := len(s.history) - 1; i >= 0; i-- {
		c := s.history[i]
		if c.Start.Equal(start) {
			return c, true
		}
		if c.Start.Before(start) {
			break
		}
	}
	return models.Candle{}, false
}

// ApplyTick folds an exchange tick into the in-progress candle. Ticks for an
// interval that already ended are dropped. A tick for a later interval rolls
// the current candle into history and starts a new one from the tick. It
// reports whether the tick changed any state.
func (s *Series) ApplyTick(t Tick) bool {
	if !t.End.After(s.current.Start) {
		return false
	}

	start := t.End.Add(-s.interval)
	if start.After(s.current.Start) {
		s.appendBridged(s.current)
		s.current = models.Candle{
			Start:  start,
			Open:   t.Open,
			High:   t.High,
			Low:    t.Low,
			Close:  t.Close,
			Volume: t.Volume,
		}
		return true
	}

	s.current.Close = t.Close
	s.current.High = max(s.current.High, t.High)
	s.current.Low = min(s.current.Low, t.Low)
	s.current.Volume = t.Volume
	return true
}

// Finalize closes the in-progress candle if it does not start at boundary.
// Skipped intervals are filled with flat candles so the history stays evenly
// spaced, and a new zero-volume candle is opened at boundary.
func (s *Series) Finalize(boundary time.Time) (models.Candle, bool) {
	if !s.current.Start.Before(boundary) {
		return models.Candle{}, false
	}

	finalized := s.current
	s.appendBridged(finalized)

	last := s.history[len(s.history)-1]
	for t := last.Start.Add(s.interval); t.Before(boundary); t = t.Add(s.interval) {
		s.appendBridged(models.FlatCandle(t, last.Close))
	}

	if unix := finalized.Start.Unix(); unix > s.since {
		s.since = unix
	}

	s.current = models.FlatCandle(boundary, last.Close)
	return s.history[len(s.history)-1], true
}

// appendBridged appends c after aligning its open with the previous close and
// filling any gap with flat candles. Candles that do not advance the history
// are dropped.
func (s *Series) appendBridged(c models.Candle) {
	if n := len(s.history); n > 0 {
		prev := s.history[n-1]
		if !c.Start.After(prev.Start) {
			return
		}
		for t := prev.Start.Add(s.interval); t.Before(c.Start); t = t.Add(s.interval) {
			s.history = append(s.history, models.FlatCandle(t, prev.Close))
		}
		c.Open = prev.Close
		c.High = max(c.High, c.Open)
		c.Low = min(c.Low, c.Open)
	}

	s.history = append(s.history, c)
	s.trim()
}

func (s *Series) trim() {
	excess := len(s.history) - s.historySize
	if excess <= 0 {
		return
	}
	n := copy(s.history, s.history[excess:])
	s.history = s.history[:n]
}
