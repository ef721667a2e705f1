package feed

import (
	"context"
	"time"

	"github.com/gregtusar/marketfeed/pkg/models"
)

type candleEvent struct {
	asset  string
	candle models.Candle
}

// candleLoop fires on every interval boundary of the exchange clock until
// the connection goes away. A new clock offset re-arms the pending timer.
func (c *Client) candleLoop(ctx context.Context) {
	timer := time.NewTimer(c.nextTickDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.offsetChanged:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.nextTickDelay())
		case <-timer.C:
			c.onCandleTick(c.now())
			timer.Reset(c.nextTickDelay())
		}
	}
}

func (c *Client) nextTickDelay() time.Duration {
	return nextBoundaryDelay(c.now(), c.ClockOffset(), c.cfg.CandleInterval)
}

// nextBoundaryDelay is how long to wait from now until the next interval
// boundary of the server clock. A boundary reached exactly yields a full interval.
func nextBoundaryDelay(now time.Time, offset, interval time.Duration) time.Duration {
	server := now.Add(offset)
	elapsed := server.Sub(server.Truncate(interval))
	return interval - elapsed
}

// onCandleTick runs the per-boundary work: the liveness watchdog, candle
// finalisation for every initialised asset, new-candle notifications and the
// book freshness check.
func (c *Client) onCandleTick(now time.Time) {
	interval := c.cfg.CandleInterval

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}

	idle := now.Sub(c.lastMessageAt)
	stalled := idle > c.cfg.WatchdogTimeout
	conn := c.conn

	boundary := now.Add(c.clockOffset).Round(interval)
	for _, asset := range c.order {
		if st := c.assets[asset]; st.prices != nil {
			st.prices.Finalize(boundary)
		}
	}

	// The previous candle may already have been closed by an OHLC update.
	var events []candleEvent
	var stale []string
	previous := boundary.Add(-interval)
	for _, asset := range c.order {
		st := c.assets[asset]
		if st.prices != nil && previous.After(st.lastNotified) {
			if candle, ok := st.prices.Lookup(previous); ok {
				st.lastNotified = candle.Start
				events = append(events, candleEvent{asset: asset, candle: candle})
			}
		}
		if !stalled && now.Sub(st.lastBookUpdate) > 2*interval && c.beginResyncLocked(st) {
			stale = append(stale, asset)
		}
	}
	ctx := c.connCtx
	c.mu.Unlock()

	if stalled {
		c.logger.WithField("idle", idle).Warn("No messages from exchange, closing connection")
		if err := conn.Close(); err != nil {
			c.logger.WithError(err).Debug("Error closing stalled connection")
		}
	}

	for _, asset := range stale {
		c.logger.WithField("asset", asset).Warn("Order book stopped updating")
	}
	c.startResyncs(ctx, stale)

	if len(events) == 0 {
		return
	}
	c.handlerMu.RLock()
	handlers := append([]NewCandleHandler(nil), c.newCandleHandlers...)
	c.handlerMu.RUnlock()

	for _, ev := range events {
		for _, h := range handlers {
			h(ev.asset, ev.candle)
		}
	}
}
