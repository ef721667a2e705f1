package feed

import (
	"github.com/gregtusar/marketfeed/pkg/candles"
	"github.com/gregtusar/marketfeed/pkg/kraken"
	"github.com/gregtusar/marketfeed/pkg/models"
	"github.com/gregtusar/marketfeed/pkg/orderbook"
	"github.com/sirupsen/logrus"
)

// handleMessage decodes one frame and applies it under the state lock.
func (c *Client) handleMessage(raw []byte) {
	frame, err := kraken.ParseFrame(raw)

	c.mu.Lock()
	c.lastMessageAt = c.now()
	if err != nil {
		c.mu.Unlock()
		c.logger.WithError(err).WithField("frame", truncate(raw, 256)).Warn("Dropping malformed frame")
		return
	}

	var resync []string
	switch frame.Kind {
	case kraken.FrameEvent:
		c.handleEventLocked(frame.Event)
	case kraken.FrameBook:
		if asset, ok := c.handleBookLocked(frame.Book); ok {
			resync = append(resync, asset)
		}
	case kraken.FrameOHLC:
		c.handleOHLCLocked(frame.OHLC)
	default:
		c.logger.WithField("frame", truncate(raw, 256)).Debug("Ignoring frame")
	}
	ctx := c.connCtx
	c.mu.Unlock()

	c.startResyncs(ctx, resync)
}

func (c *Client) handleEventLocked(ev *kraken.Event) {
	switch ev.Event {
	case kraken.EventHeartbeat:
	case kraken.EventSystemStatus:
		c.logger.WithField("status", ev.Status).Info("Exchange system status")
	case kraken.EventSubscriptionStatus:
		c.handleSubscriptionStatusLocked(ev)
	default:
		c.logger.WithField("event", ev.Event).Debug("Ignoring event")
	}
}

// handleBookLocked applies a book frame and verifies the checksum. It reports
// the asset when the book has to be resynchronised.
func (c *Client) handleBookLocked(msg *kraken.BookMessage) (string, bool) {
	st, ok := c.assetForPairLocked(msg.Pair)
	if !ok || st.subs[models.ChannelBook].state != StateSubscribed {
		return "", false
	}
	logger := c.logger.WithField("asset", st.asset)

	asks, err := toLevels(msg.Asks)
	if err != nil {
		logger.WithError(err).Warn("Dropping book frame")
		return "", false
	}
	bids, err := toLevels(msg.Bids)
	if err != nil {
		logger.WithError(err).Warn("Dropping book frame")
		return "", false
	}

	st.lastBookUpdate = c.now()

	if st.book == nil || msg.Snapshot {
		st.book = orderbook.New(c.cfg.BookDepth)
		st.book.ApplySnapshot(asks, bids)
		if st.bookReady != nil {
			close(st.bookReady)
			st.bookReady = nil
		}
		logger.WithFields(logrus.Fields{
			"asks": len(st.book.Asks()),
			"bids": len(st.book.Bids()),
		}).Debug("Book snapshot applied")
		return "", false
	}

	st.book.ApplyDelta(asks, bids)
	if msg.Checksum == "" {
		return "", false
	}

	want, err := orderbook.ParseChecksum(msg.Checksum)
	if err != nil {
		logger.WithError(err).Warn("Unreadable book checksum")
		return st.asset, c.beginResyncLocked(st)
	}
	if got := st.book.Checksum(); got != want {
		logger.WithFields(logrus.Fields{
			"expected": want,
			"computed": got,
		}).Warn("Book checksum mismatch")
		return st.asset, c.beginResyncLocked(st)
	}
	return "", false
}

// handleOHLCLocked folds an OHLC update into the asset's current candle. Updates
// are dropped until the asset's history has been initialised.
func (c *Client) handleOHLCLocked(msg *kraken.OHLCMessage) {
	st, ok := c.assetForPairLocked(msg.Pair)
	if !ok || st.prices == nil {
		return
	}

	applied := st.prices.ApplyTick(candles.Tick{
		Time:   msg.Time,
		End:    msg.End,
		Open:   msg.Open,
		High:   msg.High,
		Low:    msg.Low,
		Close:  msg.Close,
		Volume: msg.Volume,
	})
	if !applied {
		c.logger.WithField("asset", st.asset).WithField("end", msg.End).Debug("Ignoring stale OHLC update")
	}
}

func (c *Client) assetForPairLocked(pair string) (*assetState, bool) {
	asset, ok := c.pairs[pair]
	if !ok {
		return nil, false
	}
	st, ok := c.assets[asset]
	return st, ok
}

func toLevels(raw []kraken.PriceLevel) ([]orderbook.Level, error) {
	levels := make([]orderbook.Level, 0, len(raw))
	for _, l := range raw {
		level, err := orderbook.NewLevel(l.Price, l.Volume)
		if err != nil {
			return nil, err
		}
		levels = append(levels, level)
	}
	return levels, nil
}

func truncate(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}
