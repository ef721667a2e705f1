package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gregtusar/marketfeed/pkg/kraken"
	"github.com/gregtusar/marketfeed/pkg/models"
)

type SubscriptionState int

const (
	StateUnsubscribed SubscriptionState = iota
	StateSubscribing
	StateSubscribed
	StateUnsubscribing
)

func (s SubscriptionState) String() string {
	switch s {
	case StateUnsubscribed:
		return "unsubscribed"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	case StateUnsubscribing:
		return "unsubscribing"
	default:
		return "unknown"
	}
}

type subscription struct {
	kind      models.ChannelKind
	channelID int64
	state     SubscriptionState
}

type subKey struct {
	asset string
	kind  models.ChannelKind
}

// pendingRequest is a subscribe or unsubscribe waiting for its status event.
type pendingRequest struct {
	event string
	done  chan error
}

func (r *pendingRequest) resolve(err error) {
	select {
	case r.done <- err:
	default:
	}
}

// SubscriptionStatus reports the state and channel id of one of asset's channels.
func (c *Client) SubscriptionStatus(asset string, kind models.ChannelKind) (SubscriptionState, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.assets[normalizeAsset(asset)]
	if !ok {
		return StateUnsubscribed, 0
	}
	sub, ok := st.subs[kind]
	if !ok {
		return StateUnsubscribed, 0
	}
	return sub.state, sub.channelID
}

// subscribe keeps trying until the exchange acknowledges the subscription.
// After each failure the channel is unsubscribed to clear partial state.
// It gives up as soon as the connection is gone.
func (c *Client) subscribe(ctx context.Context, asset string, kind models.ChannelKind) error {
	logger := c.logger.WithField("asset", asset).WithField("channel", kind)

	for attempt := 1; ; attempt++ {
		err := c.request(ctx, asset, kind, kraken.EventSubscribe)
		if err == nil {
			logger.Debug("Subscribed")
			return nil
		}
		if giveUp(ctx, err) {
			return fmt.Errorf("feed: subscribe %s %s: %w", asset, kind, err)
		}
		logger.WithError(err).WithField("attempt", attempt).Warn("Subscription failed, retrying")

		if err := c.retryLimiter.Wait(ctx); err != nil {
			return fmt.Errorf("feed: subscribe %s %s: %w", asset, kind, err)
		}
		if err := c.request(ctx, asset, kind, kraken.EventUnsubscribe); err != nil {
			if giveUp(ctx, err) {
				return fmt.Errorf("feed: subscribe %s %s: %w", asset, kind, err)
			}
			logger.WithError(err).Debug("Unsubscribe before retry failed")
		}
	}
}

func (c *Client) unsubscribe(ctx context.Context, asset string, kind models.ChannelKind) error {
	if err := c.request(ctx, asset, kind, kraken.EventUnsubscribe); err != nil {
		return fmt.Errorf("feed: unsubscribe %s %s: %w", asset, kind, err)
	}
	return nil
}

func giveUp(ctx context.Context, err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrUnknownAsset) || ctx.Err() != nil
}

// request sends one subscribe or unsubscribe frame and waits for the matching
// status event. A status event that arrives after the wait ended is ignored.
func (c *Client) request(ctx context.Context, asset string, kind models.ChannelKind, event string) error {
	key := subKey{asset: asset, kind: kind}

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	st, ok := c.assets[asset]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownAsset
	}
	if old, ok := c.pending[key]; ok {
		old.resolve(errSuperseded)
	}
	req := &pendingRequest{event: event, done: make(chan error, 1)}
	c.pending[key] = req
	if event == kraken.EventSubscribe {
		st.subs[kind].state = StateSubscribing
	} else {
		st.subs[kind].state = StateUnsubscribing
	}
	conn := c.conn
	pair := st.pair
	c.mu.Unlock()

	payload, err := kraken.EncodeSubscribe(event, pair, c.subscriptionSpec(kind))
	if err != nil {
		c.clearPending(key, req)
		return err
	}
	if err := c.write(conn, payload); err != nil {
		c.clearPending(key, req)
		if !c.IsConnected() {
			return ErrNotConnected
		}
		return fmt.Errorf("feed: send %s: %w", event, err)
	}

	timer := time.NewTimer(c.cfg.SubscribeTimeout)
	defer timer.Stop()

	select {
	case err := <-req.done:
		return err
	case <-timer.C:
		c.clearPending(key, req)
		return ErrSubscriptionTimeout
	case <-ctx.Done():
		c.clearPending(key, req)
		return ctx.Err()
	}
}

func (c *Client) clearPending(key subKey, req *pendingRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[key] == req {
		delete(c.pending, key)
	}
}

func (c *Client) subscriptionSpec(kind models.ChannelKind) kraken.SubscriptionSpec {
	if kind == models.ChannelOHLC {
		return kraken.OHLCSubscription(int(c.cfg.CandleInterval / time.Minute))
	}
	return kraken.BookSubscription(c.cfg.BookDepth)
}

// handleSubscriptionStatusLocked applies a status event to the request waiting
// for it. Called with c.mu held.
func (c *Client) handleSubscriptionStatusLocked(ev *kraken.Event) {
	logger := c.logger.WithField("pair", ev.Pair).WithField("status", ev.Status)

	asset, ok := c.pairs[ev.Pair]
	if !ok || ev.Subscription == nil {
		logger.Debug("Status event for unknown subscription")
		return
	}
	kind := models.ChannelKind(ev.Subscription.Name)
	key := subKey{asset: asset, kind: kind}

	req, ok := c.pending[key]
	if !ok {
		logger.WithField("channel", kind).Debug("Ignoring status event with no pending request")
		return
	}
	delete(c.pending, key)

	st := c.assets[asset]
	sub := st.subs[kind]

	var result error
	switch {
	case req.event == kraken.EventSubscribe && ev.Status == kraken.StatusSubscribed:
		sub.channelID = ev.ChannelID
		sub.state = StateSubscribed
		if kind == models.ChannelBook {
			st.book = nil
			st.bookReady = make(chan struct{})
			st.lastBookUpdate = c.now()
		}
	case req.event == kraken.EventUnsubscribe &&
		(ev.Status == kraken.StatusUnsubscribed || subscriptionNotFound(ev)):
		sub.channelID = 0
		sub.state = StateUnsubscribed
	default:
		result = fmt.Errorf("%w: %s %s: %s %s", ErrSubscriptionRejected, req.event, ev.Pair, ev.Status, ev.ErrorMessage)
	}
	req.resolve(result)
}

func subscriptionNotFound(ev *kraken.Event) bool {
	return ev.Status == kraken.StatusError &&
		strings.Contains(strings.ToLower(ev.ErrorMessage), "not found")
}

// beginResyncLocked claims the book channel for a resync. Only a subscribed
// channel can be claimed, so a burst of bad frames starts exactly one cycle.
func (c *Client) beginResyncLocked(st *assetState) bool {
	sub := st.subs[models.ChannelBook]
	if !c.connected || sub.state != StateSubscribed {
		return false
	}
	sub.state = StateUnsubscribing
	return true
}

// resync unsubscribes and resubscribes the book so the exchange sends a
// fresh snapshot.
func (c *Client) resync(ctx context.Context, asset string) {
	logger := c.logger.WithField("asset", asset)
	logger.Warn("Resynchronising order book")

	if err := c.unsubscribe(ctx, asset, models.ChannelBook); err != nil {
		if giveUp(ctx, err) {
			logger.WithError(err).Debug("Resync abandoned")
			return
		}
		logger.WithError(err).Warn("Unsubscribe during resync failed")
	}
	if err := c.subscribe(ctx, asset, models.ChannelBook); err != nil {
		logger.WithError(err).Warn("Resubscribe during resync failed")
	}
}

func (c *Client) startResyncs(ctx context.Context, assets []string) {
	if ctx == nil {
		return
	}
	for _, asset := range assets {
		go c.resync(ctx, asset)
	}
}
