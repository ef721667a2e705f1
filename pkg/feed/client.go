// Package feed maintains checksum-verified order books and minute candles for
// a set of assets from the exchange's websocket feed.
//
// The read loop and the candle timer both mutate per-asset state while
// holding Client.mu, so every frame and every timer tick is applied atomically
// and frames are applied in arrival order. Callbacks run without the lock.
package feed

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gregtusar/marketfeed/pkg/candles"
	"github.com/gregtusar/marketfeed/pkg/kraken"
	"github.com/gregtusar/marketfeed/pkg/models"
	"github.com/gregtusar/marketfeed/pkg/orderbook"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type Config struct {
	URL              string
	Quote            string
	BookDepth        int
	HistorySize      int
	CandleInterval   time.Duration
	SubscribeTimeout time.Duration
	WatchdogTimeout  time.Duration
	// ResubscribeRate caps how often a failed subscription is retried, per second.
	ResubscribeRate float64
}

func DefaultConfig() Config {
	return Config{
		URL:              kraken.DefaultWebSocketURL,
		Quote:            "USD",
		BookDepth:        orderbook.DefaultDepth,
		HistorySize:      candles.DefaultHistorySize,
		CandleInterval:   time.Minute,
		SubscribeTimeout: 5 * time.Second,
		WatchdogTimeout:  10 * time.Second,
		ResubscribeRate:  1,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.URL == "" {
		c.URL = def.URL
	}
	if c.Quote == "" {
		c.Quote = def.Quote
	}
	if c.BookDepth <= 0 {
		c.BookDepth = def.BookDepth
	}
	if c.HistorySize <= 0 {
		c.HistorySize = def.HistorySize
	}
	if c.CandleInterval <= 0 {
		c.CandleInterval = def.CandleInterval
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = def.SubscribeTimeout
	}
	if c.WatchdogTimeout <= 0 {
		c.WatchdogTimeout = def.WatchdogTimeout
	}
	if c.ResubscribeRate <= 0 {
		c.ResubscribeRate = def.ResubscribeRate
	}
	return c
}

type (
	NewCandleHandler  = func(asset string, candle models.Candle)
	DisconnectHandler = func()
)

type assetState struct {
	asset string
	pair  string

	book           *orderbook.Book
	bookReady      chan struct{}
	lastBookUpdate time.Time

	prices       *candles.Series
	lastNotified time.Time

	subs map[models.ChannelKind]*subscription
}

func newAssetState(asset, pair string) *assetState {
	return &assetState{
		asset: asset,
		pair:  pair,
		subs: map[models.ChannelKind]*subscription{
			models.ChannelBook: {kind: models.ChannelBook},
			models.ChannelOHLC: {kind: models.ChannelOHLC},
		},
	}
}

// reset drops everything tied to the current connection. The asset itself
// stays known.
func (s *assetState) reset() {
	s.book = nil
	s.bookReady = nil
	s.prices = nil
	s.lastNotified = time.Time{}
	for _, sub := range s.subs {
		sub.channelID = 0
		sub.state = StateUnsubscribed
	}
}

// Client is the market-data client. Create it with New.
type Client struct {
	cfg    Config
	dialer kraken.Dialer
	logger *logrus.Logger
	now    func() time.Time

	retryLimiter  *rate.Limiter
	timerDisabled bool
	offsetChanged chan struct{}

	mu            sync.Mutex
	conn          kraken.Conn
	connected     bool
	connID        uint64
	cancelConn    context.CancelFunc
	connCtx       context.Context
	lastMessageAt time.Time
	clockOffset   time.Duration
	assets        map[string]*assetState
	pairs         map[string]string
	order         []string
	pending       map[subKey]*pendingRequest

	writeMu sync.Mutex

	handlerMu          sync.RWMutex
	newCandleHandlers  []NewCandleHandler
	disconnectHandlers []DisconnectHandler
}

func New(cfg Config, dialer kraken.Dialer, logger *logrus.Logger) *Client {
	cfg = cfg.withDefaults()
	if dialer == nil {
		dialer = kraken.NewWebSocketDialer()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Client{
		cfg:           cfg,
		dialer:        dialer,
		logger:        logger,
		now:           time.Now,
		retryLimiter:  rate.NewLimiter(rate.Limit(cfg.ResubscribeRate), 1),
		offsetChanged: make(chan struct{}, 1),
		assets:        make(map[string]*assetState),
		pairs:         make(map[string]string),
		pending:       make(map[subKey]*pendingRequest),
	}
}

// Pair is the exchange pair name for asset.
func (c *Client) Pair(asset string) string {
	return normalizeAsset(asset) + "/" + c.cfg.Quote
}

func (c *Client) Config() Config { return c.cfg }

// Connect dials the exchange and starts the read loop and the candle timer.
// Connecting while connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}

	conn, err := c.dialer.Dial(ctx, c.cfg.URL)
	if err != nil {
		return &ConnectionError{URL: c.cfg.URL, Err: err}
	}

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.connID++
	id := c.connID
	connCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.connected = true
	c.connCtx = connCtx
	c.cancelConn = cancel
	c.lastMessageAt = c.now()
	c.mu.Unlock()

	go c.readLoop(id, conn)
	if !c.timerDisabled {
		go c.candleLoop(connCtx)
	}

	c.logger.WithField("url", c.cfg.URL).Info("Connected to market data feed")
	return nil
}

// Disconnect closes the transport and tears down connection state.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	id := c.connID
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	c.teardown(id, nil)
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// OnNewCandle registers a handler called once per asset for every finalised candle.
func (c *Client) OnNewCandle(handler NewCandleHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.newCandleHandlers = append(c.newCandleHandlers, handler)
}

// OnDisconnect registers a handler called after every connection teardown.
// Handlers run on their own goroutine, never inside the teardown itself.
func (c *Client) OnDisconnect(handler DisconnectHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.disconnectHandlers = append(c.disconnectHandlers, handler)
}

// SetClockOffset sets server time minus local time, used to align candle
// boundaries with the exchange clock.
func (c *Client) SetClockOffset(offset time.Duration) {
	c.mu.Lock()
	c.clockOffset = offset
	c.mu.Unlock()

	select {
	case c.offsetChanged <- struct{}{}:
	default:
	}
}

func (c *Client) ClockOffset() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clockOffset
}

// Assets returns every asset added so far, in the order they were added.
func (c *Client) Assets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

// AddAsset registers asset and subscribes to its book and OHLC channels.
// The asset stays known across reconnects, but the caller must add it again
// after every Connect.
func (c *Client) AddAsset(ctx context.Context, asset string) error {
	asset = normalizeAsset(asset)

	c.mu.Lock()
	if _, ok := c.assets[asset]; !ok {
		pair := c.Pair(asset)
		c.assets[asset] = newAssetState(asset, pair)
		c.pairs[pair] = asset
		c.order = append(c.order, asset)
	}
	c.mu.Unlock()

	for _, kind := range []models.ChannelKind{models.ChannelBook, models.ChannelOHLC} {
		if err := c.subscribe(ctx, asset, kind); err != nil {
			return err
		}
	}

	c.logger.WithField("asset", asset).Info("Asset added")
	return nil
}

// WaitForBook blocks until the first book update after the latest book
// subscription has been applied.
func (c *Client) WaitForBook(ctx context.Context, asset string) error {
	asset = normalizeAsset(asset)

	c.mu.Lock()
	st, ok := c.assets[asset]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownAsset
	}
	if st.book != nil {
		c.mu.Unlock()
		return nil
	}
	ready := st.bookReady
	c.mu.Unlock()

	if ready == nil {
		return ErrNotConnected
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) readLoop(id uint64, conn kraken.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.teardown(id, err)
			return
		}
		c.handleMessage(message)
	}
}

// teardown runs once per connection, whichever of Disconnect, a read error or
// the watchdog gets there first.
func (c *Client) teardown(id uint64, cause error) {
	c.mu.Lock()
	if !c.connected || c.connID != id {
		c.mu.Unlock()
		return
	}

	conn := c.conn
	c.conn = nil
	c.connected = false
	c.cancelConn()
	c.cancelConn = nil
	c.connCtx = nil

	for _, st := range c.assets {
		st.reset()
	}
	for key, req := range c.pending {
		req.resolve(ErrNotConnected)
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if err := conn.Close(); err != nil {
		c.logger.WithError(err).Debug("Error closing connection")
	}

	entry := c.logger.WithField("conn", id)
	if cause != nil {
		entry = entry.WithError(cause)
	}
	entry.Warn("Disconnected from market data feed")

	c.handlerMu.RLock()
	handlers := append([]DisconnectHandler(nil), c.disconnectHandlers...)
	c.handlerMu.RUnlock()

	go func() {
		for _, h := range handlers {
			h()
		}
	}()
}

func (c *Client) write(conn kraken.Conn, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(kraken.TextMessage, payload)
}

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
