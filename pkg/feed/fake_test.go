package feed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/marketfeed/pkg/kraken"
	"github.com/gregtusar/marketfeed/pkg/orderbook"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var errFakeClosed = errors.New("fake: connection closed")

// fakeConn plays the exchange side of the socket. Every subscribe or
// unsubscribe request is recorded and passed to responder, whose frames are
// queued for the client to read.
type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	requests  []kraken.SubscribeRequest
	responder func(n int, req kraken.SubscribeRequest) []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:   make(chan []byte, 256),
		closed:    make(chan struct{}),
		responder: ackAll,
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case <-f.closed:
		return 0, nil, errFakeClosed
	case msg := <-f.inbound:
		return kraken.TextMessage, msg, nil
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-f.closed:
		return errFakeClosed
	default:
	}

	var req kraken.SubscribeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	n := len(f.requests)
	respond := f.responder
	f.mu.Unlock()

	if respond != nil {
		for _, frame := range respond(n, req) {
			f.send(frame)
		}
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) send(frame string) {
	f.inbound <- []byte(frame)
}

func (f *fakeConn) setResponder(fn func(n int, req kraken.SubscribeRequest) []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responder = fn
}

func (f *fakeConn) Requests() []kraken.SubscribeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kraken.SubscribeRequest(nil), f.requests...)
}

func (f *fakeConn) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (kraken.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	if len(d.conns) == 0 {
		return nil, errors.New("fake: no more connections")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testStart = time.Date(2024, 1, 2, 10, 0, 59, 0, time.UTC)

func newTestClient(t *testing.T, dialer kraken.Dialer, opts ...func(*Config)) (*Client, *fakeClock) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.SubscribeTimeout = 100 * time.Millisecond
	cfg.ResubscribeRate = 1000
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	clock := &fakeClock{now: testStart}
	c := New(cfg, dialer, logger)
	c.now = clock.Now
	c.timerDisabled = true
	t.Cleanup(func() { _ = c.Disconnect() })
	return c, clock
}

// connectedClient returns a client connected to conn with XBT added.
func connectedClient(t *testing.T, conn *fakeConn, opts ...func(*Config)) (*Client, *fakeClock) {
	t.Helper()

	c, clock := newTestClient(t, &fakeDialer{conns: []*fakeConn{conn}}, opts...)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.AddAsset(context.Background(), "XBT"))
	return c, clock
}

func ackAll(n int, req kraken.SubscribeRequest) []string {
	if req.Event == kraken.EventUnsubscribe {
		return []string{statusFrame(req, kraken.StatusUnsubscribed, 0, "")}
	}
	return []string{statusFrame(req, kraken.StatusSubscribed, int64(100+n), "")}
}

func statusFrame(req kraken.SubscribeRequest, status string, channelID int64, errMsg string) string {
	ev := map[string]any{
		"event":        kraken.EventSubscriptionStatus,
		"status":       status,
		"pair":         req.Pair[0],
		"channelID":    channelID,
		"subscription": map[string]any{"name": req.Subscription.Name},
	}
	if errMsg != "" {
		ev["errorMessage"] = errMsg
	}
	return mustJSON(ev)
}

func bookSnapshotFrame(pair string, asks, bids [][]string) string {
	return mustJSON([]any{1, map[string]any{"as": asks, "bs": bids}, "book-25", pair})
}

// bookDeltaFrame builds a one-sided delta; side is "a" or "b".
func bookDeltaFrame(pair, side string, levels [][]string, checksum string) string {
	return mustJSON([]any{1, map[string]any{side: levels, "c": checksum}, "book-25", pair})
}

func ohlcFrame(pair string, tm, end time.Time, o, h, l, cl, vol string) string {
	ts := func(t time.Time) string { return strconv.FormatInt(t.Unix(), 10) + ".000000" }
	return mustJSON([]any{2, []any{ts(tm), ts(end), o, h, l, cl, cl, vol, 5}, "ohlc-1", pair})
}

// checksumOf is the checksum of a book holding exactly asks and bids.
func checksumOf(t *testing.T, asks, bids [][]string) string {
	t.Helper()

	book := orderbook.New(orderbook.DefaultDepth)
	book.ApplySnapshot(toTestLevels(t, asks), toTestLevels(t, bids))
	return strconv.FormatUint(uint64(book.Checksum()), 10)
}

func toTestLevels(t *testing.T, rows [][]string) []orderbook.Level {
	t.Helper()

	out := make([]orderbook.Level, 0, len(rows))
	for _, r := range rows {
		l, err := orderbook.NewLevel(r[0], r[1])
		require.NoError(t, err)
		out = append(out, l)
	}
	return out
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}
