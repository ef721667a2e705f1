package kraken

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultWebSocketURL = "wss://ws.kraken.com"

	handshakeTimeout = 10 * time.Second
)

// TextMessage is the frame type used for every request sent to the exchange.
const TextMessage = websocket.TextMessage

// Conn is the part of a websocket connection the feed relies on.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials the exchange using gorilla/websocket.
type WebSocketDialer struct {
	dialer websocket.Dialer
}

func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{
		dialer: websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("kraken/ws: dial %s: %w", url, err)
	}
	return conn, nil
}
