package feed

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected         = errors.New("feed: not connected")
	ErrUnknownAsset         = errors.New("feed: unknown asset")
	ErrAssetNotInitialized  = errors.New("feed: asset prices not initialized")
	ErrBookUnavailable      = errors.New("feed: order book unavailable")
	ErrInvalidAmount        = errors.New("feed: amount must be positive")
	ErrInvalidPrices        = errors.New("feed: invalid price snapshot")
	ErrSubscriptionTimeout  = errors.New("feed: subscription timed out")
	ErrSubscriptionRejected = errors.New("feed: subscription rejected")

	errSuperseded = errors.New("feed: request superseded")
)

// ConnectionError reports a transport that failed before it opened.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("feed: connect %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
