package feed

import (
	"fmt"
	"time"

	"github.com/gregtusar/marketfeed/pkg/candles"
	"github.com/gregtusar/marketfeed/pkg/models"
	"github.com/gregtusar/marketfeed/pkg/orderbook"
	"github.com/shopspring/decimal"
)

// InitAssetPrices seeds asset's candle series from a historical snapshot.
// Until this is called OHLC updates for the asset are dropped. It must be
// called again after every reconnect.
func (c *Client) InitAssetPrices(asset string, history []models.Candle, current models.Candle, since int64) error {
	asset = normalizeAsset(asset)
	if current.Start.IsZero() {
		return fmt.Errorf("%w: %s current candle has no start time", ErrInvalidPrices, asset)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.assets[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	st.prices = candles.NewSeries(history, current, since, c.cfg.CandleInterval, c.cfg.HistorySize)

	c.logger.WithField("asset", asset).WithField("candles", st.prices.Len()).Info("Asset prices initialized")
	return nil
}

// LastTradedPrice is the close of the in-progress candle.
func (c *Client) LastTradedPrice(asset string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	series, err := c.seriesLocked(asset)
	if err != nil {
		return 0, err
	}
	return series.LastPrice(), nil
}

// PriceCandles returns a copy of the finalised candle history, oldest first.
func (c *Client) PriceCandles(asset string) ([]models.Candle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	series, err := c.seriesLocked(asset)
	if err != nil {
		return nil, err
	}
	return series.Candles(), nil
}

// CurrentCandle returns the in-progress candle.
func (c *Client) CurrentCandle(asset string) (models.Candle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	series, err := c.seriesLocked(asset)
	if err != nil {
		return models.Candle{}, err
	}
	return series.Current(), nil
}

// Since is the watermark a caller should use for the next historical fetch.
func (c *Client) Since(asset string) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	series, err := c.seriesLocked(asset)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(series.Since(), 0).UTC(), nil
}

// EstimateBuyPrice estimates the average price paid when spending quoteAmount
// against the asks.
func (c *Client) EstimateBuyPrice(asset string, quoteAmount decimal.Decimal) (models.ExecutionEstimate, error) {
	return c.EstimateExecutionPrice(asset, models.OrderSideBuy, quoteAmount)
}

// EstimateSellPrice estimates the average price received when selling
// baseAmount into the bids.
func (c *Client) EstimateSellPrice(asset string, baseAmount decimal.Decimal) (models.ExecutionEstimate, error) {
	return c.EstimateExecutionPrice(asset, models.OrderSideSell, baseAmount)
}

// EstimateExecutionPrice walks one side of asset's book. Buys are sized in
// quote currency, sells in base currency. When the book is too thin the
// estimate covers the visible levels and reports the rest as Unfilled.
func (c *Client) EstimateExecutionPrice(asset string, side models.OrderSide, amount decimal.Decimal) (models.ExecutionEstimate, error) {
	if !side.Valid() {
		return models.ExecutionEstimate{}, fmt.Errorf("feed: invalid order side %q", side)
	}
	if !amount.IsPositive() {
		return models.ExecutionEstimate{}, ErrInvalidAmount
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.seriesLocked(asset); err != nil {
		return models.ExecutionEstimate{}, err
	}
	book := c.assets[normalizeAsset(asset)].book
	if book == nil {
		return models.ExecutionEstimate{}, fmt.Errorf("%w: %s", ErrBookUnavailable, asset)
	}
	est, ok := book.Estimate(side, amount)
	if !ok {
		return models.ExecutionEstimate{}, fmt.Errorf("%w: %s has no %s liquidity", ErrBookUnavailable, asset, side)
	}
	return est, nil
}

// Book returns a copy of asset's top levels.
func (c *Client) Book(asset string) (asks, bids []orderbook.Level, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.assets[normalizeAsset(asset)]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	if st.book == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrBookUnavailable, asset)
	}
	return st.book.Asks(), st.book.Bids(), nil
}

// seriesLocked requires the asset to be known with initialised prices.
func (c *Client) seriesLocked(asset string) (*candles.Series, error) {
	st, ok := c.assets[normalizeAsset(asset)]
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", ErrAssetNotInitialized, ErrUnknownAsset, asset)
	}
	if st.prices == nil {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotInitialized, asset)
	}
	return st.prices, nil
}
