package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gregtusar/marketfeed/pkg/models"
	"golang.org/x/time/rate"
)

const DefaultRESTURL = "https://api.kraken.com"

// Client calls the public REST endpoints the feed needs at its boundary:
// server time for the clock offset and OHLC history for the initial candles.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewClient(baseURL string, requestsPerSecond float64) *Client {
	if baseURL == "" {
		baseURL = DefaultRESTURL
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
	}
}

type response struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kraken/rest: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kraken/rest: %s: unexpected status %d", path, resp.StatusCode)
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("kraken/rest: %s: decode: %w", path, err)
	}
	if len(r.Error) > 0 {
		return nil, fmt.Errorf("kraken/rest: %s: %s", path, strings.Join(r.Error, "; "))
	}
	return r.Result, nil
}

// ServerTime returns the exchange clock.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	raw, err := c.get(ctx, "/0/public/Time", nil)
	if err != nil {
		return time.Time{}, err
	}

	var result struct {
		UnixTime int64 `json:"unixtime"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return time.Time{}, fmt.Errorf("kraken/rest: decode time: %w", err)
	}
	return time.Unix(result.UnixTime, 0).UTC(), nil
}

// OHLCResult splits the exchange's OHLC rows into closed candles and the
// in-progress candle (always the last row). Last is the cursor for the next fetch.
type OHLCResult struct {
	History []models.Candle
	Current models.Candle
	Last    int64
}

// OHLC fetches candles for pair, e.g. "ETH/USD", newer than since.
func (c *Client) OHLC(ctx context.Context, pair string, interval time.Duration, since int64) (*OHLCResult, error) {
	query := url.Values{}
	query.Set("pair", strings.ReplaceAll(pair, "/", ""))
	query.Set("interval", strconv.Itoa(int(interval/time.Minute)))
	if since > 0 {
		query.Set("since", strconv.FormatInt(since, 10))
	}

	raw, err := c.get(ctx, "/0/public/OHLC", query)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("kraken/rest: decode ohlc: %w", err)
	}

	result := &OHLCResult{}
	var rows [][]json.RawMessage
	for key, value := range fields {
		if key == "last" {
			if err := json.Unmarshal(value, &result.Last); err != nil {
				return nil, fmt.Errorf("kraken/rest: decode ohlc cursor: %w", err)
			}
			continue
		}
		// the result is keyed by the exchange's own pair name
		if err := json.Unmarshal(value, &rows); err != nil {
			return nil, fmt.Errorf("kraken/rest: decode ohlc rows: %w", err)
		}
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("kraken/rest: no ohlc rows for %s", pair)
	}

	candles := make([]models.Candle, 0, len(rows))
	for _, row := range rows {
		candle, err := parseOHLCRow(row)
		if err != nil {
			return nil, err
		}
		candles = append(candles, candle)
	}

	result.History = candles[:len(candles)-1]
	result.Current = candles[len(candles)-1]
	return result, nil
}

// parseOHLCRow decodes [time, open, high, low, close, vwap, volume, count].
func parseOHLCRow(row []json.RawMessage) (models.Candle, error) {
	if len(row) < 7 {
		return models.Candle{}, fmt.Errorf("kraken/rest: short ohlc row: %w", ErrMalformedFrame)
	}

	var start int64
	if err := json.Unmarshal(row[0], &start); err != nil {
		return models.Candle{}, fmt.Errorf("kraken/rest: decode ohlc time: %w", err)
	}

	values := make([]float64, 6)
	for i := range values {
		var s string
		if err := json.Unmarshal(row[i+1], &s); err != nil {
			return models.Candle{}, fmt.Errorf("kraken/rest: decode ohlc field %d: %w", i+1, err)
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return models.Candle{}, fmt.Errorf("kraken/rest: parse ohlc field %d: %w", i+1, err)
		}
		values[i] = v
	}

	return models.Candle{
		Start:  time.Unix(start, 0).UTC(),
		Open:   values[0],
		High:   values[1],
		Low:    values[2],
		Close:  values[3],
		Volume: values[5],
	}, nil
}
