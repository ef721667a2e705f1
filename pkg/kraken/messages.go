package kraken

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	EventHeartbeat          = "heartbeat"
	EventSubscribe          = "subscribe"
	EventUnsubscribe        = "unsubscribe"
	EventSubscriptionStatus = "subscriptionStatus"
	EventSystemStatus       = "systemStatus"

	StatusSubscribed   = "subscribed"
	StatusUnsubscribed = "unsubscribed"
	StatusError        = "error"

	SubscriptionBook = "book"
	SubscriptionOHLC = "ohlc"
)

var ErrMalformedFrame = errors.New("kraken: malformed frame")

type SubscriptionSpec struct {
	Name     string `json:"name"`
	Depth    int    `json:"depth,omitempty"`
	Interval int    `json:"interval,omitempty"`
}

func BookSubscription(depth int) SubscriptionSpec {
	return SubscriptionSpec{Name: SubscriptionBook, Depth: depth}
}

// OHLCSubscription subscribes to candles of the given interval in minutes.
func OHLCSubscription(interval int) SubscriptionSpec {
	return SubscriptionSpec{Name: SubscriptionOHLC, Interval: interval}
}

type SubscribeRequest struct {
	Event        string           `json:"event"`
	Pair         []string         `json:"pair"`
	Subscription SubscriptionSpec `json:"subscription"`
}

func EncodeSubscribe(event, pair string, spec SubscriptionSpec) ([]byte, error) {
	data, err := json.Marshal(SubscribeRequest{
		Event:        event,
		Pair:         []string{pair},
		Subscription: spec,
	})
	if err != nil {
		return nil, fmt.Errorf("kraken: marshal %s: %w", event, err)
	}
	return data, nil
}

// Event is an object frame: heartbeats, system status and subscription acks.
type Event struct {
	Event        string            `json:"event"`
	Status       string            `json:"status"`
	Pair         string            `json:"pair"`
	ChannelID    int64             `json:"channelID"`
	ChannelName  string            `json:"channelName"`
	ErrorMessage string            `json:"errorMessage"`
	Subscription *SubscriptionSpec `json:"subscription"`
}

type PriceLevel struct {
	Price  string
	Volume string
}

// BookMessage is a book snapshot (Snapshot set) or delta. Checksum is empty
// when the frame carried none.
type BookMessage struct {
	ChannelID int64
	Pair      string
	Asks      []PriceLevel
	Bids      []PriceLevel
	Snapshot  bool
	Checksum  string
}

type OHLCMessage struct {
	ChannelID int64
	Pair      string
	Time      time.Time
	End       time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	VWAP      float64
	Volume    float64
	Count     int64
}

type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameEvent
	FrameBook
	FrameOHLC
)

func (k FrameKind) String() string {
	switch k {
	case FrameEvent:
		return "event"
	case FrameBook:
		return "book"
	case FrameOHLC:
		return "ohlc"
	default:
		return "unknown"
	}
}

// Frame is a classified inbound message. Exactly one payload field is set for
// the known kinds.
type Frame struct {
	Kind  FrameKind
	Event *Event
	Book  *BookMessage
	OHLC  *OHLCMessage
}

// ParseFrame classifies a raw frame. Array frames carry channel data as
// [channelID, data..., channelName, pair]; object frames are control events.
func ParseFrame(raw []byte) (Frame, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Frame{}, ErrMalformedFrame
	}

	switch trimmed[0] {
	case '{':
		var ev Event
		if err := json.Unmarshal(trimmed, &ev); err != nil {
			return Frame{}, fmt.Errorf("kraken: decode event: %w", err)
		}
		return Frame{Kind: FrameEvent, Event: &ev}, nil
	case '[':
		return parseChannelFrame(trimmed)
	default:
		return Frame{}, ErrMalformedFrame
	}
}

func parseChannelFrame(raw []byte) (Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return Frame{}, fmt.Errorf("kraken: decode channel frame: %w", err)
	}
	if len(parts) < 4 {
		return Frame{}, ErrMalformedFrame
	}

	var (
		channelID   int64
		channelName string
		pair        string
	)
	if err := json.Unmarshal(parts[0], &channelID); err != nil {
		return Frame{}, fmt.Errorf("kraken: decode channel id: %w", err)
	}
	if err := json.Unmarshal(parts[len(parts)-2], &channelName); err != nil {
		return Frame{}, fmt.Errorf("kraken: decode channel name: %w", err)
	}
	if err := json.Unmarshal(parts[len(parts)-1], &pair); err != nil {
		return Frame{}, fmt.Errorf("kraken: decode pair: %w", err)
	}
	data := parts[1 : len(parts)-2]

	switch {
	case strings.HasPrefix(channelName, SubscriptionBook):
		msg, err := parseBook(data)
		if err != nil {
			return Frame{}, err
		}
		msg.ChannelID = channelID
		msg.Pair = pair
		return Frame{Kind: FrameBook, Book: msg}, nil
	case strings.HasPrefix(channelName, SubscriptionOHLC):
		if len(data) != 1 {
			return Frame{}, ErrMalformedFrame
		}
		msg, err := parseOHLC(data[0])
		if err != nil {
			return Frame{}, err
		}
		msg.ChannelID = channelID
		msg.Pair = pair
		return Frame{Kind: FrameOHLC, OHLC: msg}, nil
	default:
		return Frame{Kind: FrameUnknown}, nil
	}
}

type bookPayload struct {
	AsksSnapshot [][]string `json:"as"`
	BidsSnapshot [][]string `json:"bs"`
	Asks         [][]string `json:"a"`
	Bids         [][]string `json:"b"`
	Checksum     string     `json:"c"`
}

// parseBook merges the one or two payload objects of a book frame. Deltas
// touching both sides arrive as separate ask and bid objects.
func parseBook(data []json.RawMessage) (*BookMessage, error) {
	msg := &BookMessage{}
	for _, part := range data {
		var p bookPayload
		if err := json.Unmarshal(part, &p); err != nil {
			return nil, fmt.Errorf("kraken: decode book payload: %w", err)
		}
		if p.AsksSnapshot != nil || p.BidsSnapshot != nil {
			msg.Snapshot = true
		}

		for _, rows := range [][][]string{p.AsksSnapshot, p.Asks} {
			levels, err := parseLevels(rows)
			if err != nil {
				return nil, err
			}
			msg.Asks = append(msg.Asks, levels...)
		}
		for _, rows := range [][][]string{p.BidsSnapshot, p.Bids} {
			levels, err := parseLevels(rows)
			if err != nil {
				return nil, err
			}
			msg.Bids = append(msg.Bids, levels...)
		}
		if p.Checksum != "" {
			msg.Checksum = p.Checksum
		}
	}
	return msg, nil
}

func parseLevels(rows [][]string) ([]PriceLevel, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	levels := make([]PriceLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("kraken: book level %v: %w", row, ErrMalformedFrame)
		}
		levels = append(levels, PriceLevel{Price: row[0], Volume: row[1]})
	}
	return levels, nil
}

// parseOHLC decodes [time, etime, open, high, low, close, vwap, volume, count].
func parseOHLC(raw json.RawMessage) (*OHLCMessage, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("kraken: decode ohlc payload: %w", err)
	}
	if len(fields) < 9 {
		return nil, ErrMalformedFrame
	}

	strs := make([]string, 8)
	for i := range strs {
		if err := json.Unmarshal(fields[i], &strs[i]); err != nil {
			return nil, fmt.Errorf("kraken: decode ohlc field %d: %w", i, err)
		}
	}

	msg := &OHLCMessage{}
	var err error
	if msg.Time, err = ParseTimestamp(strs[0]); err != nil {
		return nil, err
	}
	if msg.End, err = ParseTimestamp(strs[1]); err != nil {
		return nil, err
	}
	for i, dst := range []*float64{&msg.Open, &msg.High, &msg.Low, &msg.Close, &msg.VWAP, &msg.Volume} {
		if *dst, err = strconv.ParseFloat(strs[i+2], 64); err != nil {
			return nil, fmt.Errorf("kraken: parse ohlc field %d: %w", i+2, err)
		}
	}
	if err := json.Unmarshal(fields[8], &msg.Count); err != nil {
		return nil, fmt.Errorf("kraken: decode ohlc count: %w", err)
	}
	return msg, nil
}

// ParseTimestamp reads a "seconds.fraction" string without going through a
// float, so interval end times stay exact.
func ParseTimestamp(s string) (time.Time, error) {
	secPart, fracPart, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("kraken: parse timestamp %q: %w", s, err)
	}

	var nsec int64
	if fracPart != "" {
		if len(fracPart) > 9 {
			fracPart = fracPart[:9]
		}
		fracPart += strings.Repeat("0", 9-len(fracPart))
		if nsec, err = strconv.ParseInt(fracPart, 10, 64); err != nil {
			return time.Time{}, fmt.Errorf("kraken: parse timestamp %q: %w", s, err)
		}
	}
	return time.Unix(sec, nsec).UTC(), nil
}
