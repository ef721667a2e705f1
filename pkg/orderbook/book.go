// Package orderbook keeps a depth-limited bid/ask ladder for one asset and
// verifies it against the exchange's CRC32 checksum.
package orderbook

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

const (
	DefaultDepth  = 25
	ChecksumDepth = 10
)

// Level is a single price level. Price and Volume keep the exact strings the
// exchange sent; the checksum is computed over them.
type Level struct {
	Price  string
	Volume string

	price  decimal.Decimal
	volume decimal.Decimal
}

func NewLevel(price, volume string) (Level, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return Level{}, fmt.Errorf("orderbook: parse price %q: %w", price, err)
	}
	v, err := decimal.NewFromString(volume)
	if err != nil {
		return Level{}, fmt.Errorf("orderbook: parse volume %q: %w", volume, err)
	}
	return Level{Price: price, Volume: volume, price: p, volume: v}, nil
}

func (l Level) PriceValue() decimal.Decimal  { return l.price }
func (l Level) VolumeValue() decimal.Decimal { return l.volume }

// Book holds asks ascending and bids descending by price, each capped at depth.
// A Book is not safe for concurrent use.
type Book struct {
	asks  []Level
	bids  []Level
	depth int
}

func New(depth int) *Book {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Book{depth: depth}
}

// ApplySnapshot replaces both sides wholesale. Repeated prices collapse into
// one level carrying the last volume seen.
func (b *Book) ApplySnapshot(asks, bids []Level) {
	b.asks = mergeLevels(make([]Level, 0, len(asks)), asks)
	b.bids = mergeLevels(make([]Level, 0, len(bids)), bids)
	b.normalize()
}

// ApplyDelta merges incremental updates. A level whose price string matches
// an existing level replaces its volume; otherwise the level is inserted.
// Zero-volume levels are removed afterwards and both sides are re-sorted and
// truncated to the book depth.
func (b *Book) ApplyDelta(asks, bids []Level) {
	b.asks = mergeLevels(b.asks, asks)
	b.bids = mergeLevels(b.bids, bids)
	b.normalize()
}

func (b *Book) Asks() []Level { return append([]Level(nil), b.asks...) }
func (b *Book) Bids() []Level { return append([]Level(nil), b.bids...) }

func (b *Book) Depth() int { return b.depth }

func (b *Book) Empty() bool {
	return len(b.asks) == 0 && len(b.bids) == 0
}

func (b *Book) BestAsk() (Level, bool) {
	if len(b.asks) == 0 {
		return Level{}, false
	}
	return b.asks[0], true
}

func (b *Book) BestBid() (Level, bool) {
	if len(b.bids) == 0 {
		return Level{}, false
	}
	return b.bids[0], true
}

// Crossed reports whether the best ask is below the best bid.
func (b *Book) Crossed() bool {
	ask, okAsk := b.BestAsk()
	bid, okBid := b.BestBid()
	return okAsk && okBid && ask.price.LessThan(bid.price)
}

func (b *Book) normalize() {
	b.asks = dropEmpty(b.asks)
	b.bids = dropEmpty(b.bids)

	sort.SliceStable(b.asks, func(i, j int) bool {
		return b.asks[i].price.LessThan(b.asks[j].price)
	})
	sort.SliceStable(b.bids, func(i, j int) bool {
		return b.bids[i].price.GreaterThan(b.bids[j].price)
	})

	if len(b.asks) > b.depth {
		b.asks = b.asks[:b.depth]
	}
	if len(b.bids) > b.depth {
		b.bids = b.bids[:b.depth]
	}
}

func mergeLevels(side, updates []Level) []Level {
	for _, u := range updates {
		found := false
		for i := range side {
			if side[i].Price == u.Price {
				side[i].Volume = u.Volume
				side[i].volume = u.volume
				found = true
				break
			}
		}
		if !found {
			side = append(side, u)
		}
	}
	return side
}

func dropEmpty(levels []Level) []Level {
	kept := levels[:0]
	for _, l := range levels {
		if !l.volume.IsZero() {
			kept = append(kept, l)
		}
	}
	return kept
}
