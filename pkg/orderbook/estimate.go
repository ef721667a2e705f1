package orderbook

import (
	"github.com/gregtusar/marketfeed/pkg/models"
	"github.com/shopspring/decimal"
)

// Estimate walks the book from the best price outward and returns the
// volume-weighted price a market order of the given size would get.
//
// Buys consume asks and size is in quote currency; sells consume bids and size
// is in base currency. When the visible book cannot cover size, the estimate
// covers what is visible and Unfilled carries the remainder. The second result
// is false when the side to walk is empty.
func (b *Book) Estimate(side models.OrderSide, size decimal.Decimal) (models.ExecutionEstimate, bool) {
	levels := b.asks
	if side == models.OrderSideSell {
		levels = b.bids
	}
	if len(levels) == 0 {
		return models.ExecutionEstimate{}, false
	}

	est := models.ExecutionEstimate{
		Side:      side,
		Requested: size,
		Price:     levels[0].price,
	}
	if !size.IsPositive() {
		return est, true
	}

	remaining := size
	cost := decimal.Zero
	base := decimal.Zero

	for _, l := range levels {
		if !remaining.IsPositive() {
			break
		}
		est.Levels++

		if side == models.OrderSideBuy {
			value := l.price.Mul(l.volume)
			if value.GreaterThanOrEqual(remaining) {
				cost = cost.Add(remaining)
				base = base.Add(remaining.Div(l.price))
				remaining = decimal.Zero
				break
			}
			cost = cost.Add(value)
			base = base.Add(l.volume)
			remaining = remaining.Sub(value)
			continue
		}

		take := decimal.Min(l.volume, remaining)
		cost = cost.Add(take.Mul(l.price))
		base = base.Add(take)
		remaining = remaining.Sub(take)
	}

	if base.IsPositive() {
		est.Price = cost.Div(base)
	}
	est.Unfilled = remaining
	est.Filled = size.Sub(remaining)
	return est, true
}
