// Package orderbook builds a synthetic bid/ask ladder around a canonical
// probability price and simulates the price impact of walking it.
//
// The book is synthetic: three levels per side at fixed spacing, each with a
// fixed depth. Prices stay inside [0.01, 0.99] so liquidity never crosses the
// probability bound.
//
// All monetary values use shopspring/decimal; never float64 for money.
package orderbook

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Side is the direction in which a trade walks the book.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Labeled reasons for an unfilled impact simulation.
const (
	ReasonNoLiquidity       = "No Liquidity"
	ReasonInsufficientDepth = "Insufficient Depth"
	ReasonInvalidAmount     = "Invalid Amount"
)

var (
	// MinPrice is the floor for bid prices.
	MinPrice = decimal.NewFromFloat(0.01)

	// MaxPrice is the ceiling for ask prices.
	MaxPrice = decimal.NewFromFloat(0.99)

	// LevelSpacing is the distance between consecutive synthetic levels.
	LevelSpacing = decimal.NewFromFloat(0.02)

	// LevelCount is the number of levels per side.
	LevelCount = 3

	// DefaultLevelDepth is the share size carried by each synthetic level.
	DefaultLevelDepth = decimal.NewFromInt(10000)

	// DustTolerance is the largest unfilled currency remainder that still
	// counts as a complete fill.
	DustTolerance = decimal.NewFromInt(1)

	// ShareDustTolerance is the largest unfilled share remainder that still
	// counts as a complete sell.
	ShareDustTolerance = decimal.NewFromFloat(0.0001)

	// MaxSpread is the widest spread a tradeable book may have.
	MaxSpread = decimal.NewFromFloat(0.50)

	// ResolutionAsk is the best-ask level at which a market is treated as
	// practically resolved and closed to new buys.
	ResolutionAsk = decimal.NewFromFloat(0.90)

	one = decimal.NewFromInt(1)
)

// Level is one price point on the book.
type Level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"` // shares
}

// Book is a two-sided ladder. Bids are sorted descending, asks ascending.
type Book struct {
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

// BestBid returns the highest bid, or zero if there are none.
func (b Book) BestBid() decimal.Decimal {
	if len(b.Bids) == 0 {
		return decimal.Zero
	}
	return b.Bids[0].Price
}

// BestAsk returns the lowest ask, or zero if there are none.
func (b Book) BestAsk() decimal.Decimal {
	if len(b.Asks) == 0 {
		return decimal.Zero
	}
	return b.Asks[0].Price
}

// Spread returns bestAsk − bestBid, or zero if either side is empty.
func (b Book) Spread() decimal.Decimal {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return decimal.Zero
	}
	return b.BestAsk().Sub(b.BestBid())
}

// Mid returns the midpoint, or zero if either side is empty.
func (b Book) Mid() decimal.Decimal {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return decimal.Zero
	}
	return b.BestAsk().Add(b.BestBid()).Div(decimal.NewFromInt(2))
}

// BuildSyntheticOrderBook builds a book around canonical price p.
// Deterministic: the same p always yields an identical book.
func BuildSyntheticOrderBook(p decimal.Decimal) Book {
	p = clamp(p, decimal.Zero, one)

	book := Book{
		Bids: make([]Level, 0, LevelCount),
		Asks: make([]Level, 0, LevelCount),
	}
	for i := 1; i <= LevelCount; i++ {
		offset := LevelSpacing.Mul(decimal.NewFromInt(int64(i)))

		bid := p.Sub(offset)
		if bid.LessThan(MinPrice) {
			bid = MinPrice
		}
		ask := p.Add(offset)
		if ask.GreaterThan(MaxPrice) {
			ask = MaxPrice
		}

		book.Bids = append(book.Bids, Level{Price: bid, Size: DefaultLevelDepth})
		book.Asks = append(book.Asks, Level{Price: ask, Size: DefaultLevelDepth})
	}
	return book
}

// Impact is the outcome of simulating a market order against a book.
type Impact struct {
	Filled         bool            `json:"filled"`
	Reason         string          `json:"reason,omitempty"`
	TotalShares    decimal.Decimal `json:"total_shares"`
	ExecutedPrice  decimal.Decimal `json:"executed_price"` // size-weighted average
	FilledAmount   decimal.Decimal `json:"filled_amount"`  // currency consumed
	Slippage       decimal.Decimal `json:"slippage"`       // |executed − best|
	LevelsConsumed int             `json:"levels_consumed"`
}

// CalculateImpact walks the asks (BUY) or bids (SELL) consuming depth until
// amount (currency) is exhausted or the book runs out. An unfilled remainder
// up to DustTolerance still counts as filled. Never panics; failure is
// reported through Filled and Reason.
func CalculateImpact(book Book, side Side, amount decimal.Decimal) Impact {
	if !amount.IsPositive() {
		return Impact{Filled: false, Reason: ReasonInvalidAmount}
	}

	levels := book.Asks
	if side == Sell {
		levels = book.Bids
	}

	remaining := amount
	totalShares := decimal.Zero
	spent := decimal.Zero
	best := decimal.Zero
	consumed := 0

	for _, lvl := range levels {
		if !remaining.IsPositive() {
			break
		}
		if !lvl.Price.IsPositive() || !lvl.Size.IsPositive() {
			continue
		}
		if best.IsZero() {
			best = lvl.Price
		}
		consumed++

		levelValue := lvl.Price.Mul(lvl.Size)
		if remaining.LessThanOrEqual(levelValue) {
			totalShares = totalShares.Add(remaining.Div(lvl.Price))
			spent = spent.Add(remaining)
			remaining = decimal.Zero
			break
		}
		totalShares = totalShares.Add(lvl.Size)
		spent = spent.Add(levelValue)
		remaining = remaining.Sub(levelValue)
	}

	if consumed == 0 {
		return Impact{Filled: false, Reason: ReasonNoLiquidity}
	}

	impact := Impact{
		TotalShares:    totalShares,
		FilledAmount:   spent,
		LevelsConsumed: consumed,
	}
	if totalShares.IsPositive() {
		impact.ExecutedPrice = spent.Div(totalShares)
		impact.Slippage = impact.ExecutedPrice.Sub(best).Abs()
	}

	if remaining.GreaterThan(DustTolerance) {
		impact.Reason = ReasonInsufficientDepth
		return impact
	}
	impact.Filled = true
	return impact
}

// CalculateSellImpact walks the bids selling shares until they are all
// placed or the book runs out. Depth is measured in shares at each level's
// own price, so a sell that spills past the best bid is priced at the
// deeper levels. FilledAmount is the proceeds. An unfilled remainder up to
// ShareDustTolerance still counts as filled.
func CalculateSellImpact(book Book, shares decimal.Decimal) Impact {
	if !shares.IsPositive() {
		return Impact{Filled: false, Reason: ReasonInvalidAmount}
	}

	remaining := shares
	sold := decimal.Zero
	proceeds := decimal.Zero
	best := decimal.Zero
	consumed := 0

	for _, lvl := range book.Bids {
		if !remaining.IsPositive() {
			break
		}
		if !lvl.Price.IsPositive() || !lvl.Size.IsPositive() {
			continue
		}
		if best.IsZero() {
			best = lvl.Price
		}
		consumed++

		take := decimal.Min(lvl.Size, remaining)
		sold = sold.Add(take)
		proceeds = proceeds.Add(take.Mul(lvl.Price))
		remaining = remaining.Sub(take)
	}

	if consumed == 0 {
		return Impact{Filled: false, Reason: ReasonNoLiquidity}
	}

	impact := Impact{
		TotalShares:    sold,
		FilledAmount:   proceeds,
		LevelsConsumed: consumed,
		ExecutedPrice:  proceeds.Div(sold),
	}
	impact.Slippage = impact.ExecutedPrice.Sub(best).Abs()

	if remaining.GreaterThan(ShareDustTolerance) {
		impact.Reason = ReasonInsufficientDepth
		return impact
	}
	impact.Filled = true
	return impact
}

// IsBookDead reports whether the book should not accept new trades: either
// side empty, spread wider than MaxSpread, or best ask at or above
// ResolutionAsk.
func IsBookDead(book Book) (bool, string) {
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return true, "empty side"
	}
	if book.Spread().GreaterThan(MaxSpread) {
		return true, "spread too wide"
	}
	if book.BestAsk().GreaterThanOrEqual(ResolutionAsk) {
		return true, "resolution territory"
	}
	return false, ""
}

// InvertOrderBook derives the opposite outcome's book by reflecting prices
// (1 − p) and swapping sides. Sizes are preserved; asks end up ascending and
// bids descending.
func InvertOrderBook(book Book) Book {
	inv := Book{
		Bids: make([]Level, 0, len(book.Asks)),
		Asks: make([]Level, 0, len(book.Bids)),
	}
	for _, a := range book.Asks {
		inv.Bids = append(inv.Bids, Level{Price: one.Sub(a.Price), Size: a.Size})
	}
	for _, b := range book.Bids {
		inv.Asks = append(inv.Asks, Level{Price: one.Sub(b.Price), Size: b.Size})
	}
	sort.SliceStable(inv.Bids, func(i, j int) bool { return inv.Bids[i].Price.GreaterThan(inv.Bids[j].Price) })
	sort.SliceStable(inv.Asks, func(i, j int) bool { return inv.Asks[i].Price.LessThan(inv.Asks[j].Price) })
	return inv
}

// ClampPrice bounds a price to [MinPrice, MaxPrice].
func ClampPrice(p decimal.Decimal) decimal.Decimal {
	return clamp(p, MinPrice, MaxPrice)
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
