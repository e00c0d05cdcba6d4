// Package oracle is the boundary to the market-data price feed. It turns
// whatever the feed sends into strict, typed quotes and resolution reports.
package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrMarketUnknown is returned when the feed has no data for a market.
	ErrMarketUnknown = errors.New("oracle: unknown market")

	// ErrMalformedPayload is returned when a feed payload cannot be parsed
	// into a valid quote or resolution.
	ErrMalformedPayload = errors.New("oracle: malformed payload")
)

// Source labels where a price came from.
type Source string

const (
	SourceLive     Source = "live"
	SourceOracle   Source = "oracle"
	SourceDemo     Source = "demo"
	SourceFallback Source = "fallback"
)

// Trusted reports whether prices from this source may drive risk decisions.
// Demo and fallback prices are never trusted.
func (s Source) Trusted() bool {
	return s == SourceLive || s == SourceOracle
}

// ParseSource maps a feed label to a Source. Anything unrecognized is
// treated as fallback.
func ParseSource(s string) Source {
	switch Source(s) {
	case SourceLive, SourceOracle, SourceDemo, SourceFallback:
		return Source(s)
	default:
		return SourceFallback
	}
}

// Quote is the canonical YES-outcome probability for a market.
type Quote struct {
	MarketID string          `json:"market_id"`
	Price    decimal.Decimal `json:"price"` // [0, 1]
	Source   Source          `json:"source"`
	At       time.Time       `json:"at"`
}

// Resolution is the feed's view of whether a market has settled.
type Resolution struct {
	MarketID        string           `json:"market_id"`
	IsResolved      bool             `json:"is_resolved"`
	IsClosed        bool             `json:"is_closed"`
	ResolutionPrice *decimal.Decimal `json:"resolution_price,omitempty"`
	WinningOutcome  string           `json:"winning_outcome,omitempty"` // "YES" or "NO"
	Source          Source           `json:"source"`
	CheckedAt       time.Time        `json:"checked_at"`
}

// Oracle supplies canonical prices and resolution status per market.
type Oracle interface {
	LatestPrice(ctx context.Context, marketID string) (Quote, error)
	ResolutionStatus(ctx context.Context, marketID string) (Resolution, error)
}

var one = decimal.NewFromInt(1)

// validPrice reports whether p is a probability.
func validPrice(p decimal.Decimal) bool {
	return !p.IsNegative() && !p.GreaterThan(one)
}
