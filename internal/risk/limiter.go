// Package risk enforces pre-trade exposure limits and evaluates a challenge's
// rules after each balance change.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/model"
)

var (
	// ErrMarketLimitExceeded is returned when a trade would push the cost
	// basis held in one market beyond the per-market maximum.
	ErrMarketLimitExceeded = errors.New("risk: per-market exposure limit exceeded")

	// ErrTotalLimitExceeded is returned when a trade would push the cost basis
	// held across all markets beyond the total maximum.
	ErrTotalLimitExceeded = errors.New("risk: total exposure limit exceeded")
)

// Limiter caps exposure, measured as open cost basis. YES and NO positions
// in the same market add up: both directions tie capital to one event.
type Limiter struct {
	// MaxPerMarket is the largest exposure in one market. Zero disables it.
	MaxPerMarket decimal.Decimal

	// MaxTotal is the largest exposure across all markets. Zero disables it.
	MaxTotal decimal.Decimal
}

// NewLimiter creates a limiter. Zero limits are unlimited.
func NewLimiter(maxPerMarket, maxTotal decimal.Decimal) *Limiter {
	return &Limiter{MaxPerMarket: maxPerMarket, MaxTotal: maxTotal}
}

// CheckLimit validates adding delta of exposure to marketID given the
// current exposure per market. Reducing trades (delta <= 0) always pass.
func (l *Limiter) CheckLimit(marketID string, delta decimal.Decimal, existing map[string]decimal.Decimal) error {
	if !delta.IsPositive() {
		return nil
	}

	inMarket := existing[marketID].Add(delta)
	if l.MaxPerMarket.IsPositive() && inMarket.GreaterThan(l.MaxPerMarket) {
		return ErrMarketLimitExceeded
	}

	if l.MaxTotal.IsPositive() {
		total := inMarket
		for id, exposure := range existing {
			if id == marketID {
				continue
			}
			total = total.Add(exposure.Abs())
		}
		if total.GreaterThan(l.MaxTotal) {
			return ErrTotalLimitExceeded
		}
	}
	return nil
}

// Exposures sums the cost basis of open positions per market.
func Exposures(positions []model.Position) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		if p.Status != model.PositionOpen {
			continue
		}
		out[p.MarketID] = out[p.MarketID].Add(p.SizeAmount)
	}
	return out
}
