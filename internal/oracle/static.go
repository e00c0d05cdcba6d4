package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// StaticOracle serves prices and resolutions held in memory. It backs demo
// mode and tests; quotes carry whatever source it was configured with.
type StaticOracle struct {
	mu          sync.RWMutex
	source      Source
	prices      map[string]decimal.Decimal
	resolutions map[string]Resolution
	priceErr    map[string]error
	resErr      map[string]error
	delay       time.Duration
}

// NewStaticOracle creates an empty oracle whose quotes report source.
func NewStaticOracle(source Source) *StaticOracle {
	return &StaticOracle{
		source:      source,
		prices:      make(map[string]decimal.Decimal),
		resolutions: make(map[string]Resolution),
		priceErr:    make(map[string]error),
		resErr:      make(map[string]error),
	}
}

// SetPrice sets the canonical YES price for a market.
func (o *StaticOracle) SetPrice(marketID string, price decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[marketID] = price
}

// SetResolution sets the resolution report for a market.
func (o *StaticOracle) SetResolution(marketID string, res Resolution) {
	o.mu.Lock()
	defer o.mu.Unlock()
	res.MarketID = marketID
	o.resolutions[marketID] = res
}

// FailPrice makes LatestPrice return err for the market (nil clears).
func (o *StaticOracle) FailPrice(marketID string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.priceErr[marketID] = err
}

// FailResolution makes ResolutionStatus return err for the market (nil clears).
func (o *StaticOracle) FailResolution(marketID string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resErr[marketID] = err
}

// SetDelay makes every call block for d or until ctx is done.
func (o *StaticOracle) SetDelay(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delay = d
}

func (o *StaticOracle) wait(ctx context.Context) error {
	o.mu.RLock()
	d := o.delay
	o.mu.RUnlock()
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *StaticOracle) LatestPrice(ctx context.Context, marketID string) (Quote, error) {
	if err := o.wait(ctx); err != nil {
		return Quote{}, err
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	if err := o.priceErr[marketID]; err != nil {
		return Quote{}, err
	}
	p, ok := o.prices[marketID]
	if !ok {
		return Quote{}, fmt.Errorf("%s: %w", marketID, ErrMarketUnknown)
	}
	return Quote{MarketID: marketID, Price: p, Source: o.source, At: time.Now().UTC()}, nil
}

// ResolutionStatus returns the configured report, or an unresolved report
// from the oracle's own source when none was set.
func (o *StaticOracle) ResolutionStatus(ctx context.Context, marketID string) (Resolution, error) {
	if err := o.wait(ctx); err != nil {
		return Resolution{}, err
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	if err := o.resErr[marketID]; err != nil {
		return Resolution{}, err
	}
	if res, ok := o.resolutions[marketID]; ok {
		res.CheckedAt = time.Now().UTC()
		return res, nil
	}
	return Resolution{MarketID: marketID, Source: o.source, CheckedAt: time.Now().UTC()}, nil
}
