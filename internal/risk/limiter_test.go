package risk

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewLimiter(d(1000), d(5000))

	err := limiter.CheckLimit("btc-100k", d(100), nil)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerMarketExceeded(t *testing.T) {
	limiter := NewLimiter(d(1000), d(5000))

	// Existing 950 + new 100 = 1050 > 1000.
	existing := map[string]decimal.Decimal{
		"btc-100k": d(950),
	}

	err := limiter.CheckLimit("btc-100k", d(100), existing)
	if err != ErrMarketLimitExceeded {
		t.Errorf("expected ErrMarketLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_TotalExceeded(t *testing.T) {
	limiter := NewLimiter(d(1000), d(2000))

	existing := map[string]decimal.Decimal{
		"btc-100k":  d(800),
		"eth-5k":    d(800),
		"fed-cut-q": d(300),
	}

	// total = 200 + 800 + 800 + 300 = 2100 > 2000
	err := limiter.CheckLimit("election-x", d(200), existing)
	if err != ErrTotalLimitExceeded {
		t.Errorf("expected ErrTotalLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_ReducingTradeAlwaysPasses(t *testing.T) {
	limiter := NewLimiter(d(100), d(100))

	existing := map[string]decimal.Decimal{
		"btc-100k": d(800),
	}

	err := limiter.CheckLimit("btc-100k", d(-200), existing)
	if err != nil {
		t.Errorf("reducing trade should pass, got %v", err)
	}
}

func TestCheckLimit_ZeroLimitsDisabled(t *testing.T) {
	limiter := NewLimiter(decimal.Zero, decimal.Zero)

	err := limiter.CheckLimit("btc-100k", d(1e9), map[string]decimal.Decimal{"eth-5k": d(1e9)})
	if err != nil {
		t.Errorf("zero limits should disable checks, got %v", err)
	}
}

func TestExposures_SumsBothDirectionsOfOpenPositions(t *testing.T) {
	positions := []model.Position{
		{MarketID: "m1", Direction: model.DirectionYes, SizeAmount: d(300), Status: model.PositionOpen},
		{MarketID: "m1", Direction: model.DirectionNo, SizeAmount: d(200), Status: model.PositionOpen},
		{MarketID: "m2", Direction: model.DirectionYes, SizeAmount: d(50), Status: model.PositionOpen},
		{MarketID: "m2", Direction: model.DirectionNo, SizeAmount: d(999), Status: model.PositionClosed},
	}

	got := Exposures(positions)
	if !got["m1"].Equal(d(500)) {
		t.Errorf("m1 exposure = %s, want 500", got["m1"])
	}
	if !got["m2"].Equal(d(50)) {
		t.Errorf("m2 exposure = %s, want 50", got["m2"])
	}
}
