// Package tier holds the challenge product table: what each account size
// costs, the rules it starts with, and how many trading days a payout needs.
package tier

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/model"
)

// ErrUnknownTier is returned when a tier name does not resolve.
var ErrUnknownTier = errors.New("tier: unknown tier")

// Tier is one purchasable challenge size.
type Tier struct {
	Name            string            `json:"name"`
	Price           decimal.Decimal   `json:"price"`
	StartingBalance decimal.Decimal   `json:"starting_balance"`
	Rules           model.RulesConfig `json:"rules"`
	ProfitSplit     decimal.Decimal   `json:"profit_split"`
	PayoutCap       *decimal.Decimal  `json:"payout_cap,omitempty"`
	MinTradingDays  int               `json:"min_trading_days"`
}

// Table is the set of tiers, sorted by starting balance.
type Table struct {
	tiers []Tier
}

// NewTable builds a table. Names must be unique.
func NewTable(tiers []Tier) (*Table, error) {
	seen := make(map[string]bool, len(tiers))
	out := make([]Tier, 0, len(tiers))
	for _, t := range tiers {
		if t.Name == "" {
			return nil, errors.New("tier: empty name")
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("tier: duplicate name %q", t.Name)
		}
		if !t.StartingBalance.IsPositive() || t.Price.IsNegative() {
			return nil, fmt.Errorf("tier %q: starting balance must be positive and price non-negative", t.Name)
		}
		seen[t.Name] = true
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartingBalance.LessThan(out[j].StartingBalance)
	})
	return &Table{tiers: out}, nil
}

// Tiers returns a copy of the table rows.
func (t *Table) Tiers() []Tier {
	return append([]Tier(nil), t.tiers...)
}

// ByName returns the tier with the given name.
func (t *Table) ByName(name string) (Tier, error) {
	for _, tr := range t.tiers {
		if tr.Name == name {
			return tr, nil
		}
	}
	return Tier{}, fmt.Errorf("%q: %w", name, ErrUnknownTier)
}

// ForBalance returns the largest tier whose starting balance does not exceed
// balance, or the smallest tier when balance is below all of them.
func (t *Table) ForBalance(balance decimal.Decimal) (Tier, bool) {
	if len(t.tiers) == 0 {
		return Tier{}, false
	}
	match := t.tiers[0]
	for _, tr := range t.tiers {
		if tr.StartingBalance.GreaterThan(balance) {
			break
		}
		match = tr
	}
	return match, true
}

// MinTradingDays is the payout day requirement for an account size.
// Defaults to 5 when the table is empty.
func (t *Table) MinTradingDays(startingBalance decimal.Decimal) int {
	tr, ok := t.ForBalance(startingBalance)
	if !ok || tr.MinTradingDays <= 0 {
		return 5
	}
	return tr.MinTradingDays
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func rules(target, drawdown, daily int64) model.RulesConfig {
	return model.RulesConfig{ProfitTarget: dec(target), MaxDrawdown: dec(drawdown), DailyLossLimit: dec(daily)}
}

// Defaults is the stock product table. Targets are 10%, max drawdown 8%
// and daily loss 5% of the starting balance, expressed in currency.
func Defaults() []Tier {
	split80 := decimal.NewFromFloat(0.80)
	return []Tier{
		{Name: "5k", Price: dec(49), StartingBalance: dec(5000), Rules: rules(500, 400, 250), ProfitSplit: split80, MinTradingDays: 5},
		{Name: "10k", Price: dec(99), StartingBalance: dec(10000), Rules: rules(1000, 800, 500), ProfitSplit: split80, MinTradingDays: 5},
		{Name: "25k", Price: dec(199), StartingBalance: dec(25000), Rules: rules(2500, 2000, 1250), ProfitSplit: split80, MinTradingDays: 7},
		{Name: "50k", Price: dec(299), StartingBalance: dec(50000), Rules: rules(5000, 4000, 2500), ProfitSplit: decimal.NewFromFloat(0.85), MinTradingDays: 10},
		{Name: "100k", Price: dec(499), StartingBalance: dec(100000), Rules: rules(10000, 8000, 5000), ProfitSplit: decimal.NewFromFloat(0.90), MinTradingDays: 10},
	}
}

// DefaultTable returns a table over Defaults.
func DefaultTable() *Table {
	t, err := NewTable(Defaults())
	if err != nil {
		panic(err)
	}
	return t
}
