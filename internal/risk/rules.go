package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/model"
	"github.com/atmx/challenge-engine/internal/position"
	"github.com/atmx/challenge-engine/internal/store"
)

// Rule names reported in a Verdict.
const (
	RuleNone         = ""
	RuleMaxDrawdown  = "max_drawdown"
	RuleDailyLoss    = "daily_loss"
	RuleProfitTarget = "profit_target"
)

// Verdict is the result of evaluating a challenge's rules.
type Verdict struct {
	Status   model.ChallengeStatus `json:"status"`
	Rule     string                `json:"rule,omitempty"`
	Equity   decimal.Decimal       `json:"equity"`
	Drawdown decimal.Decimal       `json:"drawdown"`
	DailyPnL decimal.Decimal       `json:"daily_pnl"`
}

// Changed reports whether the verdict moves the challenge to a new status.
func (v Verdict) Changed(ch *model.Challenge) bool {
	return v.Status != ch.Status
}

// Equity is the balance plus the market value of open positions.
func Equity(balance decimal.Decimal, open []model.Position) decimal.Decimal {
	eq := balance
	for _, p := range open {
		if p.Status == model.PositionOpen {
			eq = eq.Add(position.MarketValue(p))
		}
	}
	return eq
}

// Evaluate checks an active challenge against its rules. Breaches fail the
// challenge first; only then can the profit target pass it. Funded
// challenges never pass. Inactive challenges are returned unchanged.
//
// realizedToday is the PnL of positions closed since the start of the
// current UTC day.
func Evaluate(ch *model.Challenge, open []model.Position, realizedToday decimal.Decimal) Verdict {
	equity := Equity(ch.CurrentBalance, open)
	unrealized := decimal.Zero
	for _, p := range open {
		if p.Status == model.PositionOpen {
			unrealized = unrealized.Add(position.UnrealizedPnL(p))
		}
	}

	v := Verdict{
		Status:   ch.Status,
		Equity:   equity,
		Drawdown: ch.StartingBalance.Sub(equity),
		DailyPnL: realizedToday.Add(unrealized),
	}
	if ch.Status != model.ChallengeActive {
		return v
	}

	rules := ch.Rules
	switch {
	case rules.MaxDrawdown.IsPositive() && v.Drawdown.GreaterThanOrEqual(rules.MaxDrawdown):
		v.Status, v.Rule = model.ChallengeFailed, RuleMaxDrawdown
	case rules.DailyLossLimit.IsPositive() && v.DailyPnL.LessThanOrEqual(rules.DailyLossLimit.Neg()):
		v.Status, v.Rule = model.ChallengeFailed, RuleDailyLoss
	case ch.Phase != model.PhaseFunded && rules.ProfitTarget.IsPositive() &&
		equity.Sub(ch.StartingBalance).GreaterThanOrEqual(rules.ProfitTarget):
		v.Status, v.Rule = model.ChallengePassed, RuleProfitTarget
	}
	return v
}

// StartOfDay returns midnight UTC of t's day.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// RealizedSince sums the PnL of positions closed at or after since.
func RealizedSince(closed []model.Position, since time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, p := range closed {
		if p.PnL == nil || p.ClosedAt == nil || p.ClosedAt.Before(since) {
			continue
		}
		total = total.Add(*p.PnL)
	}
	return total
}

// Assess loads the challenge's open positions and today's closed positions
// through tx and evaluates the rules against them.
func Assess(ctx context.Context, tx store.Tx, ch *model.Challenge, now time.Time) (Verdict, error) {
	open, err := tx.ListPositions(ctx, store.PositionFilter{ChallengeID: ch.ID, Status: model.PositionOpen})
	if err != nil {
		return Verdict{}, fmt.Errorf("list open positions: %w", err)
	}
	dayStart := StartOfDay(now)
	// ClosedAfter is exclusive.
	since := dayStart.Add(-time.Nanosecond)
	closed, err := tx.ListPositions(ctx, store.PositionFilter{
		ChallengeID: ch.ID,
		Status:      model.PositionClosed,
		ClosedAfter: &since,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("list closed positions: %w", err)
	}
	return Evaluate(ch, open, RealizedSince(closed, dayStart)), nil
}
