// Package payout computes profit-split payouts for funded challenges and
// drives the payout state machine:
//
//	pending → approved → processing → completed
//	    └─────────┴───────────┴─────→ failed
//
// Each legal edge is its own function. Completed and failed are final.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/balance"
	"github.com/atmx/challenge-engine/internal/model"
	"github.com/atmx/challenge-engine/internal/resolution"
	"github.com/atmx/challenge-engine/internal/store"
	"github.com/atmx/challenge-engine/internal/tier"
)

var (
	// ErrChallengeNotFound is returned when the challenge does not exist.
	ErrChallengeNotFound = errors.New("payout: challenge not found")

	// ErrNotEligible is returned by RequestPayout when eligibility fails.
	ErrNotEligible = errors.New("payout: not eligible")
)

// Eligibility reasons. ReasonConsistencyFlagged is informational and never
// blocks a payout.
const (
	ReasonNotFunded          = "challenge is not in the funded phase"
	ReasonNotActive          = "challenge is not active"
	ReasonNoProfit           = "no net profit"
	ReasonTradingDays        = "insufficient active trading days"
	ReasonPayoutInFlight     = "another payout is already in progress"
	ReasonConsistencyFlagged = "consistency flagged for review"
)

// ExclusionSource supplies the resolved-market PnL to exclude from a payout.
type ExclusionSource interface {
	GetExcludedPnL(ctx context.Context, challengeID string) (resolution.Exclusion, error)
}

// Eligibility is the outcome of CheckEligibility.
type Eligibility struct {
	ChallengeID         string          `json:"challenge_id"`
	Eligible            bool            `json:"eligible"`
	Reasons             []string        `json:"reasons"`
	NetProfit           decimal.Decimal `json:"net_profit"`
	ActiveTradingDays   int             `json:"active_trading_days"`
	RequiredTradingDays int             `json:"required_trading_days"`
	ConsistencyFlagged  bool            `json:"consistency_flagged"`
}

// Calculation is the outcome of CalculatePayout. All amounts are >= 0.
type Calculation struct {
	ChallengeID     string          `json:"challenge_id"`
	GrossProfit     decimal.Decimal `json:"gross_profit"`
	ExcludedPnL     decimal.Decimal `json:"excluded_pnl"`
	AdjustedProfit  decimal.Decimal `json:"adjusted_profit"`
	PayoutCap       decimal.Decimal `json:"payout_cap"`
	CappedProfit    decimal.Decimal `json:"capped_profit"`
	ProfitSplit     decimal.Decimal `json:"profit_split"`
	NetPayout       decimal.Decimal `json:"net_payout"`
	FirmShare       decimal.Decimal `json:"firm_share"`
	ExcludedMarkets []string        `json:"excluded_markets"`
}

// Calculator computes and transitions payouts.
type Calculator struct {
	store     store.Store
	exclusion ExclusionSource
	balance   *balance.Manager
	tiers     *tier.Table
	now       func() time.Time
}

// NewCalculator creates a payout calculator.
func NewCalculator(st store.Store, exclusion ExclusionSource, bal *balance.Manager, tiers *tier.Table) *Calculator {
	return &Calculator{
		store:     st,
		exclusion: exclusion,
		balance:   bal,
		tiers:     tiers,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CheckEligibility reports whether a challenge may request a payout now.
func (c *Calculator) CheckEligibility(ctx context.Context, challengeID string) (Eligibility, error) {
	ch, err := c.loadChallenge(ctx, c.store, challengeID)
	if err != nil {
		return Eligibility{}, err
	}
	return c.eligibility(ctx, c.store, ch)
}

func (c *Calculator) eligibility(ctx context.Context, tx store.Tx, ch *model.Challenge) (Eligibility, error) {
	e := Eligibility{
		ChallengeID:         ch.ID,
		Reasons:             []string{},
		NetProfit:           ch.NetProfit(),
		ActiveTradingDays:   ch.ActiveTradingDays,
		RequiredTradingDays: c.tiers.MinTradingDays(ch.StartingBalance),
		ConsistencyFlagged:  ch.ConsistencyFlagged,
	}

	blocked := false
	block := func(reason string) {
		blocked = true
		e.Reasons = append(e.Reasons, reason)
	}

	if ch.Phase != model.PhaseFunded {
		block(ReasonNotFunded)
	}
	if ch.Status != model.ChallengeActive {
		block(ReasonNotActive)
	}
	if !e.NetProfit.IsPositive() {
		block(ReasonNoProfit)
	}
	if e.ActiveTradingDays < e.RequiredTradingDays {
		block(fmt.Sprintf("%s: %d of %d", ReasonTradingDays, e.ActiveTradingDays, e.RequiredTradingDays))
	}

	payouts, err := tx.ListPayouts(ctx, ch.ID)
	if err != nil {
		return Eligibility{}, fmt.Errorf("list payouts: %w", err)
	}
	for _, p := range payouts {
		if p.Status.InFlight() {
			block(ReasonPayoutInFlight)
			break
		}
	}

	if ch.ConsistencyFlagged {
		e.Reasons = append(e.Reasons, ReasonConsistencyFlagged)
	}

	e.Eligible = !blocked
	return e, nil
}

// CalculatePayout computes the payout a challenge would receive now:
//
//	gross    = max(0, current − starting)
//	adjusted = max(0, gross − excluded)
//	capped   = min(adjusted, payoutCap ?? starting)
//	net      = capped × split, firm = capped − net
func (c *Calculator) CalculatePayout(ctx context.Context, challengeID string) (Calculation, error) {
	ch, err := c.loadChallenge(ctx, c.store, challengeID)
	if err != nil {
		return Calculation{}, err
	}
	ex, err := c.exclusion.GetExcludedPnL(ctx, challengeID)
	if err != nil {
		return Calculation{}, fmt.Errorf("excluded pnl: %w", err)
	}
	return Calculate(ch, ex), nil
}

// Calculate applies the payout formula to a challenge and an exclusion.
func Calculate(ch *model.Challenge, ex resolution.Exclusion) Calculation {
	gross := nonNegative(ch.NetProfit())
	adjusted := nonNegative(gross.Sub(ex.TotalExcluded))
	capAmount := nonNegative(ch.EffectivePayoutCap())
	capped := decimal.Min(adjusted, capAmount)
	net := capped.Mul(ch.ProfitSplit)
	if net.GreaterThan(capped) {
		net = capped
	}
	net = nonNegative(net)

	markets := ex.Markets
	if markets == nil {
		markets = []string{}
	}
	return Calculation{
		ChallengeID:     ch.ID,
		GrossProfit:     gross,
		ExcludedPnL:     ex.TotalExcluded,
		AdjustedProfit:  adjusted,
		PayoutCap:       capAmount,
		CappedProfit:    capped,
		ProfitSplit:     ch.ProfitSplit,
		NetPayout:       net,
		FirmShare:       capped.Sub(net),
		ExcludedMarkets: markets,
	}
}

// RequestPayout creates a pending payout when the challenge is eligible.
// The exclusion is computed before the transaction; eligibility and the
// in-flight check run inside it, under the challenge row lock, so two
// concurrent requests cannot both succeed.
func (c *Calculator) RequestPayout(ctx context.Context, challengeID string) (*model.Payout, error) {
	ex, err := c.exclusion.GetExcludedPnL(ctx, challengeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", challengeID, ErrChallengeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("excluded pnl: %w", err)
	}

	var out *model.Payout
	err = c.store.WithTx(ctx, func(tx store.Tx) error {
		ch, err := c.loadChallenge(ctx, tx, challengeID)
		if err != nil {
			return err
		}

		elig, err := c.eligibility(ctx, tx, ch)
		if err != nil {
			return err
		}
		if !elig.Eligible {
			return fmt.Errorf("%w: %s", ErrNotEligible, strings.Join(elig.Reasons, "; "))
		}

		calc := Calculate(ch, ex)
		if !calc.CappedProfit.IsPositive() {
			return fmt.Errorf("%w: no payable profit after exclusions", ErrNotEligible)
		}

		p := &model.Payout{
			ID:             uuid.New().String(),
			ChallengeID:    ch.ID,
			Status:         model.PayoutPending,
			GrossProfit:    calc.GrossProfit,
			ExcludedPnL:    calc.ExcludedPnL,
			AdjustedProfit: calc.AdjustedProfit,
			CappedProfit:   calc.CappedProfit,
			NetPayout:      calc.NetPayout,
			FirmShare:      calc.FirmShare,
			RequestedAt:    c.now(),
		}
		if err := tx.InsertPayout(ctx, p); err != nil {
			return fmt.Errorf("insert payout: %w", err)
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("payout requested",
		"payout", out.ID,
		"challenge", challengeID,
		"net", out.NetPayout.String(),
		"excluded", out.ExcludedPnL.String(),
	)
	return out, nil
}

// ListPayouts returns a challenge's payouts, oldest first.
func (c *Calculator) ListPayouts(ctx context.Context, challengeID string) ([]model.Payout, error) {
	if _, err := c.loadChallenge(ctx, c.store, challengeID); err != nil {
		return nil, err
	}
	return c.store.ListPayouts(ctx, challengeID)
}

// GetPayout loads a payout.
func (c *Calculator) GetPayout(ctx context.Context, payoutID string) (*model.Payout, error) {
	p, err := c.store.GetPayout(ctx, payoutID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", payoutID, ErrPayoutNotFound)
	}
	return p, err
}

func (c *Calculator) loadChallenge(ctx context.Context, tx store.Tx, id string) (*model.Challenge, error) {
	ch, err := tx.GetChallenge(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrChallengeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load challenge: %w", err)
	}
	return ch, nil
}

func nonNegative(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
