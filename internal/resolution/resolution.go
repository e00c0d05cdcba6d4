// Package resolution decides whether a market has settled and computes the
// realized PnL that must be excluded from payout-eligible profit.
//
// Detection is oracle-first. When the oracle itself reports a fallback
// source, or cannot be reached, a price heuristic takes over. Every failure
// path answers "not resolved": a false positive would wrongly strip real
// trading profit from a payout.
package resolution

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/metrics"
	"github.com/atmx/challenge-engine/internal/model"
	"github.com/atmx/challenge-engine/internal/oracle"
	"github.com/atmx/challenge-engine/internal/store"
)

// EventSource names what decided a resolution event.
type EventSource string

const (
	SourceOracle    EventSource = "oracle"
	SourceHeuristic EventSource = "heuristic"
	SourceNone      EventSource = "none"
)

// Policy holds the heuristic thresholds and the lookup bound. The thresholds
// are tuning parameters, not facts about markets.
type Policy struct {
	UpperThreshold decimal.Decimal
	LowerThreshold decimal.Decimal
	Timeout        time.Duration
}

// DefaultPolicy treats prices at or beyond 0.95 / 0.05 as resolved and
// bounds each oracle lookup at three seconds.
func DefaultPolicy() Policy {
	return Policy{
		UpperThreshold: decimal.NewFromFloat(0.95),
		LowerThreshold: decimal.NewFromFloat(0.05),
		Timeout:        3 * time.Second,
	}
}

// Event is the outcome of IsResolutionEvent.
type Event struct {
	MarketID       string           `json:"market_id"`
	Resolved       bool             `json:"resolved"`
	Source         EventSource      `json:"source"`
	WinningOutcome model.Direction  `json:"winning_outcome,omitempty"`
	Price          *decimal.Decimal `json:"price,omitempty"`
}

// Detector answers resolution questions for markets and challenges.
type Detector struct {
	oracle oracle.Oracle
	store  store.Store
	policy Policy
}

// NewDetector creates a detector. Zero policy fields fall back to DefaultPolicy.
func NewDetector(o oracle.Oracle, st store.Store, policy Policy) *Detector {
	def := DefaultPolicy()
	if policy.UpperThreshold.IsZero() {
		policy.UpperThreshold = def.UpperThreshold
	}
	if policy.LowerThreshold.IsZero() {
		policy.LowerThreshold = def.LowerThreshold
	}
	if policy.Timeout <= 0 {
		policy.Timeout = def.Timeout
	}
	return &Detector{oracle: o, store: st, policy: policy}
}

// Policy returns the effective policy.
func (d *Detector) Policy() Policy { return d.policy }

// IsResolutionEvent reports whether marketID has settled. It never returns
// an error; failures yield Resolved=false.
func (d *Detector) IsResolutionEvent(ctx context.Context, marketID string) Event {
	ev := d.detect(ctx, marketID)
	metrics.ResolutionChecks.WithLabelValues(string(ev.Source), strconv.FormatBool(ev.Resolved)).Inc()
	return ev
}

func (d *Detector) detect(ctx context.Context, marketID string) Event {
	notResolved := Event{MarketID: marketID, Source: SourceNone}

	res, err := d.resolutionStatus(ctx, marketID)
	switch {
	case err != nil:
		slog.Warn("resolution lookup failed, using price heuristic", "market", marketID, "err", err)
	case res.Source.Trusted():
		if !res.IsResolved && !res.IsClosed {
			return Event{MarketID: marketID, Source: SourceOracle}
		}
		return Event{
			MarketID:       marketID,
			Resolved:       true,
			Source:         SourceOracle,
			WinningOutcome: winningOutcome(res),
			Price:          res.ResolutionPrice,
		}
	default:
		slog.Info("oracle reported untrusted source, using price heuristic", "market", marketID, "source", res.Source)
	}

	q, err := d.latestPrice(ctx, marketID)
	if err != nil {
		slog.Warn("price heuristic unavailable", "market", marketID, "err", err)
		return notResolved
	}
	if !q.Source.Trusted() {
		return notResolved
	}

	price := q.Price
	switch {
	case price.GreaterThanOrEqual(d.policy.UpperThreshold):
		return Event{MarketID: marketID, Resolved: true, Source: SourceHeuristic, WinningOutcome: model.DirectionYes, Price: &price}
	case price.LessThanOrEqual(d.policy.LowerThreshold):
		return Event{MarketID: marketID, Resolved: true, Source: SourceHeuristic, WinningOutcome: model.DirectionNo, Price: &price}
	default:
		return Event{MarketID: marketID, Source: SourceHeuristic, Price: &price}
	}
}

func (d *Detector) resolutionStatus(ctx context.Context, marketID string) (oracle.Resolution, error) {
	ctx, cancel := context.WithTimeout(ctx, d.policy.Timeout)
	defer cancel()
	return d.oracle.ResolutionStatus(ctx, marketID)
}

func (d *Detector) latestPrice(ctx context.Context, marketID string) (oracle.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, d.policy.Timeout)
	defer cancel()
	return d.oracle.LatestPrice(ctx, marketID)
}

// winningOutcome prefers the reported outcome and otherwise infers it from
// the resolution price. Empty when neither is known.
func winningOutcome(res oracle.Resolution) model.Direction {
	switch res.WinningOutcome {
	case "YES":
		return model.DirectionYes
	case "NO":
		return model.DirectionNo
	}
	if res.ResolutionPrice != nil {
		if res.ResolutionPrice.GreaterThanOrEqual(decimal.NewFromFloat(0.5)) {
			return model.DirectionYes
		}
		return model.DirectionNo
	}
	return ""
}

// Exclusion is the outcome of GetExcludedPnL.
type Exclusion struct {
	ChallengeID    string          `json:"challenge_id"`
	TotalExcluded  decimal.Decimal `json:"total_excluded"`
	Markets        []string        `json:"markets"` // resolved markets contributing to the total
	MarketsChecked int             `json:"markets_checked"`
	CycleStart     *time.Time      `json:"cycle_start,omitempty"`
}

// GetExcludedPnL sums the PnL of CLOSED positions in the current payout
// cycle whose market has resolved. The cycle starts at the most recent
// completed payout. Each market is checked once.
func (d *Detector) GetExcludedPnL(ctx context.Context, challengeID string) (Exclusion, error) {
	if _, err := d.store.GetChallenge(ctx, challengeID); err != nil {
		return Exclusion{}, fmt.Errorf("load challenge: %w", err)
	}

	cycleStart, err := d.cycleStart(ctx, challengeID)
	if err != nil {
		return Exclusion{}, err
	}

	closed, err := d.store.ListPositions(ctx, store.PositionFilter{
		ChallengeID: challengeID,
		Status:      model.PositionClosed,
		ClosedAfter: cycleStart,
	})
	if err != nil {
		return Exclusion{}, fmt.Errorf("list closed positions: %w", err)
	}

	out := Exclusion{ChallengeID: challengeID, TotalExcluded: decimal.Zero, Markets: []string{}, CycleStart: cycleStart}
	resolved := make(map[string]bool)
	for _, p := range closed {
		r, seen := resolved[p.MarketID]
		if !seen {
			r = d.IsResolutionEvent(ctx, p.MarketID).Resolved
			resolved[p.MarketID] = r
			out.MarketsChecked++
			if r {
				out.Markets = append(out.Markets, p.MarketID)
			}
		}
		if r && p.PnL != nil {
			out.TotalExcluded = out.TotalExcluded.Add(*p.PnL)
		}
	}
	return out, nil
}

func (d *Detector) cycleStart(ctx context.Context, challengeID string) (*time.Time, error) {
	payouts, err := d.store.ListPayouts(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("list payouts: %w", err)
	}
	var last *time.Time
	for _, p := range payouts {
		if p.Status == model.PayoutCompleted && p.CompletedAt != nil {
			if last == nil || p.CompletedAt.After(*last) {
				t := *p.CompletedAt
				last = &t
			}
		}
	}
	return last, nil
}
