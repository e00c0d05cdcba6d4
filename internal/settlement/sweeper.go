// Package settlement closes open positions in markets that have resolved.
//
// Only an oracle-authoritative resolution closes a position, at 1 for the
// winning direction and 0 for the loser. A heuristic resolution is treated
// as a price signal: positions are marked to it and stay open.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/balance"
	"github.com/atmx/challenge-engine/internal/metrics"
	"github.com/atmx/challenge-engine/internal/model"
	"github.com/atmx/challenge-engine/internal/position"
	"github.com/atmx/challenge-engine/internal/resolution"
	"github.com/atmx/challenge-engine/internal/risk"
	"github.com/atmx/challenge-engine/internal/store"
	"github.com/atmx/challenge-engine/internal/trade"
)

// Resolver reports whether a market has settled.
type Resolver interface {
	IsResolutionEvent(ctx context.Context, marketID string) resolution.Event
}

// Report summarises one sweep.
type Report struct {
	MarketsChecked   int
	MarketsResolved  int
	PositionsSettled int
	PositionsMarked  int
	Failures         int
}

// Sweeper settles positions whose market has resolved.
type Sweeper struct {
	store     store.Store
	resolver  Resolver
	balance   *balance.Manager
	positions *position.Manager
	hub       *trade.WSHub
	now       func() time.Time
}

// NewSweeper creates a sweeper. hub may be nil.
func NewSweeper(st store.Store, r Resolver, bal *balance.Manager, hub *trade.WSHub) *Sweeper {
	return &Sweeper{
		store:     st,
		resolver:  r,
		balance:   bal,
		positions: position.NewManager(),
		hub:       hub,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep, err := s.SettleResolvedMarkets(ctx)
			if err != nil {
				slog.Error("settlement sweep failed", "err", err)
				continue
			}
			if rep.MarketsResolved > 0 || rep.Failures > 0 {
				slog.Info("settlement sweep",
					"markets", rep.MarketsChecked,
					"resolved", rep.MarketsResolved,
					"settled", rep.PositionsSettled,
					"marked", rep.PositionsMarked,
					"failures", rep.Failures,
				)
			}
		}
	}
}

// SettleResolvedMarkets scans every OPEN position and asks the resolver
// once per distinct market. Each position settles in its own transaction,
// so one failure does not hold back the rest.
func (s *Sweeper) SettleResolvedMarkets(ctx context.Context) (Report, error) {
	var rep Report
	open, err := s.store.ListPositions(ctx, store.PositionFilter{Status: model.PositionOpen})
	if err != nil {
		return rep, fmt.Errorf("list open positions: %w", err)
	}

	byMarket := make(map[string][]model.Position)
	var markets []string
	for _, p := range open {
		if _, ok := byMarket[p.MarketID]; !ok {
			markets = append(markets, p.MarketID)
		}
		byMarket[p.MarketID] = append(byMarket[p.MarketID], p)
	}

	for _, marketID := range markets {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.MarketsChecked++
		ev := s.resolver.IsResolutionEvent(ctx, marketID)
		if !ev.Resolved {
			continue
		}
		rep.MarketsResolved++

		for _, p := range byMarket[marketID] {
			switch {
			case ev.Source == resolution.SourceOracle && ev.WinningOutcome != "":
				if err := s.settle(ctx, p, ev.WinningOutcome); err != nil {
					rep.Failures++
					slog.Error("settle position failed", "position", p.ID, "market", marketID, "err", err)
					continue
				}
				rep.PositionsSettled++
			case ev.Price != nil:
				if err := s.mark(ctx, p, *ev.Price); err != nil {
					rep.Failures++
					slog.Error("mark position failed", "position", p.ID, "market", marketID, "err", err)
					continue
				}
				rep.PositionsMarked++
			default:
				slog.Warn("resolved market without outcome or price", "market", marketID, "source", ev.Source)
			}
		}
	}
	return rep, nil
}

func (s *Sweeper) settle(ctx context.Context, p model.Position, winner model.Direction) error {
	exit := decimal.Zero
	outcome := "lost"
	if p.Direction == winner {
		exit = decimal.NewFromInt(1)
		outcome = "won"
	}

	var (
		bal    decimal.Decimal
		status model.ChallengeStatus
		rule   string
	)
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		red, err := s.positions.ReducePosition(ctx, tx, p.ID, p.Shares, &exit)
		if err != nil {
			return err
		}
		if red.Proceeds.IsPositive() {
			if _, err := s.balance.CreditProceeds(ctx, tx, p.ChallengeID, red.Proceeds, model.SourceSettlement, p.ID); err != nil {
				return err
			}
		}

		ch, err := tx.GetChallenge(ctx, p.ChallengeID)
		if err != nil {
			return fmt.Errorf("load challenge: %w", err)
		}
		bal, status = ch.CurrentBalance, ch.Status
		if ch.Status != model.ChallengeActive {
			return nil
		}
		now := s.now()
		verdict, err := risk.Assess(ctx, tx, ch, now)
		if err != nil {
			return err
		}
		if verdict.Changed(ch) {
			ch.Status = verdict.Status
			ch.EndedAt = &now
			if err := tx.UpdateChallenge(ctx, ch); err != nil {
				return fmt.Errorf("update challenge: %w", err)
			}
			status, rule = ch.Status, verdict.Rule
		}
		return nil
	})
	if errors.Is(err, position.ErrPositionClosed) {
		// Closed by a trade since the scan.
		return nil
	}
	if err != nil {
		return err
	}

	metrics.SettledPositions.WithLabelValues(outcome).Inc()
	slog.Info("position settled",
		"position", p.ID,
		"challenge", p.ChallengeID,
		"market", p.MarketID,
		"direction", p.Direction,
		"shares", p.Shares.String(),
		"exit", exit.String(),
		"balance", bal.String(),
	)
	if rule != "" {
		metrics.ChallengeOutcomes.WithLabelValues(string(status), rule).Inc()
	}
	if s.hub != nil {
		s.hub.Broadcast(trade.WSMessage{
			Type:        "position_settled",
			ChallengeID: p.ChallengeID,
			MarketID:    p.MarketID,
			Direction:   string(p.Direction),
			Shares:      p.Shares.String(),
			Price:       exit.String(),
			Balance:     bal.String(),
			Status:      string(status),
		})
	}
	return nil
}

func (s *Sweeper) mark(ctx context.Context, p model.Position, price decimal.Decimal) error {
	if p.Direction == model.DirectionNo {
		price = decimal.NewFromInt(1).Sub(price)
	}
	return s.store.WithTx(ctx, func(tx store.Tx) error {
		_, err := s.positions.MarkToMarket(ctx, tx, p.ID, price)
		if errors.Is(err, position.ErrPositionClosed) {
			return nil
		}
		return err
	})
}
