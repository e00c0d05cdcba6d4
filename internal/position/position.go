// Package position manages directional exposures to markets within a
// challenge: opening, averaging in, reducing and closing positions.
//
// Every method takes the caller's store.Tx so position changes commit or
// roll back together with the balance mutation that pays for them.
package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/model"
	"github.com/atmx/challenge-engine/internal/orderbook"
	"github.com/atmx/challenge-engine/internal/store"
)

var (
	// ErrPositionNotFound is returned when a position id does not resolve.
	ErrPositionNotFound = errors.New("position: not found")

	// ErrPositionClosed is returned when mutating a CLOSED position.
	ErrPositionClosed = errors.New("position: already closed")

	// ErrInsufficientShares is returned when a reduction exceeds the held shares.
	ErrInsufficientShares = errors.New("position: insufficient shares")

	// ErrInvalidQuantity is returned for non-positive shares or prices.
	ErrInvalidQuantity = errors.New("position: shares and price must be positive")
)

// DustShares is the share count below which a position is considered closed.
var DustShares = decimal.NewFromFloat(0.0001)

// Manager applies position mutations inside a transaction.
type Manager struct {
	now func() time.Time
}

// NewManager creates a position manager using the wall clock.
func NewManager() *Manager {
	return &Manager{now: func() time.Time { return time.Now().UTC() }}
}

// OpenPosition inserts a new OPEN position. Entry and current price are
// clamped to [0.01, 0.99].
func (m *Manager) OpenPosition(
	ctx context.Context,
	tx store.Tx,
	challengeID, marketID string,
	shares, price, cost decimal.Decimal,
	dir model.Direction,
) (*model.Position, error) {
	if !shares.IsPositive() || !price.IsPositive() || cost.IsNegative() {
		return nil, ErrInvalidQuantity
	}
	if !dir.Valid() {
		return nil, fmt.Errorf("position: invalid direction %q", dir)
	}

	now := m.now()
	entry := orderbook.ClampPrice(price)
	p := &model.Position{
		ID:           uuid.New().String(),
		ChallengeID:  challengeID,
		MarketID:     marketID,
		Direction:    dir,
		Shares:       shares,
		EntryPrice:   entry,
		CurrentPrice: entry,
		SizeAmount:   cost,
		Status:       model.PositionOpen,
		OpenedAt:     now,
		UpdatedAt:    now,
	}
	if err := tx.InsertPosition(ctx, p); err != nil {
		return nil, fmt.Errorf("insert position: %w", err)
	}
	return p, nil
}

// AddToPosition averages new shares into an OPEN position. The entry price
// becomes the share-weighted average of old and new fills; CurrentPrice is
// left for mark-to-market.
func (m *Manager) AddToPosition(
	ctx context.Context,
	tx store.Tx,
	positionID string,
	addShares, addPrice, addCost decimal.Decimal,
) (*model.Position, error) {
	if !addShares.IsPositive() || !addPrice.IsPositive() || addCost.IsNegative() {
		return nil, ErrInvalidQuantity
	}

	p, err := m.load(ctx, tx, positionID)
	if err != nil {
		return nil, err
	}

	total := p.Shares.Add(addShares)
	vwap := p.Shares.Mul(p.EntryPrice).Add(addShares.Mul(addPrice)).Div(total)

	p.Shares = total
	p.EntryPrice = orderbook.ClampPrice(vwap)
	p.SizeAmount = p.SizeAmount.Add(addCost)
	p.UpdatedAt = m.now()

	if err := tx.UpdatePosition(ctx, p); err != nil {
		return nil, fmt.Errorf("update position: %w", err)
	}
	return p, nil
}

// UpsertBuy applies a BUY fill to the single OPEN position for the triple,
// opening one if none exists. Reports whether a new position was opened.
func (m *Manager) UpsertBuy(
	ctx context.Context,
	tx store.Tx,
	challengeID, marketID string,
	dir model.Direction,
	shares, price, cost decimal.Decimal,
) (*model.Position, bool, error) {
	existing, err := tx.GetOpenPosition(ctx, challengeID, marketID, dir)
	switch {
	case errors.Is(err, store.ErrNotFound):
		p, err := m.OpenPosition(ctx, tx, challengeID, marketID, shares, price, cost, dir)
		return p, true, err
	case err != nil:
		return nil, false, fmt.Errorf("load open position: %w", err)
	}

	p, err := m.AddToPosition(ctx, tx, existing.ID, shares, price, cost)
	return p, false, err
}

// Reduction is the outcome of ReducePosition.
type Reduction struct {
	Position   *model.Position `json:"position"`
	SoldShares decimal.Decimal `json:"sold_shares"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	Proceeds   decimal.Decimal `json:"proceeds"`
	Closed     bool            `json:"closed"`
}

// ReducePosition sells shares out of an OPEN position at exitPrice (the
// position's CurrentPrice when nil). Overselling fails with
// ErrInsufficientShares and changes nothing. When the remainder falls below
// DustShares the position is CLOSED with PnL = sold × (exit − entry); a
// partial reduction only lowers shares and cost basis pro rata.
func (m *Manager) ReducePosition(
	ctx context.Context,
	tx store.Tx,
	positionID string,
	sellShares decimal.Decimal,
	exitPrice *decimal.Decimal,
) (Reduction, error) {
	if !sellShares.IsPositive() {
		return Reduction{}, ErrInvalidQuantity
	}

	p, err := m.load(ctx, tx, positionID)
	if err != nil {
		return Reduction{}, err
	}
	if sellShares.GreaterThan(p.Shares) {
		return Reduction{}, fmt.Errorf("%w: selling %s of %s", ErrInsufficientShares, sellShares, p.Shares)
	}

	exit := p.CurrentPrice
	if exitPrice != nil {
		exit = *exitPrice
	}
	if exit.IsNegative() {
		return Reduction{}, ErrInvalidQuantity
	}

	now := m.now()
	remaining := p.Shares.Sub(sellShares)
	red := Reduction{
		SoldShares: sellShares,
		ExitPrice:  exit,
		Proceeds:   sellShares.Mul(exit),
	}

	if remaining.LessThan(DustShares) {
		pnl := sellShares.Mul(exit.Sub(p.EntryPrice))
		closedPrice := exit
		p.Shares = decimal.Zero
		p.SizeAmount = decimal.Zero
		p.Status = model.PositionClosed
		p.PnL = &pnl
		p.ClosedPrice = &closedPrice
		p.ClosedAt = &now
		p.CurrentPrice = exit
		red.Closed = true
	} else {
		p.SizeAmount = p.SizeAmount.Mul(remaining).Div(p.Shares)
		p.Shares = remaining
	}
	p.UpdatedAt = now

	if err := tx.UpdatePosition(ctx, p); err != nil {
		return Reduction{}, fmt.Errorf("update position: %w", err)
	}
	red.Position = p
	return red, nil
}

// MarkToMarket sets an OPEN position's current price.
func (m *Manager) MarkToMarket(ctx context.Context, tx store.Tx, positionID string, price decimal.Decimal) (*model.Position, error) {
	if price.IsNegative() || price.GreaterThan(decimal.NewFromInt(1)) {
		return nil, ErrInvalidQuantity
	}
	p, err := m.load(ctx, tx, positionID)
	if err != nil {
		return nil, err
	}
	p.CurrentPrice = price
	p.UpdatedAt = m.now()
	if err := tx.UpdatePosition(ctx, p); err != nil {
		return nil, fmt.Errorf("update position: %w", err)
	}
	return p, nil
}

// UnrealizedPnL is shares × current − cost basis.
func UnrealizedPnL(p model.Position) decimal.Decimal {
	return p.Shares.Mul(p.CurrentPrice).Sub(p.SizeAmount)
}

// MarketValue is shares × current price.
func MarketValue(p model.Position) decimal.Decimal {
	return p.Shares.Mul(p.CurrentPrice)
}

func (m *Manager) load(ctx context.Context, tx store.Tx, id string) (*model.Position, error) {
	p, err := tx.GetPosition(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrPositionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	if p.Status != model.PositionOpen {
		return nil, fmt.Errorf("%s: %w", id, ErrPositionClosed)
	}
	return p, nil
}
