// Package store defines the persistence interface for the challenge engine.
// Implementations include PostgreSQL (source of truth) and in-memory (for
// testing and sandbox runs).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/challenge-engine/internal/model"
)

var (
	// ErrNotFound is returned when a row does not resolve.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when an insert violates a uniqueness rule
	// (payment invoice id, open position triple).
	ErrDuplicate = errors.New("store: duplicate")
)

// PositionFilter narrows ListPositions. Zero values match everything.
type PositionFilter struct {
	ChallengeID string
	MarketID    string
	Status      model.PositionStatus
	ClosedAfter *time.Time // only positions closed strictly after this instant
}

// Tx is the read/write surface available inside a transaction. The same
// surface is exposed by Store for single-statement access outside one.
type Tx interface {
	// --- Challenges ---

	// GetChallenge loads a challenge. Inside a transaction the row is locked
	// until commit so balance mutations apply in commit order.
	GetChallenge(ctx context.Context, id string) (*model.Challenge, error)
	InsertChallenge(ctx context.Context, c *model.Challenge) error
	UpdateChallenge(ctx context.Context, c *model.Challenge) error

	// --- Positions ---

	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// GetOpenPosition returns the single OPEN position for the triple, or
	// ErrNotFound.
	GetOpenPosition(ctx context.Context, challengeID, marketID string, dir model.Direction) (*model.Position, error)
	InsertPosition(ctx context.Context, p *model.Position) error
	UpdatePosition(ctx context.Context, p *model.Position) error
	ListPositions(ctx context.Context, f PositionFilter) ([]model.Position, error)

	// --- Immutable trade log ---

	// InsertTrade fails with ErrDuplicate when the trade's idempotency key
	// is already used on the challenge.
	InsertTrade(ctx context.Context, t *model.Trade) error
	GetTradeByIdempotencyKey(ctx context.Context, challengeID, key string) (*model.Trade, error)
	ListTrades(ctx context.Context, challengeID string) ([]model.Trade, error)

	// --- Payouts ---

	InsertPayout(ctx context.Context, p *model.Payout) error
	GetPayout(ctx context.Context, id string) (*model.Payout, error)
	UpdatePayout(ctx context.Context, p *model.Payout) error
	ListPayouts(ctx context.Context, challengeID string) ([]model.Payout, error)

	// --- Forensic balance ledger ---

	InsertLedgerEntry(ctx context.Context, e *model.BalanceLedgerEntry) error
	ListLedgerEntries(ctx context.Context, challengeID string, since time.Time) ([]model.BalanceLedgerEntry, error)

	// --- Payments ---

	GetDiscountCode(ctx context.Context, code string) (*model.DiscountCode, error)
	GetPaymentEvent(ctx context.Context, invoiceID string) (*model.PaymentEvent, error)
	InsertPaymentEvent(ctx context.Context, e *model.PaymentEvent) error
}

// Store is the persistence interface. WithTx runs fn atomically: if fn
// returns an error nothing it wrote is visible to other readers. fn must use
// the Tx it is given, never the Store, for the duration of the call.
type Store interface {
	Tx
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
