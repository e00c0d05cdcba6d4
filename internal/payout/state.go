package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/atmx/challenge-engine/internal/metrics"
	"github.com/atmx/challenge-engine/internal/model"
	"github.com/atmx/challenge-engine/internal/store"
)

var (
	// ErrPayoutNotFound is returned when a payout id does not resolve.
	ErrPayoutNotFound = errors.New("payout: not found")

	// ErrInvalidState matches every *TransitionError.
	ErrInvalidState = errors.New("payout: invalid state transition")

	// ErrAlreadyTerminal matches a *TransitionError whose payout is already
	// completed or failed.
	ErrAlreadyTerminal = errors.New("payout: already terminal")
)

// TransitionError reports a state-machine violation with the expected and
// actual status.
type TransitionError struct {
	PayoutID string
	Expected model.PayoutStatus // empty when any non-terminal status was allowed
	Actual   model.PayoutStatus
}

func (e *TransitionError) Error() string {
	if e.Actual.Terminal() {
		return fmt.Sprintf("payout %s: already terminal (%s)", e.PayoutID, e.Actual)
	}
	return fmt.Sprintf("payout %s: expected status %s, got %s", e.PayoutID, e.Expected, e.Actual)
}

// Is makes the error match ErrInvalidState, and ErrAlreadyTerminal when the
// payout is in a terminal status.
func (e *TransitionError) Is(target error) bool {
	switch target {
	case ErrInvalidState:
		return true
	case ErrAlreadyTerminal:
		return e.Actual.Terminal()
	}
	return false
}

// ApprovePayout moves a payout from pending to approved.
func (c *Calculator) ApprovePayout(ctx context.Context, payoutID string) (*model.Payout, error) {
	return c.transition(ctx, payoutID, model.PayoutPending, model.PayoutApproved,
		func(_ store.Tx, p *model.Payout) error {
			now := c.now()
			p.ApprovedAt = &now
			return nil
		})
}

// MarkProcessing moves a payout from approved to processing.
func (c *Calculator) MarkProcessing(ctx context.Context, payoutID string) (*model.Payout, error) {
	return c.transition(ctx, payoutID, model.PayoutApproved, model.PayoutProcessing,
		func(_ store.Tx, p *model.Payout) error {
			now := c.now()
			p.ProcessingAt = &now
			return nil
		})
}

// CompletePayout moves a payout from processing to completed and withdraws
// the capped profit from the challenge balance in the same transaction.
func (c *Calculator) CompletePayout(ctx context.Context, payoutID string) (*model.Payout, error) {
	return c.transition(ctx, payoutID, model.PayoutProcessing, model.PayoutCompleted,
		func(tx store.Tx, p *model.Payout) error {
			if p.CappedProfit.IsPositive() {
				if _, err := c.balance.AdjustBalance(ctx, tx, p.ChallengeID, p.CappedProfit.Neg(), model.SourceSettlement, p.ID); err != nil {
					return fmt.Errorf("withdraw payout: %w", err)
				}
			}
			now := c.now()
			p.CompletedAt = &now
			return nil
		})
}

// FailPayout moves any non-terminal payout to failed with a reason.
func (c *Calculator) FailPayout(ctx context.Context, payoutID, reason string) (*model.Payout, error) {
	return c.transition(ctx, payoutID, "", model.PayoutFailed,
		func(_ store.Tx, p *model.Payout) error {
			now := c.now()
			p.FailedAt = &now
			p.FailureReason = reason
			return nil
		})
}

// transition loads the payout inside a transaction, checks its status
// against from (any non-terminal status when from is empty), applies apply
// and persists the new status.
func (c *Calculator) transition(
	ctx context.Context,
	payoutID string,
	from, to model.PayoutStatus,
	apply func(tx store.Tx, p *model.Payout) error,
) (*model.Payout, error) {
	var (
		out  *model.Payout
		prev model.PayoutStatus
	)
	err := c.store.WithTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetPayout(ctx, payoutID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%s: %w", payoutID, ErrPayoutNotFound)
		}
		if err != nil {
			return fmt.Errorf("load payout: %w", err)
		}

		if p.Status.Terminal() || (from != "" && p.Status != from) {
			return &TransitionError{PayoutID: payoutID, Expected: from, Actual: p.Status}
		}

		if err := apply(tx, p); err != nil {
			return err
		}
		prev = p.Status
		p.Status = to
		if err := tx.UpdatePayout(ctx, p); err != nil {
			return fmt.Errorf("update payout: %w", err)
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("payout transition",
		"payout", out.ID,
		"challenge", out.ChallengeID,
		"from", prev,
		"to", to,
	)
	metrics.PayoutTransitions.WithLabelValues(string(to)).Inc()
	return out, nil
}
