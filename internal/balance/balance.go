// Package balance is the only writer of a challenge's CurrentBalance.
//
// Every mutation reads the challenge inside the caller's transaction, refuses
// to drive the balance below -0.01, floors sub-cent negative dust to zero and
// appends a forensic ledger entry. The ledger write is best-effort: a failed
// log never fails the mutation.
package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/metrics"
	"github.com/atmx/challenge-engine/internal/model"
	"github.com/atmx/challenge-engine/internal/store"
)

var (
	// ErrChallengeNotFound is returned when the challenge does not exist.
	ErrChallengeNotFound = errors.New("balance: challenge not found")

	// ErrNegativeBalanceBlocked is returned when a mutation would leave the
	// balance below NegativeTolerance. Nothing is written.
	ErrNegativeBalanceBlocked = errors.New("balance: mutation would make balance negative")

	// ErrInvalidAmount is returned for non-positive amounts or a zero delta.
	ErrInvalidAmount = errors.New("balance: amount must be positive")
)

var (
	// NegativeTolerance is the lowest balance a mutation may produce before
	// dust flooring.
	NegativeTolerance = decimal.NewFromFloat(-0.01)

	// DefaultLargeTransaction is the anomaly threshold when none is configured.
	DefaultLargeTransaction = decimal.NewFromInt(10000)
)

// Anomaly kinds.
const (
	AnomalyLargeTransaction      = "large_transaction"
	AnomalyCreditExceedsStarting = "credit_exceeds_starting_balance"
)

// Anomaly is a soft warning raised alongside a successful mutation.
type Anomaly struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// Mutation describes an applied balance change. Entry is nil when the
// forensic log write failed.
type Mutation struct {
	ChallengeID string                    `json:"challenge_id"`
	Before      decimal.Decimal           `json:"before"`
	After       decimal.Decimal           `json:"after"`
	Entry       *model.BalanceLedgerEntry `json:"entry,omitempty"`
	Anomalies   []Anomaly                 `json:"anomalies,omitempty"`
}

// Manager applies balance mutations.
type Manager struct {
	largeTx decimal.Decimal
	now     func() time.Time
}

// NewManager creates a manager. largeTx <= 0 selects DefaultLargeTransaction.
func NewManager(largeTx decimal.Decimal) *Manager {
	if !largeTx.IsPositive() {
		largeTx = DefaultLargeTransaction
	}
	return &Manager{
		largeTx: largeTx,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// DeductCost debits amount from the challenge balance.
func (m *Manager) DeductCost(ctx context.Context, tx store.Tx, challengeID string, amount decimal.Decimal, source model.LedgerSource, reference string) (Mutation, error) {
	if !amount.IsPositive() {
		return Mutation{}, ErrInvalidAmount
	}
	return m.apply(ctx, tx, challengeID, amount.Neg(), source, reference)
}

// CreditProceeds credits amount to the challenge balance.
func (m *Manager) CreditProceeds(ctx context.Context, tx store.Tx, challengeID string, amount decimal.Decimal, source model.LedgerSource, reference string) (Mutation, error) {
	if !amount.IsPositive() {
		return Mutation{}, ErrInvalidAmount
	}
	return m.apply(ctx, tx, challengeID, amount, source, reference)
}

// AdjustBalance applies a signed delta.
func (m *Manager) AdjustBalance(ctx context.Context, tx store.Tx, challengeID string, delta decimal.Decimal, source model.LedgerSource, reference string) (Mutation, error) {
	if delta.IsZero() {
		return Mutation{}, ErrInvalidAmount
	}
	return m.apply(ctx, tx, challengeID, delta, source, reference)
}

func (m *Manager) apply(ctx context.Context, tx store.Tx, challengeID string, delta decimal.Decimal, source model.LedgerSource, reference string) (Mutation, error) {
	c, err := tx.GetChallenge(ctx, challengeID)
	if errors.Is(err, store.ErrNotFound) {
		return Mutation{}, fmt.Errorf("%s: %w", challengeID, ErrChallengeNotFound)
	}
	if err != nil {
		return Mutation{}, fmt.Errorf("load challenge: %w", err)
	}

	before := c.CurrentBalance
	after := before.Add(delta)

	if after.LessThan(NegativeTolerance) {
		metrics.BalanceBlocked.Inc()
		slog.Error("negative balance blocked",
			"challenge", challengeID,
			"before", before.String(),
			"delta", delta.String(),
			"would_be", after.String(),
			"source", source,
			"reference", reference,
		)
		return Mutation{}, fmt.Errorf("%w: %s + (%s) would leave %s", ErrNegativeBalanceBlocked, before, delta, after)
	}
	if after.IsNegative() {
		after = decimal.Zero
	}

	c.CurrentBalance = after
	if err := tx.UpdateChallenge(ctx, c); err != nil {
		return Mutation{}, fmt.Errorf("update balance: %w", err)
	}

	op := model.OpCredit
	if delta.IsNegative() {
		op = model.OpDeduct
	}
	metrics.BalanceMutations.WithLabelValues(string(op), string(source)).Inc()

	mut := Mutation{
		ChallengeID: challengeID,
		Before:      before,
		After:       after,
		Anomalies:   m.anomalies(c, delta),
	}
	for _, a := range mut.Anomalies {
		metrics.BalanceAnomalies.WithLabelValues(a.Kind).Inc()
		slog.Warn("balance anomaly",
			"kind", a.Kind,
			"challenge", challengeID,
			"detail", a.Detail,
			"source", source,
			"reference", reference,
		)
	}

	entry := &model.BalanceLedgerEntry{
		ID:            uuid.New().String(),
		ChallengeID:   challengeID,
		Operation:     op,
		Amount:        delta.Abs(),
		BalanceBefore: before,
		BalanceAfter:  after,
		Source:        source,
		Reference:     reference,
		CreatedAt:     m.now(),
	}
	if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
		metrics.LedgerWriteFailures.Inc()
		slog.Error("balance ledger write failed",
			"challenge", challengeID,
			"operation", op,
			"amount", entry.Amount.String(),
			"err", err,
		)
	} else {
		mut.Entry = entry
	}

	return mut, nil
}

func (m *Manager) anomalies(c *model.Challenge, delta decimal.Decimal) []Anomaly {
	var out []Anomaly
	if delta.Abs().GreaterThan(m.largeTx) {
		out = append(out, Anomaly{
			Kind:   AnomalyLargeTransaction,
			Detail: fmt.Sprintf("amount %s exceeds %s", delta.Abs(), m.largeTx),
		})
	}
	if delta.IsPositive() && delta.GreaterThan(c.StartingBalance) {
		out = append(out, Anomaly{
			Kind:   AnomalyCreditExceedsStarting,
			Detail: fmt.Sprintf("credit %s exceeds starting balance %s", delta, c.StartingBalance),
		})
	}
	return out
}
