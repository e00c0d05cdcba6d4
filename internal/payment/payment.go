// Package payment turns paid invoices from the payment provider into pending
// challenges. Webhooks are deduplicated by invoice id in durable storage and
// the charged amount is checked against the stored discount code, never the
// discount claimed in the payload.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/metrics"
	"github.com/atmx/challenge-engine/internal/model"
	"github.com/atmx/challenge-engine/internal/store"
	"github.com/atmx/challenge-engine/internal/tier"
)

var (
	// ErrInvalidInvoice is returned when required invoice fields are missing.
	ErrInvalidInvoice = errors.New("payment: invalid invoice")

	// ErrAmountMismatch is returned when the paid amount does not match the
	// tier price less the stored discount.
	ErrAmountMismatch = errors.New("payment: amount mismatch")
)

// AmountTolerance is the largest accepted difference between the paid and
// the expected amount.
var AmountTolerance = decimal.NewFromFloat(0.01)

// Invoice is a paid invoice as reported by the provider webhook.
type Invoice struct {
	InvoiceID    string          `json:"invoice_id"`
	UserID       string          `json:"user_id"`
	Tier         string          `json:"tier"`
	AmountPaid   decimal.Decimal `json:"amount_paid"`
	DiscountCode string          `json:"discount_code,omitempty"`
	// DiscountAmount is what the payload claims was discounted. It is only
	// compared against the stored code for logging.
	DiscountAmount *decimal.Decimal `json:"discount_amount,omitempty"`
	PaidAt         time.Time        `json:"paid_at"`
}

// Result is the outcome of HandleInvoicePaid.
type Result struct {
	InvoiceID       string           `json:"invoice_id"`
	ChallengeID     string           `json:"challenge_id"`
	Deduplicated    bool             `json:"deduplicated"`
	DiscountApplied decimal.Decimal  `json:"discount_applied"`
	Challenge       *model.Challenge `json:"challenge,omitempty"`
}

// Processor handles payment webhooks.
type Processor struct {
	store store.Store
	tiers *tier.Table
	now   func() time.Time
}

// NewProcessor creates a processor.
func NewProcessor(st store.Store, tiers *tier.Table) *Processor {
	return &Processor{
		store: st,
		tiers: tiers,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// HandleInvoicePaid creates the challenge bought by inv. A replayed invoice id
// returns Deduplicated with the original challenge id and changes nothing.
func (p *Processor) HandleInvoicePaid(ctx context.Context, inv Invoice) (Result, error) {
	if inv.InvoiceID == "" || inv.UserID == "" || inv.Tier == "" {
		metrics.WebhookEvents.WithLabelValues("rejected").Inc()
		return Result{}, fmt.Errorf("%w: invoice_id, user_id and tier are required", ErrInvalidInvoice)
	}

	var res Result
	err := p.store.WithTx(ctx, func(tx store.Tx) error {
		prior, err := tx.GetPaymentEvent(ctx, inv.InvoiceID)
		if err == nil {
			res = deduplicated(prior)
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load payment event: %w", err)
		}

		tr, err := p.tiers.ByName(inv.Tier)
		if err != nil {
			return err
		}

		discount, err := p.discount(ctx, tx, inv.DiscountCode, tr.Price)
		if err != nil {
			return err
		}
		if inv.DiscountAmount != nil && !inv.DiscountAmount.Equal(discount) {
			slog.Warn("payload discount ignored",
				"invoice", inv.InvoiceID,
				"code", inv.DiscountCode,
				"claimed", inv.DiscountAmount.String(),
				"stored", discount.String(),
			)
		}

		expected := tr.Price.Sub(discount)
		if inv.AmountPaid.Sub(expected).Abs().GreaterThan(AmountTolerance) {
			return fmt.Errorf("%w: paid %s, expected %s (tier %s, discount %s)",
				ErrAmountMismatch, inv.AmountPaid, expected, tr.Name, discount)
		}

		now := p.now()
		ch := &model.Challenge{
			ID:              uuid.New().String(),
			UserID:          inv.UserID,
			StartingBalance: tr.StartingBalance,
			CurrentBalance:  tr.StartingBalance,
			Phase:           model.PhaseChallenge,
			Status:          model.ChallengePending,
			Rules:           tr.Rules,
			ProfitSplit:     tr.ProfitSplit,
			PayoutCap:       tr.PayoutCap,
			CreatedAt:       now,
		}

		event := &model.PaymentEvent{
			InvoiceID:       inv.InvoiceID,
			ChallengeID:     ch.ID,
			UserID:          inv.UserID,
			Tier:            tr.Name,
			Amount:          inv.AmountPaid,
			DiscountCode:    inv.DiscountCode,
			DiscountApplied: discount,
			ReceivedAt:      now,
		}
		if err := tx.InsertPaymentEvent(ctx, event); err != nil {
			return fmt.Errorf("insert payment event: %w", err)
		}
		if err := tx.InsertChallenge(ctx, ch); err != nil {
			return fmt.Errorf("insert challenge: %w", err)
		}

		entry := &model.BalanceLedgerEntry{
			ID:            uuid.New().String(),
			ChallengeID:   ch.ID,
			Operation:     model.OpCredit,
			Amount:        tr.StartingBalance,
			BalanceBefore: decimal.Zero,
			BalanceAfter:  tr.StartingBalance,
			Source:        model.SourceFunding,
			Reference:     inv.InvoiceID,
			CreatedAt:     now,
		}
		if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
			metrics.LedgerWriteFailures.Inc()
			slog.Error("funding ledger write failed", "challenge", ch.ID, "invoice", inv.InvoiceID, "error", err)
		}

		res = Result{
			InvoiceID:       inv.InvoiceID,
			ChallengeID:     ch.ID,
			DiscountApplied: discount,
			Challenge:       ch,
		}
		return nil
	})

	// A concurrent delivery of the same invoice won the unique index.
	if errors.Is(err, store.ErrDuplicate) {
		prior, lerr := p.store.GetPaymentEvent(ctx, inv.InvoiceID)
		if lerr == nil {
			err = nil
			res = deduplicated(prior)
		}
	}
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("rejected").Inc()
		slog.Warn("payment webhook rejected", "invoice", inv.InvoiceID, "tier", inv.Tier, "error", err)
		return Result{}, err
	}

	if res.Deduplicated {
		metrics.WebhookEvents.WithLabelValues("deduplicated").Inc()
		slog.Info("payment webhook deduplicated", "invoice", inv.InvoiceID, "challenge", res.ChallengeID)
		return res, nil
	}
	metrics.WebhookEvents.WithLabelValues("processed").Inc()
	slog.Info("challenge purchased",
		"invoice", inv.InvoiceID,
		"challenge", res.ChallengeID,
		"user", inv.UserID,
		"tier", inv.Tier,
		"discount", res.DiscountApplied.String(),
	)
	return res, nil
}

// discount derives the discount for code from storage. Unknown, inactive
// and expired codes give no discount; the amount check then rejects an
// underpayment.
func (p *Processor) discount(ctx context.Context, tx store.Tx, code string, price decimal.Decimal) (decimal.Decimal, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return decimal.Zero, nil
	}
	dc, err := tx.GetDiscountCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("unknown discount code", "code", code)
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("load discount code: %w", err)
	}
	if !dc.Active || (dc.ExpiresAt != nil && !p.now().Before(*dc.ExpiresAt)) {
		slog.Warn("discount code not usable", "code", code, "active", dc.Active)
		return decimal.Zero, nil
	}
	return DiscountFor(*dc, price), nil
}

// DiscountFor computes the discount a code grants on price, bounded to
// [0, price] and rounded to cents.
func DiscountFor(dc model.DiscountCode, price decimal.Decimal) decimal.Decimal {
	var d decimal.Decimal
	switch dc.Kind {
	case model.DiscountPercent:
		d = price.Mul(dc.Value).Div(decimal.NewFromInt(100))
	case model.DiscountFixed:
		d = dc.Value
	default:
		return decimal.Zero
	}
	if d.IsNegative() {
		return decimal.Zero
	}
	if d.GreaterThan(price) {
		d = price
	}
	return d.Round(2)
}

func deduplicated(e *model.PaymentEvent) Result {
	return Result{
		InvoiceID:       e.InvoiceID,
		ChallengeID:     e.ChallengeID,
		Deduplicated:    true,
		DiscountApplied: e.DiscountApplied,
	}
}
