package payment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/challenge-engine/internal/model"
	"github.com/atmx/challenge-engine/internal/store"
	"github.com/atmx/challenge-engine/internal/tier"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func newProcessor(t *testing.T) (*Processor, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	st.PutDiscountCode(model.DiscountCode{Code: "FIFTY", Kind: model.DiscountFixed, Value: d("50"), Active: true})
	st.PutDiscountCode(model.DiscountCode{Code: "TENPCT", Kind: model.DiscountPercent, Value: d("10"), Active: true})
	st.PutDiscountCode(model.DiscountCode{Code: "OLD", Kind: model.DiscountFixed, Value: d("20"), Active: false})
	return NewProcessor(st, tier.DefaultTable()), st
}

func invoice(id, tierName, paid string) Invoice {
	return Invoice{
		InvoiceID:  id,
		UserID:     "user-1",
		Tier:       tierName,
		AmountPaid: d(paid),
		PaidAt:     time.Now().UTC(),
	}
}

func TestHandleInvoicePaid_CreatesPendingChallenge(t *testing.T) {
	p, st := newProcessor(t)
	ctx := context.Background()

	res, err := p.HandleInvoicePaid(ctx, invoice("in_1", "10k", "99"))
	require.NoError(t, err)
	assert.False(t, res.Deduplicated)
	require.NotEmpty(t, res.ChallengeID)

	ch, err := st.GetChallenge(ctx, res.ChallengeID)
	require.NoError(t, err)
	assert.Equal(t, model.ChallengePending, ch.Status)
	assert.Equal(t, model.PhaseChallenge, ch.Phase)
	assert.True(t, ch.StartingBalance.Equal(d("10000")))
	assert.True(t, ch.CurrentBalance.Equal(d("10000")))
	assert.True(t, ch.Rules.MaxDrawdown.Equal(d("800")))
	assert.True(t, ch.ProfitSplit.Equal(d("0.80")))

	entries, err := st.ListLedgerEntries(ctx, res.ChallengeID, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.SourceFunding, entries[0].Source)
	assert.Equal(t, "in_1", entries[0].Reference)
	assert.True(t, entries[0].BalanceAfter.Equal(d("10000")))
}

func TestHandleInvoicePaid_DuplicateInvoice(t *testing.T) {
	p, st := newProcessor(t)
	ctx := context.Background()

	first, err := p.HandleInvoicePaid(ctx, invoice("in_dup", "10k", "99"))
	require.NoError(t, err)

	second, err := p.HandleInvoicePaid(ctx, invoice("in_dup", "10k", "99"))
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.ChallengeID, second.ChallengeID)

	entries, err := st.ListLedgerEntries(ctx, first.ChallengeID, time.Time{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	all := st.ListChallenges("")
	require.Len(t, all, 1)
	assert.Equal(t, first.ChallengeID, all[0].ID)

	ev, err := st.GetPaymentEvent(ctx, "in_dup")
	require.NoError(t, err)
	assert.Equal(t, first.ChallengeID, ev.ChallengeID)
}

func TestHandleInvoicePaid_ConcurrentDuplicates(t *testing.T) {
	p, st := newProcessor(t)
	ctx := context.Background()

	const n = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]bool{}
		created int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.HandleInvoicePaid(ctx, invoice("in_race", "5k", "49"))
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[res.ChallengeID] = true
			if !res.Deduplicated {
				created++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)
	assert.Len(t, st.ListChallenges(""), 1)
	for id := range ids {
		entries, err := st.ListLedgerEntries(ctx, id, time.Time{})
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	}
}

func TestHandleInvoicePaid_UsesStoredDiscount(t *testing.T) {
	p, _ := newProcessor(t)
	ctx := context.Background()

	// The payload claims $999 off; the stored code is worth $50.
	inv := invoice("in_disc", "10k", "49")
	inv.DiscountCode = "FIFTY"
	inv.DiscountAmount = dp("999")

	res, err := p.HandleInvoicePaid(ctx, inv)
	require.NoError(t, err)
	assert.True(t, res.DiscountApplied.Equal(d("50")))

	// Paying what the payload discount implies is rejected.
	cheap := invoice("in_disc_cheap", "10k", "0")
	cheap.DiscountCode = "FIFTY"
	cheap.DiscountAmount = dp("999")
	_, err = p.HandleInvoicePaid(ctx, cheap)
	assert.ErrorIs(t, err, ErrAmountMismatch)
}

func TestHandleInvoicePaid_AmountChecks(t *testing.T) {
	tests := []struct {
		name    string
		tier    string
		paid    string
		code    string
		wantErr error
	}{
		{name: "exact", tier: "25k", paid: "199"},
		{name: "within a cent", tier: "25k", paid: "198.99"},
		{name: "underpaid", tier: "25k", paid: "198.98", wantErr: ErrAmountMismatch},
		{name: "overpaid", tier: "25k", paid: "250", wantErr: ErrAmountMismatch},
		{name: "percent code", tier: "25k", paid: "179.10", code: "TENPCT"},
		{name: "inactive code gives nothing", tier: "25k", paid: "179", code: "OLD", wantErr: ErrAmountMismatch},
		{name: "unknown code gives nothing", tier: "25k", paid: "199", code: "NOPE"},
		{name: "unknown tier", tier: "1m", paid: "999", wantErr: tier.ErrUnknownTier},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newProcessor(t)
			inv := invoice("in_"+string(rune('a'+i)), tt.tier, tt.paid)
			inv.DiscountCode = tt.code

			_, err := p.HandleInvoicePaid(context.Background(), inv)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestHandleInvoicePaid_RejectedInvoiceIsNotRecorded(t *testing.T) {
	p, st := newProcessor(t)
	ctx := context.Background()

	_, err := p.HandleInvoicePaid(ctx, invoice("in_bad", "10k", "1"))
	require.ErrorIs(t, err, ErrAmountMismatch)

	_, err = st.GetPaymentEvent(ctx, "in_bad")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, st.ListChallenges(""))

	// A corrected retry of the same invoice is processed.
	res, err := p.HandleInvoicePaid(ctx, invoice("in_bad", "10k", "99"))
	require.NoError(t, err)
	assert.False(t, res.Deduplicated)
}

func TestHandleInvoicePaid_MissingFields(t *testing.T) {
	p, _ := newProcessor(t)
	_, err := p.HandleInvoicePaid(context.Background(), Invoice{Tier: "10k"})
	assert.ErrorIs(t, err, ErrInvalidInvoice)
}

func TestDiscountFor(t *testing.T) {
	price := d("99")
	assert.True(t, DiscountFor(model.DiscountCode{Kind: model.DiscountPercent, Value: d("25")}, price).Equal(d("24.75")))
	assert.True(t, DiscountFor(model.DiscountCode{Kind: model.DiscountFixed, Value: d("150")}, price).Equal(d("99")))
	assert.True(t, DiscountFor(model.DiscountCode{Kind: model.DiscountFixed, Value: d("-5")}, price).IsZero())
	assert.True(t, DiscountFor(model.DiscountCode{Kind: "bogus", Value: d("5")}, price).IsZero())
}
