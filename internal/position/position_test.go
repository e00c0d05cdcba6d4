package position

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/atmx/challenge-engine/internal/model"
	"github.com/atmx/challenge-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func open(t *testing.T, st *store.MemoryStore, shares, price float64) *model.Position {
	t.Helper()
	p, err := NewManager().OpenPosition(context.Background(), st, "ch-1", "mkt-1",
		d(shares), d(price), d(shares).Mul(d(price)), model.DirectionYes)
	require.NoError(t, err)
	return p
}

func TestOpenPosition_ClampsPrice(t *testing.T) {
	st := store.NewMemoryStore()

	p := open(t, st, 100, 0.995)
	assert.True(t, p.EntryPrice.Equal(d(0.99)), "entry %s", p.EntryPrice)
	assert.True(t, p.CurrentPrice.Equal(d(0.99)))
	assert.Equal(t, model.PositionOpen, p.Status)

	low, err := NewManager().OpenPosition(context.Background(), st, "ch-1", "mkt-2",
		d(10), d(0.001), d(0.01), model.DirectionNo)
	require.NoError(t, err)
	assert.True(t, low.EntryPrice.Equal(d(0.01)))
}

func TestOpenPosition_RejectsDuplicateTriple(t *testing.T) {
	st := store.NewMemoryStore()
	open(t, st, 100, 0.5)

	_, err := NewManager().OpenPosition(context.Background(), st, "ch-1", "mkt-1",
		d(5), d(0.5), d(2.5), model.DirectionYes)
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func TestAddToPosition_VWAP(t *testing.T) {
	st := store.NewMemoryStore()
	m := NewManager()
	p := open(t, st, 100, 0.40)

	p, err := m.AddToPosition(context.Background(), st, p.ID, d(300), d(0.60), d(180))
	require.NoError(t, err)

	// (100×0.40 + 300×0.60) / 400 = 0.55
	assert.True(t, p.EntryPrice.Equal(d(0.55)), "entry %s", p.EntryPrice)
	assert.True(t, p.Shares.Equal(d(400)))
	assert.True(t, p.SizeAmount.Equal(d(220)))
	assert.True(t, p.CurrentPrice.Equal(d(0.40)), "current price must not move on add")
}

func TestAddToPosition_VWAPProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		st := store.NewMemoryStore()
		m := NewManager()

		s1 := decimal.NewFromInt(int64(rapid.IntRange(1, 100000).Draw(t, "s1")))
		p1 := decimal.New(int64(rapid.IntRange(1, 99).Draw(t, "p1")), -2)
		s2 := decimal.NewFromInt(int64(rapid.IntRange(1, 100000).Draw(t, "s2")))
		p2 := decimal.New(int64(rapid.IntRange(1, 99).Draw(t, "p2")), -2)

		pos, err := m.OpenPosition(context.Background(), st, "ch", "mkt", s1, p1, s1.Mul(p1), model.DirectionYes)
		if err != nil {
			t.Fatal(err)
		}
		pos, err = m.AddToPosition(context.Background(), st, pos.ID, s2, p2, s2.Mul(p2))
		if err != nil {
			t.Fatal(err)
		}

		want := s1.Mul(p1).Add(s2.Mul(p2)).Div(s1.Add(s2))
		if pos.EntryPrice.Sub(want).Abs().GreaterThan(d(0.0001)) {
			t.Fatalf("vwap %s, want %s", pos.EntryPrice, want)
		}
		lo, hi := decimal.Min(p1, p2), decimal.Max(p1, p2)
		if pos.EntryPrice.LessThan(lo) || pos.EntryPrice.GreaterThan(hi) {
			t.Fatalf("vwap %s outside [%s, %s]", pos.EntryPrice, lo, hi)
		}
	})
}

func TestAddToPosition_NotFound(t *testing.T) {
	_, err := NewManager().AddToPosition(context.Background(), store.NewMemoryStore(), "missing", d(1), d(0.5), d(0.5))
	assert.ErrorIs(t, err, ErrPositionNotFound)
}

func TestUpsertBuy_OpensThenAverages(t *testing.T) {
	st := store.NewMemoryStore()
	m := NewManager()
	ctx := context.Background()

	first, opened, err := m.UpsertBuy(ctx, st, "ch-1", "mkt-1", model.DirectionNo, d(100), d(0.30), d(30))
	require.NoError(t, err)
	assert.True(t, opened)

	second, opened, err := m.UpsertBuy(ctx, st, "ch-1", "mkt-1", model.DirectionNo, d(100), d(0.50), d(50))
	require.NoError(t, err)
	assert.False(t, opened)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.EntryPrice.Equal(d(0.40)))

	openPos, err := st.ListPositions(ctx, store.PositionFilter{ChallengeID: "ch-1", Status: model.PositionOpen})
	require.NoError(t, err)
	assert.Len(t, openPos, 1)
}

func TestReducePosition_Partial(t *testing.T) {
	st := store.NewMemoryStore()
	p := open(t, st, 100, 0.50)
	exit := d(0.70)

	red, err := NewManager().ReducePosition(context.Background(), st, p.ID, d(40), &exit)
	require.NoError(t, err)

	assert.False(t, red.Closed)
	assert.True(t, red.Proceeds.Equal(d(28)))
	assert.True(t, red.Position.Shares.Equal(d(60)))
	assert.True(t, red.Position.SizeAmount.Equal(d(30)), "cost basis %s", red.Position.SizeAmount)
	assert.Equal(t, model.PositionOpen, red.Position.Status)
	assert.Nil(t, red.Position.PnL)
	assert.Nil(t, red.Position.ClosedAt)
}

func TestReducePosition_FullCloseRecordsPnL(t *testing.T) {
	st := store.NewMemoryStore()
	p := open(t, st, 100, 0.50)
	exit := d(0.80)

	red, err := NewManager().ReducePosition(context.Background(), st, p.ID, d(100), &exit)
	require.NoError(t, err)

	assert.True(t, red.Closed)
	got, err := st.GetPosition(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PositionClosed, got.Status)
	assert.True(t, got.Shares.IsZero())
	require.NotNil(t, got.PnL)
	assert.True(t, got.PnL.Equal(d(30)), "pnl %s", got.PnL)
	require.NotNil(t, got.ClosedPrice)
	assert.True(t, got.ClosedPrice.Equal(exit))
	assert.NotNil(t, got.ClosedAt)
}

func TestReducePosition_DustRemainderCloses(t *testing.T) {
	st := store.NewMemoryStore()
	p := open(t, st, 100, 0.50)

	red, err := NewManager().ReducePosition(context.Background(), st, p.ID, d(99.99995), nil)
	require.NoError(t, err)
	assert.True(t, red.Closed)
	assert.True(t, red.ExitPrice.Equal(d(0.50)), "nil exit falls back to current price")
}

func TestReducePosition_OversellHasNoEffect(t *testing.T) {
	st := store.NewMemoryStore()
	p := open(t, st, 100, 0.50)

	err := st.WithTx(context.Background(), func(tx store.Tx) error {
		_, err := NewManager().ReducePosition(context.Background(), tx, p.ID, d(100.5), nil)
		return err
	})
	assert.ErrorIs(t, err, ErrInsufficientShares)

	got, err := st.GetPosition(context.Background(), p.ID)
	require.NoError(t, err)
	assert.True(t, got.Shares.Equal(d(100)))
	assert.Equal(t, model.PositionOpen, got.Status)
}

func TestReducePosition_ClosedPositionRejected(t *testing.T) {
	st := store.NewMemoryStore()
	m := NewManager()
	p := open(t, st, 10, 0.50)

	_, err := m.ReducePosition(context.Background(), st, p.ID, d(10), nil)
	require.NoError(t, err)

	_, err = m.ReducePosition(context.Background(), st, p.ID, d(1), nil)
	assert.ErrorIs(t, err, ErrPositionClosed)
}

func TestMarkToMarket(t *testing.T) {
	st := store.NewMemoryStore()
	p := open(t, st, 100, 0.50)

	p, err := NewManager().MarkToMarket(context.Background(), st, p.ID, d(0.62))
	require.NoError(t, err)
	assert.True(t, p.CurrentPrice.Equal(d(0.62)))
	assert.True(t, UnrealizedPnL(*p).Equal(d(12)))
	assert.True(t, MarketValue(*p).Equal(d(62)))

	_, err = NewManager().MarkToMarket(context.Background(), st, p.ID, d(1.2))
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}
