package trade

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/challenge-engine/internal/balance"
	"github.com/atmx/challenge-engine/internal/idempotency"
	"github.com/atmx/challenge-engine/internal/model"
	"github.com/atmx/challenge-engine/internal/oracle"
	"github.com/atmx/challenge-engine/internal/position"
	"github.com/atmx/challenge-engine/internal/risk"
	"github.com/atmx/challenge-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	engine *Engine
	store  *store.MemoryStore
	oracle *oracle.StaticOracle
	guard  *idempotency.Guard
}

func newEngineEnv(t *testing.T, limiter *risk.Limiter, cfg EngineConfig) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	o := oracle.NewStaticOracle(oracle.SourceLive)
	o.SetPrice("btc-100k", d(0.5))
	guard := idempotency.NewGuard(idempotency.NewMemoryKV(), "trade:", time.Minute, time.Hour)
	e := NewEngine(st, o, balance.NewManager(decimal.Zero), guard, limiter, cfg)
	e.now = func() time.Time { return time.Date(2026, 4, 10, 15, 0, 0, 0, time.UTC) }
	return &testEnv{engine: e, store: st, oracle: o, guard: guard}
}

// seedChallenge inserts an active challenge starting at 10000 with a 1000
// target, 800 drawdown and 500 daily loss limit.
func seedChallenge(t *testing.T, st store.Store, id string, balance float64, status model.ChallengeStatus) *model.Challenge {
	t.Helper()
	ch := &model.Challenge{
		ID:              id,
		UserID:          "user-1",
		StartingBalance: d(10000),
		CurrentBalance:  d(balance),
		Phase:           model.PhaseChallenge,
		Status:          status,
		Rules: model.RulesConfig{
			ProfitTarget:   d(1000),
			MaxDrawdown:    d(800),
			DailyLossLimit: d(500),
		},
		ProfitSplit: d(0.8),
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, st.InsertChallenge(context.Background(), ch))
	return ch
}

func buy(challengeID string, dir model.Direction, amount float64) Request {
	return Request{
		ChallengeID: challengeID,
		MarketID:    "btc-100k",
		Type:        model.TradeBuy,
		Direction:   dir,
		Amount:      d(amount),
	}
}

func sell(challengeID string, dir model.Direction, shares decimal.Decimal) Request {
	return Request{
		ChallengeID: challengeID,
		MarketID:    "btc-100k",
		Type:        model.TradeSell,
		Direction:   dir,
		Shares:      shares,
	}
}

func balanceOf(t *testing.T, st store.Store, id string) decimal.Decimal {
	t.Helper()
	ch, err := st.GetChallenge(context.Background(), id)
	require.NoError(t, err)
	return ch.CurrentBalance
}

func TestExecuteTrade_BuyYes(t *testing.T) {
	env := newEngineEnv(t, nil, EngineConfig{})
	seedChallenge(t, env.store, "c1", 10000, model.ChallengeActive)
	ctx := context.Background()

	res, err := env.engine.ExecuteTrade(ctx, buy("c1", model.DirectionYes, 100))
	require.NoError(t, err)

	// Best ask at 0.52 has 10000 shares; $100 fills on one level.
	assert.True(t, res.Trade.Price.Equal(d(0.52)), "price = %s", res.Trade.Price)
	assert.InDelta(t, 100.0/0.52, res.Trade.Shares.InexactFloat64(), 1e-9)
	assert.True(t, res.Trade.Amount.Equal(d(100)))
	assert.True(t, res.Balance.Equal(d(9900)))
	assert.Equal(t, model.ChallengeActive, res.ChallengeStatus)
	assert.Equal(t, oracle.SourceLive, res.PriceSource)

	require.NotNil(t, res.Position)
	assert.Equal(t, model.PositionOpen, res.Position.Status)
	assert.True(t, res.Position.EntryPrice.Equal(d(0.52)))
	assert.True(t, res.Position.CurrentPrice.Equal(d(0.5)), "marked to canonical price")

	trades, err := env.store.ListTrades(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, res.Trade.ID, trades[0].ID)

	entries, err := env.store.ListLedgerEntries(ctx, "c1", time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.OpDeduct, entries[0].Operation)
	assert.Equal(t, res.Trade.ID, entries[0].Reference)

	ch, err := env.store.GetChallenge(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, ch.ActiveTradingDays)
	assert.Equal(t, "2026-04-10", ch.LastTradeDay)
}

func TestExecuteTrade_BuyNoUsesInvertedBook(t *testing.T) {
	env := newEngineEnv(t, nil, EngineConfig{})
	seedChallenge(t, env.store, "c1", 10000, model.ChallengeActive)
	env.oracle.SetPrice("btc-100k", d(0.3))

	res, err := env.engine.ExecuteTrade(context.Background(), buy("c1", model.DirectionNo, 72))
	require.NoError(t, err)

	// YES bid 0.28 becomes NO ask 0.72.
	assert.True(t, res.Trade.Price.Equal(d(0.72)), "price = %s", res.Trade.Price)
	assert.True(t, res.Trade.Shares.Equal(d(100)))
	assert.True(t, res.Position.CurrentPrice.Equal(d(0.7)))
	assert.Equal(t, model.DirectionNo, res.Position.Direction)
}

func TestExecuteTrade_RoundTripHasNoPhantomPnL(t *testing.T) {
	env := newEngineEnv(t, nil, EngineConfig{})
	seedChallenge(t, env.store, "c1", 10000, model.ChallengeActive)
	ctx := context.Background()

	bought, err := env.engine.ExecuteTrade(ctx, buy("c1", model.DirectionYes, 100))
	require.NoError(t, err)

	sold, err := env.engine.ExecuteTrade(ctx, sell("c1", model.DirectionYes, bought.Position.Shares))
	require.NoError(t, err)
	assert.Equal(t, model.PositionClosed, sold.Position.Status)
	require.NotNil(t, sold.Position.PnL)

	// The only loss is the 0.04 spread paid across the round trip.
	shares := bought.Trade.Shares
	spreadCost := shares.Mul(d(0.04))
	loss := d(10000).Sub(sold.Balance)
	assert.True(t, loss.IsPositive())
	assert.InDelta(t, spreadCost.InexactFloat64(), loss.InexactFloat64(), 1e-6)
	assert.InDelta(t, spreadCost.Neg().InexactFloat64(), sold.Position.PnL.InexactFloat64(), 1e-6)
}

func TestExecuteTrade_PartialSellKeepsPositionOpen(t *testing.T) {
	env := newEngineEnv(t, nil, EngineConfig{})
	seedChallenge(t, env.store, "c1", 10000, model.ChallengeActive)
	ctx := context.Background()

	_, err := env.engine.ExecuteTrade(ctx, buy("c1", model.DirectionYes, 520))
	require.NoError(t, err)

	res, err := env.engine.ExecuteTrade(ctx, sell("c1", model.DirectionYes, d(400)))
	require.NoError(t, err)
	assert.Equal(t, model.PositionOpen, res.Position.Status)
	assert.True(t, res.Position.Shares.Equal(d(600)))
	assert.True(t, res.Trade.Amount.Equal(d(192)), "400 × 0.48 = %s", res.Trade.Amount)
	assert.True(t, res.Balance.Equal(d(9672)))
}

func TestExecuteTrade_OversellHasNoEffect(t *testing.T) {
	env := newEngineEnv(t, nil, EngineConfig{})
	seedChallenge(t, env.store, "c1", 10000, model.ChallengeActive)
	ctx := context.Background()

	bought, err := env.engine.ExecuteTrade(ctx, buy("c1", model.DirectionYes, 52))
	require.NoError(t, err)

	_, err = env.engine.ExecuteTrade(ctx, sell("c1", model.DirectionYes, bought.Position.Shares.Add(d(1))))
	assert.ErrorIs(t, err, position.ErrInsufficientShares)

	assert.True(t, balanceOf(t, env.store, "c1").Equal(d(9948)))
	trades, err := env.store.ListTrades(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, trades, 1)
	p, err := env.store.GetPosition(ctx, bought.Position.ID)
	require.NoError(t, err)
	assert.True(t, p.Shares.Equal(bought.Position.Shares))
}

func TestExecuteTrade_SellWithoutPosition(t *testing.T) {
	env := newEngineEnv(t, nil, EngineConfig{})
	seedChallenge(t, env.store, "c1", 10000, model.ChallengeActive)

	_, err := env.engine.ExecuteTrade(context.Background(), sell("c1", model.DirectionNo, d(10)))
	assert.ErrorIs(t, err, position.ErrPositionNotFound)
}

func TestExecuteTrade_AbortsBeforeMutation(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(env *testEnv)
		req     Request
		wantErr error
	}{
		{
			name:    "insufficient depth",
			req:     buy("c1", model.DirectionYes, 50000),
			wantErr: ErrInsufficientDepth,
		},
		{
			name:    "dead book",
			setup:   func(env *testEnv) { env.oracle.SetPrice("btc-100k", d(0.9)) },
			req:     buy("c1", model.DirectionYes, 10),
			wantErr: ErrMarketClosed,
		},
		{
			name:    "oracle down",
			setup:   func(env *testEnv) { env.oracle.FailPrice("btc-100k", errors.New("feed down")) },
			req:     buy("c1", model.DirectionYes, 10),
			wantErr: ErrPriceUnavailable,
		},
		{
			name:    "unknown market",
			req:     Request{ChallengeID: "c1", MarketID: "nope", Type: model.TradeBuy, Direction: model.DirectionYes, Amount: d(10)},
			wantErr: ErrPriceUnavailable,
		},
		{
			name:    "balance would go negative",
			req:     buy("c1", model.DirectionYes, 10001),
			wantErr: balance.ErrNegativeBalanceBlocked,
		},
		{
			name:    "invalid direction",
			req:     Request{ChallengeID: "c1", MarketID: "btc-100k", Type: model.TradeBuy, Direction: "MAYBE", Amount: d(10)},
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "zero amount",
			req:     buy("c1", model.DirectionYes, 0),
			wantErr: ErrInvalidRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEngineEnv(t, nil, EngineConfig{})
			seedChallenge(t, env.store, "c1", 10000, model.ChallengeActive)
			if tt.setup != nil {
				tt.setup(env)
			}

			_, err := env.engine.ExecuteTrade(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.wantErr)

			assert.True(t, balanceOf(t, env.store, "c1").Equal(d(10000)))
			trades, err := env.store.ListTrades(context.Background(), "c1")
			require.NoError(t, err)
			assert.Empty(t, trades)
			positions, err := env.store.ListPositions(context.Background(), store.PositionFilter{ChallengeID: "c1"})
			require.NoError(t, err)
			assert.Empty(t, positions)
		})
	}
}

func TestExecuteTrade_UntrustedPrice(t *testing.T) {
	st := store.NewMemoryStore()
	seedChallenge(t, st, "c1", 10000, model.ChallengeActive)
	demo := oracle.NewStaticOracle(oracle.SourceDemo)
	demo.SetPrice("btc-100k", d(0.5))

	strict := NewEngine(st, demo, balance.NewManager(decimal.Zero), nil, nil, EngineConfig{})
	_, err := strict.ExecuteTrade(context.Background(), buy("c1", model.DirectionYes, 10))
	assert.ErrorIs(t, err, ErrUntrustedPrice)

	lenient := NewEngine(st, demo, balance.NewManager(decimal.Zero), nil, nil, EngineConfig{AllowUntrustedPrices: true})
	res, err := lenient.ExecuteTrade(context.Background(), buy("c1", model.DirectionYes, 10))
	require.NoError(t, err)
	assert.Equal(t, oracle.SourceDemo, res.PriceSource)
}

func TestExecuteTrade_StalledOracleTimesOut(t *testing.T) {
	env := newEngineEnv(t, nil, EngineConfig{PriceTimeout: 20 * time.Millisecond})
	seedChallenge(t, env.store, "c1", 10000, model.ChallengeActive)
	env.oracle.SetDelay(time.Second)

	start := time.Now()
	_, err := env.engine.ExecuteTrade(context.Background(), buy("c1", model.DirectionYes, 10))
	assert.ErrorIs(t, err, ErrPriceUnavailable)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestExecuteTrade_ChallengeMustBeActive(t *testing.T) {
	env := newEngineEnv(t, nil, EngineConfig{})
	seedChallenge(t, env.store, "c1", 10000, model.ChallengePending)
	ctx := context.Background()

	_, err := env.engine.ExecuteTrade(ctx, buy("c1", model.DirectionYes, 10))
	assert.ErrorIs(t, err, ErrChallengeNotActive)

	ch, err := env.engine.StartChallenge(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ChallengeActive, ch.Status)
	require.NotNil(t, ch.StartedAt)

	_, err = env.engine.ExecuteTrade(ctx, buy("c1", model.DirectionYes, 10))
	assert.NoError(t, err)

	_, err = env.engine.StartChallenge(ctx, "c1")
	assert.ErrorIs(t, err, ErrInvalidChallengeState)

	_, err = env.engine.StartChallenge(ctx, "missing")
	assert.ErrorIs(t, err, ErrChallengeNotFound)

	_, err = env.engine.ExecuteTrade(ctx, buy("missing", model.DirectionYes, 10))
	assert.ErrorIs(t, err, ErrChallengeNotFound)
}

func TestExecuteTrade_DrawdownFailsChallenge(t *testing.T) {
	env := newEngineEnv(t, nil, EngineConfig{})
	// 797 drawn down; the buy's spread pushes equity past the 800 limit.
	seedChallenge(t, env.store, "c1", 9203, model.ChallengeActive)
	ctx := context.Background()

	res, err := env.engine.ExecuteTrade(ctx, buy("c1", model.DirectionYes, 100))
	require.NoError(t, err)
	assert.Equal(t, model.ChallengeFailed, res.ChallengeStatus)
	assert.Equal(t, risk.RuleMaxDrawdown, res.Rule)

	ch, err := env.store.GetChallenge(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ChallengeFailed, ch.Status)
	assert.NotNil(t, ch.EndedAt)

	_, err = env.engine.ExecuteTrade(ctx, buy("c1", model.DirectionYes, 10))
	assert.ErrorIs(t, err, ErrChallengeNotActive)
}

func TestExecuteTrade_ProfitTargetPassesChallenge(t *testing.T) {
	env := newEngineEnv(t, nil, EngineConfig{})
	seedChallenge(t, env.store, "c1", 11100, model.ChallengeActive)

	res, err := env.engine.ExecuteTrade(context.Background(), buy("c1", model.DirectionYes, 100))
	require.NoError(t, err)
	assert.Equal(t, model.ChallengePassed, res.ChallengeStatus)
	assert.Equal(t, risk.RuleProfitTarget, res.Rule)
}

func TestExecuteTrade_ExposureLimit(t *testing.T) {
	env := newEngineEnv(t, risk.NewLimiter(d(150), decimal.Zero), EngineConfig{})
	seedChallenge(t, env.store, "c1", 10000, model.ChallengeActive)
	ctx := context.Background()

	_, err := env.engine.ExecuteTrade(ctx, buy("c1", model.DirectionYes, 100))
	require.NoError(t, err)

	_, err = env.engine.ExecuteTrade(ctx, buy("c1", model.DirectionNo, 100))
	assert.ErrorIs(t, err, risk.ErrMarketLimitExceeded)
	assert.True(t, balanceOf(t, env.store, "c1").Equal(d(9900)))
}

func TestExecuteTrade_ActiveDaysCountOncePerDay(t *testing.T) {
	env := newEngineEnv(t, nil, EngineConfig{})
	seedChallenge(t, env.store, "c1", 10000, model.ChallengeActive)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := env.engine.ExecuteTrade(ctx, buy("c1", model.DirectionYes, 10))
		require.NoError(t, err)
	}
	env.engine.now = func() time.Time { return time.Date(2026, 4, 11, 9, 0, 0, 0, time.UTC) }
	_, err := env.engine.ExecuteTrade(ctx, buy("c1", model.DirectionYes, 10))
	require.NoError(t, err)

	ch, err := env.store.GetChallenge(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, ch.ActiveTradingDays)
}

func TestExecuteTrade_IdempotentReplay(t *testing.T) {
	env := newEngineEnv(t, nil, EngineConfig{})
	seedChallenge(t, env.store, "c1", 10000, model.ChallengeActive)
	ctx := context.Background()

	req := buy("c1", model.DirectionYes, 100)
	req.IdempotencyKey = "key-1"

	first, err := env.engine.ExecuteTrade(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := env.engine.ExecuteTrade(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Trade.ID, second.Trade.ID)
	assert.True(t, first.Balance.Equal(second.Balance))

	assert.True(t, balanceOf(t, env.store, "c1").Equal(d(9900)))
	trades, err := env.store.ListTrades(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestExecuteTrade_DuplicateInProgress(t *testing.T) {
	env := newEngineEnv(t, nil, EngineConfig{})
	seedChallenge(t, env.store, "c1", 10000, model.ChallengeActive)
	ctx := context.Background()

	req := buy("c1", model.DirectionYes, 100)
	req.IdempotencyKey = "key-1"

	outcome, _, err := env.guard.Begin(ctx, req.claim())
	require.NoError(t, err)
	require.Equal(t, idempotency.OutcomeProceed, outcome)

	_, err = env.engine.ExecuteTrade(ctx, req)
	assert.ErrorIs(t, err, ErrTradeInProgress)
	assert.True(t, balanceOf(t, env.store, "c1").Equal(d(10000)))
}

func TestExecuteTrade_FailedTradeReleasesKey(t *testing.T) {
	env := newEngineEnv(t, nil, EngineConfig{})
	seedChallenge(t, env.store, "c1", 10000, model.ChallengeActive)
	ctx := context.Background()

	req := buy("c1", model.DirectionYes, 100)
	req.IdempotencyKey = "key-1"

	env.oracle.FailPrice("btc-100k", errors.New("feed down"))
	_, err := env.engine.ExecuteTrade(ctx, req)
	require.ErrorIs(t, err, ErrPriceUnavailable)

	env.oracle.FailPrice("btc-100k", nil)
	res, err := env.engine.ExecuteTrade(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
}

func TestExecuteTrade_KeyScopedToChallenge(t *testing.T) {
	env := newEngineEnv(t, nil, EngineConfig{})
	seedChallenge(t, env.store, "c1", 10000, model.ChallengeActive)
	seedChallenge(t, env.store, "c2", 10000, model.ChallengeActive)
	ctx := context.Background()

	first := buy("c1", model.DirectionYes, 100)
	first.IdempotencyKey = "key-1"
	second := buy("c2", model.DirectionYes, 100)
	second.IdempotencyKey = "key-1"

	a, err := env.engine.ExecuteTrade(ctx, first)
	require.NoError(t, err)
	b, err := env.engine.ExecuteTrade(ctx, second)
	require.NoError(t, err)

	assert.False(t, b.Replayed, "another challenge's key must not replay")
	assert.NotEqual(t, a.Trade.ID, b.Trade.ID)
	assert.Equal(t, "c2", b.Trade.ChallengeID)
	assert.True(t, balanceOf(t, env.store, "c1").Equal(d(9900)))
	assert.True(t, balanceOf(t, env.store, "c2").Equal(d(9900)))
}

func TestExecuteTrade_KeyReusedWithDifferentRequest(t *testing.T) {
	env := newEngineEnv(t, nil, EngineConfig{})
	seedChallenge(t, env.store, "c1", 10000, model.ChallengeActive)
	ctx := context.Background()

	req := buy("c1", model.DirectionYes, 100)
	req.IdempotencyKey = "key-1"
	_, err := env.engine.ExecuteTrade(ctx, req)
	require.NoError(t, err)

	changed := req
	changed.Amount = d(5000)
	_, err = env.engine.ExecuteTrade(ctx, changed)
	assert.ErrorIs(t, err, idempotency.ErrKeyReused)

	// Without the cached response the trade log still binds the key.
	unguarded := NewEngine(env.store, env.oracle, balance.NewManager(decimal.Zero), nil, nil, EngineConfig{})
	_, err = unguarded.ExecuteTrade(ctx, changed)
	assert.ErrorIs(t, err, idempotency.ErrKeyReused)

	res, err := unguarded.ExecuteTrade(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Replayed)

	assert.True(t, balanceOf(t, env.store, "c1").Equal(d(9900)))
	trades, err := env.store.ListTrades(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

// flakyKV fails writes of finished responses, and deletes when delErr is set.
type flakyKV struct {
	*idempotency.MemoryKV
	setErr error
	delErr error
	sets   int
}

func (f *flakyKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.sets++
	if f.setErr != nil {
		return f.setErr
	}
	return f.MemoryKV.Set(ctx, key, value, ttl)
}

func (f *flakyKV) Del(ctx context.Context, key string) error {
	if f.delErr != nil {
		return f.delErr
	}
	return f.MemoryKV.Del(ctx, key)
}

func TestExecuteTrade_LostResponseDoesNotDoubleCharge(t *testing.T) {
	defer func(b time.Duration) { completeBackoff = b }(completeBackoff)
	completeBackoff = time.Millisecond

	tests := []struct {
		name   string
		delErr error
	}{
		{name: "claim released"},
		{name: "claim stuck until expiry", delErr: errors.New("connection reset")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 4, 10, 15, 0, 0, 0, time.UTC)
			mem := idempotency.NewMemoryKV()
			mem.SetClock(func() time.Time { return now })
			kv := &flakyKV{MemoryKV: mem, setErr: errors.New("connection reset"), delErr: tt.delErr}

			env := newEngineEnv(t, nil, EngineConfig{})
			env.engine.guard = idempotency.NewGuard(kv, "trade:", 30*time.Second, time.Hour)
			seedChallenge(t, env.store, "c1", 10000, model.ChallengeActive)

			req := buy("c1", model.DirectionYes, 100)
			req.IdempotencyKey = "key-1"

			first, err := env.engine.ExecuteTrade(ctx, req)
			require.NoError(t, err)
			assert.Equal(t, completeAttempts, kv.sets, "response write retried")

			if tt.delErr != nil {
				_, err = env.engine.ExecuteTrade(ctx, req)
				require.ErrorIs(t, err, ErrTradeInProgress)
				now = now.Add(31 * time.Second)
			}

			again, err := env.engine.ExecuteTrade(ctx, req)
			require.NoError(t, err)
			assert.True(t, again.Replayed)
			assert.Equal(t, first.Trade.ID, again.Trade.ID)
			assert.True(t, again.Balance.Equal(d(9900)))

			assert.True(t, balanceOf(t, env.store, "c1").Equal(d(9900)), "charged once")
			trades, err := env.store.ListTrades(ctx, "c1")
			require.NoError(t, err)
			assert.Len(t, trades, 1)
		})
	}
}

func TestExecuteTrade_CompleteRetriesTransientFailure(t *testing.T) {
	defer func(b time.Duration) { completeBackoff = b }(completeBackoff)
	completeBackoff = time.Millisecond

	ctx := context.Background()
	kv := &onceFailingKV{MemoryKV: idempotency.NewMemoryKV()}
	env := newEngineEnv(t, nil, EngineConfig{})
	env.engine.guard = idempotency.NewGuard(kv, "trade:", time.Minute, time.Hour)
	seedChallenge(t, env.store, "c1", 10000, model.ChallengeActive)

	req := buy("c1", model.DirectionYes, 100)
	req.IdempotencyKey = "key-1"
	_, err := env.engine.ExecuteTrade(ctx, req)
	require.NoError(t, err)

	outcome, cached, err := env.engine.guard.Begin(ctx, req.claim())
	require.NoError(t, err)
	assert.Equal(t, idempotency.OutcomeCompleted, outcome)
	require.NotNil(t, cached)
	assert.Equal(t, 200, cached.StatusCode)
}

type onceFailingKV struct {
	*idempotency.MemoryKV
	failed bool
}

func (o *onceFailingKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !o.failed {
		o.failed = true
		return errors.New("timeout")
	}
	return o.MemoryKV.Set(ctx, key, value, ttl)
}

// widenRules lifts every rule limit so large trades leave the challenge active.
func widenRules(t *testing.T, st store.Store, id string) {
	t.Helper()
	ctx := context.Background()
	ch, err := st.GetChallenge(ctx, id)
	require.NoError(t, err)
	ch.Rules = model.RulesConfig{ProfitTarget: d(1000000), MaxDrawdown: d(1000000), DailyLossLimit: d(1000000)}
	require.NoError(t, st.UpdateChallenge(ctx, ch))
}

func TestExecuteTrade_SellPricesAcrossBidLevels(t *testing.T) {
	env := newEngineEnv(t, nil, EngineConfig{})
	seedChallenge(t, env.store, "c1", 10000, model.ChallengeActive)
	widenRules(t, env.store, "c1")
	ctx := context.Background()

	// 10000 at 0.52 plus 5000 at 0.54.
	bought, err := env.engine.ExecuteTrade(ctx, buy("c1", model.DirectionYes, 7900))
	require.NoError(t, err)
	require.True(t, bought.Position.Shares.Equal(d(15000)), "shares = %s", bought.Position.Shares)

	// 10000 at 0.48 plus 5000 at 0.46.
	sold, err := env.engine.ExecuteTrade(ctx, sell("c1", model.DirectionYes, d(15000)))
	require.NoError(t, err)
	assert.True(t, sold.Trade.Price.Equal(d(7100).Div(d(15000))), "price = %s", sold.Trade.Price)
	assert.InDelta(t, 7100.0, sold.Trade.Amount.InexactFloat64(), 1e-6)
	assert.InDelta(t, 9200.0, sold.Balance.InexactFloat64(), 1e-6)
	assert.Equal(t, model.PositionClosed, sold.Position.Status)
}

func TestExecuteTrade_SellDepthCountedInShares(t *testing.T) {
	env := newEngineEnv(t, nil, EngineConfig{})
	env.oracle.SetPrice("eth-5k", d(0.5))
	seedChallenge(t, env.store, "c1", 10000, model.ChallengeActive)
	widenRules(t, env.store, "c1")
	ctx := context.Background()

	now := time.Now().UTC()
	for _, p := range []*model.Position{
		{ID: "p1", MarketID: "btc-100k", Shares: d(29000), SizeAmount: d(14500)},
		{ID: "p2", MarketID: "eth-5k", Shares: d(30001), SizeAmount: d(15000.5)},
	} {
		p.ChallengeID, p.Direction, p.Status = "c1", model.DirectionYes, model.PositionOpen
		p.EntryPrice, p.CurrentPrice = d(0.5), d(0.5)
		p.OpenedAt, p.UpdatedAt = now, now
		require.NoError(t, env.store.InsertPosition(ctx, p))
	}

	res, err := env.engine.ExecuteTrade(ctx, sell("c1", model.DirectionYes, d(29000)))
	require.NoError(t, err, "29000 shares fit in three bid levels")
	want := d(10000).Mul(d(0.48)).Add(d(10000).Mul(d(0.46))).Add(d(9000).Mul(d(0.44)))
	assert.InDelta(t, want.InexactFloat64(), res.Trade.Amount.InexactFloat64(), 1e-6)
	assert.Equal(t, model.PositionClosed, res.Position.Status)

	over := sell("c1", model.DirectionYes, d(30001))
	over.MarketID = "eth-5k"
	_, err = env.engine.ExecuteTrade(ctx, over)
	assert.ErrorIs(t, err, ErrInsufficientDepth)
}

func TestGetChallenge_ReportsEquity(t *testing.T) {
	env := newEngineEnv(t, nil, EngineConfig{})
	seedChallenge(t, env.store, "c1", 10000, model.ChallengeActive)
	ctx := context.Background()

	_, err := env.engine.ExecuteTrade(ctx, buy("c1", model.DirectionYes, 52))
	require.NoError(t, err)

	sum, err := env.engine.GetChallenge(ctx, "c1")
	require.NoError(t, err)
	// 100 shares marked at 0.5 on 9948 cash.
	assert.True(t, sum.Equity.Equal(d(9998)), "equity = %s", sum.Equity)
	assert.True(t, sum.UnrealizedPnL.Equal(d(-2)))
	assert.Equal(t, 1, sum.OpenPositions)

	_, err = env.engine.GetChallenge(ctx, "missing")
	assert.ErrorIs(t, err, ErrChallengeNotFound)
}
