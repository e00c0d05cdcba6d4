// Package trade executes challenge trades against the synthetic order book
// and serves the challenge engine's HTTP API.
//
// A trade is priced and simulated before anything is written. Only a
// successful simulation opens the transaction that moves the balance, the
// position, the trade log and the challenge status together.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/balance"
	"github.com/atmx/challenge-engine/internal/idempotency"
	"github.com/atmx/challenge-engine/internal/metrics"
	"github.com/atmx/challenge-engine/internal/model"
	"github.com/atmx/challenge-engine/internal/oracle"
	"github.com/atmx/challenge-engine/internal/orderbook"
	"github.com/atmx/challenge-engine/internal/position"
	"github.com/atmx/challenge-engine/internal/risk"
	"github.com/atmx/challenge-engine/internal/store"
)

var (
	// ErrInvalidRequest is returned for malformed trade requests.
	ErrInvalidRequest = errors.New("trade: invalid request")

	// ErrChallengeNotFound is returned when the challenge does not exist.
	ErrChallengeNotFound = errors.New("trade: challenge not found")

	// ErrChallengeNotActive is returned when trading on a challenge that is
	// pending, passed or failed.
	ErrChallengeNotActive = errors.New("trade: challenge not active")

	// ErrInvalidChallengeState is returned by StartChallenge for a challenge
	// that is not pending.
	ErrInvalidChallengeState = errors.New("trade: challenge cannot be started")

	// ErrPriceUnavailable is returned when the oracle cannot price the market
	// within the timeout.
	ErrPriceUnavailable = errors.New("trade: price unavailable")

	// ErrUntrustedPrice is returned when the only available price comes from a
	// demo or fallback source.
	ErrUntrustedPrice = errors.New("trade: untrusted price source")

	// ErrMarketClosed is returned when the book is dead for new buys.
	ErrMarketClosed = errors.New("trade: market closed to new positions")

	// ErrInsufficientDepth is returned when the book cannot fill the order.
	ErrInsufficientDepth = errors.New("trade: insufficient depth")

	// ErrTradeInProgress is returned for a duplicate of a trade still running.
	ErrTradeInProgress = errors.New("trade: request already in progress")

	// ErrIdempotencyUnavailable is returned when the idempotency store cannot
	// be reached. Trades are refused rather than run unguarded.
	ErrIdempotencyUnavailable = errors.New("trade: idempotency store unavailable")
)

// Request is one trade instruction. BUY spends Amount of currency; SELL
// sells Shares out of the open position for the direction.
type Request struct {
	ChallengeID    string          `json:"challenge_id"`
	MarketID       string          `json:"market_id"`
	Type           model.TradeType `json:"type"`
	Direction      model.Direction `json:"direction"`
	Amount         decimal.Decimal `json:"amount"`
	Shares         decimal.Decimal `json:"shares"`
	IdempotencyKey string          `json:"-"`
}

func (r Request) validate() error {
	switch {
	case r.ChallengeID == "":
		return fmt.Errorf("%w: challenge_id is required", ErrInvalidRequest)
	case r.MarketID == "":
		return fmt.Errorf("%w: market_id is required", ErrInvalidRequest)
	case !r.Direction.Valid():
		return fmt.Errorf("%w: direction must be YES or NO", ErrInvalidRequest)
	case len(r.IdempotencyKey) > idempotency.MaxKeyLength:
		return fmt.Errorf("%w: %v", ErrInvalidRequest, idempotency.ErrKeyTooLong)
	}
	switch r.Type {
	case model.TradeBuy:
		if !r.Amount.IsPositive() {
			return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
		}
	case model.TradeSell:
		if !r.Shares.IsPositive() {
			return fmt.Errorf("%w: shares must be positive", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: type must be BUY or SELL", ErrInvalidRequest)
	}
	return nil
}

// fingerprint digests the fields that make two trade requests the same.
func (r Request) fingerprint() string {
	return idempotency.Fingerprint(r.ChallengeID, r.MarketID, string(r.Type), string(r.Direction),
		r.Amount.String(), r.Shares.String())
}

// claim scopes the idempotency key to the challenge and binds it to the
// request it was issued for.
func (r Request) claim() idempotency.Claim {
	return idempotency.Claim{Scope: r.ChallengeID, Key: r.IdempotencyKey, Fingerprint: r.fingerprint()}
}

// Result is the committed outcome of a trade.
type Result struct {
	Trade           model.Trade           `json:"trade"`
	Position        *model.Position       `json:"position"`
	Balance         decimal.Decimal       `json:"balance"`
	ChallengeStatus model.ChallengeStatus `json:"challenge_status"`
	Rule            string                `json:"rule,omitempty"`
	Equity          decimal.Decimal       `json:"equity"`
	CanonicalPrice  decimal.Decimal       `json:"canonical_price"`
	PriceSource     oracle.Source         `json:"price_source"`
	Anomalies       []balance.Anomaly     `json:"anomalies,omitempty"`

	// Replayed is set when the result was served from the idempotency cache
	// or rebuilt from the trade log. A rebuilt result carries the trade, its
	// position and the challenge as they are now.
	Replayed bool `json:"-"`
}

const completeAttempts = 3

// completeBackoff is the wait before the second attempt to store a finished
// trade's response; it doubles per attempt.
var completeBackoff = 20 * time.Millisecond

// EngineConfig tunes trade execution.
type EngineConfig struct {
	// PriceTimeout bounds the oracle lookup. Defaults to 2s.
	PriceTimeout time.Duration
	// AllowUntrustedPrices lets demo and fallback prices execute trades.
	AllowUntrustedPrices bool
}

// Engine executes trades.
type Engine struct {
	store     store.Store
	oracle    oracle.Oracle
	balance   *balance.Manager
	positions *position.Manager
	guard     *idempotency.Guard
	limiter   *risk.Limiter
	hub       *WSHub // optional
	cfg       EngineConfig
	now       func() time.Time
}

// NewEngine creates a trade engine. guard and limiter may be nil to disable
// idempotency and exposure limits.
func NewEngine(
	st store.Store,
	o oracle.Oracle,
	bal *balance.Manager,
	guard *idempotency.Guard,
	limiter *risk.Limiter,
	cfg EngineConfig,
) *Engine {
	if cfg.PriceTimeout <= 0 {
		cfg.PriceTimeout = 2 * time.Second
	}
	if limiter == nil {
		limiter = risk.NewLimiter(decimal.Zero, decimal.Zero)
	}
	return &Engine{
		store:     st,
		oracle:    o,
		balance:   bal,
		positions: position.NewManager(),
		guard:     guard,
		limiter:   limiter,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetHub attaches a WebSocket hub for fill broadcasts.
func (e *Engine) SetHub(h *WSHub) { e.hub = h }

// ExecuteTrade prices, simulates and commits a trade. An idempotency key is
// scoped to the challenge: a duplicate of a running trade fails with
// ErrTradeInProgress, a duplicate of a finished trade returns the first
// result, and the same key sent with different trade fields fails with
// idempotency.ErrKeyReused. The key is also stored on the trade row, so a
// retry is recognised even after the cached response is gone.
func (e *Engine) ExecuteTrade(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if err := req.validate(); err != nil {
		return nil, err
	}

	claim := req.claim()
	if e.guard != nil && req.IdempotencyKey != "" {
		outcome, cached, err := e.guard.Begin(ctx, claim)
		if errors.Is(err, idempotency.ErrMissingKey) || errors.Is(err, idempotency.ErrKeyTooLong) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if errors.Is(err, idempotency.ErrKeyReused) {
			return nil, err
		}
		if err != nil {
			slog.Error("idempotency store unavailable", "key", req.IdempotencyKey, "error", err)
			return nil, fmt.Errorf("%w: %v", ErrIdempotencyUnavailable, err)
		}
		switch outcome {
		case idempotency.OutcomeInProgress:
			return nil, ErrTradeInProgress
		case idempotency.OutcomeCompleted:
			var res Result
			if err := json.Unmarshal(cached.Body, &res); err != nil {
				return nil, fmt.Errorf("decode cached trade: %w", err)
			}
			res.Replayed = true
			return &res, nil
		}
	}

	res, err := e.execute(ctx, req)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "rejected"
	case res.Replayed:
		outcome = "replayed"
	}
	metrics.TradesTotal.WithLabelValues(string(req.Type), outcome).Inc()
	metrics.TradeLatency.WithLabelValues(string(req.Type)).Observe(time.Since(start).Seconds())

	if e.guard != nil && req.IdempotencyKey != "" {
		// Detached context: the claim must settle even if the caller left.
		gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err != nil {
			if rerr := e.guard.Release(gctx, claim); rerr != nil {
				slog.Warn("idempotency release failed", "key", req.IdempotencyKey, "error", rerr)
			}
		} else if body, merr := json.Marshal(res); merr != nil {
			slog.Error("encode trade result", "trade_id", res.Trade.ID, "error", merr)
		} else if cerr := e.complete(gctx, claim, body); cerr != nil {
			// Committed: retries replay it from the trade log.
			slog.Error("idempotency complete failed", "key", req.IdempotencyKey, "trade_id", res.Trade.ID, "error", cerr)
			if rerr := e.guard.Release(gctx, claim); rerr != nil {
				slog.Warn("idempotency release failed", "key", req.IdempotencyKey, "error", rerr)
			}
		}
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// complete stores the response for c, retrying with backoff.
func (e *Engine) complete(ctx context.Context, c idempotency.Claim, body []byte) error {
	backoff := completeBackoff
	var err error
	for attempt := 1; attempt <= completeAttempts; attempt++ {
		if err = e.guard.Complete(ctx, c, http.StatusOK, body); err == nil {
			return nil
		}
		if attempt == completeAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// replayLogged rebuilds the result of a trade already committed under the
// request's idempotency key. It returns store.ErrNotFound when there is none.
func (e *Engine) replayLogged(ctx context.Context, req Request) (*Result, error) {
	prior, err := e.store.GetTradeByIdempotencyKey(ctx, req.ChallengeID, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if prior.RequestHash != req.fingerprint() {
		return nil, fmt.Errorf("%s: %w", req.IdempotencyKey, idempotency.ErrKeyReused)
	}
	ch, err := e.store.GetChallenge(ctx, req.ChallengeID)
	if err != nil {
		return nil, fmt.Errorf("load challenge: %w", err)
	}
	open, err := e.store.ListPositions(ctx, store.PositionFilter{ChallengeID: ch.ID, Status: model.PositionOpen})
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	pos, err := e.store.GetPosition(ctx, prior.PositionID)
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}

	slog.Info("trade replayed from log", "trade_id", prior.ID, "challenge", prior.ChallengeID, "key", req.IdempotencyKey)
	return &Result{
		Trade:           *prior,
		Position:        pos,
		Balance:         ch.CurrentBalance,
		ChallengeStatus: ch.Status,
		Equity:          risk.Equity(ch.CurrentBalance, open),
		Replayed:        true,
	}, nil
}

// quote is a priced and simulated order, computed before the transaction.
type quote struct {
	canonical decimal.Decimal
	outcome   decimal.Decimal // canonical price of the traded direction
	source    oracle.Source
	impact    orderbook.Impact
}

func (e *Engine) price(ctx context.Context, req Request) (quote, error) {
	pctx, cancel := context.WithTimeout(ctx, e.cfg.PriceTimeout)
	defer cancel()

	q, err := e.oracle.LatestPrice(pctx, req.MarketID)
	if err != nil {
		return quote{}, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	if !q.Source.Trusted() && !e.cfg.AllowUntrustedPrices {
		return quote{}, fmt.Errorf("%w: %s", ErrUntrustedPrice, q.Source)
	}

	book := orderbook.BuildSyntheticOrderBook(q.Price)
	outcomePrice := q.Price
	if req.Direction == model.DirectionNo {
		book = orderbook.InvertOrderBook(book)
		outcomePrice = decimal.NewFromInt(1).Sub(q.Price)
	}

	var impact orderbook.Impact
	if req.Type == model.TradeBuy {
		if dead, reason := orderbook.IsBookDead(book); dead {
			return quote{}, fmt.Errorf("%w: %s", ErrMarketClosed, reason)
		}
		impact = orderbook.CalculateImpact(book, orderbook.Buy, req.Amount)
	} else {
		impact = orderbook.CalculateSellImpact(book, req.Shares)
	}
	if !impact.Filled {
		return quote{}, fmt.Errorf("%w: %s", ErrInsufficientDepth, impact.Reason)
	}
	return quote{canonical: q.Price, outcome: outcomePrice, source: q.Source, impact: impact}, nil
}

func (e *Engine) execute(ctx context.Context, req Request) (*Result, error) {
	if req.IdempotencyKey != "" {
		if res, err := e.replayLogged(ctx, req); !errors.Is(err, store.ErrNotFound) {
			return res, err
		}
	}

	q, err := e.price(ctx, req)
	if err != nil {
		return nil, err
	}

	now := e.now()
	tr := model.Trade{
		ID:          uuid.New().String(),
		ChallengeID: req.ChallengeID,
		MarketID:    req.MarketID,
		Type:        req.Type,
		Direction:   req.Direction,
		Price:       q.impact.ExecutedPrice,
		Slippage:    q.impact.Slippage,
		CreatedAt:   now,
	}
	if req.IdempotencyKey != "" {
		tr.IdempotencyKey, tr.RequestHash = req.IdempotencyKey, req.fingerprint()
	}
	res := &Result{CanonicalPrice: q.canonical, PriceSource: q.source}

	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		ch, err := tx.GetChallenge(ctx, req.ChallengeID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%s: %w", req.ChallengeID, ErrChallengeNotFound)
		}
		if err != nil {
			return fmt.Errorf("load challenge: %w", err)
		}
		if ch.Status != model.ChallengeActive {
			return fmt.Errorf("%w: status %s", ErrChallengeNotActive, ch.Status)
		}

		var mut balance.Mutation
		switch req.Type {
		case model.TradeBuy:
			cost := q.impact.FilledAmount
			open, err := tx.ListPositions(ctx, store.PositionFilter{ChallengeID: ch.ID, Status: model.PositionOpen})
			if err != nil {
				return fmt.Errorf("list positions: %w", err)
			}
			if err := e.limiter.CheckLimit(req.MarketID, cost, risk.Exposures(open)); err != nil {
				metrics.RiskRejections.WithLabelValues(limitLabel(err)).Inc()
				return err
			}
			if mut, err = e.balance.DeductCost(ctx, tx, ch.ID, cost, model.SourceTrade, tr.ID); err != nil {
				return err
			}
			pos, _, err := e.positions.UpsertBuy(ctx, tx, ch.ID, req.MarketID, req.Direction,
				q.impact.TotalShares, q.impact.ExecutedPrice, cost)
			if err != nil {
				return err
			}
			tr.PositionID, tr.Shares, tr.Amount = pos.ID, q.impact.TotalShares, cost
			res.Position = pos

		case model.TradeSell:
			open, err := tx.GetOpenPosition(ctx, ch.ID, req.MarketID, req.Direction)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%s %s: %w", req.MarketID, req.Direction, position.ErrPositionNotFound)
			}
			if err != nil {
				return fmt.Errorf("load open position: %w", err)
			}
			exit := q.impact.ExecutedPrice
			red, err := e.positions.ReducePosition(ctx, tx, open.ID, req.Shares, &exit)
			if err != nil {
				return err
			}
			if red.Proceeds.IsPositive() {
				if mut, err = e.balance.CreditProceeds(ctx, tx, ch.ID, red.Proceeds, model.SourceTrade, tr.ID); err != nil {
					return err
				}
			}
			tr.PositionID, tr.Shares, tr.Amount = open.ID, red.SoldShares, red.Proceeds
			res.Position = red.Position
		}

		if err := tx.InsertTrade(ctx, &tr); err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		if err := e.markMarket(ctx, tx, ch.ID, req.MarketID, q.canonical); err != nil {
			return err
		}

		// Reload: the balance manager wrote the row.
		ch, err = tx.GetChallenge(ctx, ch.ID)
		if err != nil {
			return fmt.Errorf("reload challenge: %w", err)
		}
		if day := now.Format(time.DateOnly); ch.LastTradeDay != day {
			ch.LastTradeDay = day
			ch.ActiveTradingDays++
		}

		verdict, err := risk.Assess(ctx, tx, ch, now)
		if err != nil {
			return err
		}
		if verdict.Changed(ch) {
			ch.Status = verdict.Status
			ch.EndedAt = &now
		}
		if err := tx.UpdateChallenge(ctx, ch); err != nil {
			return fmt.Errorf("update challenge: %w", err)
		}

		res.Balance = ch.CurrentBalance
		res.ChallengeStatus = ch.Status
		res.Rule = verdict.Rule
		res.Equity = verdict.Equity
		res.Anomalies = mut.Anomalies
		if res.Position != nil && res.Position.Status == model.PositionOpen {
			if p, err := tx.GetPosition(ctx, res.Position.ID); err == nil {
				res.Position = p
			}
		}
		return nil
	})
	if errors.Is(err, store.ErrDuplicate) && req.IdempotencyKey != "" {
		// A concurrent request with the same key committed first.
		if prior, rerr := e.replayLogged(ctx, req); !errors.Is(rerr, store.ErrNotFound) {
			return prior, rerr
		}
	}
	if err != nil {
		return nil, err
	}
	res.Trade = tr

	metrics.TradeSlippage.Observe(tr.Slippage.InexactFloat64())
	slog.Info("trade executed",
		"trade_id", tr.ID,
		"challenge", tr.ChallengeID,
		"market", tr.MarketID,
		"type", tr.Type,
		"direction", tr.Direction,
		"shares", tr.Shares.String(),
		"price", tr.Price.String(),
		"amount", tr.Amount.String(),
		"balance", res.Balance.String(),
		"source", q.source,
	)
	if res.Rule != "" {
		metrics.ChallengeOutcomes.WithLabelValues(string(res.ChallengeStatus), res.Rule).Inc()
		slog.Warn("challenge finished",
			"challenge", tr.ChallengeID,
			"status", res.ChallengeStatus,
			"rule", res.Rule,
			"equity", res.Equity.String(),
		)
	}

	if e.hub != nil {
		e.hub.Broadcast(WSMessage{
			Type:        "trade_executed",
			ChallengeID: tr.ChallengeID,
			MarketID:    tr.MarketID,
			Direction:   string(tr.Direction),
			Side:        string(tr.Type),
			Shares:      tr.Shares.String(),
			Price:       tr.Price.String(),
			Balance:     res.Balance.String(),
			Status:      string(res.ChallengeStatus),
		})
	}
	return res, nil
}

// markMarket marks every open position of the challenge in marketID to the
// canonical price: YES at p, NO at 1 − p.
func (e *Engine) markMarket(ctx context.Context, tx store.Tx, challengeID, marketID string, p decimal.Decimal) error {
	open, err := tx.ListPositions(ctx, store.PositionFilter{
		ChallengeID: challengeID,
		MarketID:    marketID,
		Status:      model.PositionOpen,
	})
	if err != nil {
		return fmt.Errorf("list positions: %w", err)
	}
	for _, pos := range open {
		mark := p
		if pos.Direction == model.DirectionNo {
			mark = decimal.NewFromInt(1).Sub(p)
		}
		if _, err := e.positions.MarkToMarket(ctx, tx, pos.ID, mark); err != nil {
			return fmt.Errorf("mark %s: %w", pos.ID, err)
		}
	}
	return nil
}

// StartChallenge activates a pending challenge.
func (e *Engine) StartChallenge(ctx context.Context, challengeID string) (*model.Challenge, error) {
	var out *model.Challenge
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		ch, err := tx.GetChallenge(ctx, challengeID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%s: %w", challengeID, ErrChallengeNotFound)
		}
		if err != nil {
			return fmt.Errorf("load challenge: %w", err)
		}
		if ch.Status != model.ChallengePending {
			return fmt.Errorf("%w: status %s", ErrInvalidChallengeState, ch.Status)
		}
		now := e.now()
		ch.Status = model.ChallengeActive
		ch.StartedAt = &now
		if err := tx.UpdateChallenge(ctx, ch); err != nil {
			return fmt.Errorf("update challenge: %w", err)
		}
		out = ch
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("challenge started", "challenge", out.ID, "user", out.UserID, "balance", out.StartingBalance.String())
	return out, nil
}

// Summary is a challenge with its live equity.
type Summary struct {
	*model.Challenge
	Equity        decimal.Decimal `json:"equity"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	OpenPositions int             `json:"open_positions"`
}

// GetChallenge loads a challenge with its equity.
func (e *Engine) GetChallenge(ctx context.Context, challengeID string) (*Summary, error) {
	ch, err := e.store.GetChallenge(ctx, challengeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", challengeID, ErrChallengeNotFound)
	}
	if err != nil {
		return nil, err
	}
	open, err := e.store.ListPositions(ctx, store.PositionFilter{ChallengeID: ch.ID, Status: model.PositionOpen})
	if err != nil {
		return nil, err
	}
	unrealized := decimal.Zero
	for _, p := range open {
		unrealized = unrealized.Add(position.UnrealizedPnL(p))
	}
	return &Summary{
		Challenge:     ch,
		Equity:        risk.Equity(ch.CurrentBalance, open),
		UnrealizedPnL: unrealized,
		OpenPositions: len(open),
	}, nil
}

// ListPositions returns a challenge's positions, optionally by status.
func (e *Engine) ListPositions(ctx context.Context, challengeID string, status model.PositionStatus) ([]model.Position, error) {
	if _, err := e.store.GetChallenge(ctx, challengeID); errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", challengeID, ErrChallengeNotFound)
	} else if err != nil {
		return nil, err
	}
	return e.store.ListPositions(ctx, store.PositionFilter{ChallengeID: challengeID, Status: status})
}

// ListLedger returns a challenge's forensic balance ledger since t.
func (e *Engine) ListLedger(ctx context.Context, challengeID string, since time.Time) ([]model.BalanceLedgerEntry, error) {
	if _, err := e.store.GetChallenge(ctx, challengeID); errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", challengeID, ErrChallengeNotFound)
	} else if err != nil {
		return nil, err
	}
	return e.store.ListLedgerEntries(ctx, challengeID, since)
}

// ListTrades returns a challenge's trades, oldest first.
func (e *Engine) ListTrades(ctx context.Context, challengeID string) ([]model.Trade, error) {
	if _, err := e.store.GetChallenge(ctx, challengeID); errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", challengeID, ErrChallengeNotFound)
	} else if err != nil {
		return nil, err
	}
	return e.store.ListTrades(ctx, challengeID)
}

func limitLabel(err error) string {
	if errors.Is(err, risk.ErrMarketLimitExceeded) {
		return "per_market"
	}
	return "total"
}
