// Package model defines the core domain types shared across the challenge engine.
// All monetary values use shopspring/decimal; never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Phase is the evaluation stage of a challenge account.
type Phase string

const (
	PhaseChallenge    Phase = "challenge"
	PhaseVerification Phase = "verification"
	PhaseFunded       Phase = "funded"
)

// ChallengeStatus is the lifecycle state of a challenge account.
type ChallengeStatus string

const (
	ChallengePending ChallengeStatus = "pending"
	ChallengeActive  ChallengeStatus = "active"
	ChallengePassed  ChallengeStatus = "passed"
	ChallengeFailed  ChallengeStatus = "failed"
)

// Terminal reports whether no further trading is possible.
func (s ChallengeStatus) Terminal() bool {
	return s == ChallengePassed || s == ChallengeFailed
}

// RulesConfig holds the risk rules of a challenge. All values are absolute
// currency amounts, never percentages.
type RulesConfig struct {
	ProfitTarget   decimal.Decimal `json:"profit_target"`
	MaxDrawdown    decimal.Decimal `json:"max_drawdown"`
	DailyLossLimit decimal.Decimal `json:"daily_loss_limit"`
}

// Challenge is a simulated trading account. CurrentBalance is only ever
// written by the balance manager and must never be negative.
type Challenge struct {
	ID                 string           `json:"id" db:"id"`
	UserID             string           `json:"user_id" db:"user_id"`
	StartingBalance    decimal.Decimal  `json:"starting_balance" db:"starting_balance"`
	CurrentBalance     decimal.Decimal  `json:"current_balance" db:"current_balance"`
	Phase              Phase            `json:"phase" db:"phase"`
	Status             ChallengeStatus  `json:"status" db:"status"`
	Rules              RulesConfig      `json:"rules_config" db:"rules_config"`
	ProfitSplit        decimal.Decimal  `json:"profit_split" db:"profit_split"`
	PayoutCap          *decimal.Decimal `json:"payout_cap,omitempty" db:"payout_cap"` // nil → starting balance
	ActiveTradingDays  int              `json:"active_trading_days" db:"active_trading_days"`
	LastTradeDay       string           `json:"last_trade_day,omitempty" db:"last_trade_day"` // YYYY-MM-DD, UTC
	ConsistencyFlagged bool             `json:"consistency_flagged" db:"consistency_flagged"`
	CreatedAt          time.Time        `json:"created_at" db:"created_at"`
	StartedAt          *time.Time       `json:"started_at,omitempty" db:"started_at"`
	EndedAt            *time.Time       `json:"ended_at,omitempty" db:"ended_at"`
}

// EffectivePayoutCap returns the payout cap, defaulting to the starting balance.
func (c *Challenge) EffectivePayoutCap() decimal.Decimal {
	if c.PayoutCap != nil {
		return *c.PayoutCap
	}
	return c.StartingBalance
}

// NetProfit is currentBalance − startingBalance (may be negative).
func (c *Challenge) NetProfit() decimal.Decimal {
	return c.CurrentBalance.Sub(c.StartingBalance)
}

// Direction is the outcome a position is exposed to.
type Direction string

const (
	DirectionYes Direction = "YES"
	DirectionNo  Direction = "NO"
)

// Valid reports whether d is YES or NO.
func (d Direction) Valid() bool {
	return d == DirectionYes || d == DirectionNo
}

// PositionStatus is OPEN until the shares reach dust or the position is
// explicitly closed.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// Position is one directional exposure to one market within one challenge.
// There is at most one OPEN position per (challenge, market, direction).
type Position struct {
	ID           string           `json:"id" db:"id"`
	ChallengeID  string           `json:"challenge_id" db:"challenge_id"`
	MarketID     string           `json:"market_id" db:"market_id"`
	Direction    Direction        `json:"direction" db:"direction"`
	Shares       decimal.Decimal  `json:"shares" db:"shares"`
	EntryPrice   decimal.Decimal  `json:"entry_price" db:"entry_price"` // VWAP
	CurrentPrice decimal.Decimal  `json:"current_price" db:"current_price"`
	SizeAmount   decimal.Decimal  `json:"size_amount" db:"size_amount"` // cumulative cost basis
	Status       PositionStatus   `json:"status" db:"status"`
	PnL          *decimal.Decimal `json:"pnl,omitempty" db:"pnl"`
	ClosedPrice  *decimal.Decimal `json:"closed_price,omitempty" db:"closed_price"`
	ClosedAt     *time.Time       `json:"closed_at,omitempty" db:"closed_at"`
	OpenedAt     time.Time        `json:"opened_at" db:"opened_at"`
	UpdatedAt    time.Time        `json:"updated_at" db:"updated_at"`
}

// TradeType is the side of a trade.
type TradeType string

const (
	TradeBuy  TradeType = "BUY"
	TradeSell TradeType = "SELL"
)

// Trade is an immutable record of an execution.
// Once created, these are never modified or deleted.
type Trade struct {
	ID          string          `json:"id" db:"id"`
	ChallengeID string          `json:"challenge_id" db:"challenge_id"`
	PositionID  string          `json:"position_id" db:"position_id"`
	MarketID    string          `json:"market_id" db:"market_id"`
	Type        TradeType       `json:"type" db:"type"`
	Direction   Direction       `json:"direction" db:"direction"`
	Amount      decimal.Decimal `json:"amount" db:"amount"` // currency requested (BUY) or received (SELL)
	Shares      decimal.Decimal `json:"shares" db:"shares"`
	Price       decimal.Decimal `json:"price" db:"price"` // executed (size-weighted) price
	Slippage    decimal.Decimal `json:"slippage" db:"slippage"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`

	// IdempotencyKey is the client key the trade ran under, unique per
	// challenge when set. RequestHash fingerprints the request it stood for.
	IdempotencyKey string `json:"-" db:"idempotency_key"`
	RequestHash    string `json:"-" db:"request_hash"`
}

// PayoutStatus is the closed set of payout states. Transitions are only
// performed by the payout package, one function per legal edge.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutApproved   PayoutStatus = "approved"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
)

// Terminal reports whether the status is final.
func (s PayoutStatus) Terminal() bool {
	return s == PayoutCompleted || s == PayoutFailed
}

// InFlight reports whether a payout in this status blocks a new request.
func (s PayoutStatus) InFlight() bool {
	return s == PayoutPending || s == PayoutApproved || s == PayoutProcessing
}

// Payout is a profit-split withdrawal request from a funded challenge.
type Payout struct {
	ID             string          `json:"id" db:"id"`
	ChallengeID    string          `json:"challenge_id" db:"challenge_id"`
	Status         PayoutStatus    `json:"status" db:"status"`
	GrossProfit    decimal.Decimal `json:"gross_profit" db:"gross_profit"`
	ExcludedPnL    decimal.Decimal `json:"excluded_pnl" db:"excluded_pnl"`
	AdjustedProfit decimal.Decimal `json:"adjusted_profit" db:"adjusted_profit"`
	CappedProfit   decimal.Decimal `json:"capped_profit" db:"capped_profit"`
	NetPayout      decimal.Decimal `json:"net_payout" db:"net_payout"`
	FirmShare      decimal.Decimal `json:"firm_share" db:"firm_share"`
	FailureReason  string          `json:"failure_reason,omitempty" db:"failure_reason"`
	RequestedAt    time.Time       `json:"requested_at" db:"requested_at"`
	ApprovedAt     *time.Time      `json:"approved_at,omitempty" db:"approved_at"`
	ProcessingAt   *time.Time      `json:"processing_at,omitempty" db:"processing_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	FailedAt       *time.Time      `json:"failed_at,omitempty" db:"failed_at"`
}

// LedgerOperation is the direction of a balance mutation.
type LedgerOperation string

const (
	OpDeduct LedgerOperation = "DEDUCT"
	OpCredit LedgerOperation = "CREDIT"
)

// LedgerSource tags why a balance moved.
type LedgerSource string

const (
	SourceTrade      LedgerSource = "trade"
	SourceSettlement LedgerSource = "settlement"
	SourceFee        LedgerSource = "fee"
	SourceRefund     LedgerSource = "refund"
	SourceFunding    LedgerSource = "funding"
)

// BalanceLedgerEntry is the forensic record of one balance mutation.
// Append-only; never updated or deleted.
type BalanceLedgerEntry struct {
	ID            string          `json:"id" db:"id"`
	ChallengeID   string          `json:"challenge_id" db:"challenge_id"`
	Operation     LedgerOperation `json:"operation" db:"operation"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after" db:"balance_after"`
	Source        LedgerSource    `json:"source" db:"source"`
	Reference     string          `json:"reference,omitempty" db:"reference"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Delta returns the signed balance change of the entry.
func (e BalanceLedgerEntry) Delta() decimal.Decimal {
	if e.Operation == OpDeduct {
		return e.Amount.Neg()
	}
	return e.Amount
}

// DiscountKind selects how a discount value is applied to a tier price.
type DiscountKind string

const (
	DiscountPercent DiscountKind = "percent"
	DiscountFixed   DiscountKind = "fixed"
)

// DiscountCode is owned by the admin surface; the engine only reads it.
type DiscountCode struct {
	Code      string          `json:"code" db:"code"`
	Kind      DiscountKind    `json:"kind" db:"kind"`
	Value     decimal.Decimal `json:"value" db:"value"` // percent in [0,100] or fixed currency
	Active    bool            `json:"active" db:"active"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
}

// PaymentEvent is the durable record of a processed payment webhook,
// unique by provider invoice id.
type PaymentEvent struct {
	InvoiceID       string          `json:"invoice_id" db:"invoice_id"`
	ChallengeID     string          `json:"challenge_id" db:"challenge_id"`
	UserID          string          `json:"user_id" db:"user_id"`
	Tier            string          `json:"tier" db:"tier"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	DiscountCode    string          `json:"discount_code,omitempty" db:"discount_code"`
	DiscountApplied decimal.Decimal `json:"discount_applied" db:"discount_applied"`
	ReceivedAt      time.Time       `json:"received_at" db:"received_at"`
}
