package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/model"
)

// Schema is applied by Migrate. All monetary values are NUMERIC for exact
// decimal precision.
const Schema = `
CREATE TABLE IF NOT EXISTS challenges (
    id                  TEXT PRIMARY KEY,
    user_id             TEXT        NOT NULL,
    starting_balance    NUMERIC     NOT NULL,
    current_balance     NUMERIC     NOT NULL CHECK (current_balance >= 0),
    phase               TEXT        NOT NULL,
    status              TEXT        NOT NULL,
    profit_target       NUMERIC     NOT NULL DEFAULT 0,
    max_drawdown        NUMERIC     NOT NULL DEFAULT 0,
    daily_loss_limit    NUMERIC     NOT NULL DEFAULT 0,
    profit_split        NUMERIC     NOT NULL,
    payout_cap          NUMERIC,
    active_trading_days INTEGER     NOT NULL DEFAULT 0,
    last_trade_day      TEXT        NOT NULL DEFAULT '',
    consistency_flagged BOOLEAN     NOT NULL DEFAULT FALSE,
    created_at          TIMESTAMPTZ NOT NULL,
    started_at          TIMESTAMPTZ,
    ended_at            TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS positions (
    id            TEXT PRIMARY KEY,
    challenge_id  TEXT        NOT NULL REFERENCES challenges(id),
    market_id     TEXT        NOT NULL,
    direction     TEXT        NOT NULL,
    shares        NUMERIC     NOT NULL CHECK (shares >= 0),
    entry_price   NUMERIC     NOT NULL,
    current_price NUMERIC     NOT NULL,
    size_amount   NUMERIC     NOT NULL,
    status        TEXT        NOT NULL,
    pnl           NUMERIC,
    closed_price  NUMERIC,
    closed_at     TIMESTAMPTZ,
    opened_at     TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_positions_open
    ON positions(challenge_id, market_id, direction) WHERE status = 'OPEN';
CREATE INDEX IF NOT EXISTS idx_positions_challenge ON positions(challenge_id, status);

CREATE TABLE IF NOT EXISTS trades (
    id           TEXT PRIMARY KEY,
    challenge_id TEXT        NOT NULL REFERENCES challenges(id),
    position_id  TEXT        NOT NULL,
    market_id    TEXT        NOT NULL,
    type         TEXT        NOT NULL,
    direction    TEXT        NOT NULL,
    amount       NUMERIC     NOT NULL,
    shares       NUMERIC     NOT NULL,
    price        NUMERIC     NOT NULL,
    slippage     NUMERIC     NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL
);

ALTER TABLE trades ADD COLUMN IF NOT EXISTS idempotency_key TEXT NOT NULL DEFAULT '';
ALTER TABLE trades ADD COLUMN IF NOT EXISTS request_hash    TEXT NOT NULL DEFAULT '';
CREATE UNIQUE INDEX IF NOT EXISTS uq_trades_idempotency
    ON trades(challenge_id, idempotency_key) WHERE idempotency_key <> '';

CREATE TABLE IF NOT EXISTS payouts (
    id              TEXT PRIMARY KEY,
    challenge_id    TEXT        NOT NULL REFERENCES challenges(id),
    status          TEXT        NOT NULL,
    gross_profit    NUMERIC     NOT NULL,
    excluded_pnl    NUMERIC     NOT NULL,
    adjusted_profit NUMERIC     NOT NULL,
    capped_profit   NUMERIC     NOT NULL,
    net_payout      NUMERIC     NOT NULL,
    firm_share      NUMERIC     NOT NULL,
    failure_reason  TEXT        NOT NULL DEFAULT '',
    requested_at    TIMESTAMPTZ NOT NULL,
    approved_at     TIMESTAMPTZ,
    processing_at   TIMESTAMPTZ,
    completed_at    TIMESTAMPTZ,
    failed_at       TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS balance_ledger (
    id             TEXT PRIMARY KEY,
    challenge_id   TEXT        NOT NULL,
    operation      TEXT        NOT NULL,
    amount         NUMERIC     NOT NULL,
    balance_before NUMERIC     NOT NULL,
    balance_after  NUMERIC     NOT NULL,
    source         TEXT        NOT NULL,
    reference      TEXT        NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_challenge ON balance_ledger(challenge_id, created_at);

CREATE TABLE IF NOT EXISTS discount_codes (
    code       TEXT PRIMARY KEY,
    kind       TEXT    NOT NULL,
    value      NUMERIC NOT NULL,
    active     BOOLEAN NOT NULL DEFAULT TRUE,
    expires_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS payment_events (
    invoice_id       TEXT PRIMARY KEY,
    challenge_id     TEXT        NOT NULL,
    user_id          TEXT        NOT NULL,
    tier             TEXT        NOT NULL,
    amount           NUMERIC     NOT NULL,
    discount_code    TEXT        NOT NULL DEFAULT '',
    discount_applied NUMERIC     NOT NULL DEFAULT 0,
    received_at      TIMESTAMPTZ NOT NULL
);
`

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pgQueries
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pgQueries: pgQueries{q: pool},
		pool:      pool,
	}
}

// Migrate applies the embedded schema. Idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// WithTx runs fn in a read-committed transaction. Challenge reads inside the
// transaction take a row lock, serializing mutations per challenge without a
// global lock.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				slog.Error("rollback failed", "err", rbErr)
			}
		}
	}()

	if err = fn(&pgQueries{q: tx, tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// pgQueries implements Tx over either the pool or an open transaction.
type pgQueries struct {
	q  querier
	tx pgx.Tx // nil outside a transaction
}

const challengeColumns = `id, user_id, starting_balance::TEXT, current_balance::TEXT, phase, status,
	profit_target::TEXT, max_drawdown::TEXT, daily_loss_limit::TEXT, profit_split::TEXT,
	payout_cap::TEXT, active_trading_days, last_trade_day, consistency_flagged,
	created_at, started_at, ended_at`

func (p *pgQueries) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	sql := `SELECT ` + challengeColumns + ` FROM challenges WHERE id = $1`
	if p.tx != nil {
		sql += ` FOR UPDATE`
	}

	var c model.Challenge
	var starting, current, target, drawdown, daily, split string
	var payoutCap *string
	err := p.q.QueryRow(ctx, sql, id).Scan(
		&c.ID, &c.UserID, &starting, &current, &c.Phase, &c.Status,
		&target, &drawdown, &daily, &split,
		&payoutCap, &c.ActiveTradingDays, &c.LastTradeDay, &c.ConsistencyFlagged,
		&c.CreatedAt, &c.StartedAt, &c.EndedAt,
	)
	if err != nil {
		return nil, notFound(err, "challenge %s", id)
	}

	c.StartingBalance, _ = decimal.NewFromString(starting)
	c.CurrentBalance, _ = decimal.NewFromString(current)
	c.Rules.ProfitTarget, _ = decimal.NewFromString(target)
	c.Rules.MaxDrawdown, _ = decimal.NewFromString(drawdown)
	c.Rules.DailyLossLimit, _ = decimal.NewFromString(daily)
	c.ProfitSplit, _ = decimal.NewFromString(split)
	c.PayoutCap = optDecimal(payoutCap)
	return &c, nil
}

func (p *pgQueries) InsertChallenge(ctx context.Context, c *model.Challenge) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO challenges (id, user_id, starting_balance, current_balance, phase, status,
		        profit_target, max_drawdown, daily_loss_limit, profit_split, payout_cap,
		        active_trading_days, last_trade_day, consistency_flagged, created_at, started_at, ended_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		         $10::NUMERIC, $11::NUMERIC, $12, $13, $14, $15, $16, $17)`,
		c.ID, c.UserID, c.StartingBalance.String(), c.CurrentBalance.String(),
		string(c.Phase), string(c.Status),
		c.Rules.ProfitTarget.String(), c.Rules.MaxDrawdown.String(), c.Rules.DailyLossLimit.String(),
		c.ProfitSplit.String(), optString(c.PayoutCap),
		c.ActiveTradingDays, c.LastTradeDay, c.ConsistencyFlagged,
		c.CreatedAt, c.StartedAt, c.EndedAt,
	)
	return duplicate(err, "challenge %s", c.ID)
}

func (p *pgQueries) UpdateChallenge(ctx context.Context, c *model.Challenge) error {
	tag, err := p.q.Exec(ctx,
		`UPDATE challenges
		 SET current_balance = $2::NUMERIC, phase = $3, status = $4,
		     active_trading_days = $5, last_trade_day = $6, consistency_flagged = $7,
		     payout_cap = $8::NUMERIC, started_at = $9, ended_at = $10
		 WHERE id = $1`,
		c.ID, c.CurrentBalance.String(), string(c.Phase), string(c.Status),
		c.ActiveTradingDays, c.LastTradeDay, c.ConsistencyFlagged,
		optString(c.PayoutCap), c.StartedAt, c.EndedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("challenge %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

const positionColumns = `id, challenge_id, market_id, direction, shares::TEXT, entry_price::TEXT,
	current_price::TEXT, size_amount::TEXT, status, pnl::TEXT, closed_price::TEXT,
	closed_at, opened_at, updated_at`

func (p *pgQueries) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	sql := `SELECT ` + positionColumns + ` FROM positions WHERE id = $1`
	if p.tx != nil {
		sql += ` FOR UPDATE`
	}
	pos, err := scanPosition(p.q.QueryRow(ctx, sql, id))
	if err != nil {
		return nil, notFound(err, "position %s", id)
	}
	return pos, nil
}

func (p *pgQueries) GetOpenPosition(ctx context.Context, challengeID, marketID string, dir model.Direction) (*model.Position, error) {
	sql := `SELECT ` + positionColumns + ` FROM positions
		 WHERE challenge_id = $1 AND market_id = $2 AND direction = $3 AND status = 'OPEN'`
	if p.tx != nil {
		sql += ` FOR UPDATE`
	}
	pos, err := scanPosition(p.q.QueryRow(ctx, sql, challengeID, marketID, string(dir)))
	if err != nil {
		return nil, notFound(err, "open position %s/%s/%s", challengeID, marketID, dir)
	}
	return pos, nil
}

func (p *pgQueries) InsertPosition(ctx context.Context, pos *model.Position) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO positions (id, challenge_id, market_id, direction, shares, entry_price,
		        current_price, size_amount, status, pnl, closed_price, closed_at, opened_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9,
		         $10::NUMERIC, $11::NUMERIC, $12, $13, $14)`,
		pos.ID, pos.ChallengeID, pos.MarketID, string(pos.Direction),
		pos.Shares.String(), pos.EntryPrice.String(), pos.CurrentPrice.String(), pos.SizeAmount.String(),
		string(pos.Status), optString(pos.PnL), optString(pos.ClosedPrice),
		pos.ClosedAt, pos.OpenedAt, pos.UpdatedAt,
	)
	return duplicate(err, "position %s", pos.ID)
}

func (p *pgQueries) UpdatePosition(ctx context.Context, pos *model.Position) error {
	tag, err := p.q.Exec(ctx,
		`UPDATE positions
		 SET shares = $2::NUMERIC, entry_price = $3::NUMERIC, current_price = $4::NUMERIC,
		     size_amount = $5::NUMERIC, status = $6, pnl = $7::NUMERIC, closed_price = $8::NUMERIC,
		     closed_at = $9, updated_at = $10
		 WHERE id = $1`,
		pos.ID, pos.Shares.String(), pos.EntryPrice.String(), pos.CurrentPrice.String(),
		pos.SizeAmount.String(), string(pos.Status), optString(pos.PnL), optString(pos.ClosedPrice),
		pos.ClosedAt, pos.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s: %w", pos.ID, ErrNotFound)
	}
	return nil
}

func (p *pgQueries) ListPositions(ctx context.Context, f PositionFilter) ([]model.Position, error) {
	rows, err := p.q.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE ($1 = '' OR challenge_id = $1)
		   AND ($2 = '' OR market_id = $2)
		   AND ($3 = '' OR status = $3)
		   AND ($4::TIMESTAMPTZ IS NULL OR closed_at > $4)
		 ORDER BY opened_at, id`,
		f.ChallengeID, f.MarketID, string(f.Status), f.ClosedAfter)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *pos)
	}
	return positions, rows.Err()
}

func (p *pgQueries) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO trades (id, challenge_id, position_id, market_id, type, direction,
		        amount, shares, price, slippage, created_at, idempotency_key, request_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12, $13)`,
		t.ID, t.ChallengeID, t.PositionID, t.MarketID, string(t.Type), string(t.Direction),
		t.Amount.String(), t.Shares.String(), t.Price.String(), t.Slippage.String(), t.CreatedAt,
		t.IdempotencyKey, t.RequestHash,
	)
	return duplicate(err, "insert trade %s", t.ID)
}

const tradeColumns = `id, challenge_id, position_id, market_id, type, direction,
	amount::TEXT, shares::TEXT, price::TEXT, slippage::TEXT, created_at, idempotency_key, request_hash`

func scanTrade(row pgx.Row) (*model.Trade, error) {
	var t model.Trade
	var amount, shares, price, slippage string
	if err := row.Scan(&t.ID, &t.ChallengeID, &t.PositionID, &t.MarketID, &t.Type, &t.Direction,
		&amount, &shares, &price, &slippage, &t.CreatedAt, &t.IdempotencyKey, &t.RequestHash); err != nil {
		return nil, err
	}
	t.Amount, _ = decimal.NewFromString(amount)
	t.Shares, _ = decimal.NewFromString(shares)
	t.Price, _ = decimal.NewFromString(price)
	t.Slippage, _ = decimal.NewFromString(slippage)
	return &t, nil
}

func (p *pgQueries) GetTradeByIdempotencyKey(ctx context.Context, challengeID, key string) (*model.Trade, error) {
	t, err := scanTrade(p.q.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE challenge_id = $1 AND idempotency_key = $2 AND idempotency_key <> ''`, challengeID, key))
	if err != nil {
		return nil, notFound(err, "trade %s/%s", challengeID, key)
	}
	return t, nil
}

func (p *pgQueries) ListTrades(ctx context.Context, challengeID string) ([]model.Trade, error) {
	rows, err := p.q.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE challenge_id = $1 ORDER BY created_at`, challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

const payoutColumns = `id, challenge_id, status, gross_profit::TEXT, excluded_pnl::TEXT,
	adjusted_profit::TEXT, capped_profit::TEXT, net_payout::TEXT, firm_share::TEXT,
	failure_reason, requested_at, approved_at, processing_at, completed_at, failed_at`

func (p *pgQueries) InsertPayout(ctx context.Context, po *model.Payout) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO payouts (id, challenge_id, status, gross_profit, excluded_pnl, adjusted_profit,
		        capped_profit, net_payout, firm_share, failure_reason, requested_at,
		        approved_at, processing_at, completed_at, failed_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10, $11, $12, $13, $14, $15)`,
		po.ID, po.ChallengeID, string(po.Status),
		po.GrossProfit.String(), po.ExcludedPnL.String(), po.AdjustedProfit.String(),
		po.CappedProfit.String(), po.NetPayout.String(), po.FirmShare.String(),
		po.FailureReason, po.RequestedAt, po.ApprovedAt, po.ProcessingAt, po.CompletedAt, po.FailedAt,
	)
	return duplicate(err, "payout %s", po.ID)
}

func (p *pgQueries) GetPayout(ctx context.Context, id string) (*model.Payout, error) {
	sql := `SELECT ` + payoutColumns + ` FROM payouts WHERE id = $1`
	if p.tx != nil {
		sql += ` FOR UPDATE`
	}
	po, err := scanPayout(p.q.QueryRow(ctx, sql, id))
	if err != nil {
		return nil, notFound(err, "payout %s", id)
	}
	return po, nil
}

func (p *pgQueries) UpdatePayout(ctx context.Context, po *model.Payout) error {
	tag, err := p.q.Exec(ctx,
		`UPDATE payouts
		 SET status = $2, failure_reason = $3, approved_at = $4, processing_at = $5,
		     completed_at = $6, failed_at = $7
		 WHERE id = $1`,
		po.ID, string(po.Status), po.FailureReason,
		po.ApprovedAt, po.ProcessingAt, po.CompletedAt, po.FailedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payout %s: %w", po.ID, ErrNotFound)
	}
	return nil
}

func (p *pgQueries) ListPayouts(ctx context.Context, challengeID string) ([]model.Payout, error) {
	rows, err := p.q.Query(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE challenge_id = $1 ORDER BY requested_at`,
		challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []model.Payout
	for rows.Next() {
		po, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *po)
	}
	return payouts, rows.Err()
}

// InsertLedgerEntry writes inside a savepoint when called in a transaction,
// so a failed forensic write cannot poison the enclosing trade.
func (p *pgQueries) InsertLedgerEntry(ctx context.Context, e *model.BalanceLedgerEntry) error {
	const sql = `INSERT INTO balance_ledger (id, challenge_id, operation, amount, balance_before,
		        balance_after, source, reference, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)`
	args := []any{
		e.ID, e.ChallengeID, string(e.Operation), e.Amount.String(),
		e.BalanceBefore.String(), e.BalanceAfter.String(), string(e.Source), e.Reference, e.CreatedAt,
	}

	if p.tx == nil {
		_, err := p.q.Exec(ctx, sql, args...)
		return err
	}

	sp, err := p.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if _, err := sp.Exec(ctx, sql, args...); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	return sp.Commit(ctx)
}

func (p *pgQueries) ListLedgerEntries(ctx context.Context, challengeID string, since time.Time) ([]model.BalanceLedgerEntry, error) {
	rows, err := p.q.Query(ctx,
		`SELECT id, challenge_id, operation, amount::TEXT, balance_before::TEXT, balance_after::TEXT,
		        source, reference, created_at
		 FROM balance_ledger WHERE challenge_id = $1 AND created_at >= $2 ORDER BY created_at`,
		challengeID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.BalanceLedgerEntry
	for rows.Next() {
		var e model.BalanceLedgerEntry
		var amount, before, after string
		if err := rows.Scan(&e.ID, &e.ChallengeID, &e.Operation, &amount, &before, &after,
			&e.Source, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amount)
		e.BalanceBefore, _ = decimal.NewFromString(before)
		e.BalanceAfter, _ = decimal.NewFromString(after)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *pgQueries) GetDiscountCode(ctx context.Context, code string) (*model.DiscountCode, error) {
	var dc model.DiscountCode
	var value string
	err := p.q.QueryRow(ctx,
		`SELECT code, kind, value::TEXT, active, expires_at FROM discount_codes WHERE code = $1`, code).
		Scan(&dc.Code, &dc.Kind, &value, &dc.Active, &dc.ExpiresAt)
	if err != nil {
		return nil, notFound(err, "discount code %s", code)
	}
	dc.Value, _ = decimal.NewFromString(value)
	return &dc, nil
}

func (p *pgQueries) GetPaymentEvent(ctx context.Context, invoiceID string) (*model.PaymentEvent, error) {
	var e model.PaymentEvent
	var amount, discount string
	err := p.q.QueryRow(ctx,
		`SELECT invoice_id, challenge_id, user_id, tier, amount::TEXT, discount_code,
		        discount_applied::TEXT, received_at
		 FROM payment_events WHERE invoice_id = $1`, invoiceID).
		Scan(&e.InvoiceID, &e.ChallengeID, &e.UserID, &e.Tier, &amount, &e.DiscountCode,
			&discount, &e.ReceivedAt)
	if err != nil {
		return nil, notFound(err, "payment event %s", invoiceID)
	}
	e.Amount, _ = decimal.NewFromString(amount)
	e.DiscountApplied, _ = decimal.NewFromString(discount)
	return &e, nil
}

func (p *pgQueries) InsertPaymentEvent(ctx context.Context, e *model.PaymentEvent) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO payment_events (invoice_id, challenge_id, user_id, tier, amount,
		        discount_code, discount_applied, received_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8)`,
		e.InvoiceID, e.ChallengeID, e.UserID, e.Tier, e.Amount.String(),
		e.DiscountCode, e.DiscountApplied.String(), e.ReceivedAt,
	)
	return duplicate(err, "payment event %s", e.InvoiceID)
}

// --- scan helpers ---

func scanPosition(row pgx.Row) (*model.Position, error) {
	var pos model.Position
	var shares, entry, current, size string
	var pnl, closedPrice *string
	if err := row.Scan(&pos.ID, &pos.ChallengeID, &pos.MarketID, &pos.Direction,
		&shares, &entry, &current, &size, &pos.Status, &pnl, &closedPrice,
		&pos.ClosedAt, &pos.OpenedAt, &pos.UpdatedAt); err != nil {
		return nil, err
	}
	pos.Shares, _ = decimal.NewFromString(shares)
	pos.EntryPrice, _ = decimal.NewFromString(entry)
	pos.CurrentPrice, _ = decimal.NewFromString(current)
	pos.SizeAmount, _ = decimal.NewFromString(size)
	pos.PnL = optDecimal(pnl)
	pos.ClosedPrice = optDecimal(closedPrice)
	return &pos, nil
}

func scanPayout(row pgx.Row) (*model.Payout, error) {
	var po model.Payout
	var gross, excluded, adjusted, capped, net, firm string
	if err := row.Scan(&po.ID, &po.ChallengeID, &po.Status,
		&gross, &excluded, &adjusted, &capped, &net, &firm,
		&po.FailureReason, &po.RequestedAt, &po.ApprovedAt, &po.ProcessingAt,
		&po.CompletedAt, &po.FailedAt); err != nil {
		return nil, err
	}
	po.GrossProfit, _ = decimal.NewFromString(gross)
	po.ExcludedPnL, _ = decimal.NewFromString(excluded)
	po.AdjustedProfit, _ = decimal.NewFromString(adjusted)
	po.CappedProfit, _ = decimal.NewFromString(capped)
	po.NetPayout, _ = decimal.NewFromString(net)
	po.FirmShare, _ = decimal.NewFromString(firm)
	return &po, nil
}

func optDecimal(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	v, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &v
}

func optString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

func duplicate(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf(format+": %w", append(args, ErrDuplicate)...)
	}
	return err
}
