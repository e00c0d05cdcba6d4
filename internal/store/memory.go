package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/challenge-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// WithTx holds the write lock for the whole transaction and restores a
// snapshot on error, so transactions are serializable.
type MemoryStore struct {
	mu   sync.RWMutex
	data *memData
}

type memData struct {
	challenges map[string]model.Challenge
	positions  map[string]model.Position
	trades     []model.Trade
	payouts    map[string]model.Payout
	ledger     []model.BalanceLedgerEntry
	discounts  map[string]model.DiscountCode
	payments   map[string]model.PaymentEvent

	ledgerErr error // injected failure for forensic-log writes
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: &memData{
			challenges: make(map[string]model.Challenge),
			positions:  make(map[string]model.Position),
			payouts:    make(map[string]model.Payout),
			discounts:  make(map[string]model.DiscountCode),
			payments:   make(map[string]model.PaymentEvent),
		},
	}
}

func (d *memData) clone() *memData {
	c := &memData{
		challenges: make(map[string]model.Challenge, len(d.challenges)),
		positions:  make(map[string]model.Position, len(d.positions)),
		trades:     append([]model.Trade(nil), d.trades...),
		payouts:    make(map[string]model.Payout, len(d.payouts)),
		ledger:     append([]model.BalanceLedgerEntry(nil), d.ledger...),
		discounts:  make(map[string]model.DiscountCode, len(d.discounts)),
		payments:   make(map[string]model.PaymentEvent, len(d.payments)),
		ledgerErr:  d.ledgerErr,
	}
	for k, v := range d.challenges {
		c.challenges[k] = v
	}
	for k, v := range d.positions {
		c.positions[k] = v
	}
	for k, v := range d.payouts {
		c.payouts[k] = v
	}
	for k, v := range d.discounts {
		c.discounts[k] = v
	}
	for k, v := range d.payments {
		c.payments[k] = v
	}
	return c
}

// WithTx runs fn against a private view of the data and publishes it only
// if fn succeeds.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := s.data.clone()
	if err := fn(&memTx{d: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

// SetLedgerWriteError makes every subsequent forensic-log insert fail with
// err (nil restores normal behavior). Used to exercise best-effort logging.
func (s *MemoryStore) SetLedgerWriteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.ledgerErr = err
}

// PutDiscountCode seeds a discount code. Discount CRUD lives outside the
// engine; this exists for tests and sandbox setups.
func (s *MemoryStore) PutDiscountCode(dc model.DiscountCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.discounts[dc.Code] = dc
}

// ListChallenges returns every challenge belonging to userID, or all of
// them when userID is empty, ordered by id.
func (s *MemoryStore) ListChallenges(userID string) []model.Challenge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Challenge
	for _, c := range s.data.challenges {
		if userID == "" || c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DeleteChallenge removes a challenge and cascades to its positions, trades,
// payouts and ledger entries. Sandbox only; production never deletes.
func (s *MemoryStore) DeleteChallenge(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.data
	if _, ok := d.challenges[id]; !ok {
		return fmt.Errorf("challenge %s: %w", id, ErrNotFound)
	}
	delete(d.challenges, id)
	for pid, p := range d.positions {
		if p.ChallengeID == id {
			delete(d.positions, pid)
		}
	}
	for pid, p := range d.payouts {
		if p.ChallengeID == id {
			delete(d.payouts, pid)
		}
	}
	trades := d.trades[:0]
	for _, t := range d.trades {
		if t.ChallengeID != id {
			trades = append(trades, t)
		}
	}
	d.trades = trades
	ledger := d.ledger[:0]
	for _, e := range d.ledger {
		if e.ChallengeID != id {
			ledger = append(ledger, e)
		}
	}
	d.ledger = ledger
	return nil
}

// --- Store-level access (single statement, own lock) ---

func (s *MemoryStore) read() *memTx {
	return &memTx{d: s.data}
}

func (s *MemoryStore) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetChallenge(ctx, id)
}

func (s *MemoryStore) InsertChallenge(ctx context.Context, c *model.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().InsertChallenge(ctx, c)
}

func (s *MemoryStore) UpdateChallenge(ctx context.Context, c *model.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().UpdateChallenge(ctx, c)
}

func (s *MemoryStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetPosition(ctx, id)
}

func (s *MemoryStore) GetOpenPosition(ctx context.Context, challengeID, marketID string, dir model.Direction) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetOpenPosition(ctx, challengeID, marketID, dir)
}

func (s *MemoryStore) InsertPosition(ctx context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().InsertPosition(ctx, p)
}

func (s *MemoryStore) UpdatePosition(ctx context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().UpdatePosition(ctx, p)
}

func (s *MemoryStore) ListPositions(ctx context.Context, f PositionFilter) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListPositions(ctx, f)
}

func (s *MemoryStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().InsertTrade(ctx, t)
}

func (s *MemoryStore) GetTradeByIdempotencyKey(ctx context.Context, challengeID, key string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetTradeByIdempotencyKey(ctx, challengeID, key)
}

func (s *MemoryStore) ListTrades(ctx context.Context, challengeID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListTrades(ctx, challengeID)
}

func (s *MemoryStore) InsertPayout(ctx context.Context, p *model.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().InsertPayout(ctx, p)
}

func (s *MemoryStore) GetPayout(ctx context.Context, id string) (*model.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetPayout(ctx, id)
}

func (s *MemoryStore) UpdatePayout(ctx context.Context, p *model.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().UpdatePayout(ctx, p)
}

func (s *MemoryStore) ListPayouts(ctx context.Context, challengeID string) ([]model.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListPayouts(ctx, challengeID)
}

func (s *MemoryStore) InsertLedgerEntry(ctx context.Context, e *model.BalanceLedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().InsertLedgerEntry(ctx, e)
}

func (s *MemoryStore) ListLedgerEntries(ctx context.Context, challengeID string, since time.Time) ([]model.BalanceLedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListLedgerEntries(ctx, challengeID, since)
}

func (s *MemoryStore) GetDiscountCode(ctx context.Context, code string) (*model.DiscountCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetDiscountCode(ctx, code)
}

func (s *MemoryStore) GetPaymentEvent(ctx context.Context, invoiceID string) (*model.PaymentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetPaymentEvent(ctx, invoiceID)
}

func (s *MemoryStore) InsertPaymentEvent(ctx context.Context, e *model.PaymentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().InsertPaymentEvent(ctx, e)
}

// --- memTx: unlocked access to one data view ---

type memTx struct {
	d *memData
}

func (t *memTx) GetChallenge(_ context.Context, id string) (*model.Challenge, error) {
	c, ok := t.d.challenges[id]
	if !ok {
		return nil, fmt.Errorf("challenge %s: %w", id, ErrNotFound)
	}
	return &c, nil
}

func (t *memTx) InsertChallenge(_ context.Context, c *model.Challenge) error {
	if _, ok := t.d.challenges[c.ID]; ok {
		return fmt.Errorf("challenge %s: %w", c.ID, ErrDuplicate)
	}
	t.d.challenges[c.ID] = *c
	return nil
}

func (t *memTx) UpdateChallenge(_ context.Context, c *model.Challenge) error {
	if _, ok := t.d.challenges[c.ID]; !ok {
		return fmt.Errorf("challenge %s: %w", c.ID, ErrNotFound)
	}
	t.d.challenges[c.ID] = *c
	return nil
}

func (t *memTx) GetPosition(_ context.Context, id string) (*model.Position, error) {
	p, ok := t.d.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (t *memTx) GetOpenPosition(_ context.Context, challengeID, marketID string, dir model.Direction) (*model.Position, error) {
	for _, p := range t.d.positions {
		if p.ChallengeID == challengeID && p.MarketID == marketID &&
			p.Direction == dir && p.Status == model.PositionOpen {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("open position %s/%s/%s: %w", challengeID, marketID, dir, ErrNotFound)
}

func (t *memTx) InsertPosition(ctx context.Context, p *model.Position) error {
	if _, ok := t.d.positions[p.ID]; ok {
		return fmt.Errorf("position %s: %w", p.ID, ErrDuplicate)
	}
	if p.Status == model.PositionOpen {
		if _, err := t.GetOpenPosition(ctx, p.ChallengeID, p.MarketID, p.Direction); err == nil {
			return fmt.Errorf("open position %s/%s/%s: %w", p.ChallengeID, p.MarketID, p.Direction, ErrDuplicate)
		}
	}
	t.d.positions[p.ID] = *p
	return nil
}

func (t *memTx) UpdatePosition(_ context.Context, p *model.Position) error {
	if _, ok := t.d.positions[p.ID]; !ok {
		return fmt.Errorf("position %s: %w", p.ID, ErrNotFound)
	}
	t.d.positions[p.ID] = *p
	return nil
}

func (t *memTx) ListPositions(_ context.Context, f PositionFilter) ([]model.Position, error) {
	var result []model.Position
	for _, p := range t.d.positions {
		if f.ChallengeID != "" && p.ChallengeID != f.ChallengeID {
			continue
		}
		if f.MarketID != "" && p.MarketID != f.MarketID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.ClosedAfter != nil && (p.ClosedAt == nil || !p.ClosedAt.After(*f.ClosedAfter)) {
			continue
		}
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].OpenedAt.Equal(result[j].OpenedAt) {
			return result[i].OpenedAt.Before(result[j].OpenedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (t *memTx) InsertTrade(_ context.Context, tr *model.Trade) error {
	if tr.IdempotencyKey != "" {
		for _, existing := range t.d.trades {
			if existing.ChallengeID == tr.ChallengeID && existing.IdempotencyKey == tr.IdempotencyKey {
				return fmt.Errorf("trade %s/%s: %w", tr.ChallengeID, tr.IdempotencyKey, ErrDuplicate)
			}
		}
	}
	t.d.trades = append(t.d.trades, *tr)
	return nil
}

func (t *memTx) GetTradeByIdempotencyKey(_ context.Context, challengeID, key string) (*model.Trade, error) {
	if key != "" {
		for _, tr := range t.d.trades {
			if tr.ChallengeID == challengeID && tr.IdempotencyKey == key {
				out := tr
				return &out, nil
			}
		}
	}
	return nil, fmt.Errorf("trade %s/%s: %w", challengeID, key, ErrNotFound)
}

func (t *memTx) ListTrades(_ context.Context, challengeID string) ([]model.Trade, error) {
	var result []model.Trade
	for _, tr := range t.d.trades {
		if tr.ChallengeID == challengeID {
			result = append(result, tr)
		}
	}
	return result, nil
}

func (t *memTx) InsertPayout(_ context.Context, p *model.Payout) error {
	if _, ok := t.d.payouts[p.ID]; ok {
		return fmt.Errorf("payout %s: %w", p.ID, ErrDuplicate)
	}
	t.d.payouts[p.ID] = *p
	return nil
}

func (t *memTx) GetPayout(_ context.Context, id string) (*model.Payout, error) {
	p, ok := t.d.payouts[id]
	if !ok {
		return nil, fmt.Errorf("payout %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (t *memTx) UpdatePayout(_ context.Context, p *model.Payout) error {
	if _, ok := t.d.payouts[p.ID]; !ok {
		return fmt.Errorf("payout %s: %w", p.ID, ErrNotFound)
	}
	t.d.payouts[p.ID] = *p
	return nil
}

func (t *memTx) ListPayouts(_ context.Context, challengeID string) ([]model.Payout, error) {
	var result []model.Payout
	for _, p := range t.d.payouts {
		if p.ChallengeID == challengeID {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].RequestedAt.Before(result[j].RequestedAt)
	})
	return result, nil
}

func (t *memTx) InsertLedgerEntry(_ context.Context, e *model.BalanceLedgerEntry) error {
	if t.d.ledgerErr != nil {
		return t.d.ledgerErr
	}
	t.d.ledger = append(t.d.ledger, *e)
	return nil
}

func (t *memTx) ListLedgerEntries(_ context.Context, challengeID string, since time.Time) ([]model.BalanceLedgerEntry, error) {
	var result []model.BalanceLedgerEntry
	for _, e := range t.d.ledger {
		if e.ChallengeID == challengeID && !e.CreatedAt.Before(since) {
			result = append(result, e)
		}
	}
	return result, nil
}

func (t *memTx) GetDiscountCode(_ context.Context, code string) (*model.DiscountCode, error) {
	dc, ok := t.d.discounts[code]
	if !ok {
		return nil, fmt.Errorf("discount code %s: %w", code, ErrNotFound)
	}
	return &dc, nil
}

func (t *memTx) GetPaymentEvent(_ context.Context, invoiceID string) (*model.PaymentEvent, error) {
	e, ok := t.d.payments[invoiceID]
	if !ok {
		return nil, fmt.Errorf("payment event %s: %w", invoiceID, ErrNotFound)
	}
	return &e, nil
}

func (t *memTx) InsertPaymentEvent(_ context.Context, e *model.PaymentEvent) error {
	if _, ok := t.d.payments[e.InvoiceID]; ok {
		return fmt.Errorf("payment event %s: %w", e.InvoiceID, ErrDuplicate)
	}
	t.d.payments[e.InvoiceID] = *e
	return nil
}
