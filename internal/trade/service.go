package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/balance"
	"github.com/atmx/challenge-engine/internal/idempotency"
	"github.com/atmx/challenge-engine/internal/model"
	"github.com/atmx/challenge-engine/internal/payment"
	"github.com/atmx/challenge-engine/internal/payout"
	"github.com/atmx/challenge-engine/internal/position"
	"github.com/atmx/challenge-engine/internal/risk"
	"github.com/atmx/challenge-engine/internal/store"
	"github.com/atmx/challenge-engine/internal/tier"
)

// IdempotencyHeader carries the client's idempotency key on POST /trade.
const IdempotencyHeader = "Idempotency-Key"

// Service exposes the engine over HTTP.
type Service struct {
	engine   *Engine
	payouts  *payout.Calculator
	payments *payment.Processor
	wsHub    *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates the HTTP service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(engine *Engine, payouts *payout.Calculator, payments *payment.Processor, hub *WSHub) *Service {
	if hub != nil {
		engine.SetHub(hub)
	}
	return &Service{engine: engine, payouts: payouts, payments: payments, wsHub: hub}
}

// Mount registers every route on r.
func (s *Service) Mount(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/trade", s.ExecuteTrade)

		r.Route("/challenges/{challengeID}", func(r chi.Router) {
			r.Get("/", s.GetChallenge)
			r.Post("/start", s.StartChallenge)
			r.Get("/positions", s.ListPositions)
			r.Get("/trades", s.ListTrades)
			r.Get("/ledger", s.GetLedger)
			r.Get("/payout/eligibility", s.PayoutEligibility)
			r.Get("/payout/calculation", s.PayoutCalculation)
			r.Get("/payouts", s.ListPayouts)
			r.Post("/payouts", s.RequestPayout)
		})

		r.Route("/payouts/{payoutID}", func(r chi.Router) {
			r.Get("/", s.GetPayout)
			r.Post("/approve", s.ApprovePayout)
			r.Post("/process", s.ProcessPayout)
			r.Post("/complete", s.CompletePayout)
			r.Post("/fail", s.FailPayout)
		})

		r.Post("/webhooks/payment", s.PaymentWebhook)

		if s.wsHub != nil {
			r.Get("/ws", s.wsHub.HandleWS)
		}
	})
}

// --- Request types ---

// TradeRequest is the JSON body for POST /trade.
type TradeRequest struct {
	ChallengeID string          `json:"challenge_id"`
	MarketID    string          `json:"market_id"`
	Type        model.TradeType `json:"type"`      // "BUY" or "SELL"
	Direction   model.Direction `json:"direction"` // "YES" or "NO"
	Amount      decimal.Decimal `json:"amount"`    // currency to spend (BUY)
	Shares      decimal.Decimal `json:"shares"`    // shares to sell (SELL)
}

// FailPayoutRequest is the JSON body for POST /payouts/{id}/fail.
type FailPayoutRequest struct {
	Reason string `json:"reason"`
}

// --- Trading ---

// ExecuteTrade handles POST /api/v1/trade
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(IdempotencyHeader)
	if key == "" {
		writeError(w, IdempotencyHeader+" header is required", http.StatusBadRequest)
		return
	}

	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.engine.ExecuteTrade(r.Context(), Request{
		ChallengeID:    req.ChallengeID,
		MarketID:       req.MarketID,
		Type:           req.Type,
		Direction:      req.Direction,
		Amount:         req.Amount,
		Shares:         req.Shares,
		IdempotencyKey: key,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if res.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	writeJSON(w, http.StatusOK, res)
}

// GetChallenge handles GET /api/v1/challenges/{challengeID}
func (s *Service) GetChallenge(w http.ResponseWriter, r *http.Request) {
	sum, err := s.engine.GetChallenge(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// StartChallenge handles POST /api/v1/challenges/{challengeID}/start
func (s *Service) StartChallenge(w http.ResponseWriter, r *http.Request) {
	ch, err := s.engine.StartChallenge(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.broadcast(WSMessage{Type: "challenge_started", ChallengeID: ch.ID, Status: string(ch.Status)})
	writeJSON(w, http.StatusOK, ch)
}

// ListPositions handles GET /api/v1/challenges/{challengeID}/positions
// Optional ?status=OPEN|CLOSED.
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	status := model.PositionStatus(r.URL.Query().Get("status"))
	if status != "" && status != model.PositionOpen && status != model.PositionClosed {
		writeError(w, "status must be OPEN or CLOSED", http.StatusBadRequest)
		return
	}
	positions, err := s.engine.ListPositions(r.Context(), chi.URLParam(r, "challengeID"), status)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// ListTrades handles GET /api/v1/challenges/{challengeID}/trades
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.engine.ListTrades(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetLedger handles GET /api/v1/challenges/{challengeID}/ledger
// Optional ?since=<RFC3339>.
func (s *Service) GetLedger(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		since = t
	}
	entries, err := s.engine.ListLedger(r.Context(), chi.URLParam(r, "challengeID"), since)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.BalanceLedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Payouts ---

// PayoutEligibility handles GET /api/v1/challenges/{challengeID}/payout/eligibility
func (s *Service) PayoutEligibility(w http.ResponseWriter, r *http.Request) {
	e, err := s.payouts.CheckEligibility(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// PayoutCalculation handles GET /api/v1/challenges/{challengeID}/payout/calculation
func (s *Service) PayoutCalculation(w http.ResponseWriter, r *http.Request) {
	c, err := s.payouts.CalculatePayout(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ListPayouts handles GET /api/v1/challenges/{challengeID}/payouts
func (s *Service) ListPayouts(w http.ResponseWriter, r *http.Request) {
	payouts, err := s.payouts.ListPayouts(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if payouts == nil {
		payouts = []model.Payout{}
	}
	writeJSON(w, http.StatusOK, payouts)
}

// RequestPayout handles POST /api/v1/challenges/{challengeID}/payouts
func (s *Service) RequestPayout(w http.ResponseWriter, r *http.Request) {
	p, err := s.payouts.RequestPayout(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.broadcastPayout(p)
	writeJSON(w, http.StatusCreated, p)
}

// GetPayout handles GET /api/v1/payouts/{payoutID}
func (s *Service) GetPayout(w http.ResponseWriter, r *http.Request) {
	p, err := s.payouts.GetPayout(r.Context(), chi.URLParam(r, "payoutID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ApprovePayout handles POST /api/v1/payouts/{payoutID}/approve
func (s *Service) ApprovePayout(w http.ResponseWriter, r *http.Request) {
	s.respondPayout(w, r)(s.payouts.ApprovePayout(r.Context(), chi.URLParam(r, "payoutID")))
}

// ProcessPayout handles POST /api/v1/payouts/{payoutID}/process
func (s *Service) ProcessPayout(w http.ResponseWriter, r *http.Request) {
	s.respondPayout(w, r)(s.payouts.MarkProcessing(r.Context(), chi.URLParam(r, "payoutID")))
}

// CompletePayout handles POST /api/v1/payouts/{payoutID}/complete
func (s *Service) CompletePayout(w http.ResponseWriter, r *http.Request) {
	s.respondPayout(w, r)(s.payouts.CompletePayout(r.Context(), chi.URLParam(r, "payoutID")))
}

// FailPayout handles POST /api/v1/payouts/{payoutID}/fail
func (s *Service) FailPayout(w http.ResponseWriter, r *http.Request) {
	var req FailPayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		writeError(w, "reason is required", http.StatusBadRequest)
		return
	}
	s.respondPayout(w, r)(s.payouts.FailPayout(r.Context(), chi.URLParam(r, "payoutID"), req.Reason))
}

func (s *Service) respondPayout(w http.ResponseWriter, r *http.Request) func(*model.Payout, error) {
	return func(p *model.Payout, err error) {
		if err != nil {
			writeErr(w, r, err)
			return
		}
		s.broadcastPayout(p)
		writeJSON(w, http.StatusOK, p)
	}
}

// --- Payments ---

// PaymentWebhook handles POST /api/v1/webhooks/payment
// Replays of a processed invoice return 200 with deduplicated=true.
func (s *Service) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var inv payment.Invoice
	if err := json.NewDecoder(r.Body).Decode(&inv); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := s.payments.HandleInvoicePaid(r.Context(), inv)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) broadcast(msg WSMessage) {
	if s.wsHub != nil {
		s.wsHub.Broadcast(msg)
	}
}

func (s *Service) broadcastPayout(p *model.Payout) {
	s.broadcast(WSMessage{
		Type:        "payout_" + string(p.Status),
		ChallengeID: p.ChallengeID,
		PayoutID:    p.ID,
		Status:      string(p.Status),
	})
}

// --- Errors ---

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var te *payout.TransitionError
	switch {
	case errors.Is(err, ErrChallengeNotFound),
		errors.Is(err, payout.ErrChallengeNotFound),
		errors.Is(err, payout.ErrPayoutNotFound),
		errors.Is(err, balance.ErrChallengeNotFound),
		errors.Is(err, position.ErrPositionNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.As(err, &te),
		errors.Is(err, ErrTradeInProgress),
		errors.Is(err, ErrChallengeNotActive),
		errors.Is(err, ErrInvalidChallengeState),
		errors.Is(err, position.ErrPositionClosed):
		return http.StatusConflict

	case errors.Is(err, ErrInsufficientDepth),
		errors.Is(err, ErrMarketClosed),
		errors.Is(err, ErrUntrustedPrice),
		errors.Is(err, position.ErrInsufficientShares),
		errors.Is(err, balance.ErrNegativeBalanceBlocked),
		errors.Is(err, risk.ErrMarketLimitExceeded),
		errors.Is(err, risk.ErrTotalLimitExceeded),
		errors.Is(err, payout.ErrNotEligible),
		errors.Is(err, payment.ErrAmountMismatch),
		errors.Is(err, idempotency.ErrKeyReused):
		return http.StatusUnprocessableEntity

	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, idempotency.ErrMissingKey),
		errors.Is(err, idempotency.ErrKeyTooLong),
		errors.Is(err, payment.ErrInvalidInvoice),
		errors.Is(err, tier.ErrUnknownTier),
		errors.Is(err, position.ErrInvalidQuantity),
		errors.Is(err, balance.ErrInvalidAmount):
		return http.StatusBadRequest

	case errors.Is(err, ErrPriceUnavailable),
		errors.Is(err, ErrIdempotencyUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeErr maps err to a status and writes it. Internal errors are logged
// and hidden from the client.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
