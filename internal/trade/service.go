// Package trade provides the trade executor and the HTTP handlers for
// placing orders, opening accounts and reading portfolios.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stockschool/papertrade/internal/metrics"
	"github.com/stockschool/papertrade/internal/model"
	"github.com/stockschool/papertrade/internal/query"
	"github.com/stockschool/papertrade/internal/store"
)

// DefaultPersistRetries is how many times a trade is resubmitted after the
// ledger store reports itself unavailable.
const DefaultPersistRetries = 3

// Service exposes the executor and the read surface over HTTP.
type Service struct {
	exec    *Executor
	query   *query.Surface
	wsHub   *WSHub // optional WebSocket hub for real-time broadcasts
	retries int
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(exec *Executor, q *query.Surface, hub *WSHub) *Service {
	return &Service{
		exec:    exec,
		query:   q,
		wsHub:   hub,
		retries: DefaultPersistRetries,
	}
}

// WithPersistRetries sets the retry budget for PersistenceUnavailable.
// Zero disables retrying.
func (s *Service) WithPersistRetries(n int) *Service {
	if n >= 0 {
		s.retries = n
	}
	return s
}

// Routes registers the service's endpoints under r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/trade", s.ExecuteTrade)
	r.Post("/accounts", s.CreateAccount)
	r.Get("/portfolio", s.GetPortfolio)
	r.Get("/portfolio/{userID}", s.GetPortfolio)
	r.Get("/trades/{userID}", s.GetTrades)
}

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /trade.
type TradeRequest struct {
	UserID   string          `json:"userId"`
	Ticker   string          `json:"ticker"`
	Side     string          `json:"side"`     // "BUY" or "SELL"
	Quantity int64           `json:"quantity"` // whole shares
	Price    decimal.Decimal `json:"price"`
}

// TradeResponse is the JSON body returned from POST /trade.
type TradeResponse struct {
	Success bool            `json:"success"`
	Trade   model.Trade     `json:"trade"`
	Cash    decimal.Decimal `json:"cash"`
	Holding *model.Holding  `json:"holding"` // null when the position is closed
}

// CreateAccountRequest is the JSON body for POST /accounts.
type CreateAccountRequest struct {
	UserID string `json:"userId"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// --- HTTP Handlers ---

// ExecuteTrade handles POST /api/v1/trade
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body: "+err.Error(), "INVALID_ORDER", http.StatusBadRequest)
		return
	}

	side, err := model.ParseSide(req.Side)
	if err != nil {
		writeError(w, err.Error(), "INVALID_ORDER", http.StatusBadRequest)
		return
	}

	order := Order{
		UserID:   req.UserID,
		Ticker:   req.Ticker,
		Side:     side,
		Quantity: req.Quantity,
		Price:    req.Price,
	}

	res, err := s.executeWithRetry(r.Context(), order)
	if err != nil {
		writeExecError(w, err)
		return
	}

	if s.wsHub != nil {
		s.wsHub.TradeExecuted(res.Trade)
	}

	writeJSON(w, http.StatusOK, TradeResponse{
		Success: true,
		Trade:   res.Trade,
		Cash:    res.Account.Cash,
		Holding: res.Holding,
	})
}

// executeWithRetry resubmits the order while the store reports
// PersistenceUnavailable. Every attempt carries the same trade id, so an
// attempt that committed but lost its acknowledgement is reported back by
// the store instead of being applied again.
func (s *Service) executeWithRetry(ctx context.Context, o Order) (*store.Result, error) {
	if o.ID == "" {
		o.ID = s.exec.NewTradeID()
	}
	if s.retries == 0 {
		return s.exec.ExecuteTrade(ctx, o)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = 5 * time.Second

	var res *store.Result
	op := func() error {
		var err error
		res, err = s.exec.ExecuteTrade(ctx, o)
		if err != nil && !errors.Is(err, store.ErrPersistenceUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.PersistRetries.Inc()
		slog.Warn("ledger unavailable, retrying trade", "trade_id", o.ID, "user", o.UserID, "ticker", o.Ticker, "wait", wait, "err", err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.retries)), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return res, nil
}

// CreateAccount handles POST /api/v1/accounts
func (s *Service) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "INVALID_ORDER", http.StatusBadRequest)
		return
	}

	acct, err := s.exec.OpenAccount(r.Context(), req.UserID)
	if err != nil {
		writeExecError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// GetPortfolio handles GET /api/v1/portfolio/{userID} and
// GET /api/v1/portfolio?userId=
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		userID = r.URL.Query().Get("userId")
	}
	if strings.TrimSpace(userID) == "" {
		writeError(w, "userId is required", "INVALID_ORDER", http.StatusBadRequest)
		return
	}

	summary, err := s.query.GetPortfolioSummary(r.Context(), userID)
	if err != nil {
		writeExecError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetTrades handles GET /api/v1/trades/{userID}?limit=
// Returns the user's trade log newest first.
func (s *Service) GetTrades(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", "INVALID_ORDER", http.StatusBadRequest)
			return
		}
		limit = n
	}

	trades, err := s.query.GetTrades(r.Context(), userID, limit)
	if err != nil {
		writeExecError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// StatusFor maps an execution or read error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInsufficientHoldings),
		errors.Is(err, store.ErrAccountExists):
		return http.StatusConflict
	case errors.Is(err, store.ErrLockTimeout),
		errors.Is(err, store.ErrPersistenceUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeExecError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, msg, Code(err), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, code string, status int) {
	writeJSON(w, status, ErrorResponse{Success: false, Error: message, Code: code})
}
