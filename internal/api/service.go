// Package api serves the engine's HTTP API: market catalog, quotes, trade
// execution, settlement and portfolios.
//
// All monetary values use shopspring/decimal, never float64 for money.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/amm-engine/internal/catalog"
	"github.com/atmx/amm-engine/internal/ledger"
	"github.com/atmx/amm-engine/internal/lmsr"
	"github.com/atmx/amm-engine/internal/model"
	"github.com/atmx/amm-engine/internal/portfolio"
	"github.com/atmx/amm-engine/internal/quote"
	"github.com/atmx/amm-engine/internal/risk"
	"github.com/atmx/amm-engine/internal/settlement"
	"github.com/atmx/amm-engine/internal/store"
	"github.com/atmx/amm-engine/internal/trade"
)

// Service holds the handlers. Every write goes through the executor,
// catalog or settlement processor so it runs under the market lock.
type Service struct {
	store     store.Store
	exec      *trade.Executor
	quotes    *quote.Engine
	catalog   *catalog.Catalog
	settle    *settlement.Processor
	portfolio *portfolio.Valuator
}

// NewService creates the HTTP service.
func NewService(st store.Store, exec *trade.Executor, cat *catalog.Catalog, proc *settlement.Processor, val *portfolio.Valuator) *Service {
	return &Service{
		store:     st,
		exec:      exec,
		quotes:    exec.Quotes(),
		catalog:   cat,
		settle:    proc,
		portfolio: val,
	}
}

// Routes registers the API on r. Mount it under /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Get("/markets", s.ListMarkets)
	r.Post("/markets", s.CreateMarket)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Patch("/markets/{marketID}", s.UpdateMarket)
	r.Post("/markets/{marketID}/status", s.SetStatus)
	r.Get("/markets/{marketID}/quote", s.GetQuote)
	r.Get("/markets/{marketID}/trades", s.GetMarketTrades)
	r.Post("/markets/{marketID}/resolve", s.ResolveMarket)

	r.Post("/trades", s.PlaceTrade)
	r.Post("/trades/sell", s.SellPosition)
	r.Post("/trades/redeem", s.RedeemPosition)
	r.Get("/trades", s.ListTrades)

	r.Get("/portfolio/{userID}", s.GetPortfolio)
}

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /trades.
type TradeRequest struct {
	UserID     string `json:"userId"`
	MarketID   string `json:"marketId"`
	SecurityID string `json:"securityId"`
	StakeCents int64  `json:"stakeCents"`
}

// SellRequest is the JSON body for POST /trades/sell.
type SellRequest struct {
	UserID     string          `json:"userId"`
	MarketID   string          `json:"marketId"`
	SecurityID string          `json:"securityId"`
	Quantity   decimal.Decimal `json:"quantity"`
}

// RedeemRequest is the JSON body for POST /trades/redeem.
type RedeemRequest struct {
	UserID     string `json:"userId"`
	MarketID   string `json:"marketId"`
	SecurityID string `json:"securityId"`
}

// StatusRequest is the JSON body for POST /markets/{id}/status.
type StatusRequest struct {
	Status string `json:"status"`
}

// ResolveRequest is the JSON body for POST /markets/{id}/resolve.
type ResolveRequest struct {
	WinningSecurityID string `json:"winningSecurityId"`
}

// QuoteResponse is returned by GET /markets/{id}/quote.
type QuoteResponse struct {
	MarketID       string             `json:"marketId"`
	Status         model.MarketStatus `json:"status"`
	Sequence       int64              `json:"sequence"`
	ProbabilitySum float64            `json:"probabilitySum"`
	Quotes         []quote.Quote      `json:"quotes"`
}

// --- Market handlers ---

// ListMarkets handles GET /api/v1/markets?category=&status=
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	var f store.MarketFilter
	f.Category = r.URL.Query().Get("category")
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := model.ParseMarketStatus(raw)
		if err != nil {
			writeError(w, "unknown status "+strconv.Quote(raw), http.StatusBadRequest)
			return
		}
		f.Status = st
	}

	markets, err := s.store.ListMarkets(r.Context(), f)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	views := make([]quote.MarketView, 0, len(markets))
	for i := range markets {
		v, err := s.quotes.View(&markets[i])
		if err != nil {
			writeErr(w, r, err)
			return
		}
		views = append(views, *v)
	}
	writeJSON(w, http.StatusOK, views)
}

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var def catalog.Definition
	if !decode(w, r, &def) {
		return
	}
	m, err := s.catalog.Create(r.Context(), def)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.writeView(w, r, http.StatusCreated, m)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.writeView(w, r, http.StatusOK, m)
}

// UpdateMarket handles PATCH /api/v1/markets/{marketID}
func (s *Service) UpdateMarket(w http.ResponseWriter, r *http.Request) {
	var u catalog.Update
	if !decode(w, r, &u) {
		return
	}
	m, err := s.catalog.Update(r.Context(), chi.URLParam(r, "marketID"), u)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.writeView(w, r, http.StatusOK, m)
}

// SetStatus handles POST /api/v1/markets/{marketID}/status
func (s *Service) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !decode(w, r, &req) {
		return
	}
	to, err := model.ParseMarketStatus(req.Status)
	if err != nil {
		writeError(w, "unknown status "+strconv.Quote(req.Status), http.StatusBadRequest)
		return
	}
	m, err := s.settle.Transition(r.Context(), chi.URLParam(r, "marketID"), to)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.writeView(w, r, http.StatusOK, m)
}

// GetQuote handles GET /api/v1/markets/{marketID}/quote
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	quotes, err := s.quotes.Quotes(m)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, QuoteResponse{
		MarketID:       m.ID,
		Status:         m.Status,
		Sequence:       m.Sequence,
		ProbabilitySum: quote.ProbabilitySum(quotes),
		Quotes:         quotes,
	})
}

// GetMarketTrades handles GET /api/v1/markets/{marketID}/trades
// The journal is the market's price history.
func (s *Service) GetMarketTrades(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	if _, err := s.store.GetMarket(r.Context(), marketID); err != nil {
		writeErr(w, r, err)
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	s.writeTrades(w, r, store.TradeFilter{MarketID: marketID, Limit: limit})
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !decode(w, r, &req) {
		return
	}
	if req.WinningSecurityID == "" {
		writeError(w, "winningSecurityId is required", http.StatusBadRequest)
		return
	}
	res, err := s.settle.Resolve(r.Context(), chi.URLParam(r, "marketID"), req.WinningSecurityID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Trade handlers ---

// PlaceTrade handles POST /api/v1/trades
// Buys as many shares as the stake pays for.
func (s *Service) PlaceTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if !decode(w, r, &req) {
		return
	}
	if !requireIDs(w, req.UserID, req.MarketID, req.SecurityID) {
		return
	}
	res, err := s.exec.PlaceTrade(r.Context(), req.UserID, req.MarketID, req.SecurityID, req.StakeCents)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SellPosition handles POST /api/v1/trades/sell
func (s *Service) SellPosition(w http.ResponseWriter, r *http.Request) {
	var req SellRequest
	if !decode(w, r, &req) {
		return
	}
	if !requireIDs(w, req.UserID, req.MarketID, req.SecurityID) {
		return
	}
	res, err := s.exec.Sell(r.Context(), req.UserID, req.MarketID, req.SecurityID, req.Quantity)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RedeemPosition handles POST /api/v1/trades/redeem
func (s *Service) RedeemPosition(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if !decode(w, r, &req) {
		return
	}
	if !requireIDs(w, req.UserID, req.MarketID, req.SecurityID) {
		return
	}
	res, err := s.settle.Redeem(r.Context(), req.UserID, req.MarketID, req.SecurityID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListTrades handles GET /api/v1/trades?userId=&marketId=&limit=
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	f := store.TradeFilter{
		UserID:   r.URL.Query().Get("userId"),
		MarketID: r.URL.Query().Get("marketId"),
	}
	if f.UserID == "" && f.MarketID == "" {
		writeError(w, "userId or marketId is required", http.StatusBadRequest)
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	f.Limit = limit
	s.writeTrades(w, r, f)
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	summary, err := s.portfolio.Summary(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// --- helpers ---

func (s *Service) writeView(w http.ResponseWriter, r *http.Request, status int, m *model.Market) {
	v, err := s.quotes.View(m)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, status, v)
}

func (s *Service) writeTrades(w http.ResponseWriter, r *http.Request, f store.TradeFilter) {
	trades, err := s.store.ListTrades(r.Context(), f)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func requireIDs(w http.ResponseWriter, userID, marketID, securityID string) bool {
	switch {
	case userID == "":
		writeError(w, "userId is required", http.StatusBadRequest)
	case marketID == "":
		writeError(w, "marketId is required", http.StatusBadRequest)
	case securityID == "":
		writeError(w, "securityId is required", http.StatusBadRequest)
	default:
		return true
	}
	return false
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case model.IsNotFound(err):
		return http.StatusNotFound
	case model.IsInvalid(err),
		errors.Is(err, trade.ErrInvalidStake),
		errors.Is(err, ledger.ErrInvalidQuantity),
		errors.Is(err, lmsr.ErrInvalidParameter):
		return http.StatusBadRequest
	case model.IsConflict(err),
		errors.Is(err, ledger.ErrInsufficientPosition),
		errors.Is(err, store.ErrStaleSequence),
		errors.Is(err, risk.ErrMarketLimitExceeded),
		errors.Is(err, risk.ErrCategoryLimitExceeded):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeErr writes err with its mapped status. Server-side failures,
// including solver non-convergence and invariant violations, are logged
// and their detail withheld.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
			"no_convergence", errors.Is(err, lmsr.ErrNoConvergence),
			"invariant", errors.Is(err, trade.ErrInvariantViolation),
		)
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
	writeJSON(w, status, map[string]string{"error": message})
}
