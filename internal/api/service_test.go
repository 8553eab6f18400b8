package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/amm-engine/internal/api"
	"github.com/atmx/amm-engine/internal/catalog"
	"github.com/atmx/amm-engine/internal/lock"
	"github.com/atmx/amm-engine/internal/model"
	"github.com/atmx/amm-engine/internal/portfolio"
	"github.com/atmx/amm-engine/internal/quote"
	"github.com/atmx/amm-engine/internal/settlement"
	"github.com/atmx/amm-engine/internal/store"
	"github.com/atmx/amm-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv wires the service over an in-memory store and a chi router.
func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	locks := lock.NewKeyedMutex()
	qe, err := quote.NewEngine(quote.DefaultPolicy())
	if err != nil {
		t.Fatal(err)
	}
	exec := trade.NewExecutor(ms, locks, qe, trade.DefaultConfig(), nil)
	proc := settlement.NewProcessor(ms, locks, exec, qe, nil)
	svc := api.NewService(ms, exec, catalog.New(ms, locks), proc, portfolio.NewValuator(ms, qe))

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return ms, r
}

// seedMarket creates an open binary market directly in the store.
func seedMarket(t *testing.T, ms *store.MemoryStore, id string, b float64) *model.Market {
	t.Helper()
	m := &model.Market{
		ID:             id,
		Question:       "Will it rain in Austin on Aug 15?",
		Category:       "weather/precip",
		Status:         model.StatusOpen,
		ResolutionDate: time.Now().UTC().Add(30 * 24 * time.Hour),
		B:              d(b),
		Securities: []model.Security{
			{ID: id + "-yes", MarketID: id, Outcome: "YES", Quantity: decimal.Zero},
			{ID: id + "-no", MarketID: id, Outcome: "NO", Quantity: decimal.Zero},
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := ms.CreateMarket(context.Background(), m); err != nil {
		t.Fatalf("failed to seed market: %v", err)
	}
	return m
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func doTrade(t *testing.T, router chi.Router, req api.TradeRequest) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, router, http.MethodPost, "/api/v1/trades", req)
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (%s)", err, w.Body.String())
	}
	return v
}

// --- Market tests ---

func TestCreateMarket(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, http.MethodPost, "/api/v1/markets", map[string]any{
		"question":       "Will Austin record 25mm of rain on Aug 15?",
		"category":       "weather/precip",
		"resolutionDate": time.Now().UTC().Add(200 * 24 * time.Hour),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	view := decodeBody[quote.MarketView](t, w)
	if view.Status != model.StatusOpen {
		t.Errorf("status = %s, want open", view.Status)
	}
	if len(view.Securities) != 2 {
		t.Fatalf("expected YES/NO securities, got %d", len(view.Securities))
	}
	if !view.LiquidityParameter.Equal(catalog.DefaultLiquidity) {
		t.Errorf("b = %s, want %s", view.LiquidityParameter, catalog.DefaultLiquidity)
	}
	if len(view.SettlementDates) != 2 {
		t.Errorf("expected midpoint and final checkpoints, got %d", len(view.SettlementDates))
	}
	for _, q := range view.Securities {
		if math.Abs(q.ImpliedProbability-0.5) > 1e-12 {
			t.Errorf("%s: p = %v, want 0.5", q.Outcome, q.ImpliedProbability)
		}
	}
}

func TestCreateMarket_Invalid(t *testing.T) {
	_, router := newTestEnv(t)

	tests := []struct {
		name string
		body any
	}{
		{"malformed json", `{"question":`},
		{"missing question", map[string]any{"category": "weather", "resolutionDate": time.Now().Add(time.Hour)}},
		{"bad category", map[string]any{"question": "q?", "category": "Weather Stuff", "resolutionDate": time.Now().Add(time.Hour)}},
		{"single outcome", map[string]any{"question": "q?", "category": "weather", "outcomes": []string{"ONLY"}, "resolutionDate": time.Now().Add(time.Hour)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, http.MethodPost, "/api/v1/markets", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestGetMarket_NotFound(t *testing.T) {
	_, router := newTestEnv(t)
	w := do(t, router, http.MethodGet, "/api/v1/markets/nonexistent", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestListMarkets_FiltersByStatus(t *testing.T) {
	ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1", 100)
	seedMarket(t, ms, "m2", 100)
	if w := do(t, router, http.MethodPost, "/api/v1/markets/m2/status", api.StatusRequest{Status: "suspended"}); w.Code != http.StatusOK {
		t.Fatalf("suspend: %d %s", w.Code, w.Body.String())
	}

	w := do(t, router, http.MethodGet, "/api/v1/markets?status=open", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	views := decodeBody[[]quote.MarketView](t, w)
	if len(views) != 1 || views[0].MarketID != "m1" {
		t.Errorf("unexpected open markets: %+v", views)
	}

	if w := do(t, router, http.MethodGet, "/api/v1/markets?status=bogus", nil); w.Code != http.StatusBadRequest {
		t.Errorf("unknown status: expected 400, got %d", w.Code)
	}
}

func TestUpdateMarket_LiquidityLockedAfterTrade(t *testing.T) {
	ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1", 100)

	if w := do(t, router, http.MethodPatch, "/api/v1/markets/m1", map[string]any{"liquidityParameter": "250"}); w.Code != http.StatusOK {
		t.Fatalf("update before trading: %d %s", w.Code, w.Body.String())
	}
	if w := doTrade(t, router, api.TradeRequest{UserID: "u1", MarketID: "m1", SecurityID: "m1-yes", StakeCents: 1000}); w.Code != http.StatusOK {
		t.Fatalf("trade: %d %s", w.Code, w.Body.String())
	}
	w := do(t, router, http.MethodPatch, "/api/v1/markets/m1", map[string]any{"liquidityParameter": "300"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSetStatus(t *testing.T) {
	ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1", 100)

	tests := []struct {
		status string
		want   int
	}{
		{"suspended", http.StatusOK},
		{"open", http.StatusOK},
		{"draft", http.StatusConflict},
		{"nonsense", http.StatusBadRequest},
		{"closed", http.StatusOK},
		{"open", http.StatusConflict},
	}
	for _, tt := range tests {
		w := do(t, router, http.MethodPost, "/api/v1/markets/m1/status", api.StatusRequest{Status: tt.status})
		if w.Code != tt.want {
			t.Errorf("-> %s: expected %d, got %d: %s", tt.status, tt.want, w.Code, w.Body.String())
		}
	}
}

func TestGetQuote(t *testing.T) {
	ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1", 100)
	doTrade(t, router, api.TradeRequest{UserID: "u1", MarketID: "m1", SecurityID: "m1-yes", StakeCents: 2500})

	w := do(t, router, http.MethodGet, "/api/v1/markets/m1/quote", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decodeBody[api.QuoteResponse](t, w)
	if resp.Sequence != 1 {
		t.Errorf("sequence = %d, want 1", resp.Sequence)
	}
	if math.Abs(resp.ProbabilitySum-1) > 1e-9 {
		t.Errorf("Σp = %v", resp.ProbabilitySum)
	}
	yes, no := resp.Quotes[0], resp.Quotes[1]
	if yes.ImpliedProbability <= no.ImpliedProbability {
		t.Errorf("buying YES should raise its price: yes=%v no=%v", yes.ImpliedProbability, no.ImpliedProbability)
	}
	for _, q := range resp.Quotes {
		if !q.BuyUnitPriceCents.GreaterThan(q.SellUnitPriceCents) {
			t.Errorf("%s: ask %s should exceed bid %s", q.Outcome, q.BuyUnitPriceCents, q.SellUnitPriceCents)
		}
	}
}

// --- Trade tests ---

func TestPlaceTrade_BuyYes(t *testing.T) {
	ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1", 100)

	w := doTrade(t, router, api.TradeRequest{UserID: "user1", MarketID: "m1", SecurityID: "m1-yes", StakeCents: 1000})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	res := decodeBody[trade.Result](t, w)
	if !res.Quantity.IsPositive() {
		t.Errorf("quantity = %s, want > 0", res.Quantity)
	}
	if res.FeeCents != 10 {
		t.Errorf("fee = %d, want 10", res.FeeCents)
	}
	if res.CashCents != 1010 {
		t.Errorf("cash debited = %d, want 1010", res.CashCents)
	}
	// At p = 0.5 the average fill for a $10 stake must sit above 50 cents.
	if !res.FillPriceCents.GreaterThan(d(50)) {
		t.Errorf("fill = %s, want > 50", res.FillPriceCents)
	}
	if res.Sequence != 1 {
		t.Errorf("sequence = %d", res.Sequence)
	}
}

func TestPlaceTrade_Rejections(t *testing.T) {
	ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1", 100)
	seedMarket(t, ms, "m2", 100)
	do(t, router, http.MethodPost, "/api/v1/markets/m2/status", api.StatusRequest{Status: "closed"})

	tests := []struct {
		name string
		req  api.TradeRequest
		want int
	}{
		{"below minimum stake", api.TradeRequest{UserID: "u1", MarketID: "m1", SecurityID: "m1-yes", StakeCents: 49}, http.StatusBadRequest},
		{"zero stake", api.TradeRequest{UserID: "u1", MarketID: "m1", SecurityID: "m1-yes"}, http.StatusBadRequest},
		{"missing user", api.TradeRequest{MarketID: "m1", SecurityID: "m1-yes", StakeCents: 100}, http.StatusBadRequest},
		{"unknown market", api.TradeRequest{UserID: "u1", MarketID: "nope", SecurityID: "nope-yes", StakeCents: 100}, http.StatusNotFound},
		{"foreign security", api.TradeRequest{UserID: "u1", MarketID: "m1", SecurityID: "m2-yes", StakeCents: 100}, http.StatusNotFound},
		{"closed market", api.TradeRequest{UserID: "u1", MarketID: "m2", SecurityID: "m2-yes", StakeCents: 100}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doTrade(t, router, tt.req)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}

	m, _ := ms.GetMarket(context.Background(), "m1")
	if m.Sequence != 0 {
		t.Errorf("rejected trades must not advance the sequence, got %d", m.Sequence)
	}
}

func TestSellPosition(t *testing.T) {
	ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1", 100)

	buy := decodeBody[trade.Result](t, doTrade(t, router, api.TradeRequest{UserID: "u1", MarketID: "m1", SecurityID: "m1-yes", StakeCents: 1000}))

	w := do(t, router, http.MethodPost, "/api/v1/trades/sell", api.SellRequest{UserID: "u1", MarketID: "m1", SecurityID: "m1-yes", Quantity: buy.Quantity.Add(d(1))})
	if w.Code != http.StatusConflict {
		t.Errorf("oversell: expected 409, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, router, http.MethodPost, "/api/v1/trades/sell", api.SellRequest{UserID: "u1", MarketID: "m1", SecurityID: "m1-yes", Quantity: decimal.Zero})
	if w.Code != http.StatusBadRequest {
		t.Errorf("zero quantity: expected 400, got %d", w.Code)
	}

	w = do(t, router, http.MethodPost, "/api/v1/trades/sell", api.SellRequest{UserID: "u1", MarketID: "m1", SecurityID: "m1-yes", Quantity: buy.Quantity})
	if w.Code != http.StatusOK {
		t.Fatalf("sell: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	sell := decodeBody[trade.Result](t, w)
	if !sell.Holding.Quantity.IsZero() {
		t.Errorf("holding should be closed, got %s", sell.Holding.Quantity)
	}
	// Selling straight back recovers the stake through the cost function;
	// the round trip costs only the two fees.
	if gap := 1000 - sell.StakeCents; gap < -1 || gap > 1 {
		t.Errorf("gross proceeds = %d, want ~1000", sell.StakeCents)
	}
	if sell.CashCents != sell.StakeCents-sell.FeeCents {
		t.Errorf("cash credited = %d, want gross %d less fee %d", sell.CashCents, sell.StakeCents, sell.FeeCents)
	}
	if sell.RealizedPnL.Abs().GreaterThan(d(1)) {
		t.Errorf("realized = %s, want ~0", sell.RealizedPnL)
	}
	if sell.Sequence != 2 {
		t.Errorf("sequence = %d, want 2", sell.Sequence)
	}
}

func TestListTrades(t *testing.T) {
	ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1", 100)
	doTrade(t, router, api.TradeRequest{UserID: "u1", MarketID: "m1", SecurityID: "m1-yes", StakeCents: 500})
	doTrade(t, router, api.TradeRequest{UserID: "u2", MarketID: "m1", SecurityID: "m1-no", StakeCents: 500})
	doTrade(t, router, api.TradeRequest{UserID: "u1", MarketID: "m1", SecurityID: "m1-no", StakeCents: 500})

	if w := do(t, router, http.MethodGet, "/api/v1/trades", nil); w.Code != http.StatusBadRequest {
		t.Errorf("unfiltered: expected 400, got %d", w.Code)
	}

	trades := decodeBody[[]model.Trade](t, do(t, router, http.MethodGet, "/api/v1/trades?userId=u1", nil))
	if len(trades) != 2 {
		t.Fatalf("u1 trades = %d, want 2", len(trades))
	}
	if trades[0].Sequence != 1 || trades[1].Sequence != 3 {
		t.Errorf("unexpected order: %d, %d", trades[0].Sequence, trades[1].Sequence)
	}

	trades = decodeBody[[]model.Trade](t, do(t, router, http.MethodGet, "/api/v1/markets/m1/trades?limit=2", nil))
	if len(trades) != 2 {
		t.Errorf("limited market trades = %d, want 2", len(trades))
	}

	if w := do(t, router, http.MethodGet, "/api/v1/trades?userId=u1&limit=-1", nil); w.Code != http.StatusBadRequest {
		t.Errorf("negative limit: expected 400, got %d", w.Code)
	}
	if w := do(t, router, http.MethodGet, "/api/v1/markets/nope/trades", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown market: expected 404, got %d", w.Code)
	}
}

// --- Settlement tests ---

func TestResolveMarket(t *testing.T) {
	ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1", 100)
	buy := decodeBody[trade.Result](t, doTrade(t, router, api.TradeRequest{UserID: "u1", MarketID: "m1", SecurityID: "m1-yes", StakeCents: 1000}))
	doTrade(t, router, api.TradeRequest{UserID: "u2", MarketID: "m1", SecurityID: "m1-no", StakeCents: 1000})

	if w := do(t, router, http.MethodPost, "/api/v1/markets/m1/resolve", api.ResolveRequest{}); w.Code != http.StatusBadRequest {
		t.Errorf("missing winner: expected 400, got %d", w.Code)
	}
	if w := do(t, router, http.MethodPost, "/api/v1/markets/m1/resolve", api.ResolveRequest{WinningSecurityID: "bogus"}); w.Code != http.StatusNotFound {
		t.Errorf("unknown winner: expected 404, got %d", w.Code)
	}

	w := do(t, router, http.MethodPost, "/api/v1/markets/m1/resolve", api.ResolveRequest{WinningSecurityID: "m1-yes"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	res := decodeBody[settlement.Resolution](t, w)
	if res.Market.Status != model.StatusResolved || res.Market.WinningSecurityID != "m1-yes" {
		t.Errorf("unexpected market after resolve: %+v", res.Market)
	}
	if len(res.Trades) != 2 {
		t.Fatalf("settle trades = %d, want 2", len(res.Trades))
	}

	h, err := ms.GetHolding(context.Background(), "u1", "m1", "m1-yes")
	if err != nil {
		t.Fatal(err)
	}
	want := model.RoundCents(d(100).Sub(buy.FillPriceCents).Mul(buy.Quantity))
	if !h.RealizedPnL.Equal(want) {
		t.Errorf("u1 realized = %s, want %s", h.RealizedPnL, want)
	}

	if w := do(t, router, http.MethodPost, "/api/v1/markets/m1/resolve", api.ResolveRequest{WinningSecurityID: "m1-no"}); w.Code != http.StatusConflict {
		t.Errorf("re-resolve: expected 409, got %d", w.Code)
	}
	if w := doTrade(t, router, api.TradeRequest{UserID: "u3", MarketID: "m1", SecurityID: "m1-yes", StakeCents: 100}); w.Code != http.StatusConflict {
		t.Errorf("trade after resolve: expected 409, got %d", w.Code)
	}
}

func TestRedeemPosition_BeforeCheckpoint(t *testing.T) {
	ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1", 100)
	doTrade(t, router, api.TradeRequest{UserID: "u1", MarketID: "m1", SecurityID: "m1-yes", StakeCents: 1000})

	w := do(t, router, http.MethodPost, "/api/v1/trades/redeem", api.RedeemRequest{UserID: "u1", MarketID: "m1", SecurityID: "m1-yes"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Portfolio tests ---

func TestGetPortfolio(t *testing.T) {
	ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1", 100)
	doTrade(t, router, api.TradeRequest{UserID: "user1", MarketID: "m1", SecurityID: "m1-yes", StakeCents: 1000})

	w := do(t, router, http.MethodGet, "/api/v1/portfolio/user1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	s := decodeBody[portfolio.Summary](t, w)
	if s.OpenPositions != 1 || s.TotalTrades != 1 {
		t.Errorf("positions=%d trades=%d, want 1/1", s.OpenPositions, s.TotalTrades)
	}
	if !s.CostBasis.Equal(d(1000)) {
		t.Errorf("cost basis = %s, want 1000", s.CostBasis)
	}
	if s.UnrealisedPnL.Sub(s.MarketValue.Sub(s.CostBasis)).Abs().GreaterThan(d(0.01)) {
		t.Errorf("unrealised = %s, want value %s - basis %s", s.UnrealisedPnL, s.MarketValue, s.CostBasis)
	}
	if len(s.Holdings) != 1 || s.Holdings[0].Outcome != "YES" {
		t.Errorf("unexpected holdings: %+v", s.Holdings)
	}

	empty := decodeBody[portfolio.Summary](t, do(t, router, http.MethodGet, "/api/v1/portfolio/nobody", nil))
	if empty.OpenPositions != 0 || len(empty.Holdings) != 0 {
		t.Errorf("unknown user should have an empty portfolio: %+v", empty)
	}
}
