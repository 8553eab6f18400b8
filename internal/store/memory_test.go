package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/amm-engine/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seed(t *testing.T, s *MemoryStore) *model.Market {
	t.Helper()
	m := &model.Market{
		ID:       "m1",
		Question: "Will it rain?",
		Category: "weather",
		Status:   model.StatusOpen,
		B:        d("100"),
		Securities: []model.Security{
			{ID: "yes", MarketID: "m1", Outcome: "YES"},
			{ID: "no", MarketID: "m1", Outcome: "NO"},
		},
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := s.CreateMarket(context.Background(), m); err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	return m
}

func buyCommit(m *model.Market, seq int64, user string, qty string) Commit {
	secs := append([]model.Security(nil), m.Securities...)
	secs[0].Quantity = secs[0].Quantity.Add(d(qty))
	return Commit{
		MarketID:    m.ID,
		ExpectedSeq: seq - 1,
		Securities:  secs,
		Sequence:    seq,
		Trades: []model.Trade{{
			ID: "t" + string(rune('0'+seq)), UserID: user, MarketID: m.ID, SecurityID: "yes",
			Kind: model.KindBuy, Quantity: d(qty), Sequence: seq,
		}},
		Holdings: []model.Holding{{UserID: user, MarketID: m.ID, SecurityID: "yes", Quantity: d(qty)}},
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	s := NewMemoryStore()
	m := seed(t, s)

	if err := s.CreateMarket(context.Background(), m); !errors.Is(err, model.ErrInvalidMarket) {
		t.Errorf("duplicate create: expected ErrInvalidMarket, got %v", err)
	}

	got, err := s.GetMarket(context.Background(), "m1")
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	got.Securities[0].Quantity = d("999")
	again, _ := s.GetMarket(context.Background(), "m1")
	if !again.Securities[0].Quantity.IsZero() {
		t.Error("GetMarket should return a copy")
	}

	if _, err := s.GetMarket(context.Background(), "nope"); !model.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestMemoryStore_CommitAndStaleSequence(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	m := seed(t, s)

	if err := s.Commit(ctx, buyCommit(m, 1, "u1", "10")); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Same expected sequence again is stale.
	err := s.Commit(ctx, buyCommit(m, 1, "u2", "5"))
	if !errors.Is(err, ErrStaleSequence) {
		t.Fatalf("expected ErrStaleSequence, got %v", err)
	}

	got, _ := s.GetMarket(ctx, "m1")
	if got.Sequence != 1 || !got.Securities[0].Quantity.Equal(d("10")) {
		t.Errorf("stale commit leaked state: seq=%d q=%s", got.Sequence, got.Securities[0].Quantity)
	}
	trades, _ := s.ListTrades(ctx, TradeFilter{MarketID: "m1"})
	if len(trades) != 1 {
		t.Errorf("expected 1 trade, got %d", len(trades))
	}
	h, _ := s.GetHolding(ctx, "u2", "m1", "yes")
	if !h.Quantity.IsZero() {
		t.Errorf("u2 should hold nothing, has %s", h.Quantity)
	}
}

func TestMemoryStore_CommitRejectsBadStatus(t *testing.T) {
	s := NewMemoryStore()
	m := seed(t, s)
	if err := s.UpdateMarketStatus(context.Background(), m.ID, model.StatusOpen, model.StatusClosed); err != nil {
		t.Fatal(err)
	}

	c := buyCommit(m, 1, "u1", "1")
	c.Status = model.StatusOpen // closed markets never reopen
	if err := s.Commit(context.Background(), c); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestValidateCommit_Status(t *testing.T) {
	tests := []struct {
		name    string
		from    model.MarketStatus
		to      model.MarketStatus
		wantErr bool
	}{
		{"unchanged", model.StatusOpen, "", false},
		{"open to closed", model.StatusOpen, model.StatusClosed, false},
		{"open to resolved", model.StatusOpen, model.StatusResolved, false},
		{"suspended to resolved", model.StatusSuspended, model.StatusResolved, false},
		{"closed to resolved", model.StatusClosed, model.StatusResolved, false},
		{"draft to resolved", model.StatusDraft, model.StatusResolved, true},
		{"resolved to resolved again", model.StatusResolved, model.StatusResolved, false},
		{"closed to open", model.StatusClosed, model.StatusOpen, true},
		{"open to draft", model.StatusOpen, model.StatusDraft, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &model.Market{
				ID:         "m1",
				Status:     tt.from,
				Sequence:   3,
				Securities: []model.Security{{ID: "yes"}, {ID: "no"}},
			}
			c := Commit{
				MarketID:    "m1",
				ExpectedSeq: 3,
				Securities:  []model.Security{{ID: "yes"}, {ID: "no"}},
				Sequence:    3,
				Status:      tt.to,
			}
			err := ValidateCommit(m, c)
			if tt.wantErr && !errors.Is(err, model.ErrInvalidTransition) {
				t.Errorf("expected ErrInvalidTransition, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestMemoryStore_ListFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	m := seed(t, s)
	other := &model.Market{ID: "m2", Category: "sports", Status: model.StatusDraft, B: d("50"),
		CreatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	if err := s.CreateMarket(ctx, other); err != nil {
		t.Fatal(err)
	}

	all, _ := s.ListMarkets(ctx, MarketFilter{})
	if len(all) != 2 || all[0].ID != "m2" {
		t.Errorf("expected newest first, got %+v", all)
	}
	open, _ := s.ListMarkets(ctx, MarketFilter{Status: model.StatusOpen})
	if len(open) != 1 || open[0].ID != "m1" {
		t.Errorf("status filter wrong: %+v", open)
	}
	sports, _ := s.ListMarkets(ctx, MarketFilter{Category: "sports"})
	if len(sports) != 1 || sports[0].ID != "m2" {
		t.Errorf("category filter wrong: %+v", sports)
	}

	for seq, user := range []string{"u1", "u2", "u1"} {
		cur, _ := s.GetMarket(ctx, m.ID)
		if err := s.Commit(ctx, buyCommit(cur, int64(seq+1), user, "1")); err != nil {
			t.Fatalf("Commit %d: %v", seq+1, err)
		}
	}
	u1, _ := s.ListTrades(ctx, TradeFilter{UserID: "u1"})
	if len(u1) != 2 || u1[0].Sequence != 1 || u1[1].Sequence != 3 {
		t.Errorf("user filter wrong: %+v", u1)
	}
	limited, _ := s.ListTrades(ctx, TradeFilter{MarketID: "m1", Limit: 2})
	if len(limited) != 2 {
		t.Errorf("limit ignored: %d", len(limited))
	}

	holders, _ := s.ListHoldingsByMarket(ctx, "m1")
	if len(holders) != 2 {
		t.Errorf("expected 2 holders, got %d", len(holders))
	}
}

func TestMemoryStore_UpdateMarketInfo(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	m := seed(t, s)

	upd := m.Clone()
	upd.Question = "Will it pour?"
	upd.B = d("200")
	if err := s.UpdateMarketInfo(ctx, upd); err != nil {
		t.Fatalf("UpdateMarketInfo before trading: %v", err)
	}

	if err := s.Commit(ctx, buyCommit(m, 1, "u1", "1")); err != nil {
		t.Fatal(err)
	}
	upd.B = d("300")
	if err := s.UpdateMarketInfo(ctx, upd); !errors.Is(err, model.ErrLiquidityLocked) {
		t.Errorf("expected ErrLiquidityLocked, got %v", err)
	}

	got, _ := s.GetMarket(ctx, "m1")
	if got.Question != "Will it pour?" || !got.B.Equal(d("200")) {
		t.Errorf("unexpected market: %q b=%s", got.Question, got.B)
	}
}

func TestMemoryStore_UpdateMarketStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seed(t, s)

	if err := s.UpdateMarketStatus(ctx, "m1", model.StatusOpen, model.StatusSuspended); err != nil {
		t.Fatalf("open -> suspended: %v", err)
	}
	if err := s.UpdateMarketStatus(ctx, "m1", model.StatusOpen, model.StatusClosed); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("stale from-status: expected ErrInvalidTransition, got %v", err)
	}
	if err := s.UpdateMarketStatus(ctx, "m1", model.StatusSuspended, model.StatusResolved); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("suspended -> resolved: expected ErrInvalidTransition, got %v", err)
	}
}

func TestTradesCacheKey(t *testing.T) {
	tests := []struct {
		f    TradeFilter
		want string
	}{
		{TradeFilter{UserID: "u1"}, "amm:trades:user:u1"},
		{TradeFilter{MarketID: "m1"}, "amm:trades:market:m1"},
		{TradeFilter{UserID: "u1", MarketID: "m1"}, ""},
		{TradeFilter{UserID: "u1", Limit: 5}, ""},
		{TradeFilter{}, ""},
	}
	for _, tt := range tests {
		if got := tradesCacheKey(tt.f); got != tt.want {
			t.Errorf("tradesCacheKey(%+v) = %q, want %q", tt.f, got, tt.want)
		}
	}
}
