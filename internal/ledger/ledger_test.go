package ledger

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/amm-engine/internal/lock"
	"github.com/atmx/amm-engine/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var t0 = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func TestBuy_WeightedAverage(t *testing.T) {
	h := model.Holding{UserID: "u1", SecurityID: "yes"}

	steps := []struct {
		qty, fill string
		wantQty   string
		wantAvg   string
	}{
		{"10", "40", "10", "40"},
		{"30", "60", "40", "55"},
		{"20", "70", "60", "60"},
	}
	for _, s := range steps {
		var err error
		h, err = Buy(h, d(s.qty), d(s.fill), t0)
		if err != nil {
			t.Fatalf("Buy(%s @ %s): %v", s.qty, s.fill, err)
		}
		if !h.Quantity.Equal(d(s.wantQty)) {
			t.Errorf("qty = %s, want %s", h.Quantity, s.wantQty)
		}
		if !h.AvgPriceCents.Equal(d(s.wantAvg)) {
			t.Errorf("avg = %s, want %s", h.AvgPriceCents, s.wantAvg)
		}
	}
}

func TestBuy_AverageMatchesStakeWeightedMean(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	h := model.Holding{}
	totalCost := decimal.Zero
	totalQty := decimal.Zero

	for i := 0; i < 25; i++ {
		qty := decimal.NewFromFloat(1 + rng.Float64()*50).Round(8)
		fill := decimal.NewFromFloat(1 + rng.Float64()*98).Round(4)

		var err error
		h, err = Buy(h, qty, fill, t0)
		if err != nil {
			t.Fatalf("Buy: %v", err)
		}
		totalCost = totalCost.Add(qty.Mul(fill))
		totalQty = totalQty.Add(qty)
	}

	want := totalCost.Div(totalQty)
	if diff := h.AvgPriceCents.Sub(want).Abs(); diff.GreaterThan(d("0.001")) {
		t.Errorf("avg = %s, stake-weighted mean = %s (diff %s)", h.AvgPriceCents, want, diff)
	}
	if !h.Quantity.Equal(totalQty) {
		t.Errorf("qty = %s, want %s", h.Quantity, totalQty)
	}
}

func TestBuy_RejectsNonPositive(t *testing.T) {
	for _, q := range []string{"0", "-1"} {
		if _, err := Buy(model.Holding{}, d(q), d("50"), t0); !errors.Is(err, ErrInvalidQuantity) {
			t.Errorf("Buy(%s): expected ErrInvalidQuantity, got %v", q, err)
		}
	}
}

func TestSell_PartialKeepsAverage(t *testing.T) {
	h := model.Holding{Quantity: d("100"), AvgPriceCents: d("40")}

	got, realized, err := Sell(h, d("30"), d("55"), t0)
	if err != nil {
		t.Fatalf("Sell: %v", err)
	}
	if !realized.Equal(d("450")) {
		t.Errorf("realized = %s, want 450", realized)
	}
	if !got.AvgPriceCents.Equal(d("40")) {
		t.Errorf("avg after partial sell = %s, want 40", got.AvgPriceCents)
	}
	if !got.Quantity.Equal(d("70")) {
		t.Errorf("qty = %s, want 70", got.Quantity)
	}
	if !got.RealizedPnL.Equal(d("450")) {
		t.Errorf("holding realized = %s, want 450", got.RealizedPnL)
	}
}

func TestSell_Insufficient(t *testing.T) {
	h := model.Holding{Quantity: d("10"), AvgPriceCents: d("45"), RealizedPnL: d("12")}

	got, realized, err := Sell(h, d("15"), d("60"), t0)
	if !errors.Is(err, ErrInsufficientPosition) {
		t.Fatalf("expected ErrInsufficientPosition, got %v", err)
	}
	if !realized.IsZero() {
		t.Errorf("realized should be zero on failure, got %s", realized)
	}
	if !got.Quantity.Equal(d("10")) || !got.AvgPriceCents.Equal(d("45")) || !got.RealizedPnL.Equal(d("12")) {
		t.Errorf("holding changed on failure: %+v", got)
	}
}

func TestSell_CloseResetsAverage(t *testing.T) {
	h := model.Holding{Quantity: d("100"), AvgPriceCents: d("40")}

	got, realized, err := Sell(h, d("100"), d("100"), t0)
	if err != nil {
		t.Fatalf("Sell: %v", err)
	}
	// 100 YES at 40¢ paid out at 100¢ realizes $60.00.
	if !realized.Equal(d("6000")) {
		t.Errorf("realized = %s, want 6000", realized)
	}
	if !got.Quantity.IsZero() || !got.AvgPriceCents.IsZero() {
		t.Errorf("closed holding should be zeroed: %+v", got)
	}
	if got.IsOpen() {
		t.Error("closed holding should not be open")
	}
}

func TestSell_RealizedRoundsHalfEven(t *testing.T) {
	h := model.Holding{Quantity: d("1"), AvgPriceCents: d("10")}
	_, realized, err := Sell(h, d("0.5"), d("15"), t0)
	if err != nil {
		t.Fatalf("Sell: %v", err)
	}
	// (15-10)*0.5 = 2.5 -> 2
	if !realized.Equal(d("2")) {
		t.Errorf("realized = %s, want 2", realized)
	}
}

func TestCostBasis(t *testing.T) {
	h := model.Holding{Quantity: d("12.5"), AvgPriceCents: d("40")}
	if got := CostBasis(h); !got.Equal(d("500")) {
		t.Errorf("CostBasis = %s, want 500", got)
	}
}

func TestLedger_LockSerializesPerHolding(t *testing.T) {
	l := New(lock.NewKeyedMutex())
	ctx := context.Background()

	h := model.Holding{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Lock(ctx, "u1", "yes")
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			defer release()
			next, err := Buy(h, d("1"), d("50"), t0)
			if err != nil {
				t.Errorf("Buy: %v", err)
				return
			}
			h = next
		}()
	}
	wg.Wait()

	if !h.Quantity.Equal(d("50")) {
		t.Errorf("qty = %s, want 50 (lost update)", h.Quantity)
	}
}
