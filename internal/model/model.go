// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Scales used when values cross into the ledger. Prices are cents per share,
// cash amounts are whole cents. Rounding is always half-even.
const (
	QuantityScale int32 = 8
	PriceScale    int32 = 4
	CashScale     int32 = 0
)

// Checkpoint is a settlement date. Holders may redeem at the current sell
// price on or after any checkpoint that is not Final; the Final checkpoint is
// the resolution itself.
type Checkpoint struct {
	Label string    `json:"label"`
	Date  time.Time `json:"date"`
	Final bool      `json:"final"`
}

// Security is one outcome of a market. Quantity is the LMSR outstanding
// quantity q_i.
type Security struct {
	ID          string          `json:"id" db:"id"`
	MarketID    string          `json:"marketId" db:"market_id"`
	Outcome     string          `json:"outcome" db:"outcome"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	VolumeCents int64           `json:"volumeCents" db:"volume_cents"`
	CreatedAt   time.Time       `json:"createdAt" db:"created_at"`
}

// Market is a prediction market with two or more mutually exclusive outcomes.
// B is fixed once Sequence > 0.
type Market struct {
	ID                string          `json:"id" db:"id"`
	Question          string          `json:"question" db:"question"`
	Category          string          `json:"category" db:"category"`
	Description       string          `json:"description,omitempty" db:"description"`
	Tags              []string        `json:"tags" db:"tags"`
	Status            MarketStatus    `json:"status" db:"status"`
	ResolutionDate    time.Time       `json:"resolutionDate" db:"resolution_date"`
	Checkpoints       []Checkpoint    `json:"settlementDates" db:"checkpoints"`
	B                 decimal.Decimal `json:"liquidityParameter" db:"b"`
	Securities        []Security      `json:"securities"`
	TotalVolumeCents  int64           `json:"totalVolume" db:"total_volume_cents"`
	Sequence          int64           `json:"sequence" db:"sequence"`
	WinningSecurityID string          `json:"winningSecurityId,omitempty" db:"winning_security_id"`
	CreatedAt         time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time       `json:"updatedAt" db:"updated_at"`
}

// SecurityIndex returns the position of securityID in m.Securities, or -1.
func (m *Market) SecurityIndex(securityID string) int {
	for i, s := range m.Securities {
		if s.ID == securityID {
			return i
		}
	}
	return -1
}

// Quantities returns the outstanding quantity vector in security order.
func (m *Market) Quantities() []float64 {
	q := make([]float64, len(m.Securities))
	for i, s := range m.Securities {
		q[i] = s.Quantity.InexactFloat64()
	}
	return q
}

// OpenInterest is the net number of shares outstanding across all outcomes.
func (m *Market) OpenInterest() decimal.Decimal {
	total := decimal.Zero
	for _, s := range m.Securities {
		total = total.Add(s.Quantity)
	}
	return total
}

// Clone returns a deep copy so callers can propose changes without touching
// shared state.
func (m *Market) Clone() *Market {
	c := *m
	c.Tags = append([]string(nil), m.Tags...)
	c.Checkpoints = append([]Checkpoint(nil), m.Checkpoints...)
	c.Securities = append([]Security(nil), m.Securities...)
	return &c
}

// TradeKind distinguishes how a trade record came about.
type TradeKind string

const (
	KindBuy    TradeKind = "buy"
	KindSell   TradeKind = "sell"
	KindSettle TradeKind = "settle"
)

// Trade is an immutable record of an execution against the market maker or
// a settlement payout. Once created, trades are never modified or deleted.
type Trade struct {
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"userId" db:"user_id"`
	MarketID       string          `json:"marketId" db:"market_id"`
	SecurityID     string          `json:"securityId" db:"security_id"`
	Kind           TradeKind       `json:"kind" db:"kind"`
	Quantity       decimal.Decimal `json:"quantity" db:"quantity"`             // signed: +buy, -sell/settle
	FillPriceCents decimal.Decimal `json:"fillPriceCents" db:"fill_price"`     // cents per share
	StakeCents     int64           `json:"stakeCents" db:"stake_cents"`        // gross cash through the cost function
	FeeCents       int64           `json:"feeCents" db:"fee_cents"`            // spread revenue
	RealizedPnL    decimal.Decimal `json:"realizedPnlCents" db:"realized_pnl"` // sells and settles only
	Sequence       int64           `json:"sequence" db:"sequence"`
	Timestamp      time.Time       `json:"timestamp" db:"timestamp"`
}

// Holding is a user's position in one security, under average-cost
// accounting. Quantity is never negative.
type Holding struct {
	UserID        string          `json:"userId" db:"user_id"`
	MarketID      string          `json:"marketId" db:"market_id"`
	SecurityID    string          `json:"securityId" db:"security_id"`
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	AvgPriceCents decimal.Decimal `json:"avgPriceCents" db:"avg_price"`
	RealizedPnL   decimal.Decimal `json:"realizedPnlCents" db:"realized_pnl"`
	UpdatedAt     time.Time       `json:"updatedAt" db:"updated_at"`
}

// IsOpen reports whether the holding still has shares.
func (h Holding) IsOpen() bool {
	return h.Quantity.IsPositive()
}

// RoundCents rounds a cash amount to whole cents, half-even.
func RoundCents(v decimal.Decimal) decimal.Decimal {
	return v.RoundBank(CashScale)
}

// RoundPrice rounds a per-share price to PriceScale places, half-even.
func RoundPrice(v decimal.Decimal) decimal.Decimal {
	return v.RoundBank(PriceScale)
}

// RoundQuantity rounds a share quantity to QuantityScale places, half-even.
func RoundQuantity(v decimal.Decimal) decimal.Decimal {
	return v.RoundBank(QuantityScale)
}
