// Package quote turns LMSR marginal prices into the buy and sell prices a
// trader sees. Quotes are derived on every call from the market's current
// quantities; nothing here is stored or cached.
package quote

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/amm-engine/internal/lmsr"
	"github.com/atmx/amm-engine/internal/model"
)

// ErrInvalidPolicy is returned by NewEngine for a malformed fee or clamp.
var ErrInvalidPolicy = errors.New("quote: invalid pricing policy")

// Policy is the spread configuration applied on top of the marginal price.
type Policy struct {
	Fee     float64 // fraction of the marginal price, e.g. 0.01
	Floor   float64 // lowest quotable price, cents
	Ceiling float64 // highest quotable price, cents
}

// DefaultPolicy charges a 1% spread and clamps quotes to [0.01, 99.99].
func DefaultPolicy() Policy {
	return Policy{Fee: 0.01, Floor: 0.01, Ceiling: 99.99}
}

// Quote is the externally visible price of one security.
type Quote struct {
	SecurityID         string          `json:"securityId"`
	Outcome            string          `json:"outcome"`
	Quantity           decimal.Decimal `json:"quantity"`
	BuyUnitPriceCents  decimal.Decimal `json:"buyUnitPriceCents"`
	SellUnitPriceCents decimal.Decimal `json:"sellUnitPriceCents"`
	ImpliedProbability float64         `json:"impliedProbability"`
	LastCalculatedAt   time.Time       `json:"lastCalculatedAt"`
}

// MarketView is a market together with freshly computed quotes.
type MarketView struct {
	MarketID           string             `json:"marketId"`
	Question           string             `json:"question"`
	Category           string             `json:"category"`
	Status             model.MarketStatus `json:"status"`
	LiquidityParameter decimal.Decimal    `json:"liquidityParameter"`
	OpenInterest       decimal.Decimal    `json:"openInterest"`
	TotalVolume        int64              `json:"totalVolume"`
	ResolutionDate     time.Time          `json:"resolutionDate"`
	SettlementDates    []model.Checkpoint `json:"settlementDates"`
	Sequence           int64              `json:"sequence"`
	Securities         []Quote            `json:"securities"`
}

// Engine computes quotes under a fixed Policy.
type Engine struct {
	policy Policy
	now    func() time.Time
}

// NewEngine validates the policy and returns an Engine.
func NewEngine(p Policy) (*Engine, error) {
	switch {
	case p.Fee < 0 || p.Fee >= 1 || math.IsNaN(p.Fee):
		return nil, fmt.Errorf("%w: fee %v must be in [0, 1)", ErrInvalidPolicy, p.Fee)
	case p.Floor <= 0 || p.Ceiling >= lmsr.SharePayout || p.Floor >= p.Ceiling:
		return nil, fmt.Errorf("%w: clamp [%v, %v] must lie strictly inside (0, 100)", ErrInvalidPolicy, p.Floor, p.Ceiling)
	}
	return &Engine{policy: p, now: time.Now}, nil
}

// Policy returns the engine's spread configuration.
func (e *Engine) Policy() Policy {
	return e.policy
}

// BuyPrice is the per-share ask for marginal price p, in cents.
func (e *Engine) BuyPrice(p float64) decimal.Decimal {
	return e.clamp(p * lmsr.SharePayout * (1 + e.policy.Fee))
}

// SellPrice is the per-share bid for marginal price p, in cents.
func (e *Engine) SellPrice(p float64) decimal.Decimal {
	return e.clamp(p * lmsr.SharePayout * (1 - e.policy.Fee))
}

// FeeCents returns the fee on a cash amount, rounded half-even to a cent.
// A positive fee rate charges at least one cent on any positive amount,
// never more than the amount itself.
func (e *Engine) FeeCents(amountCents decimal.Decimal) int64 {
	fee := model.RoundCents(amountCents.Mul(decimal.NewFromFloat(e.policy.Fee))).IntPart()
	if e.policy.Fee > 0 && fee < 1 {
		fee = min(1, model.RoundCents(amountCents).IntPart())
	}
	return max(fee, 0)
}

func (e *Engine) clamp(cents float64) decimal.Decimal {
	cents = math.Max(e.policy.Floor, math.Min(e.policy.Ceiling, cents))
	return model.RoundPrice(decimal.NewFromFloat(cents))
}

// Quotes prices every security of m.
func (e *Engine) Quotes(m *model.Market) ([]Quote, error) {
	mm, err := lmsr.NewMarketMaker(m.B)
	if err != nil {
		return nil, err
	}
	prices, err := mm.Prices(m.Quantities())
	if err != nil {
		return nil, fmt.Errorf("quote market %s: %w", m.ID, err)
	}

	now := e.now().UTC()
	quotes := make([]Quote, len(m.Securities))
	for i, sec := range m.Securities {
		quotes[i] = Quote{
			SecurityID:         sec.ID,
			Outcome:            sec.Outcome,
			Quantity:           sec.Quantity,
			BuyUnitPriceCents:  e.BuyPrice(prices[i]),
			SellUnitPriceCents: e.SellPrice(prices[i]),
			ImpliedProbability: prices[i],
			LastCalculatedAt:   now,
		}
	}
	return quotes, nil
}

// SellPriceFor returns the current bid for one security of m.
func (e *Engine) SellPriceFor(m *model.Market, securityID string) (decimal.Decimal, error) {
	idx := m.SecurityIndex(securityID)
	if idx < 0 {
		return decimal.Zero, fmt.Errorf("%w: %s in market %s", model.ErrSecurityNotFound, securityID, m.ID)
	}
	mm, err := lmsr.NewMarketMaker(m.B)
	if err != nil {
		return decimal.Zero, err
	}
	p, err := mm.Price(m.Quantities(), idx)
	if err != nil {
		return decimal.Zero, err
	}
	return e.SellPrice(p), nil
}

// View prices m and wraps the quotes with market-level aggregates.
func (e *Engine) View(m *model.Market) (*MarketView, error) {
	quotes, err := e.Quotes(m)
	if err != nil {
		return nil, err
	}
	return &MarketView{
		MarketID:           m.ID,
		Question:           m.Question,
		Category:           m.Category,
		Status:             m.Status,
		LiquidityParameter: m.B,
		OpenInterest:       m.OpenInterest(),
		TotalVolume:        m.TotalVolumeCents,
		ResolutionDate:     m.ResolutionDate,
		SettlementDates:    m.Checkpoints,
		Sequence:           m.Sequence,
		Securities:         quotes,
	}, nil
}

// ProbabilitySum returns Σ impliedProbability over qs.
func ProbabilitySum(qs []Quote) float64 {
	var sum float64
	for _, q := range qs {
		sum += q.ImpliedProbability
	}
	return sum
}
