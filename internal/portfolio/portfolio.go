// Package portfolio values a user's holdings at current market prices.
// Nothing is stored: every summary is computed from the ledger and the
// latest quotes.
package portfolio

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/amm-engine/internal/ledger"
	"github.com/atmx/amm-engine/internal/model"
	"github.com/atmx/amm-engine/internal/quote"
	"github.com/atmx/amm-engine/internal/store"
)

// EndDateLayout formats a holding's market resolution date.
const EndDateLayout = "Jan 02, 2006"

// displayScale is the number of decimal places cents are shown with.
const displayScale int32 = 2

var hundred = decimal.NewFromInt(100)

// Holding is one open position marked to the current sell price.
type Holding struct {
	MarketID       string          `json:"marketId"`
	SecurityID     string          `json:"securityId"`
	Question       string          `json:"question"`
	Outcome        string          `json:"outcome"`
	Status         string          `json:"status"`
	AvgPriceCents  decimal.Decimal `json:"avgPriceCents"`
	Quantity       decimal.Decimal `json:"quantity"`
	MarkPriceCents decimal.Decimal `json:"markPriceCents"`
	EndDate        string          `json:"endDate"`
	PnL            decimal.Decimal `json:"pnl"`
}

// Summary aggregates a user's open positions. Cents fields are rounded
// half-even to two places; roi is a percentage.
type Summary struct {
	UserID             string                     `json:"userId"`
	CostBasis          decimal.Decimal            `json:"costBasis"`
	MarketValue        decimal.Decimal            `json:"marketValue"`
	UnrealisedPnL      decimal.Decimal            `json:"unrealisedPnL"`
	ROI                decimal.Decimal            `json:"roi"`
	RealisedPnL        decimal.Decimal            `json:"realisedPnL"`
	OpenPositions      int                        `json:"openPositions"`
	TotalTrades        int                        `json:"totalTrades"`
	ExposureByCategory map[string]decimal.Decimal `json:"exposureByCategory"`
	Holdings           []Holding                  `json:"holdings"`
}

// Valuator computes portfolio summaries.
type Valuator struct {
	store  store.Store
	quotes *quote.Engine
}

// NewValuator creates a Valuator reading from st and pricing with quotes.
func NewValuator(st store.Store, quotes *quote.Engine) *Valuator {
	return &Valuator{store: st, quotes: quotes}
}

// Summary values every holding of userID. Closed holdings contribute only
// their realized P&L.
func (v *Valuator) Summary(ctx context.Context, userID string) (*Summary, error) {
	holdings, err := v.store.ListHoldingsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load holdings for %s: %w", userID, err)
	}
	trades, err := v.store.ListTrades(ctx, store.TradeFilter{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("load trades for %s: %w", userID, err)
	}

	markets := make(map[string]*model.Market)
	lines := make([]Line, 0, len(holdings))
	realised := decimal.Zero
	for _, h := range holdings {
		realised = realised.Add(h.RealizedPnL)
		if !h.IsOpen() {
			continue
		}
		m, ok := markets[h.MarketID]
		if !ok {
			m, err = v.store.GetMarket(ctx, h.MarketID)
			if err != nil {
				return nil, err
			}
			markets[h.MarketID] = m
		}
		mark, err := v.quotes.SellPriceFor(m, h.SecurityID)
		if err != nil {
			return nil, err
		}
		lines = append(lines, Line{Holding: h, Market: m, Mark: mark})
	}

	s := Summarize(lines)
	s.UserID = userID
	s.RealisedPnL = display(realised)
	s.TotalTrades = len(trades)
	return s, nil
}

// Line is one open holding with its market and mark price.
type Line struct {
	Holding model.Holding
	Market  *model.Market
	Mark    decimal.Decimal
}

// Summarize aggregates lines. Totals are accumulated unrounded and rounded
// once for display.
func Summarize(lines []Line) *Summary {
	s := &Summary{
		ExposureByCategory: make(map[string]decimal.Decimal),
		Holdings:           make([]Holding, 0, len(lines)),
	}
	costBasis := decimal.Zero
	marketValue := decimal.Zero
	for _, l := range lines {
		h := l.Holding
		basis := ledger.CostBasis(h)
		value := l.Mark.Mul(h.Quantity)
		costBasis = costBasis.Add(basis)
		marketValue = marketValue.Add(value)
		s.ExposureByCategory[l.Market.Category] = s.ExposureByCategory[l.Market.Category].Add(basis)

		outcome := ""
		if i := l.Market.SecurityIndex(h.SecurityID); i >= 0 {
			outcome = l.Market.Securities[i].Outcome
		}
		s.Holdings = append(s.Holdings, Holding{
			MarketID:       h.MarketID,
			SecurityID:     h.SecurityID,
			Question:       l.Market.Question,
			Outcome:        outcome,
			Status:         string(l.Market.Status),
			AvgPriceCents:  display(h.AvgPriceCents),
			Quantity:       h.Quantity,
			MarkPriceCents: display(l.Mark),
			EndDate:        l.Market.ResolutionDate.Format(EndDateLayout),
			PnL:            display(value.Sub(basis)),
		})
	}
	for k, v := range s.ExposureByCategory {
		s.ExposureByCategory[k] = display(v)
	}

	unrealised := marketValue.Sub(costBasis)
	roi := decimal.Zero
	if costBasis.IsPositive() {
		roi = unrealised.Div(costBasis).Mul(hundred)
	}
	s.CostBasis = display(costBasis)
	s.MarketValue = display(marketValue)
	s.UnrealisedPnL = display(unrealised)
	s.ROI = display(roi)
	s.OpenPositions = len(lines)
	s.RealisedPnL = decimal.Zero
	return s
}

func display(v decimal.Decimal) decimal.Decimal {
	return v.RoundBank(displayScale)
}
