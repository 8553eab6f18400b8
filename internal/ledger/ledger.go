// Package ledger implements average-cost position accounting per
// (user, security). Buy and Sell are pure functions on a Holding; Ledger
// adds the per-key serialization that makes read-modify-write safe.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/amm-engine/internal/lock"
	"github.com/atmx/amm-engine/internal/model"
)

var (
	// ErrInsufficientPosition is returned when a sell exceeds the holding.
	ErrInsufficientPosition = errors.New("ledger: insufficient position")

	// ErrInvalidQuantity is returned for a non-positive trade quantity.
	ErrInvalidQuantity = errors.New("ledger: quantity must be positive")
)

// Buy adds qty shares bought at fill cents/share and returns the new holding.
//
//	avg' = (avg*held + fill*qty) / (held + qty)
func Buy(h model.Holding, qty, fill decimal.Decimal, at time.Time) (model.Holding, error) {
	if !qty.IsPositive() {
		return h, fmt.Errorf("%w: %s", ErrInvalidQuantity, qty)
	}

	held := h.Quantity
	total := held.Add(qty)
	cost := h.AvgPriceCents.Mul(held).Add(fill.Mul(qty))

	h.AvgPriceCents = model.RoundPrice(cost.Div(total))
	h.Quantity = model.RoundQuantity(total)
	h.UpdatedAt = at
	return h, nil
}

// Sell removes qty shares sold at fill cents/share. It returns the new
// holding and the realized P&L of the sold slice, (fill - avg) * qty, in
// whole cents. The average cost of the remainder is unchanged and resets to
// zero when the position is closed. On error h is returned untouched.
func Sell(h model.Holding, qty, fill decimal.Decimal, at time.Time) (model.Holding, decimal.Decimal, error) {
	if !qty.IsPositive() {
		return h, decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidQuantity, qty)
	}
	if qty.GreaterThan(h.Quantity) {
		return h, decimal.Zero, fmt.Errorf("%w: selling %s of %s held", ErrInsufficientPosition, qty, h.Quantity)
	}

	realized := model.RoundCents(fill.Sub(h.AvgPriceCents).Mul(qty))

	h.Quantity = model.RoundQuantity(h.Quantity.Sub(qty))
	h.RealizedPnL = h.RealizedPnL.Add(realized)
	if h.Quantity.IsZero() {
		h.AvgPriceCents = decimal.Zero
	}
	h.UpdatedAt = at
	return h, realized, nil
}

// CostBasis is avg * qty in cents.
func CostBasis(h model.Holding) decimal.Decimal {
	return h.AvgPriceCents.Mul(h.Quantity)
}

// Ledger serializes holding updates per (user, security). Callers that also
// hold a market lock must take it before calling Lock.
type Ledger struct {
	locks lock.Locker
}

// New creates a Ledger using l for per-holding locks.
func New(l lock.Locker) *Ledger {
	return &Ledger{locks: l}
}

// Lock acquires the holding lock for (userID, securityID). The returned
// func releases it.
func (l *Ledger) Lock(ctx context.Context, userID, securityID string) (func(), error) {
	release, err := l.locks.Acquire(ctx, HoldingKey(userID, securityID))
	if err != nil {
		return nil, fmt.Errorf("ledger: lock holding %s/%s: %w", userID, securityID, err)
	}
	return release, nil
}

// HoldingKey is the lock key for one holding.
func HoldingKey(userID, securityID string) string {
	return "holding:" + userID + ":" + securityID
}
