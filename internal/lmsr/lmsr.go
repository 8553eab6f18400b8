// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for binary and multi-outcome prediction markets.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(n))
//   - Continuous pricing with infinite liquidity
//   - Path-independent cost function
//
// The package is pure: outstanding quantities are passed in, nothing is
// stored. Transcendental math runs in float64 with the log-sum-exp trick;
// callers convert to decimal at the ledger boundary.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// SharePayout is the amount, in cents, that one winning share pays out.
const SharePayout = 100.0

var (
	// ErrInvalidParameter is returned for b <= 0, fewer than two outcomes,
	// an outcome index out of range, or non-finite quantities.
	ErrInvalidParameter = errors.New("lmsr: invalid parameter")

	// ErrNoConvergence is returned when the stake solver exhausts its
	// iteration cap without meeting the residual tolerance.
	ErrNoConvergence = errors.New("lmsr: stake solver did not converge")
)

// MarketMaker implements the LMSR cost function for n-outcome markets.
// It is stateless: market quantities are passed as arguments, not stored.
type MarketMaker struct {
	b  decimal.Decimal
	bf float64
}

// NewMarketMaker creates a new LMSR market maker with the given liquidity
// parameter b. Higher b means more liquidity and lower price impact per trade.
func NewMarketMaker(b decimal.Decimal) (*MarketMaker, error) {
	if b.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: liquidity b must be positive, got %s", ErrInvalidParameter, b)
	}
	return &MarketMaker{b: b, bf: b.InexactFloat64()}, nil
}

// B returns the liquidity parameter.
func (m *MarketMaker) B() decimal.Decimal {
	return m.b
}

// logSumExp computes ln(Σ exp(x_i)) using the log-sum-exp trick to prevent
// floating-point overflow. Without this trick, exp(x) overflows float64
// when x > ~709.
//
// Algorithm: LSE(x) = max(x) + ln(Σ exp(x_i - max(x)))
// Since (x_i - max(x)) <= 0, all exp arguments are in [0, 1].
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// validate checks the outcome vector and returns q/b.
func (m *MarketMaker) validate(q []float64) ([]float64, error) {
	if len(q) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 outcomes, got %d", ErrInvalidParameter, len(q))
	}
	scaled := make([]float64, len(q))
	for i, qi := range q {
		if math.IsNaN(qi) || math.IsInf(qi, 0) {
			return nil, fmt.Errorf("%w: quantity %d is not finite", ErrInvalidParameter, i)
		}
		scaled[i] = qi / m.bf
	}
	return scaled, nil
}

// Cost computes the LMSR cost function in share units:
//
//	C(q) = b * ln(Σ exp(q_i / b))
//
// Multiply by SharePayout for cents.
func (m *MarketMaker) Cost(q []float64) (float64, error) {
	scaled, err := m.validate(q)
	if err != nil {
		return 0, err
	}
	return m.bf * logSumExp(scaled), nil
}

// Prices computes the instantaneous price (implied probability) of every
// outcome:
//
//	p_i = exp(q_i / b) / Σ_j exp(q_j / b)
//
// This is the softmax function evaluated against the log-sum-exp, so no
// intermediate exponent exceeds 1. The result sums to 1 and each p_i is in
// (0, 1) up to float64 underflow.
func (m *MarketMaker) Prices(q []float64) ([]float64, error) {
	scaled, err := m.validate(q)
	if err != nil {
		return nil, err
	}
	lse := logSumExp(scaled)
	prices := make([]float64, len(scaled))
	for i, x := range scaled {
		prices[i] = math.Exp(x - lse)
	}
	return prices, nil
}

// Price returns the instantaneous price of outcome i.
func (m *MarketMaker) Price(q []float64, i int) (float64, error) {
	if i < 0 || i >= len(q) {
		return 0, fmt.Errorf("%w: outcome index %d out of range", ErrInvalidParameter, i)
	}
	prices, err := m.Prices(q)
	if err != nil {
		return 0, err
	}
	return prices[i], nil
}

// TradeCost returns the cost in cents of moving outcome i by delta shares:
//
//	cost = 100 * (C(q with q_i += delta) - C(q))
//
// Positive delta is a buy (positive cost); negative delta is a sell
// (negative cost, i.e. a payout to the trader). Computed through the
// equivalent form b * ln(1 - p_i + p_i*exp(delta/b)) which avoids the
// cancellation of subtracting two large costs.
func (m *MarketMaker) TradeCost(q []float64, i int, delta float64) (float64, error) {
	p, err := m.Price(q, i)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return 0, fmt.Errorf("%w: delta is not finite", ErrInvalidParameter)
	}
	return SharePayout * m.bf * logShift(p, delta/m.bf), nil
}

// logShift computes ln(1 - p + p*exp(x)) without overflow.
func logShift(p, x float64) float64 {
	if x <= 1 {
		return math.Log1p(p * math.Expm1(x))
	}
	return x + math.Log(p+(1-p)*math.Exp(-x))
}

// marginal returns 100 * p_i after moving outcome i by x*b shares, given the
// pre-trade price p. It is the derivative of TradeCost with respect to delta.
func marginal(p, x float64) float64 {
	return SharePayout * math.Exp(math.Log(p)+x-logShift(p, x))
}

// MaxLoss returns the maximum possible loss for the market maker in cents:
// 100 * b * ln(n) for an n-outcome market.
func (m *MarketMaker) MaxLoss(outcomes int) (float64, error) {
	if outcomes < 2 {
		return 0, fmt.Errorf("%w: need at least 2 outcomes, got %d", ErrInvalidParameter, outcomes)
	}
	return SharePayout * m.bf * math.Log(float64(outcomes)), nil
}
