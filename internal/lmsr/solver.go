package lmsr

import (
	"fmt"
	"math"
)

// Solver finds the share quantity a cash stake buys. Newton's method is
// used so the same code serves n-outcome markets, where no closed form
// exists.
type Solver struct {
	// Tolerance is the maximum absolute residual, in cents.
	Tolerance float64

	// MaxIter caps the number of Newton steps.
	MaxIter int
}

// DefaultSolver returns a solver with a 1e-6 cent tolerance and 50 steps.
func DefaultSolver() Solver {
	return Solver{Tolerance: 1e-6, MaxIter: 50}
}

// Solution is the result of a stake solve.
type Solution struct {
	Delta      float64 // shares purchased
	Iterations int
	Residual   float64 // cost(Delta) - stake, cents
}

// SharesForStake solves TradeCost(q, i, delta) = stakeCents for delta > 0.
//
// The seed is stake / (p_i * 100), the share count at the current marginal
// price. Because the cost is convex in delta the seed always lies at or
// right of the root, and Newton steps approach it monotonically from above.
// A step that would cross zero is replaced by halving.
func (s Solver) SharesForStake(m *MarketMaker, q []float64, i int, stakeCents float64) (Solution, error) {
	if math.IsNaN(stakeCents) || stakeCents <= 0 {
		return Solution{}, fmt.Errorf("%w: stake must be positive", ErrInvalidParameter)
	}
	if s.MaxIter <= 0 || s.Tolerance <= 0 {
		return Solution{}, fmt.Errorf("%w: solver needs positive tolerance and iteration cap", ErrInvalidParameter)
	}

	p, err := m.Price(q, i)
	if err != nil {
		return Solution{}, err
	}
	if p <= 0 {
		return Solution{}, fmt.Errorf("%w: outcome %d has zero price", ErrNoConvergence, i)
	}

	delta := stakeCents / (p * SharePayout)
	var residual float64
	for iter := 1; iter <= s.MaxIter; iter++ {
		x := delta / m.bf
		residual = SharePayout*m.bf*logShift(p, x) - stakeCents
		if math.Abs(residual) < s.Tolerance {
			return Solution{Delta: delta, Iterations: iter, Residual: residual}, nil
		}

		slope := marginal(p, x)
		if slope <= 0 || math.IsNaN(slope) {
			break
		}
		next := delta - residual/slope
		if next <= 0 {
			next = delta / 2
		}
		delta = next
	}

	return Solution{Delta: delta, Iterations: s.MaxIter, Residual: residual},
		fmt.Errorf("%w: residual %.3g cents after %d iterations", ErrNoConvergence, residual, s.MaxIter)
}
