// Package risk implements per-user exposure limits that account for
// correlation between markets in related categories.
//
// A user buying YES on every market under "elections/us" has correlated
// risk even though each market is capped on its own. Categories are
// slash-separated paths; markets whose categories share the first
// GroupDepth segments are treated as one correlated group.
package risk

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrMarketLimitExceeded is returned when a trade would push a user's
	// cost basis in a single market beyond the per-market maximum.
	ErrMarketLimitExceeded = errors.New("risk: per-market exposure limit exceeded")

	// ErrCategoryLimitExceeded is returned when a trade would push the
	// aggregate cost basis across a correlated category group beyond the
	// group maximum.
	ErrCategoryLimitExceeded = errors.New("risk: category exposure limit exceeded")
)

// Exposure is a user's cost basis in one market, in cents.
type Exposure struct {
	MarketID  string
	Category  string
	CostBasis decimal.Decimal
}

// Limiter enforces exposure limits. A zero maximum disables that check.
type Limiter struct {
	// MaxPerMarket is the maximum cost basis in any single market, cents.
	MaxPerMarket decimal.Decimal

	// MaxPerGroup is the maximum aggregate cost basis across all markets
	// in the same correlated category group, cents.
	MaxPerGroup decimal.Decimal

	// GroupDepth is how many leading category segments must match for two
	// markets to be correlated. "sports/nba/finals" at depth 2 groups with
	// everything under "sports/nba".
	GroupDepth int
}

// NewLimiter creates a limiter with the given caps.
func NewLimiter(maxPerMarket, maxPerGroup decimal.Decimal, groupDepth int) *Limiter {
	if groupDepth < 1 {
		groupDepth = 1
	}
	return &Limiter{
		MaxPerMarket: maxPerMarket,
		MaxPerGroup:  maxPerGroup,
		GroupDepth:   groupDepth,
	}
}

// Enabled reports whether any cap is configured.
func (l *Limiter) Enabled() bool {
	return l != nil && (l.MaxPerMarket.IsPositive() || l.MaxPerGroup.IsPositive())
}

// CheckLimit validates whether adding addedCost cents of cost basis in
// target respects the limits, given the user's existing exposures.
// Selling never increases exposure, so callers only check buys.
func (l *Limiter) CheckLimit(target Exposure, addedCost decimal.Decimal, existing []Exposure) error {
	if !l.Enabled() {
		return nil
	}

	// 1. Per-market limit.
	inMarket := addedCost
	for _, e := range existing {
		if e.MarketID == target.MarketID {
			inMarket = inMarket.Add(e.CostBasis)
		}
	}
	if l.MaxPerMarket.IsPositive() && inMarket.GreaterThan(l.MaxPerMarket) {
		return fmt.Errorf("%w: %s cents in market %s (max %s)", ErrMarketLimitExceeded, inMarket, target.MarketID, l.MaxPerMarket)
	}

	// 2. Correlated exposure: sum across markets sharing the group prefix.
	if !l.MaxPerGroup.IsPositive() {
		return nil
	}
	group := CategoryGroup(target.Category, l.GroupDepth)
	total := inMarket
	for _, e := range existing {
		if e.MarketID == target.MarketID {
			continue // already counted above
		}
		if CategoryGroup(e.Category, l.GroupDepth) == group {
			total = total.Add(e.CostBasis)
		}
	}
	if total.GreaterThan(l.MaxPerGroup) {
		return fmt.Errorf("%w: %s cents in group %q (max %s)", ErrCategoryLimitExceeded, total, group, l.MaxPerGroup)
	}
	return nil
}

// CategoryGroup returns the first depth segments of a slash-separated
// category, lower-cased.
func CategoryGroup(category string, depth int) string {
	parts := strings.Split(strings.ToLower(strings.Trim(category, "/")), "/")
	if depth < len(parts) {
		parts = parts[:depth]
	}
	return strings.Join(parts, "/")
}
