package model

import "errors"

// Market errors
var (
	// ErrMarketNotFound is returned when no market matches the given id.
	ErrMarketNotFound = errors.New("market not found")

	// ErrSecurityNotFound is returned when a security id does not belong to
	// the market it was addressed through.
	ErrSecurityNotFound = errors.New("security not found")

	// ErrMarketNotTradable is returned when a trade is attempted on a market
	// that is not open.
	ErrMarketNotTradable = errors.New("market is not open for trading")

	// ErrInvalidTransition is returned for a disallowed status change.
	ErrInvalidTransition = errors.New("invalid market status transition")

	// ErrLiquidityLocked is returned when b is changed after the first trade.
	ErrLiquidityLocked = errors.New("liquidity parameter is fixed after the first trade")

	// ErrInvalidMarket is returned for malformed market definitions.
	ErrInvalidMarket = errors.New("invalid market definition")
)

var notFoundErrors = []error{
	ErrMarketNotFound,
	ErrSecurityNotFound,
}

var conflictErrors = []error{
	ErrMarketNotTradable,
	ErrInvalidTransition,
	ErrLiquidityLocked,
}

// IsNotFound returns true when err (or any error in its chain) is one of the
// "not found" errors.
func IsNotFound(err error) bool {
	return matchesAny(err, notFoundErrors)
}

// IsConflict returns true for errors that represent a state conflict.
func IsConflict(err error) bool {
	return matchesAny(err, conflictErrors)
}

// IsInvalid returns true for malformed input errors.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidMarket)
}

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
