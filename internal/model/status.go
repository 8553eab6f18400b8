package model

import (
	"fmt"
	"strings"
)

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	StatusDraft     MarketStatus = "draft"     // created, not yet visible for trading
	StatusOpen      MarketStatus = "open"      // accepting trades
	StatusSuspended MarketStatus = "suspended" // temporarily halted
	StatusClosed    MarketStatus = "closed"    // trading over, awaiting resolution
	StatusResolved  MarketStatus = "resolved"  // winner determined, holdings paid out
)

// transitions lists every allowed edge of the status machine:
//
//	draft -> open -> {suspended <-> open} -> closed -> resolved
var transitions = map[MarketStatus][]MarketStatus{
	StatusDraft:     {StatusOpen},
	StatusOpen:      {StatusSuspended, StatusClosed},
	StatusSuspended: {StatusOpen, StatusClosed},
	StatusClosed:    {StatusResolved},
}

// ParseMarketStatus converts a case-insensitive string into a status.
func ParseMarketStatus(s string) (MarketStatus, error) {
	st := MarketStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, s)
	}
	return st, nil
}

// IsValid returns true if the status is one of the known states.
func (s MarketStatus) IsValid() bool {
	switch s {
	case StatusDraft, StatusOpen, StatusSuspended, StatusClosed, StatusResolved:
		return true
	}
	return false
}

// Tradable reports whether trades may execute in this state.
func (s MarketStatus) Tradable() bool {
	return s == StatusOpen
}

// Terminal reports whether no further trading is possible, ever.
func (s MarketStatus) Terminal() bool {
	return s == StatusClosed || s == StatusResolved
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to MarketStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition for a disallowed edge.
func CheckTransition(from, to MarketStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
