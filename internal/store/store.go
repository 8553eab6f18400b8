// Package store defines the persistence interface for the AMM engine.
// Implementations include PostgreSQL (source of truth), a Redis layer that
// caches trade history, and in-memory (for testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/amm-engine/internal/model"
)

// ErrStaleSequence is returned by Commit when the market's sequence no
// longer matches the one the caller read. Nothing is written.
var ErrStaleSequence = errors.New("store: stale market sequence")

// MarketFilter narrows ListMarkets. Zero fields match everything.
type MarketFilter struct {
	Category string
	Status   model.MarketStatus
}

// TradeFilter narrows ListTrades. Zero fields match everything; Limit <= 0
// means no limit. Results are ordered by (market, sequence).
type TradeFilter struct {
	UserID   string
	MarketID string
	Limit    int
}

// Commit is one atomic change to a market: new security quantities, the
// trades that produced them and the holdings they touched. Either all of it
// is applied or none of it.
type Commit struct {
	MarketID    string
	ExpectedSeq int64 // market.Sequence the caller read

	Securities       []model.Security // full replacement, same order and ids
	TotalVolumeCents int64
	Sequence         int64 // new market sequence, >= ExpectedSeq

	// Status, when non-empty, replaces the market status in the same write.
	Status            model.MarketStatus
	WinningSecurityID string

	Trades   []model.Trade
	Holdings []model.Holding
	At       time.Time
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// market state is never served from a cache.
type Store interface {
	// --- Markets ---

	// CreateMarket persists a new market with its securities.
	CreateMarket(ctx context.Context, m *model.Market) error

	// GetMarket returns a market with its securities, or ErrMarketNotFound.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns markets matching f, newest first.
	ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error)

	// UpdateMarketInfo writes the descriptive fields and b of m.
	UpdateMarketInfo(ctx context.Context, m *model.Market) error

	// UpdateMarketStatus moves a market from -> to. It fails with
	// ErrInvalidTransition if the stored status is no longer from.
	UpdateMarketStatus(ctx context.Context, id string, from, to model.MarketStatus) error

	// --- Trades and holdings ---

	// Commit applies c atomically, or fails with ErrStaleSequence.
	Commit(ctx context.Context, c Commit) error

	// ListTrades returns the immutable trade journal matching f.
	ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error)

	// GetHolding returns the user's holding, or a zero holding if none.
	GetHolding(ctx context.Context, userID, marketID, securityID string) (model.Holding, error)

	// ListHoldingsByUser returns every holding row for the user.
	ListHoldingsByUser(ctx context.Context, userID string) ([]model.Holding, error)

	// ListHoldingsByMarket returns every open holding in the market.
	ListHoldingsByMarket(ctx context.Context, marketID string) ([]model.Holding, error)
}

// ValidateCommit checks c against the market it targets. Implementations
// call it inside their write path.
func ValidateCommit(m *model.Market, c Commit) error {
	if m.Sequence != c.ExpectedSeq {
		return ErrStaleSequence
	}
	if len(c.Securities) != len(m.Securities) {
		return model.ErrSecurityNotFound
	}
	for i := range c.Securities {
		if c.Securities[i].ID != m.Securities[i].ID {
			return model.ErrSecurityNotFound
		}
	}
	if c.Status != "" && c.Status != m.Status {
		from := m.Status
		// Resolution may close an open or suspended market in the same commit.
		if c.Status == model.StatusResolved && model.CanTransition(from, model.StatusClosed) {
			from = model.StatusClosed
		}
		if err := model.CheckTransition(from, c.Status); err != nil {
			return err
		}
	}
	return nil
}
