// Package event carries post-commit notifications from the trade and
// settlement paths to realtime subscribers.
package event

import (
	"context"
	"time"

	"github.com/atmx/amm-engine/internal/model"
	"github.com/atmx/amm-engine/internal/quote"
)

// Type names the kind of change an Event reports.
type Type string

const (
	TradeExecuted  Type = "trade_executed"
	StatusChanged  Type = "market_status"
	MarketResolved Type = "market_resolved"
)

// Event is published after a change has been committed. Quotes reflect the
// market state right after the commit.
type Event struct {
	Type      Type               `json:"type"`
	MarketID  string             `json:"marketId"`
	Status    model.MarketStatus `json:"status,omitempty"`
	Sequence  int64              `json:"sequence"`
	Trades    []model.Trade      `json:"trades,omitempty"`
	Quotes    []quote.Quote      `json:"quotes,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Notifier receives committed events. Implementations must not block the
// caller for long; delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Fanout delivers every event to each notifier in order. Nil entries are
// skipped.
type Fanout []Notifier

// Notify implements Notifier.
func (f Fanout) Notify(ctx context.Context, ev Event) {
	for _, n := range f {
		if n != nil {
			n.Notify(ctx, ev)
		}
	}
}

// Discard drops every event.
type Discard struct{}

// Notify implements Notifier.
func (Discard) Notify(context.Context, Event) {}
