// Package settlement resolves markets, pays out holdings and moves markets
// through their status lifecycle.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/amm-engine/internal/event"
	"github.com/atmx/amm-engine/internal/ledger"
	"github.com/atmx/amm-engine/internal/lmsr"
	"github.com/atmx/amm-engine/internal/lock"
	"github.com/atmx/amm-engine/internal/metrics"
	"github.com/atmx/amm-engine/internal/model"
	"github.com/atmx/amm-engine/internal/quote"
	"github.com/atmx/amm-engine/internal/store"
	"github.com/atmx/amm-engine/internal/trade"
)

// ErrNoCheckpointReached is returned by Redeem before the market's first
// redemption checkpoint. It also matches model.ErrMarketNotTradable.
var ErrNoCheckpointReached = fmt.Errorf("settlement: no redemption checkpoint reached: %w", model.ErrMarketNotTradable)

// Seller executes a sell at the current market price.
type Seller interface {
	Sell(ctx context.Context, userID, marketID, securityID string, quantity decimal.Decimal) (*trade.Result, error)
}

// Archiver stores a resolved market's trade journal and returns where it
// was written.
type Archiver interface {
	Archive(ctx context.Context, marketID string, trades []model.Trade) (string, error)
}

// Processor runs resolution, redemption and status transitions. Every
// market write happens under the same market lock the executor uses.
type Processor struct {
	store    store.Store
	locks    lock.Locker
	ledger   *ledger.Ledger
	seller   Seller
	quotes   *quote.Engine
	notify   event.Notifier
	archiver Archiver
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewProcessor wires a Processor. notify may be nil.
func NewProcessor(st store.Store, locks lock.Locker, seller Seller, quotes *quote.Engine, notify event.Notifier) *Processor {
	if notify == nil {
		notify = event.Discard{}
	}
	return &Processor{
		store:  st,
		locks:  locks,
		ledger: ledger.New(locks),
		seller: seller,
		quotes: quotes,
		notify: notify,
		log:    slog.Default().With("component", "settlement"),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.New().String() },
	}
}

// SetArchiver enables journal archiving after resolution.
func (p *Processor) SetArchiver(a Archiver) {
	p.archiver = a
}

// Transition moves a market to status to. Resolution is only reachable
// through Resolve.
func (p *Processor) Transition(ctx context.Context, marketID string, to model.MarketStatus) (*model.Market, error) {
	if to == model.StatusResolved {
		return nil, fmt.Errorf("%w: use resolve to settle market %s", model.ErrInvalidTransition, marketID)
	}

	release, err := p.locks.Acquire(ctx, lock.MarketKey(marketID))
	if err != nil {
		return nil, fmt.Errorf("lock market %s: %w", marketID, err)
	}
	defer release()

	m, err := p.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if err := p.setStatus(ctx, m, to); err != nil {
		return nil, err
	}

	quotes, err := p.quotes.Quotes(m)
	if err != nil {
		p.log.Error("quote after transition failed", "market_id", marketID, "error", err)
	}
	p.notify.Notify(ctx, event.Event{
		Type:      event.StatusChanged,
		MarketID:  m.ID,
		Status:    m.Status,
		Sequence:  m.Sequence,
		Quotes:    quotes,
		Timestamp: m.UpdatedAt,
	})
	return m, nil
}

// setStatus writes from m.Status to to and updates m in place. The caller
// holds the market lock.
func (p *Processor) setStatus(ctx context.Context, m *model.Market, to model.MarketStatus) error {
	from := m.Status
	if err := model.CheckTransition(from, to); err != nil {
		return fmt.Errorf("market %s: %w", m.ID, err)
	}
	if err := p.store.UpdateMarketStatus(ctx, m.ID, from, to); err != nil {
		return err
	}
	m.Status = to
	m.UpdatedAt = p.now()
	metrics.StatusTransitions.WithLabelValues(string(to)).Inc()
	p.log.Info("market status changed", "market_id", m.ID, "from", from, "to", to)
	return nil
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Market     *model.Market `json:"market"`
	Trades     []model.Trade `json:"trades"`
	ArchiveKey string        `json:"archiveKey,omitempty"`
}

// Resolve settles marketID with winningSecurityID paying 100 cents per
// share and every other security paying 0. Every open holding is closed
// through the ledger at its payout price. Open and suspended markets pass
// through closed to resolved in the same commit, so a failed resolution
// leaves the status untouched.
func (p *Processor) Resolve(ctx context.Context, marketID, winningSecurityID string) (*Resolution, error) {
	res, err := p.resolve(ctx, marketID, winningSecurityID)
	if err != nil {
		return nil, err
	}

	metrics.Settlements.WithLabelValues("market").Inc()
	metrics.Settlements.WithLabelValues("holding").Add(float64(len(res.Trades)))
	p.log.Info("market resolved",
		"market_id", marketID,
		"winning_security_id", winningSecurityID,
		"settled_holdings", len(res.Trades),
		"sequence", res.Market.Sequence,
	)
	p.notify.Notify(ctx, event.Event{
		Type:      event.MarketResolved,
		MarketID:  marketID,
		Status:    model.StatusResolved,
		Sequence:  res.Market.Sequence,
		Trades:    res.Trades,
		Timestamp: res.Market.UpdatedAt,
	})

	if p.archiver != nil {
		key, err := p.archiveJournal(ctx, marketID)
		if err != nil {
			// The market is resolved regardless; the journal stays in the store.
			p.log.Warn("trade journal archive failed", "market_id", marketID, "error", err)
		} else {
			res.ArchiveKey = key
		}
	}
	return res, nil
}

func (p *Processor) resolve(ctx context.Context, marketID, winningSecurityID string) (*Resolution, error) {
	release, err := p.locks.Acquire(ctx, lock.MarketKey(marketID))
	if err != nil {
		return nil, fmt.Errorf("lock market %s: %w", marketID, err)
	}
	defer release()

	m, err := p.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.SecurityIndex(winningSecurityID) < 0 {
		return nil, fmt.Errorf("%w: %s in market %s", model.ErrSecurityNotFound, winningSecurityID, marketID)
	}
	from := m.Status
	switch from {
	case model.StatusOpen, model.StatusSuspended, model.StatusClosed:
	default:
		return nil, fmt.Errorf("%w: cannot resolve %s market %s", model.ErrInvalidTransition, m.Status, marketID)
	}

	holdings, err := p.store.ListHoldingsByMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("load holdings for %s: %w", marketID, err)
	}
	sort.Slice(holdings, func(i, j int) bool {
		if holdings[i].UserID != holdings[j].UserID {
			return holdings[i].UserID < holdings[j].UserID
		}
		return holdings[i].SecurityID < holdings[j].SecurityID
	})

	for _, h := range holdings {
		unlock, err := p.ledger.Lock(ctx, h.UserID, h.SecurityID)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	now := p.now()
	winner := decimal.NewFromFloat(lmsr.SharePayout)
	trades := make([]model.Trade, 0, len(holdings))
	settled := make([]model.Holding, 0, len(holdings))
	for i, h := range holdings {
		payout := decimal.Zero
		if h.SecurityID == winningSecurityID {
			payout = winner
		}
		qty := h.Quantity
		next, realized, err := ledger.Sell(h, qty, payout, now)
		if err != nil {
			return nil, fmt.Errorf("settle holding %s/%s: %w", h.UserID, h.SecurityID, err)
		}
		settled = append(settled, next)
		trades = append(trades, model.Trade{
			ID:             p.newID(),
			UserID:         h.UserID,
			MarketID:       marketID,
			SecurityID:     h.SecurityID,
			Kind:           model.KindSettle,
			Quantity:       qty.Neg(),
			FillPriceCents: payout,
			StakeCents:     model.RoundCents(payout.Mul(qty)).IntPart(),
			RealizedPnL:    realized,
			Sequence:       m.Sequence + int64(i) + 1,
			Timestamp:      now,
		})
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seq := m.Sequence + int64(len(trades))
	err = p.store.Commit(ctx, store.Commit{
		MarketID:          marketID,
		ExpectedSeq:       m.Sequence,
		Securities:        m.Securities,
		TotalVolumeCents:  m.TotalVolumeCents,
		Sequence:          seq,
		Status:            model.StatusResolved,
		WinningSecurityID: winningSecurityID,
		Trades:            trades,
		Holdings:          settled,
		At:                now,
	})
	if err != nil {
		return nil, fmt.Errorf("commit resolution of %s: %w", marketID, err)
	}
	if from != model.StatusClosed {
		metrics.StatusTransitions.WithLabelValues(string(model.StatusClosed)).Inc()
	}
	metrics.StatusTransitions.WithLabelValues(string(model.StatusResolved)).Inc()

	m.Status = model.StatusResolved
	m.WinningSecurityID = winningSecurityID
	m.Sequence = seq
	m.UpdatedAt = now
	return &Resolution{Market: m, Trades: trades}, nil
}

func (p *Processor) archiveJournal(ctx context.Context, marketID string) (string, error) {
	trades, err := p.store.ListTrades(ctx, store.TradeFilter{MarketID: marketID})
	if err != nil {
		return "", err
	}
	return p.archiver.Archive(ctx, marketID, trades)
}

// Redeem sells the user's whole holding at the current sell price. It is
// allowed on or after any checkpoint that is not the final settlement.
func (p *Processor) Redeem(ctx context.Context, userID, marketID, securityID string) (*trade.Result, error) {
	m, err := p.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if _, ok := RedemptionOpen(m.Checkpoints, p.now()); !ok {
		return nil, fmt.Errorf("%w: market %s", ErrNoCheckpointReached, marketID)
	}

	h, err := p.store.GetHolding(ctx, userID, marketID, securityID)
	if err != nil {
		return nil, err
	}
	if !h.IsOpen() {
		return nil, fmt.Errorf("%w: nothing to redeem in %s", ledger.ErrInsufficientPosition, securityID)
	}

	res, err := p.seller.Sell(ctx, userID, marketID, securityID, h.Quantity)
	if err != nil {
		return nil, err
	}
	metrics.Settlements.WithLabelValues("redemption").Inc()
	return res, nil
}

// RedemptionOpen returns the latest non-final checkpoint at or before now.
func RedemptionOpen(cps []model.Checkpoint, now time.Time) (model.Checkpoint, bool) {
	var (
		found model.Checkpoint
		ok    bool
	)
	for _, cp := range cps {
		if cp.Final || now.Before(cp.Date) {
			continue
		}
		if !ok || cp.Date.After(found.Date) {
			found, ok = cp, true
		}
	}
	return found, ok
}

