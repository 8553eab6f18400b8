// Package trade executes buys and sells against the LMSR market maker and
// serves the engine's HTTP API.
//
// All monetary values use shopspring/decimal; only the probability math in
// package lmsr runs in float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
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
	"github.com/atmx/amm-engine/internal/risk"
	"github.com/atmx/amm-engine/internal/store"
)

var (
	// ErrInvalidStake is returned for a non-positive stake or one below the
	// configured minimum.
	ErrInvalidStake = errors.New("trade: invalid stake")

	// ErrInvariantViolation is returned when a proposed state would break
	// Σp = 1. It indicates a defect, not a user error.
	ErrInvariantViolation = errors.New("trade: market invariant violated")
)

// probabilityTolerance bounds |Σp - 1| after every commit.
const probabilityTolerance = 1e-9

// Config holds the executor's policy knobs.
type Config struct {
	MinStakeCents int64
	Solver        lmsr.Solver
	Limiter       *risk.Limiter // nil disables exposure limits
}

// DefaultConfig returns a 50 cent minimum stake and the default solver.
func DefaultConfig() Config {
	return Config{MinStakeCents: 50, Solver: lmsr.DefaultSolver()}
}

// Result is returned to the caller of a committed trade.
type Result struct {
	TradeID        string          `json:"tradeId"`
	MarketID       string          `json:"marketId"`
	SecurityID     string          `json:"securityId"`
	Kind           model.TradeKind `json:"kind"`
	Quantity       decimal.Decimal `json:"quantity"`
	FillPriceCents decimal.Decimal `json:"fillPriceCents"`
	StakeCents     int64           `json:"stakeCents"`
	FeeCents       int64           `json:"feeCents"`
	CashCents      int64           `json:"cashCents"` // debited on buys, credited on sells
	RealizedPnL    decimal.Decimal `json:"realizedPnlCents"`
	Sequence       int64           `json:"sequence"`
	Holding        model.Holding   `json:"holding"`
	Quotes         []quote.Quote   `json:"quotes"`
}

// Executor turns stakes into shares and commits each trade atomically. Every
// trade on a market runs under that market's lock; the holding lock is taken
// second.
type Executor struct {
	store  store.Store
	locks  lock.Locker
	ledger *ledger.Ledger
	quotes *quote.Engine
	cfg    Config
	notify event.Notifier
	log    *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewExecutor wires an Executor. notify may be nil.
func NewExecutor(st store.Store, locks lock.Locker, quotes *quote.Engine, cfg Config, notify event.Notifier) *Executor {
	if notify == nil {
		notify = event.Discard{}
	}
	if cfg.Solver.MaxIter == 0 {
		cfg.Solver = lmsr.DefaultSolver()
	}
	return &Executor{
		store:  st,
		locks:  locks,
		ledger: ledger.New(locks),
		quotes: quotes,
		cfg:    cfg,
		notify: notify,
		log:    slog.Default().With("component", "executor"),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.New().String() },
	}
}

// Quotes returns the executor's quote engine.
func (e *Executor) Quotes() *quote.Engine {
	return e.quotes
}

// PlaceTrade buys as many shares of securityID as stakeCents pays for
// through the cost function. The fee is charged on top of the stake.
func (e *Executor) PlaceTrade(ctx context.Context, userID, marketID, securityID string, stakeCents int64) (*Result, error) {
	start := time.Now()
	if stakeCents <= 0 || stakeCents < e.cfg.MinStakeCents {
		metrics.TradeRejections.WithLabelValues("stake").Inc()
		return nil, fmt.Errorf("%w: %d cents (minimum %d)", ErrInvalidStake, stakeCents, e.cfg.MinStakeCents)
	}

	release, err := e.locks.Acquire(ctx, lock.MarketKey(marketID))
	if err != nil {
		return nil, fmt.Errorf("lock market %s: %w", marketID, err)
	}
	defer release()

	m, idx, err := e.loadTradable(ctx, marketID, securityID)
	if err != nil {
		return nil, err
	}

	mm, err := lmsr.NewMarketMaker(m.B)
	if err != nil {
		return nil, err
	}
	q := m.Quantities()

	sol, err := e.cfg.Solver.SharesForStake(mm, q, idx, float64(stakeCents))
	if err != nil {
		if errors.Is(err, lmsr.ErrNoConvergence) {
			metrics.SolverFailures.Inc()
			e.log.Error("stake solver did not converge",
				"market_id", marketID, "security_id", securityID,
				"stake_cents", stakeCents, "error", err)
		}
		return nil, err
	}
	metrics.SolverIterations.Observe(float64(sol.Iterations))

	delta := model.RoundQuantity(decimal.NewFromFloat(sol.Delta))
	if !delta.IsPositive() {
		return nil, fmt.Errorf("%w: stake buys no shares", ErrInvalidStake)
	}
	stake := decimal.NewFromInt(stakeCents)
	fill := model.RoundPrice(stake.Div(delta))
	fee := e.quotes.FeeCents(stake)

	next := m.Clone()
	next.Securities[idx].Quantity = model.RoundQuantity(next.Securities[idx].Quantity.Add(delta))
	next.Securities[idx].VolumeCents += stakeCents
	next.TotalVolumeCents += stakeCents
	if err := e.checkInvariant(next); err != nil {
		return nil, err
	}

	if err := e.checkExposure(ctx, userID, m, fill.Mul(delta)); err != nil {
		metrics.TradeRejections.WithLabelValues("exposure").Inc()
		return nil, err
	}

	releaseHolding, err := e.ledger.Lock(ctx, userID, securityID)
	if err != nil {
		return nil, err
	}
	defer releaseHolding()

	holding, err := e.store.GetHolding(ctx, userID, marketID, securityID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	holding, err = ledger.Buy(holding, delta, fill, now)
	if err != nil {
		return nil, err
	}

	t := model.Trade{
		ID:             e.newID(),
		UserID:         userID,
		MarketID:       marketID,
		SecurityID:     securityID,
		Kind:           model.KindBuy,
		Quantity:       delta,
		FillPriceCents: fill,
		StakeCents:     stakeCents,
		FeeCents:       fee,
		RealizedPnL:    decimal.Zero,
		Sequence:       m.Sequence + 1,
		Timestamp:      now,
	}

	res, err := e.commit(ctx, m, next, t, holding)
	if err != nil {
		return nil, err
	}
	res.CashCents = stakeCents + fee
	metrics.TradeLatency.WithLabelValues(string(model.KindBuy)).Observe(time.Since(start).Seconds())
	return res, nil
}

// Sell sells quantity shares of an existing holding back to the market
// maker. Gross proceeds are 100*(C(q) - C(q - Δe_i)) rounded to whole
// cents; the fee is deducted from them.
func (e *Executor) Sell(ctx context.Context, userID, marketID, securityID string, quantity decimal.Decimal) (*Result, error) {
	start := time.Now()
	delta := model.RoundQuantity(quantity)
	if !delta.IsPositive() {
		metrics.TradeRejections.WithLabelValues("quantity").Inc()
		return nil, fmt.Errorf("%w: %s", ledger.ErrInvalidQuantity, quantity)
	}

	release, err := e.locks.Acquire(ctx, lock.MarketKey(marketID))
	if err != nil {
		return nil, fmt.Errorf("lock market %s: %w", marketID, err)
	}
	defer release()

	m, idx, err := e.loadTradable(ctx, marketID, securityID)
	if err != nil {
		return nil, err
	}

	releaseHolding, err := e.ledger.Lock(ctx, userID, securityID)
	if err != nil {
		return nil, err
	}
	defer releaseHolding()

	holding, err := e.store.GetHolding(ctx, userID, marketID, securityID)
	if err != nil {
		return nil, err
	}
	if delta.GreaterThan(holding.Quantity) {
		metrics.TradeRejections.WithLabelValues("position").Inc()
		return nil, fmt.Errorf("%w: selling %s of %s held", ledger.ErrInsufficientPosition, delta, holding.Quantity)
	}

	mm, err := lmsr.NewMarketMaker(m.B)
	if err != nil {
		return nil, err
	}
	cost, err := mm.TradeCost(m.Quantities(), idx, -delta.InexactFloat64())
	if err != nil {
		return nil, err
	}
	gross := model.RoundCents(decimal.NewFromFloat(-cost))
	if gross.IsNegative() {
		return nil, fmt.Errorf("%w: negative proceeds %s", ErrInvariantViolation, gross)
	}
	fill := model.RoundPrice(gross.Div(delta))
	fee := e.quotes.FeeCents(gross)

	next := m.Clone()
	next.Securities[idx].Quantity = model.RoundQuantity(next.Securities[idx].Quantity.Sub(delta))
	next.Securities[idx].VolumeCents += gross.IntPart()
	next.TotalVolumeCents += gross.IntPart()
	if err := e.checkInvariant(next); err != nil {
		return nil, err
	}

	now := e.now()
	holding, realized, err := ledger.Sell(holding, delta, fill, now)
	if err != nil {
		return nil, err
	}

	t := model.Trade{
		ID:             e.newID(),
		UserID:         userID,
		MarketID:       marketID,
		SecurityID:     securityID,
		Kind:           model.KindSell,
		Quantity:       delta.Neg(),
		FillPriceCents: fill,
		StakeCents:     gross.IntPart(),
		FeeCents:       fee,
		RealizedPnL:    realized,
		Sequence:       m.Sequence + 1,
		Timestamp:      now,
	}

	res, err := e.commit(ctx, m, next, t, holding)
	if err != nil {
		return nil, err
	}
	res.CashCents = gross.IntPart() - fee
	metrics.TradeLatency.WithLabelValues(string(model.KindSell)).Observe(time.Since(start).Seconds())
	return res, nil
}

// loadTradable re-reads the market under its lock and resolves the security.
func (e *Executor) loadTradable(ctx context.Context, marketID, securityID string) (*model.Market, int, error) {
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, 0, err
	}
	if !m.Status.Tradable() {
		metrics.TradeRejections.WithLabelValues("status").Inc()
		return nil, 0, fmt.Errorf("%w: market %s is %s", model.ErrMarketNotTradable, marketID, m.Status)
	}
	idx := m.SecurityIndex(securityID)
	if idx < 0 {
		return nil, 0, fmt.Errorf("%w: %s in market %s", model.ErrSecurityNotFound, securityID, marketID)
	}
	return m, idx, nil
}

// checkInvariant verifies Σp = 1 for the proposed market state.
func (e *Executor) checkInvariant(m *model.Market) error {
	mm, err := lmsr.NewMarketMaker(m.B)
	if err != nil {
		return err
	}
	prices, err := mm.Prices(m.Quantities())
	if err != nil {
		return err
	}
	var sum float64
	for _, p := range prices {
		if math.IsNaN(p) || p < 0 || p > 1 {
			sum = math.NaN()
			break
		}
		sum += p
	}
	if math.IsNaN(sum) || math.Abs(sum-1) > probabilityTolerance {
		metrics.InvariantViolations.Inc()
		e.log.Error("probability invariant violated", "market_id", m.ID, "sum", sum)
		return fmt.Errorf("%w: Σp = %v for market %s", ErrInvariantViolation, sum, m.ID)
	}
	return nil
}

// checkExposure applies the risk limiter to a buy adding cost cents of basis.
func (e *Executor) checkExposure(ctx context.Context, userID string, m *model.Market, cost decimal.Decimal) error {
	if !e.cfg.Limiter.Enabled() {
		return nil
	}
	holdings, err := e.store.ListHoldingsByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("load exposures: %w", err)
	}

	categories := map[string]string{m.ID: m.Category}
	byMarket := make(map[string]decimal.Decimal)
	for _, h := range holdings {
		if !h.IsOpen() {
			continue
		}
		if _, ok := categories[h.MarketID]; !ok {
			hm, err := e.store.GetMarket(ctx, h.MarketID)
			if err != nil {
				return fmt.Errorf("load exposures: %w", err)
			}
			categories[h.MarketID] = hm.Category
		}
		byMarket[h.MarketID] = byMarket[h.MarketID].Add(ledger.CostBasis(h))
	}

	existing := make([]risk.Exposure, 0, len(byMarket))
	for id, basis := range byMarket {
		existing = append(existing, risk.Exposure{MarketID: id, Category: categories[id], CostBasis: basis})
	}
	return e.cfg.Limiter.CheckLimit(risk.Exposure{MarketID: m.ID, Category: m.Category}, cost, existing)
}

// commit writes the trade and runs the post-commit side effects. A
// cancelled context at this point still aborts cleanly: nothing has been
// written yet.
func (e *Executor) commit(ctx context.Context, m, next *model.Market, t model.Trade, h model.Holding) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	err := e.store.Commit(ctx, store.Commit{
		MarketID:         m.ID,
		ExpectedSeq:      m.Sequence,
		Securities:       next.Securities,
		TotalVolumeCents: next.TotalVolumeCents,
		Sequence:         t.Sequence,
		Trades:           []model.Trade{t},
		Holdings:         []model.Holding{h},
		At:               t.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("commit trade on %s: %w", m.ID, err)
	}
	next.Sequence = t.Sequence

	metrics.TradesTotal.WithLabelValues(string(t.Kind)).Inc()
	metrics.FeesCollected.Add(float64(t.FeeCents))
	metrics.MarketVolume.WithLabelValues(m.ID).Add(float64(t.StakeCents))

	quotes, err := e.quotes.Quotes(next)
	if err != nil {
		// Committed already; report the trade without quotes.
		e.log.Error("post-commit quote failed", "market_id", m.ID, "error", err)
	}

	e.log.Info("trade executed",
		"trade_id", t.ID,
		"user", t.UserID,
		"market_id", t.MarketID,
		"security_id", t.SecurityID,
		"kind", t.Kind,
		"qty", t.Quantity.String(),
		"fill_price", t.FillPriceCents.String(),
		"stake_cents", t.StakeCents,
		"fee_cents", t.FeeCents,
		"sequence", t.Sequence,
	)

	e.notify.Notify(ctx, event.Event{
		Type:      event.TradeExecuted,
		MarketID:  m.ID,
		Status:    next.Status,
		Sequence:  t.Sequence,
		Trades:    []model.Trade{t},
		Quotes:    quotes,
		Timestamp: t.Timestamp,
	})

	return &Result{
		TradeID:        t.ID,
		MarketID:       t.MarketID,
		SecurityID:     t.SecurityID,
		Kind:           t.Kind,
		Quantity:       t.Quantity.Abs(),
		FillPriceCents: t.FillPriceCents,
		StakeCents:     t.StakeCents,
		FeeCents:       t.FeeCents,
		RealizedPnL:    t.RealizedPnL,
		Sequence:       t.Sequence,
		Holding:        h,
		Quotes:         quotes,
	}, nil
}
