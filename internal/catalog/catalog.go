// Package catalog validates market definitions, derives their LMSR
// parameters and settlement schedule, and applies metadata updates.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/amm-engine/internal/lmsr"
	"github.com/atmx/amm-engine/internal/lock"
	"github.com/atmx/amm-engine/internal/model"
	"github.com/atmx/amm-engine/internal/store"
)

// Checkpoint labels generated for every market.
const (
	LabelMidpoint = "Midpoint Review"
	LabelFinal    = "Final Settlement"
)

// midpointLead is how long before resolution the redemption checkpoint
// falls.
const midpointLead = 90 * 24 * time.Hour

const (
	maxOutcomes    = 16
	maxQuestionLen = 280
)

var (
	// DefaultLiquidity is b for markets that specify neither b nor a
	// maximum loss.
	DefaultLiquidity = decimal.NewFromInt(500)

	// MinLiquidity prevents degenerate markets whose price jumps on a
	// single share.
	MinLiquidity = decimal.NewFromInt(10)

	defaultOutcomes = []string{"YES", "NO"}
)

// categoryRegex matches lowercase slugs, optionally nested with '/':
// "weather", "politics/us-senate".
var categoryRegex = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*(/[a-z0-9]+(-[a-z0-9]+)*)*$`)

var (
	ErrInvalidCategory = fmt.Errorf("catalog: invalid category: %w", model.ErrInvalidMarket)
	ErrInvalidOutcomes = fmt.Errorf("catalog: invalid outcomes: %w", model.ErrInvalidMarket)
)

// Definition is the input for a new market.
type Definition struct {
	Question           string          `json:"question"`
	Category           string          `json:"category"`
	Description        string          `json:"description"`
	Tags               []string        `json:"tags"`
	Outcomes           []string        `json:"outcomes"`
	ResolutionDate     time.Time       `json:"resolutionDate"`
	LiquidityParameter decimal.Decimal `json:"liquidityParameter"` // 0 -> derived or default
	MaxLossCents       decimal.Decimal `json:"maxLossCents"`       // optional subsidy cap used to derive b
	Draft              bool            `json:"draft"`
}

// Normalize trims strings, fills in default outcomes and validates d.
func (d *Definition) Normalize(now time.Time) error {
	d.Question = strings.TrimSpace(d.Question)
	d.Category = strings.ToLower(strings.TrimSpace(d.Category))
	d.Description = strings.TrimSpace(d.Description)

	if d.Question == "" || len(d.Question) > maxQuestionLen {
		return fmt.Errorf("%w: question must be 1-%d characters", model.ErrInvalidMarket, maxQuestionLen)
	}
	if !categoryRegex.MatchString(d.Category) {
		return fmt.Errorf("%w: %q (expected a lowercase slug such as weather or politics/us-senate)", ErrInvalidCategory, d.Category)
	}
	if len(d.Outcomes) == 0 {
		d.Outcomes = append([]string(nil), defaultOutcomes...)
	}
	if err := validateOutcomes(d.Outcomes); err != nil {
		return err
	}
	if !d.ResolutionDate.After(now) {
		return fmt.Errorf("%w: resolution date %s is not in the future", model.ErrInvalidMarket, d.ResolutionDate.Format(time.RFC3339))
	}
	if d.LiquidityParameter.IsNegative() || d.MaxLossCents.IsNegative() {
		return fmt.Errorf("%w: liquidity parameter and max loss must not be negative", model.ErrInvalidMarket)
	}
	d.Tags = normalizeTags(d.Tags)
	return nil
}

func validateOutcomes(outcomes []string) error {
	if len(outcomes) < 2 || len(outcomes) > maxOutcomes {
		return fmt.Errorf("%w: need 2-%d outcomes, got %d", ErrInvalidOutcomes, maxOutcomes, len(outcomes))
	}
	seen := make(map[string]bool, len(outcomes))
	for i, o := range outcomes {
		o = strings.TrimSpace(o)
		if o == "" {
			return fmt.Errorf("%w: outcome %d is empty", ErrInvalidOutcomes, i)
		}
		key := strings.ToUpper(o)
		if seen[key] {
			return fmt.Errorf("%w: duplicate outcome %q", ErrInvalidOutcomes, o)
		}
		seen[key] = true
		outcomes[i] = o
	}
	return nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// Liquidity resolves b for d: the explicit parameter, else one derived
// from MaxLossCents, else DefaultLiquidity.
func (d *Definition) Liquidity() (decimal.Decimal, error) {
	switch {
	case d.LiquidityParameter.IsPositive():
		if d.LiquidityParameter.LessThan(MinLiquidity) {
			return decimal.Zero, fmt.Errorf("%w: liquidity parameter %s below minimum %s",
				model.ErrInvalidMarket, d.LiquidityParameter, MinLiquidity)
		}
		return d.LiquidityParameter, nil
	case d.MaxLossCents.IsPositive():
		return DeriveLiquidity(d.MaxLossCents, len(d.Outcomes))
	default:
		return DefaultLiquidity, nil
	}
}

// DeriveLiquidity computes b from the market maker's worst-case subsidy:
//
//	maxLoss = 100 * b * ln(n)  =>  b = maxLoss / (100 * ln(n))
//
// The result is rounded to 2 places and never below MinLiquidity.
func DeriveLiquidity(maxLossCents decimal.Decimal, outcomes int) (decimal.Decimal, error) {
	if outcomes < 2 {
		return decimal.Zero, fmt.Errorf("%w: need at least 2 outcomes", ErrInvalidOutcomes)
	}
	if !maxLossCents.IsPositive() {
		return MinLiquidity, nil
	}
	denom := decimal.NewFromFloat(lmsr.SharePayout * math.Log(float64(outcomes)))
	b := maxLossCents.Div(denom).Round(2)
	if b.LessThan(MinLiquidity) {
		return MinLiquidity, nil
	}
	return b, nil
}

// Checkpoints returns the settlement schedule for a market resolving at
// resolution. The midpoint review is only scheduled when it is still ahead
// of now.
func Checkpoints(resolution, now time.Time) []model.Checkpoint {
	var cps []model.Checkpoint
	if mid := resolution.Add(-midpointLead); mid.After(now) {
		cps = append(cps, model.Checkpoint{Label: LabelMidpoint, Date: mid})
	}
	return append(cps, model.Checkpoint{Label: LabelFinal, Date: resolution, Final: true})
}

// Catalog creates and edits markets.
type Catalog struct {
	store store.Store
	locks lock.Locker
	log   *slog.Logger
	now   func() time.Time
	newID func() string
}

// New creates a Catalog.
func New(st store.Store, locks lock.Locker) *Catalog {
	return &Catalog{
		store: st,
		locks: locks,
		log:   slog.Default().With("component", "catalog"),
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.New().String() },
	}
}

// Create validates def and persists a new market with zero outstanding
// quantities.
func (c *Catalog) Create(ctx context.Context, def Definition) (*model.Market, error) {
	now := c.now()
	if err := def.Normalize(now); err != nil {
		return nil, err
	}
	b, err := def.Liquidity()
	if err != nil {
		return nil, err
	}
	mm, err := lmsr.NewMarketMaker(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidMarket, err)
	}

	status := model.StatusOpen
	if def.Draft {
		status = model.StatusDraft
	}
	m := &model.Market{
		ID:             c.newID(),
		Question:       def.Question,
		Category:       def.Category,
		Description:    def.Description,
		Tags:           def.Tags,
		Status:         status,
		ResolutionDate: def.ResolutionDate.UTC(),
		Checkpoints:    Checkpoints(def.ResolutionDate.UTC(), now),
		B:              b,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, outcome := range def.Outcomes {
		m.Securities = append(m.Securities, model.Security{
			ID:        c.newID(),
			MarketID:  m.ID,
			Outcome:   outcome,
			Quantity:  decimal.Zero,
			CreatedAt: now,
		})
	}

	if err := c.store.CreateMarket(ctx, m); err != nil {
		return nil, err
	}

	maxLoss, _ := mm.MaxLoss(len(m.Securities))
	c.log.Info("market created",
		"market_id", m.ID,
		"category", m.Category,
		"outcomes", len(m.Securities),
		"b", b.String(),
		"max_loss_cents", math.Round(maxLoss),
		"status", m.Status,
	)
	return m, nil
}

// Update carries optional metadata changes. Nil fields are left alone.
type Update struct {
	Question           *string          `json:"question"`
	Category           *string          `json:"category"`
	Description        *string          `json:"description"`
	Tags               []string         `json:"tags"`
	ResolutionDate     *time.Time       `json:"resolutionDate"`
	LiquidityParameter *decimal.Decimal `json:"liquidityParameter"`
}

// Update applies u to market id under its market lock. Changing b after
// the first trade fails with model.ErrLiquidityLocked.
func (c *Catalog) Update(ctx context.Context, id string, u Update) (*model.Market, error) {
	release, err := c.locks.Acquire(ctx, lock.MarketKey(id))
	if err != nil {
		return nil, fmt.Errorf("lock market %s: %w", id, err)
	}
	defer release()

	m, err := c.store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status.Terminal() {
		return nil, fmt.Errorf("%w: market %s is %s", model.ErrMarketNotTradable, id, m.Status)
	}

	now := c.now()
	def := Definition{
		Question:       m.Question,
		Category:       m.Category,
		Description:    m.Description,
		Tags:           m.Tags,
		Outcomes:       outcomes(m),
		ResolutionDate: m.ResolutionDate,
	}
	if u.Question != nil {
		def.Question = *u.Question
	}
	if u.Category != nil {
		def.Category = *u.Category
	}
	if u.Description != nil {
		def.Description = *u.Description
	}
	if u.Tags != nil {
		def.Tags = u.Tags
	}
	// An unchanged resolution date is not re-checked against the clock.
	checkAt := time.Time{}
	if u.ResolutionDate != nil {
		def.ResolutionDate = u.ResolutionDate.UTC()
		checkAt = now
	}
	if err := def.Normalize(checkAt); err != nil {
		return nil, err
	}

	if u.LiquidityParameter != nil && !u.LiquidityParameter.Equal(m.B) {
		if m.Sequence > 0 {
			return nil, fmt.Errorf("%w: market %s has %d trades", model.ErrLiquidityLocked, id, m.Sequence)
		}
		def.LiquidityParameter = *u.LiquidityParameter
		b, err := def.Liquidity()
		if err != nil {
			return nil, err
		}
		m.B = b
	}

	if !def.ResolutionDate.Equal(m.ResolutionDate) {
		m.Checkpoints = Checkpoints(def.ResolutionDate, now)
	}
	m.Question = def.Question
	m.Category = def.Category
	m.Description = def.Description
	m.Tags = def.Tags
	m.ResolutionDate = def.ResolutionDate
	m.UpdatedAt = now

	if err := c.store.UpdateMarketInfo(ctx, m); err != nil {
		if errors.Is(err, model.ErrLiquidityLocked) {
			return nil, fmt.Errorf("%w: market %s", err, id)
		}
		return nil, err
	}
	c.log.Info("market updated", "market_id", id, "b", m.B.String())
	return m, nil
}

func outcomes(m *model.Market) []string {
	out := make([]string, len(m.Securities))
	for i, s := range m.Securities {
		out[i] = s.Outcome
	}
	return out
}
