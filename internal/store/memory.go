package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/amm-engine/internal/model"
)

type holdingKey struct {
	userID     string
	securityID string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	markets  map[string]*model.Market
	holdings map[holdingKey]model.Holding
	trades   []model.Trade
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:  make(map[string]*model.Market),
		holdings: make(map[holdingKey]model.Holding),
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("%w: market %s already exists", model.ErrInvalidMarket, m.ID)
	}
	// Store a copy to avoid external mutation.
	s.markets[m.ID] = m.Clone()
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrMarketNotFound, id)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context, f MarketFilter) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		if f.Category != "" && m.Category != f.Category {
			continue
		}
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		markets = append(markets, *m.Clone())
	}
	sort.Slice(markets, func(i, j int) bool {
		if markets[i].CreatedAt.Equal(markets[j].CreatedAt) {
			return markets[i].ID < markets[j].ID
		}
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) UpdateMarketInfo(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.markets[m.ID]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrMarketNotFound, m.ID)
	}
	if !cur.B.Equal(m.B) && cur.Sequence > 0 {
		return model.ErrLiquidityLocked
	}
	cur.Question = m.Question
	cur.Category = m.Category
	cur.Description = m.Description
	cur.Tags = append([]string(nil), m.Tags...)
	cur.ResolutionDate = m.ResolutionDate
	cur.Checkpoints = append([]model.Checkpoint(nil), m.Checkpoints...)
	cur.B = m.B
	cur.UpdatedAt = m.UpdatedAt
	return nil
}

func (s *MemoryStore) UpdateMarketStatus(_ context.Context, id string, from, to model.MarketStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrMarketNotFound, id)
	}
	if m.Status != from {
		return fmt.Errorf("%w: market %s is %s, not %s", model.ErrInvalidTransition, id, m.Status, from)
	}
	if err := model.CheckTransition(from, to); err != nil {
		return err
	}
	m.Status = to
	return nil
}

func (s *MemoryStore) Commit(_ context.Context, c Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[c.MarketID]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrMarketNotFound, c.MarketID)
	}
	if err := ValidateCommit(m, c); err != nil {
		return err
	}

	m.Securities = append([]model.Security(nil), c.Securities...)
	m.TotalVolumeCents = c.TotalVolumeCents
	m.Sequence = c.Sequence
	if c.Status != "" {
		m.Status = c.Status
	}
	if c.WinningSecurityID != "" {
		m.WinningSecurityID = c.WinningSecurityID
	}
	m.UpdatedAt = c.At

	s.trades = append(s.trades, c.Trades...)
	for _, h := range c.Holdings {
		s.holdings[holdingKey{h.UserID, h.SecurityID}] = h
	}
	return nil
}

func (s *MemoryStore) ListTrades(_ context.Context, f TradeFilter) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if f.UserID != "" && t.UserID != f.UserID {
			continue
		}
		if f.MarketID != "" && t.MarketID != f.MarketID {
			continue
		}
		result = append(result, t)
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].MarketID != result[j].MarketID {
			return result[i].MarketID < result[j].MarketID
		}
		return result[i].Sequence < result[j].Sequence
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (s *MemoryStore) GetHolding(_ context.Context, userID, marketID, securityID string) (model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if h, ok := s.holdings[holdingKey{userID, securityID}]; ok {
		return h, nil
	}
	return model.Holding{UserID: userID, MarketID: marketID, SecurityID: securityID}, nil
}

func (s *MemoryStore) ListHoldingsByUser(_ context.Context, userID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Holding
	for k, h := range s.holdings {
		if k.userID == userID {
			result = append(result, h)
		}
	}
	sortHoldings(result)
	return result, nil
}

func (s *MemoryStore) ListHoldingsByMarket(_ context.Context, marketID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Holding
	for _, h := range s.holdings {
		if h.MarketID == marketID && h.IsOpen() {
			result = append(result, h)
		}
	}
	sortHoldings(result)
	return result, nil
}

func sortHoldings(hs []model.Holding) {
	sort.Slice(hs, func(i, j int) bool {
		if hs[i].MarketID != hs[j].MarketID {
			return hs[i].MarketID < hs[j].MarketID
		}
		if hs[i].SecurityID != hs[j].SecurityID {
			return hs[i].SecurityID < hs[j].SecurityID
		}
		return hs[i].UserID < hs[j].UserID
	})
}

var _ Store = (*MemoryStore)(nil)
