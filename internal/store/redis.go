package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/amm-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for the
// trade journal. Trades are append-only, so a cached history is only ever
// incomplete, never wrong, and Commit invalidates the affected keys. Market
// state and holdings always come from the primary: a quote priced off a
// cached quantity vector would be stale.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// Commit writes to the primary, then drops cached histories it touched.
func (s *CachedStore) Commit(ctx context.Context, c Commit) error {
	if err := s.Store.Commit(ctx, c); err != nil {
		return err
	}

	keys := []string{marketTradesKey(c.MarketID)}
	seen := make(map[string]bool)
	for _, t := range c.Trades {
		if !seen[t.UserID] {
			seen[t.UserID] = true
			keys = append(keys, userTradesKey(t.UserID))
		}
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("trade cache invalidation failed", "market_id", c.MarketID, "error", err)
	}
	return nil
}

// ListTrades serves single-dimension, unlimited queries from Redis.
func (s *CachedStore) ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error) {
	key := tradesCacheKey(f)
	if key == "" {
		return s.Store.ListTrades(ctx, f)
	}

	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var trades []model.Trade
		if json.Unmarshal(data, &trades) == nil {
			return trades, nil
		}
	}

	// Cache miss: read from primary.
	trades, err := s.Store.ListTrades(ctx, f)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(trades); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return trades, nil
}

func tradesCacheKey(f TradeFilter) string {
	switch {
	case f.Limit > 0:
		return ""
	case f.UserID != "" && f.MarketID == "":
		return userTradesKey(f.UserID)
	case f.MarketID != "" && f.UserID == "":
		return marketTradesKey(f.MarketID)
	}
	return ""
}

func userTradesKey(uid string) string { return fmt.Sprintf("amm:trades:user:%s", uid) }
func marketTradesKey(id string) string { return fmt.Sprintf("amm:trades:market:%s", id) }

var _ Store = (*CachedStore)(nil)
