package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/watmarket/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for markets. Commits go to the primary store and evict the touched
// market whether or not they succeed, so a writer that lost a version race
// re-reads fresh state on retry. Markets only move forward (a stale copy
// can only look older), which makes serving them from cache safe for the
// ledger's optimistic version check. Accounts, lots and transactions are
// never cached.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Commit(ctx context.Context, m *Mutation) error {
	err := s.primary.Commit(ctx, m)
	if m.Market != nil {
		if delErr := s.rdb.Del(ctx, marketKey(m.Market.Market.ID)).Err(); delErr != nil {
			slog.Warn("market cache eviction failed", "market_id", m.Market.Market.ID, "err", delErr)
		}
	}
	return err
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	// Cache miss: read from primary.
	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context, filter MarketFilter) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx, filter)
}

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, id)
}

func (s *CachedStore) LotsByMarket(ctx context.Context, marketID string) ([]model.PositionLot, error) {
	return s.primary.LotsByMarket(ctx, marketID)
}

func (s *CachedStore) LotsByAccount(ctx context.Context, accountID string) ([]model.PositionLot, error) {
	return s.primary.LotsByAccount(ctx, accountID)
}

func (s *CachedStore) TransactionsByAccount(ctx context.Context, accountID string) ([]model.LedgerTransaction, error) {
	return s.primary.TransactionsByAccount(ctx, accountID)
}

func (s *CachedStore) TransactionsByReference(ctx context.Context, ref string) ([]model.LedgerTransaction, error) {
	return s.primary.TransactionsByReference(ctx, ref)
}

func (s *CachedStore) PriceHistory(ctx context.Context, marketID string) ([]model.PricePoint, error) {
	return s.primary.PriceHistory(ctx, marketID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }
