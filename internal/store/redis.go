package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/satyamallipudi/qms-trading-bot/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths of a run: ownership lookups and leaderboard
// snapshots. Writes go to the primary store and invalidate the cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetOwnership(ctx context.Context, portfolio, symbol string) (*model.OwnershipRecord, error) {
	data, err := s.rdb.Get(ctx, cacheOwnKey(portfolio, symbol)).Bytes()
	if err == nil {
		var rec model.OwnershipRecord
		if json.Unmarshal(data, &rec) == nil {
			return &rec, nil
		}
	}

	rec, err := s.primary.GetOwnership(ctx, portfolio, symbol)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(rec); err == nil {
		s.rdb.Set(ctx, cacheOwnKey(portfolio, symbol), data, s.ttl)
	}
	return rec, nil
}

func (s *CachedStore) GetSnapshot(ctx context.Context, indexID string) (*model.LeaderboardSnapshot, error) {
	data, err := s.rdb.Get(ctx, cacheSnapKey(indexID)).Bytes()
	if err == nil {
		var snap model.LeaderboardSnapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	}

	snap, err := s.primary.GetSnapshot(ctx, indexID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(snap); err == nil {
		s.rdb.Set(ctx, cacheSnapKey(indexID), data, s.ttl)
	}
	return snap, nil
}

// --- Write-through (write to primary, invalidate) ---

func (s *CachedStore) PutOwnership(ctx context.Context, rec *model.OwnershipRecord) error {
	if err := s.primary.PutOwnership(ctx, rec); err != nil {
		return err
	}
	s.rdb.Del(ctx, cacheOwnKey(rec.Portfolio, rec.Symbol))
	return nil
}

func (s *CachedStore) DeleteOwnership(ctx context.Context, portfolio, symbol string) error {
	if err := s.primary.DeleteOwnership(ctx, portfolio, symbol); err != nil {
		return err
	}
	s.rdb.Del(ctx, cacheOwnKey(portfolio, symbol))
	return nil
}

func (s *CachedStore) RecordTrade(ctx context.Context, t *model.TradeRecord) error {
	if err := s.primary.RecordTrade(ctx, t); err != nil {
		return err
	}
	s.rdb.Del(ctx, cacheOwnKey(t.Portfolio, t.Symbol))
	return nil
}

func (s *CachedStore) SaveSnapshot(ctx context.Context, snap *model.LeaderboardSnapshot) error {
	if err := s.primary.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	s.rdb.Del(ctx, cacheSnapKey(snap.IndexID))
	return nil
}

// --- Passthrough (list/scan paths, always primary) ---

func (s *CachedStore) ListOwnership(ctx context.Context, portfolio string) ([]model.OwnershipRecord, error) {
	return s.primary.ListOwnership(ctx, portfolio)
}

func (s *CachedStore) ListAllOwnership(ctx context.Context) ([]model.OwnershipRecord, error) {
	return s.primary.ListAllOwnership(ctx)
}

func (s *CachedStore) ListTradesSince(ctx context.Context, since time.Time) ([]model.TradeRecord, error) {
	return s.primary.ListTradesSince(ctx, since)
}

func (s *CachedStore) HasTraded(ctx context.Context, portfolio string) (bool, error) {
	return s.primary.HasTraded(ctx, portfolio)
}

func (s *CachedStore) ReconcileTrade(ctx context.Context, id string, actualQty, actualPrice decimal.Decimal, brokerTradeID string, at time.Time) error {
	return s.primary.ReconcileTrade(ctx, id, actualQty, actualPrice, brokerTradeID, at)
}

func (s *CachedStore) InsertExternalSale(ctx context.Context, sale *model.ExternalSaleRecord) error {
	return s.primary.InsertExternalSale(ctx, sale)
}

func (s *CachedStore) ListUnconsumedExternalSales(ctx context.Context, portfolio string) ([]model.ExternalSaleRecord, error) {
	return s.primary.ListUnconsumedExternalSales(ctx, portfolio)
}

func (s *CachedStore) ConsumeExternalSales(ctx context.Context, ids []string, at time.Time) error {
	return s.primary.ConsumeExternalSales(ctx, ids, at)
}

// --- Cache keys ---

func cacheOwnKey(portfolio, symbol string) string {
	return fmt.Sprintf("ownership:%s:%s", portfolio, symbol)
}

func cacheSnapKey(indexID string) string {
	return fmt.Sprintf("snapshot:%s", indexID)
}
