package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/satyamallipudi/qms-trading-bot/internal/ledger"
	"github.com/satyamallipudi/qms-trading-bot/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// for the "no persistence configured" mode, where the ledger lives only for
// the process lifetime. Multi-portfolio deployments must not use it: two
// portfolios sharing a symbol need a ledger that survives restarts.
type MemoryStore struct {
	mu        sync.RWMutex
	ownership map[string]*model.OwnershipRecord // portfolio/symbol key
	trades    []model.TradeRecord
	sales     map[string]*model.ExternalSaleRecord
	snapshots map[string]*model.LeaderboardSnapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ownership: make(map[string]*model.OwnershipRecord),
		sales:     make(map[string]*model.ExternalSaleRecord),
		snapshots: make(map[string]*model.LeaderboardSnapshot),
	}
}

func ownKey(portfolio, symbol string) string { return portfolio + "/" + symbol }

func (s *MemoryStore) GetOwnership(_ context.Context, portfolio, symbol string) (*model.OwnershipRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.ownership[ownKey(portfolio, symbol)]
	if !ok {
		return nil, fmt.Errorf("ownership %s/%s: %w", portfolio, symbol, ErrNotFound)
	}
	copy := *rec
	return &copy, nil
}

func (s *MemoryStore) ListOwnership(_ context.Context, portfolio string) ([]model.OwnershipRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.OwnershipRecord
	for _, rec := range s.ownership {
		if rec.Portfolio == portfolio {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListAllOwnership(_ context.Context) ([]model.OwnershipRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.OwnershipRecord, 0, len(s.ownership))
	for _, rec := range s.ownership {
		out = append(out, *rec)
	}
	return out, nil
}

func (s *MemoryStore) PutOwnership(_ context.Context, rec *model.OwnershipRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *rec
	s.ownership[ownKey(rec.Portfolio, rec.Symbol)] = &copy
	return nil
}

func (s *MemoryStore) DeleteOwnership(_ context.Context, portfolio, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.ownership, ownKey(portfolio, symbol))
	return nil
}

// RecordTrade appends the trade and applies the ledger mutation under one
// lock, so both land or neither does.
func (s *MemoryStore) RecordTrade(_ context.Context, t *model.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ownKey(t.Portfolio, t.Symbol)
	prev := s.ownership[key]

	var next *model.OwnershipRecord
	switch t.Action {
	case model.Buy:
		next = ledger.ApplyBuy(prev, t)
	case model.Sell:
		var err error
		next, err = ledger.ApplySell(prev, t)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("store: unknown action %q", t.Action)
	}

	s.trades = append(s.trades, *t)
	if next == nil {
		delete(s.ownership, key)
	} else {
		s.ownership[key] = next
	}
	return nil
}

func (s *MemoryStore) ListTradesSince(_ context.Context, since time.Time) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.TradeRecord
	for _, t := range s.trades {
		if !t.SubmittedAt.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) HasTraded(_ context.Context, portfolio string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.trades {
		if t.Portfolio == portfolio {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ReconcileTrade(_ context.Context, id string, actualQty, actualPrice decimal.Decimal, brokerTradeID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.trades {
		if s.trades[i].ID == id {
			t := &s.trades[i]
			t.ActualQuantity = &actualQty
			t.ActualPrice = &actualPrice
			t.ReconciledAt = &at
			if brokerTradeID != "" {
				t.BrokerTradeID = brokerTradeID
			}
			return nil
		}
	}
	return fmt.Errorf("trade %s: %w", id, ErrNotFound)
}

func (s *MemoryStore) InsertExternalSale(_ context.Context, sale *model.ExternalSaleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *sale
	s.sales[sale.ID] = &copy
	return nil
}

func (s *MemoryStore) ListUnconsumedExternalSales(_ context.Context, portfolio string) ([]model.ExternalSaleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ExternalSaleRecord
	for _, sale := range s.sales {
		if sale.Portfolio == portfolio && !sale.UsedForReinvestment {
			out = append(out, *sale)
		}
	}
	return out, nil
}

func (s *MemoryStore) ConsumeExternalSales(_ context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if sale, ok := s.sales[id]; ok {
			sale.UsedForReinvestment = true
			t := at
			sale.ReinvestedAt = &t
		}
	}
	return nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *model.LeaderboardSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *snap
	copy.Symbols = append([]string(nil), snap.Symbols...)
	s.snapshots[snap.IndexID] = &copy
	return nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, indexID string) (*model.LeaderboardSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[indexID]
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", indexID, ErrNotFound)
	}
	copy := *snap
	copy.Symbols = append([]string(nil), snap.Symbols...)
	return &copy, nil
}
