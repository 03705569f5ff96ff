package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/watmarket/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Committed state lives in an immutable snapshot behind an atomic pointer.
// Readers load the pointer and never lock. Commit builds the next snapshot
// copy-on-write under a mutex and swaps it in.
//
// Lots, transactions and the per-key index slices are append-only: Commit
// appends past the length of every published snapshot, so older snapshots
// never see the new elements and an append costs amortized O(1). A commit
// still clones the small per-key maps it touches.
type MemoryStore struct {
	mu       sync.Mutex     // serializes Commit
	lotIndex map[string]int // lot ID to position in lots; guarded by mu
	snap     atomic.Pointer[snapshot]
}

// snapshot is never modified after it is published. Index slices hold
// positions in lots/txs. Lots are stored without their payout; payouts
// live in their own map, which only settlement clones.
type snapshot struct {
	markets       map[string]model.Market
	accounts      map[string]model.Account
	lots          []model.PositionLot
	payouts       map[string]int64
	lotsByMarket  map[string][]int
	lotsByAccount map[string][]int
	txs           []model.LedgerTransaction
	txsByAccount  map[string][]int
	txsByRef      map[string][]int
	prices        map[string][]model.PricePoint
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{lotIndex: make(map[string]int)}
	s.snap.Store(&snapshot{
		markets:       make(map[string]model.Market),
		accounts:      make(map[string]model.Account),
		payouts:       make(map[string]int64),
		lotsByMarket:  make(map[string][]int),
		lotsByAccount: make(map[string][]int),
		txsByAccount:  make(map[string][]int),
		txsByRef:      make(map[string][]int),
		prices:        make(map[string][]model.PricePoint),
	})
	return s
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	m, ok := s.snap.Load().markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	return &m, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context, filter MarketFilter) ([]model.Market, error) {
	snap := s.snap.Load()
	markets := make([]model.Market, 0, len(snap.markets))
	for _, m := range snap.markets {
		if filter.Resolved != nil && m.Resolved != *filter.Resolved {
			continue
		}
		markets = append(markets, m)
	}
	sort.Slice(markets, func(i, j int) bool {
		if markets[i].CreatedAt.Equal(markets[j].CreatedAt) {
			return markets[i].ID < markets[j].ID
		}
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	a, ok := s.snap.Load().accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return &a, nil
}

func (s *MemoryStore) LotsByMarket(_ context.Context, marketID string) ([]model.PositionLot, error) {
	snap := s.snap.Load()
	return snap.pickLots(snap.lotsByMarket[marketID]), nil
}

func (s *MemoryStore) LotsByAccount(_ context.Context, accountID string) ([]model.PositionLot, error) {
	snap := s.snap.Load()
	return snap.pickLots(snap.lotsByAccount[accountID]), nil
}

func (s *MemoryStore) TransactionsByAccount(_ context.Context, accountID string) ([]model.LedgerTransaction, error) {
	snap := s.snap.Load()
	return snap.pickTxs(snap.txsByAccount[accountID]), nil
}

func (s *MemoryStore) TransactionsByReference(_ context.Context, ref string) ([]model.LedgerTransaction, error) {
	snap := s.snap.Load()
	return snap.pickTxs(snap.txsByRef[ref]), nil
}

func (s *MemoryStore) PriceHistory(_ context.Context, marketID string) ([]model.PricePoint, error) {
	return slices.Clone(s.snap.Load().prices[marketID]), nil
}

// Commit validates m against the current snapshot and publishes the result.
// Validation runs before anything is copied, so a rejected mutation costs
// nothing and leaves no trace.
func (s *MemoryStore) Commit(ctx context.Context, m *Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}

	cur := s.snap.Load()
	if err := cur.validate(m, s.lotIndex); err != nil {
		return err
	}
	s.snap.Store(cur.apply(m, s.lotIndex))
	return nil
}

func (snap *snapshot) validate(m *Mutation, lotIndex map[string]int) error {
	if mw := m.Market; mw != nil {
		existing, ok := snap.markets[mw.Market.ID]
		switch {
		case mw.ExpectedVersion == 0 && ok:
			return fmt.Errorf("market %s: %w", mw.Market.ID, ErrDuplicate)
		case mw.ExpectedVersion != 0 && !ok:
			return fmt.Errorf("market %s: %w", mw.Market.ID, ErrNotFound)
		case mw.ExpectedVersion != 0 && existing.Version != mw.ExpectedVersion:
			return fmt.Errorf("market %s at version %d, expected %d: %w",
				mw.Market.ID, existing.Version, mw.ExpectedVersion, ErrConflict)
		}
	}

	balances := make(map[string]int64)
	for _, a := range m.NewAccounts {
		if _, ok := snap.accounts[a.ID]; ok {
			return fmt.Errorf("account %s: %w", a.ID, ErrDuplicate)
		}
		balances[a.ID] = a.Balance
	}
	for _, d := range m.Balances {
		bal, ok := balances[d.AccountID]
		if !ok {
			acct, found := snap.accounts[d.AccountID]
			if !found {
				return fmt.Errorf("account %s: %w", d.AccountID, ErrNotFound)
			}
			bal = acct.Balance
		}
		balances[d.AccountID] = bal + d.Delta
	}
	for id, bal := range balances {
		if bal < 0 {
			return fmt.Errorf("account %s: %w", id, ErrNegativeBalance)
		}
	}

	for _, lot := range m.NewLots {
		if _, ok := lotIndex[lot.ID]; ok {
			return fmt.Errorf("lot %s: %w", lot.ID, ErrDuplicate)
		}
	}
	seen := make(map[string]bool, len(m.Payouts))
	for _, p := range m.Payouts {
		if _, ok := lotIndex[p.LotID]; !ok {
			return fmt.Errorf("lot %s: %w", p.LotID, ErrNotFound)
		}
		if _, set := snap.payouts[p.LotID]; set || seen[p.LotID] {
			return fmt.Errorf("lot %s: %w", p.LotID, ErrPayoutSet)
		}
		seen[p.LotID] = true
	}
	return nil
}

// apply returns a new snapshot with m applied. Maps are cloned before they
// change; append-only slices grow in place past the published length. It
// records new lots in lotIndex.
func (snap *snapshot) apply(m *Mutation, lotIndex map[string]int) *snapshot {
	next := *snap

	if mw := m.Market; mw != nil {
		next.markets = maps.Clone(snap.markets)
		market := mw.Market
		market.Version = mw.ExpectedVersion + 1
		next.markets[market.ID] = market
	}

	if len(m.NewAccounts) > 0 || len(m.Balances) > 0 {
		next.accounts = maps.Clone(snap.accounts)
		for _, a := range m.NewAccounts {
			next.accounts[a.ID] = a
		}
		for _, d := range m.Balances {
			a := next.accounts[d.AccountID]
			a.Balance += d.Delta
			next.accounts[d.AccountID] = a
		}
	}

	if len(m.NewLots) > 0 {
		next.lotsByMarket = maps.Clone(snap.lotsByMarket)
		next.lotsByAccount = maps.Clone(snap.lotsByAccount)
		for _, lot := range m.NewLots {
			idx := len(next.lots)
			lot.Payout = nil
			next.lots = append(next.lots, lot)
			lotIndex[lot.ID] = idx
			next.lotsByMarket[lot.MarketID] = append(next.lotsByMarket[lot.MarketID], idx)
			next.lotsByAccount[lot.AccountID] = append(next.lotsByAccount[lot.AccountID], idx)
		}
	}

	if len(m.Payouts) > 0 {
		next.payouts = maps.Clone(snap.payouts)
		for _, p := range m.Payouts {
			next.payouts[p.LotID] = p.Payout
		}
	}

	if len(m.Transactions) > 0 {
		next.txsByAccount = maps.Clone(snap.txsByAccount)
		next.txsByRef = maps.Clone(snap.txsByRef)
		for _, tx := range m.Transactions {
			idx := len(next.txs)
			next.txs = append(next.txs, tx)
			next.txsByAccount[tx.AccountID] = append(next.txsByAccount[tx.AccountID], idx)
			if tx.ReferenceID != "" {
				next.txsByRef[tx.ReferenceID] = append(next.txsByRef[tx.ReferenceID], idx)
			}
		}
	}

	if pp := m.PricePoint; pp != nil {
		next.prices = maps.Clone(snap.prices)
		next.prices[pp.MarketID] = append(snap.prices[pp.MarketID], *pp)
	}

	return &next
}

func (snap *snapshot) pickLots(idx []int) []model.PositionLot {
	lots := make([]model.PositionLot, 0, len(idx))
	for _, i := range idx {
		lot := snap.lots[i]
		if p, ok := snap.payouts[lot.ID]; ok {
			lot.Payout = &p
		}
		lots = append(lots, lot)
	}
	return lots
}

func (snap *snapshot) pickTxs(idx []int) []model.LedgerTransaction {
	txs := make([]model.LedgerTransaction, 0, len(idx))
	for _, i := range idx {
		txs = append(txs, snap.txs[i])
	}
	return txs
}
