// Package store defines the persistence boundary for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-node development).
//
// Every write goes through Commit, which applies a Mutation as one atomic
// unit: either all of it becomes visible to readers or none of it does.
package store

import (
	"context"
	"errors"

	"github.com/watmarket/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when a market, account or lot does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a commit lost a race: the market version
	// moved, the database aborted a serializable transaction, or the commit
	// deadline expired. Nothing was written. Callers may retry.
	ErrConflict = errors.New("store: commit conflict")

	// ErrNegativeBalance is returned when a commit would drive an account
	// balance below zero. Nothing was written.
	ErrNegativeBalance = errors.New("store: balance would go negative")

	// ErrPayoutSet is returned when a commit tries to set a lot payout
	// that is already set. Nothing was written.
	ErrPayoutSet = errors.New("store: lot payout already set")

	// ErrDuplicate is returned when a commit inserts an id that already exists.
	ErrDuplicate = errors.New("store: duplicate id")
)

// MarketFilter narrows ListMarkets. A nil Resolved returns every market.
type MarketFilter struct {
	Resolved *bool
}

// Reader is the read side of the store. Reads observe the last committed
// state and never block writers.
type Reader interface {
	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns markets, newest first.
	ListMarkets(ctx context.Context, filter MarketFilter) ([]model.Market, error)

	// GetAccount retrieves an account by its ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// LotsByMarket returns every lot on a market, oldest first.
	LotsByMarket(ctx context.Context, marketID string) ([]model.PositionLot, error)

	// LotsByAccount returns every lot an account holds, oldest first.
	LotsByAccount(ctx context.Context, accountID string) ([]model.PositionLot, error)

	// TransactionsByAccount returns an account's transactions, oldest first.
	TransactionsByAccount(ctx context.Context, accountID string) ([]model.LedgerTransaction, error)

	// TransactionsByReference returns transactions whose ReferenceID equals
	// ref, oldest first. Sells and refunds reference the market id.
	TransactionsByReference(ctx context.Context, ref string) ([]model.LedgerTransaction, error)

	// PriceHistory returns a market's price points, oldest first.
	PriceHistory(ctx context.Context, marketID string) ([]model.PricePoint, error)
}

// Store is the persistence interface used by the ledger.
type Store interface {
	Reader

	// Commit applies m atomically. On any error nothing is written.
	Commit(ctx context.Context, m *Mutation) error
}

// MarketWrite inserts or updates one market under an optimistic version
// check. ExpectedVersion 0 means insert; any other value must match the
// stored version. The stored version becomes ExpectedVersion+1.
type MarketWrite struct {
	Market          model.Market
	ExpectedVersion int64
}

// BalanceDelta adds Delta (possibly negative) to an account balance.
type BalanceDelta struct {
	AccountID string
	Delta     int64
}

// LotPayout sets the payout of a lot whose payout is still unset.
type LotPayout struct {
	LotID  string
	Payout int64
}

// Mutation is everything one ledger operation writes.
type Mutation struct {
	Market       *MarketWrite
	NewAccounts  []model.Account
	Balances     []BalanceDelta
	NewLots      []model.PositionLot
	Payouts      []LotPayout
	Transactions []model.LedgerTransaction
	PricePoint   *model.PricePoint
}

// AccountIDs returns every account the mutation touches, in first-seen order.
func (m *Mutation) AccountIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, a := range m.NewAccounts {
		add(a.ID)
	}
	for _, b := range m.Balances {
		add(b.AccountID)
	}
	for _, tx := range m.Transactions {
		add(tx.AccountID)
	}
	return ids
}
