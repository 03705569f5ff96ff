// Package position derives per-account positions, portfolio summaries and
// trade history from committed ledger state. Nothing here writes or locks;
// every call reads the store's latest snapshot.
package position

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/watmarket/market-engine/internal/cpmm"
	"github.com/watmarket/market-engine/internal/model"
	"github.com/watmarket/market-engine/internal/store"
)

// ErrAccountNotFound is returned by PortfolioSummary for an unknown account.
var ErrAccountNotFound = errors.New("position: account not found")

var hundred = decimal.NewFromInt(100)

// Aggregator reads positions out of a store.
type Aggregator struct {
	store store.Reader
}

// New creates an Aggregator over r.
func New(r store.Reader) *Aggregator {
	return &Aggregator{store: r}
}

type key struct {
	marketID string
	outcome  model.Outcome
}

// Aggregate groups the account's lots by (market, outcome) and values each
// group. TotalShares sums the lots; sells are reported in SharesSold and
// SellProceeds but never shrink a lot. Open positions are valued at what
// selling TotalShares into the pool would return right now, which is below
// mark price for large holdings. Resolved positions are valued at their
// actual payout. PnL is CurrentValue minus TotalCost.
//
// Positions come back open first, then by PnL descending.
func (a *Aggregator) Aggregate(ctx context.Context, accountID string) ([]model.Position, error) {
	lots, err := a.store.LotsByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load lots: %w", err)
	}
	txs, err := a.store.TransactionsByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}

	var order []key
	byKey := make(map[key]*model.Position)
	for _, lot := range lots {
		k := key{lot.MarketID, lot.Outcome}
		p, ok := byKey[k]
		if !ok {
			p = &model.Position{AccountID: accountID, MarketID: lot.MarketID, Outcome: lot.Outcome}
			byKey[k] = p
			order = append(order, k)
		}
		p.SharesBought += lot.Shares
		p.TotalCost += lot.Stake
		if lot.Payout != nil {
			p.Payout += *lot.Payout
		}
	}

	refunds := make(map[string]int64)
	for _, tx := range txs {
		switch tx.Kind {
		case model.TxSell:
			if tx.Metadata == nil {
				continue
			}
			if p, ok := byKey[key{tx.Metadata.MarketID, tx.Metadata.Outcome}]; ok {
				p.SharesSold += tx.Metadata.Shares
				p.SellProceeds += tx.Amount
			}
		case model.TxRefund:
			refunds[tx.ReferenceID] += tx.Amount
		}
	}

	markets := make(map[string]*model.Market)
	for _, k := range order {
		if _, ok := markets[k.marketID]; ok {
			continue
		}
		m, err := a.store.GetMarket(ctx, k.marketID)
		if err != nil {
			return nil, fmt.Errorf("load market %s: %w", k.marketID, err)
		}
		markets[k.marketID] = m
	}

	// Cost per invalidated market, for splitting its refund across sides.
	invalidCost := make(map[string]int64)
	for _, k := range order {
		if markets[k.marketID].Invalidated() {
			invalidCost[k.marketID] += byKey[k].TotalCost
		}
	}

	positions := make([]model.Position, 0, len(order))
	for _, k := range order {
		p := byKey[k]
		m := markets[k.marketID]
		p.MarketTitle = m.Title
		p.TotalShares = p.SharesBought
		p.AvgBuyPrice = cpmm.AveragePrice(float64(p.TotalCost), p.SharesBought)
		p.Resolved = m.Resolved
		p.MarketOutcome = m.Outcome

		switch {
		case m.Invalidated():
			p.CurrentValue = decimal.Zero
			if c := invalidCost[k.marketID]; c > 0 {
				p.CurrentValue = decimal.NewFromInt(refunds[k.marketID]).
					Mul(decimal.NewFromInt(p.TotalCost)).
					DivRound(decimal.NewFromInt(c), cpmm.PriceScale)
			}
		case m.Resolved:
			p.CurrentValue = decimal.NewFromInt(p.Payout)
		default:
			p.CurrentValue = cpmm.LiquidationValue(p.TotalShares, k.outcome, m.YesPool, m.NoPool)
		}

		p.PnL = p.CurrentValue.Sub(decimal.NewFromInt(p.TotalCost))
		p.PnLPercent = percent(p.PnL, p.TotalCost)
		positions = append(positions, *p)
	}

	slices.SortStableFunc(positions, func(x, y model.Position) int {
		if x.Resolved != y.Resolved {
			if !x.Resolved {
				return -1
			}
			return 1
		}
		return y.PnL.Cmp(x.PnL)
	})
	return positions, nil
}

// PortfolioSummary values the account. Resolved payouts and refunds are
// already part of the balance, so TotalPortfolioValue only adds the live
// value of open positions on top of it.
func (a *Aggregator) PortfolioSummary(ctx context.Context, accountID string) (*model.PortfolioSummary, error) {
	acct, err := a.store.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	positions, err := a.Aggregate(ctx, accountID)
	if err != nil {
		return nil, err
	}

	s := &model.PortfolioSummary{
		AccountID: accountID,
		Balance:   acct.Balance,
		Positions: positions,
	}
	settled := decimal.Zero
	s.ActiveValue = decimal.Zero
	for _, p := range positions {
		s.AllTimeInvested += p.TotalCost
		s.SellProceeds += p.SellProceeds
		if p.Resolved {
			s.ResolvedPayout += p.Payout
			settled = settled.Add(p.CurrentValue)
			continue
		}
		s.ActivePositions++
		s.ActiveInvested += p.TotalCost
		s.ActiveValue = s.ActiveValue.Add(p.CurrentValue)
	}

	s.TotalPortfolioValue = decimal.NewFromInt(s.Balance).Add(s.ActiveValue)
	s.TotalPnL = settled.Add(s.ActiveValue).Sub(decimal.NewFromInt(s.AllTimeInvested))
	s.TotalPnLPercent = percent(s.TotalPnL, s.AllTimeInvested)
	return s, nil
}

// TradeHistory merges the account's buys (lots) and sells (transactions),
// newest first. Buys on settled markets carry their result. A market that
// no longer exists drops its buys and labels its sells "Unknown"; any other
// read failure is returned.
func (a *Aggregator) TradeHistory(ctx context.Context, accountID string) ([]model.TradeHistoryItem, error) {
	lots, err := a.store.LotsByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load lots: %w", err)
	}
	txs, err := a.store.TransactionsByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}

	markets := make(map[string]*model.Market)
	market := func(id string) (*model.Market, error) {
		if m, ok := markets[id]; ok {
			return m, nil
		}
		m, err := a.store.GetMarket(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			m, err = nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load market %s: %w", id, err)
		}
		markets[id] = m
		return m, nil
	}

	var items []model.TradeHistoryItem
	for _, lot := range lots {
		m, err := market(lot.MarketID)
		if err != nil {
			return nil, err
		}
		if m == nil {
			continue
		}
		item := model.TradeHistoryItem{
			ID:          lot.ID,
			CreatedAt:   lot.CreatedAt,
			MarketID:    lot.MarketID,
			MarketTitle: m.Title,
			Outcome:     lot.Outcome,
			Type:        "buy",
			Shares:      lot.Shares,
			Price:       lot.BuyPrice,
			Amount:      lot.Stake,
			IsResolved:  m.Resolved,
		}
		if m.Resolved && m.Outcome != nil {
			switch {
			case m.Invalidated():
				item.Result = "refunded"
			case lot.Outcome == *m.Outcome:
				item.Result = "won"
				item.Payout = lot.Payout
			default:
				item.Result = "lost"
				item.Payout = lot.Payout
			}
		}
		items = append(items, item)
	}

	for _, tx := range txs {
		if tx.Kind != model.TxSell || tx.Metadata == nil {
			continue
		}
		m, err := market(tx.Metadata.MarketID)
		if err != nil {
			return nil, err
		}
		title := "Unknown"
		if m != nil {
			title = m.Title
		}
		items = append(items, model.TradeHistoryItem{
			ID:          tx.ID,
			CreatedAt:   tx.CreatedAt,
			MarketID:    tx.Metadata.MarketID,
			MarketTitle: title,
			Outcome:     tx.Metadata.Outcome,
			Type:        "sell",
			Shares:      tx.Metadata.Shares,
			Price:       tx.Metadata.SellPrice,
			Amount:      tx.Amount,
		})
	}

	slices.SortStableFunc(items, func(x, y model.TradeHistoryItem) int {
		return y.CreatedAt.Compare(x.CreatedAt)
	})
	return items, nil
}

func percent(pnl decimal.Decimal, cost int64) decimal.Decimal {
	if cost == 0 {
		return decimal.Zero
	}
	return pnl.Mul(hundred).DivRound(decimal.NewFromInt(cost), 4)
}
