package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/watmarket/market-engine/internal/model"
	"github.com/watmarket/market-engine/internal/store"
)

// ResolveResult is returned by ResolveMarket. Winners and Losers count lots.
type ResolveResult struct {
	MarketID    string        `json:"market_id"`
	Outcome     model.Outcome `json:"correct_outcome"`
	TotalBets   int           `json:"total_bets"`
	Winners     int           `json:"winners"`
	Losers      int           `json:"losers"`
	TotalPayout int64         `json:"total_payout"`
	ResolvedAt  time.Time     `json:"resolved_at"`
}

// ResolveMarket settles a market on outcome. Every lot gets its payout set
// exactly once: a winning lot pays round(shares), a losing lot pays 0. Lots
// are immutable, so a lot pays its full share count even when the holder
// already sold shares on that side.
func (e *Engine) ResolveMarket(ctx context.Context, marketID string, outcome model.Outcome, resolvedBy string) (res *ResolveResult, err error) {
	const op = "resolve_market"
	defer e.observe(op, time.Now(), &err)

	if !outcome.Tradable() {
		return nil, newError(op, KindInvalidOutcome, "cannot resolve to %q", outcome)
	}

	unlock, err := e.lockSettlement(ctx, op, marketID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		result  ResolveResult
		settled model.Market
	)
	err = e.commit(ctx, op, func() (*store.Mutation, error) {
		now := e.now()
		market, lots, _, err := e.loadSettlement(ctx, op, marketID)
		if err != nil {
			return nil, err
		}

		m := &store.Mutation{}
		result = ResolveResult{MarketID: marketID, Outcome: outcome, TotalBets: len(lots), ResolvedAt: now}
		for _, lot := range lots {
			var payout int64
			if lot.Outcome == outcome {
				payout = toCurrency(lot.Shares)
				result.Winners++
			} else {
				result.Losers++
			}

			m.Payouts = append(m.Payouts, store.LotPayout{LotID: lot.ID, Payout: payout})
			if payout > 0 {
				result.TotalPayout += payout
				m.Balances = append(m.Balances, store.BalanceDelta{AccountID: lot.AccountID, Delta: payout})
				m.Transactions = append(m.Transactions, model.LedgerTransaction{
					ID:          e.newID(),
					AccountID:   lot.AccountID,
					Amount:      payout,
					Kind:        model.TxPayout,
					ReferenceID: lot.ID,
					CreatedAt:   now,
				})
			}
		}

		settled = *market
		settled.Resolved = true
		settled.Outcome = &outcome
		settled.ResolvedAt = &now
		settled.ResolvedBy = resolvedBy
		m.Market = &store.MarketWrite{Market: settled, ExpectedVersion: market.Version}
		return m, nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("market resolved",
		"market_id", marketID, "outcome", outcome, "resolved_by", resolvedBy,
		"winners", result.Winners, "losers", result.Losers, "total_payout", result.TotalPayout)
	e.observer.ObserveMarketClosed()
	e.notify(&settled, result.ResolvedAt)
	return &result, nil
}

// InvalidateResult is returned by InvalidateMarket.
type InvalidateResult struct {
	MarketID         string    `json:"market_id"`
	AccountsRefunded int       `json:"users_refunded"`
	TotalRefunded    int64     `json:"total_refunded"`
	ResolvedAt       time.Time `json:"resolved_at"`
}

// InvalidateMarket cancels a market. Each account with activity on it is
// refunded its net investment (stakes minus sell proceeds), floored at 0, so
// a holder who already sold at a profit keeps the profit and gets nothing
// back. Every lot's payout is set to 0 and both pools go to 0.
func (e *Engine) InvalidateMarket(ctx context.Context, marketID, resolvedBy string) (res *InvalidateResult, err error) {
	const op = "invalidate_market"
	defer e.observe(op, time.Now(), &err)

	unlock, err := e.lockSettlement(ctx, op, marketID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		result  InvalidateResult
		settled model.Market
	)
	err = e.commit(ctx, op, func() (*store.Mutation, error) {
		now := e.now()
		market, lots, sells, err := e.loadSettlement(ctx, op, marketID)
		if err != nil {
			return nil, err
		}

		net := make(map[string]int64)
		var order []string
		track := func(id string) {
			if _, ok := net[id]; !ok {
				order = append(order, id)
				net[id] = 0
			}
		}
		m := &store.Mutation{}
		for _, lot := range lots {
			track(lot.AccountID)
			net[lot.AccountID] += lot.Stake
			m.Payouts = append(m.Payouts, store.LotPayout{LotID: lot.ID, Payout: 0})
		}
		for _, tx := range sells {
			if tx.Kind == model.TxSell {
				track(tx.AccountID)
				net[tx.AccountID] -= tx.Amount
			}
		}

		result = InvalidateResult{MarketID: marketID, ResolvedAt: now}
		for _, id := range order {
			refund := max(net[id], 0)
			if refund == 0 {
				continue
			}
			result.AccountsRefunded++
			result.TotalRefunded += refund
			m.Balances = append(m.Balances, store.BalanceDelta{AccountID: id, Delta: refund})
			m.Transactions = append(m.Transactions, model.LedgerTransaction{
				ID:          e.newID(),
				AccountID:   id,
				Amount:      refund,
				Kind:        model.TxRefund,
				ReferenceID: marketID,
				CreatedAt:   now,
			})
		}

		invalid := model.OutcomeInvalid
		settled = *market
		settled.Resolved = true
		settled.Outcome = &invalid
		settled.YesPool = 0
		settled.NoPool = 0
		settled.ResolvedAt = &now
		settled.ResolvedBy = resolvedBy
		m.Market = &store.MarketWrite{Market: settled, ExpectedVersion: market.Version}
		return m, nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("market invalidated",
		"market_id", marketID, "resolved_by", resolvedBy,
		"accounts_refunded", result.AccountsRefunded, "total_refunded", result.TotalRefunded)
	e.observer.ObserveMarketClosed()
	e.notify(&settled, result.ResolvedAt)
	return &result, nil
}

// lockSettlement takes the market lock, then the locks of every account
// holding a lot on the market. While the market lock is held no new lot can
// appear, so the account set read here stays complete.
func (e *Engine) lockSettlement(ctx context.Context, op, marketID string) (func(), error) {
	unlockMarket, err := e.locks.lockMarket(ctx, op, marketID)
	if err != nil {
		return nil, err
	}

	market, err := e.loadMarket(ctx, op, marketID)
	if err == nil && market.Resolved {
		err = newError(op, KindAlreadyResolved, "market %s", marketID)
	}
	if err != nil {
		unlockMarket()
		return nil, err
	}

	lots, err := e.store.LotsByMarket(ctx, marketID)
	if err != nil {
		unlockMarket()
		return nil, fmt.Errorf("%s: load lots: %w", op, err)
	}
	ids := make([]string, 0, len(lots))
	for _, lot := range lots {
		ids = append(ids, lot.AccountID)
	}
	unlockAccounts, err := e.locks.lockAccounts(ctx, op, ids...)
	if err != nil {
		unlockMarket()
		return nil, err
	}
	return func() {
		unlockAccounts()
		unlockMarket()
	}, nil
}

// loadSettlement reads the market, its lots and its sell transactions and
// rejects a market that is already settled.
func (e *Engine) loadSettlement(ctx context.Context, op, marketID string) (*model.Market, []model.PositionLot, []model.LedgerTransaction, error) {
	market, err := e.loadMarket(ctx, op, marketID)
	if err != nil {
		return nil, nil, nil, err
	}
	if market.Resolved {
		return nil, nil, nil, newError(op, KindAlreadyResolved, "market %s", marketID)
	}
	lots, err := e.store.LotsByMarket(ctx, marketID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%s: load lots: %w", op, err)
	}
	txs, err := e.store.TransactionsByReference(ctx, marketID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%s: load transactions: %w", op, err)
	}
	return market, lots, txs, nil
}
