package ledger

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/watmarket/market-engine/internal/cpmm"
	"github.com/watmarket/market-engine/internal/model"
	"github.com/watmarket/market-engine/internal/store"
)

// shareTolerance absorbs float drift when a holder sells "everything".
const shareTolerance = 1e-9

// BetResult is returned by PlaceBet.
type BetResult struct {
	LotID      string          `json:"lot_id"`
	MarketID   string          `json:"market_id"`
	Outcome    model.Outcome   `json:"outcome"`
	Stake      int64           `json:"stake"`
	Shares     float64         `json:"shares"`
	BuyPrice   decimal.Decimal `json:"buy_price"`
	NewBalance int64           `json:"new_balance"`
	Quote      cpmm.Quote      `json:"quote"`
}

// PlaceBet spends stake on outcome at the current pool price and records a
// new position lot.
func (e *Engine) PlaceBet(ctx context.Context, accountID, marketID string, outcome model.Outcome, stake int64) (res *BetResult, err error) {
	const op = "place_bet"
	defer e.observe(op, time.Now(), &err)

	if !outcome.Tradable() {
		return nil, newError(op, KindInvalidOutcome, "outcome %q", outcome)
	}
	if stake <= 0 {
		return nil, newError(op, KindInvalidStake, "stake must be positive, got %d", stake)
	}

	unlockMarket, err := e.locks.lockMarket(ctx, op, marketID)
	if err != nil {
		return nil, err
	}
	defer unlockMarket()
	unlockAccounts, err := e.locks.lockAccounts(ctx, op, accountID)
	if err != nil {
		return nil, err
	}
	defer unlockAccounts()

	var (
		result  BetResult
		updated model.Market
		now     time.Time
	)
	err = e.commit(ctx, op, func() (*store.Mutation, error) {
		now = e.now()
		market, err := e.loadMarket(ctx, op, marketID)
		if err != nil {
			return nil, err
		}
		if err := checkTradable(op, market); err != nil {
			return nil, err
		}
		if !now.Before(market.ClosesAt) {
			return nil, newError(op, KindMarketClosed, "market %s closed at %s", marketID, market.ClosesAt.Format(time.RFC3339))
		}
		account, err := e.loadAccount(ctx, op, accountID)
		if err != nil {
			return nil, err
		}
		if account.Balance < stake {
			return nil, newError(op, KindInsufficientBalance, "balance %d, stake %d", account.Balance, stake)
		}

		shares, newYes, newNo := cpmm.Buy(float64(stake), outcome, market.YesPool, market.NoPool)

		updated = *market
		updated.YesPool = newYes
		updated.NoPool = newNo
		updated.Volume += stake

		lot := model.PositionLot{
			ID:        e.newID(),
			AccountID: accountID,
			MarketID:  marketID,
			Outcome:   outcome,
			Stake:     stake,
			Shares:    shares,
			BuyPrice:  cpmm.AveragePrice(float64(stake), shares),
			CreatedAt: now,
		}
		result = BetResult{
			LotID:      lot.ID,
			MarketID:   marketID,
			Outcome:    outcome,
			Stake:      stake,
			Shares:     shares,
			BuyPrice:   lot.BuyPrice,
			NewBalance: account.Balance - stake,
			Quote:      cpmm.QuotePools(newYes, newNo),
		}
		return &store.Mutation{
			Market:   &store.MarketWrite{Market: updated, ExpectedVersion: market.Version},
			Balances: []store.BalanceDelta{{AccountID: accountID, Delta: -stake}},
			NewLots:  []model.PositionLot{lot},
			Transactions: []model.LedgerTransaction{{
				ID:          e.newID(),
				AccountID:   accountID,
				Amount:      -stake,
				Kind:        model.TxBet,
				ReferenceID: lot.ID,
				CreatedAt:   now,
			}},
			PricePoint: pricePoint(marketID, newYes, newNo, now),
		}, nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("bet placed",
		"account_id", accountID, "market_id", marketID, "outcome", outcome,
		"stake", stake, "shares", result.Shares, "yes_price", result.Quote.PYes)
	e.observer.ObserveTrade(marketID, "buy", outcome, stake)
	e.notify(&updated, now)
	return &result, nil
}

// SellResult is returned by SellShares.
type SellResult struct {
	TransactionID   string          `json:"transaction_id"`
	MarketID        string          `json:"market_id"`
	Outcome         model.Outcome   `json:"outcome"`
	Shares          float64         `json:"shares"`
	Amount          int64           `json:"amount"`
	SellPrice       decimal.Decimal `json:"sell_price"`
	RemainingShares float64         `json:"remaining_shares"`
	NewBalance      int64           `json:"new_balance"`
	Quote           cpmm.Quote      `json:"quote"`
}

// SellShares sells shares of outcome back to the pool. The account's
// aggregate holding on that side is what is checked, not any single lot,
// and no lot is modified: the sale is recorded only as a sell transaction.
func (e *Engine) SellShares(ctx context.Context, accountID, marketID string, outcome model.Outcome, shares float64) (res *SellResult, err error) {
	const op = "sell_shares"
	defer e.observe(op, time.Now(), &err)

	if !outcome.Tradable() {
		return nil, newError(op, KindInvalidOutcome, "outcome %q", outcome)
	}
	if !positiveFinite(shares) {
		return nil, newError(op, KindInvalidShares, "shares must be positive, got %v", shares)
	}

	unlockMarket, err := e.locks.lockMarket(ctx, op, marketID)
	if err != nil {
		return nil, err
	}
	defer unlockMarket()
	unlockAccounts, err := e.locks.lockAccounts(ctx, op, accountID)
	if err != nil {
		return nil, err
	}
	defer unlockAccounts()

	var (
		result  SellResult
		updated model.Market
		now     time.Time
	)
	err = e.commit(ctx, op, func() (*store.Mutation, error) {
		now = e.now()
		market, err := e.loadMarket(ctx, op, marketID)
		if err != nil {
			return nil, err
		}
		if err := checkTradable(op, market); err != nil {
			return nil, err
		}
		account, err := e.loadAccount(ctx, op, accountID)
		if err != nil {
			return nil, err
		}
		available, err := e.availableShares(ctx, accountID, marketID, outcome)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if shares > available+shareTolerance {
			return nil, newError(op, KindInsufficientShares, "holding %.6f %s shares, selling %.6f", available, outcome, shares)
		}

		amount, newYes, newNo := cpmm.SellWithPools(shares, outcome, market.YesPool, market.NoPool)
		proceeds := toCurrency(amount)
		if proceeds <= 0 {
			return nil, newError(op, KindSellTooSmall, "%.6f shares are worth %.4f", shares, amount)
		}

		updated = *market
		updated.YesPool = newYes
		updated.NoPool = newNo
		updated.Volume += proceeds

		sellPrice := cpmm.AveragePrice(amount, shares)
		tx := model.LedgerTransaction{
			ID:          e.newID(),
			AccountID:   accountID,
			Amount:      proceeds,
			Kind:        model.TxSell,
			ReferenceID: marketID,
			CreatedAt:   now,
			Metadata: &model.TxMetadata{
				Shares:    shares,
				SellPrice: sellPrice,
				Outcome:   outcome,
				MarketID:  marketID,
			},
		}
		result = SellResult{
			TransactionID:   tx.ID,
			MarketID:        marketID,
			Outcome:         outcome,
			Shares:          shares,
			Amount:          proceeds,
			SellPrice:       sellPrice,
			RemainingShares: math.Max(available-shares, 0),
			NewBalance:      account.Balance + proceeds,
			Quote:           cpmm.QuotePools(newYes, newNo),
		}
		return &store.Mutation{
			Market:       &store.MarketWrite{Market: updated, ExpectedVersion: market.Version},
			Balances:     []store.BalanceDelta{{AccountID: accountID, Delta: proceeds}},
			Transactions: []model.LedgerTransaction{tx},
			PricePoint:   pricePoint(marketID, newYes, newNo, now),
		}, nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("shares sold",
		"account_id", accountID, "market_id", marketID, "outcome", outcome,
		"shares", shares, "amount", result.Amount, "yes_price", result.Quote.PYes)
	e.observer.ObserveTrade(marketID, "sell", outcome, result.Amount)
	e.notify(&updated, now)
	return &result, nil
}

// availableShares is Σ lot shares − Σ shares already sold for one
// (account, market, outcome).
func (e *Engine) availableShares(ctx context.Context, accountID, marketID string, outcome model.Outcome) (float64, error) {
	lots, err := e.store.LotsByAccount(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("load lots: %w", err)
	}
	var bought float64
	for _, lot := range lots {
		if lot.MarketID == marketID && lot.Outcome == outcome {
			bought += lot.Shares
		}
	}

	txs, err := e.store.TransactionsByReference(ctx, marketID)
	if err != nil {
		return 0, fmt.Errorf("load sells: %w", err)
	}
	var sold float64
	for _, tx := range txs {
		if tx.AccountID == accountID && isSell(tx, outcome) {
			sold += tx.Metadata.Shares
		}
	}
	return math.Max(bought-sold, 0), nil
}

// checkTradable rejects markets that can no longer be traded.
func checkTradable(op string, m *model.Market) error {
	if m.Resolved {
		return newError(op, KindMarketResolved, "market %s", m.ID)
	}
	if m.YesPool <= 0 || m.NoPool <= 0 {
		return newError(op, KindMarketInvalid, "market %s has non-positive pools (%v, %v)", m.ID, m.YesPool, m.NoPool)
	}
	return nil
}

func isSell(tx model.LedgerTransaction, outcome model.Outcome) bool {
	return tx.Kind == model.TxSell && tx.Metadata != nil && tx.Metadata.Outcome == outcome
}
