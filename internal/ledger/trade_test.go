package ledger_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/watmarket/market-engine/internal/cpmm"
	"github.com/watmarket/market-engine/internal/ledger"
	"github.com/watmarket/market-engine/internal/model"
)

// --- PlaceBet ---

func TestPlaceBet_Scenario(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, "alice")
	m := env.market(t, 100, 100)

	res := env.bet(t, "alice", m.ID, yes, 10)
	if math.Abs(res.Shares-19.09) > 0.01 {
		t.Errorf("expected ≈19.09 shares, got %v", res.Shares)
	}
	if math.Abs(res.BuyPrice.InexactFloat64()-10/res.Shares) > 1e-8 {
		t.Errorf("buy price should be stake/shares, got %v", res.BuyPrice)
	}
	if res.NewBalance != 990 || env.balance(t, "alice") != 990 {
		t.Errorf("expected balance 990, got %d / %d", res.NewBalance, env.balance(t, "alice"))
	}

	after := env.getMarket(t, m.ID)
	if math.Abs(after.YesPool-90.91) > 0.01 || after.NoPool != 110 {
		t.Errorf("expected pools ≈(90.91, 110), got (%v, %v)", after.YesPool, after.NoPool)
	}
	if after.Volume != 10 {
		t.Errorf("expected volume 10, got %d", after.Volume)
	}

	env.bet(t, "alice", m.ID, yes, 50)
	after = env.getMarket(t, m.ID)
	if math.Abs(after.YesPool*after.NoPool-10000) > 0.01 {
		t.Errorf("k should stay 10000, got %v", after.YesPool*after.NoPool)
	}
}

func TestPlaceBet_RecordsLotTransactionAndPrice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.account(t, "alice")
	m := env.market(t, 100, 100)

	res := env.bet(t, "alice", m.ID, no, 25)

	lots, _ := env.store.LotsByAccount(ctx, "alice")
	if len(lots) != 1 {
		t.Fatalf("expected one lot, got %d", len(lots))
	}
	lot := lots[0]
	if lot.ID != res.LotID || lot.Outcome != no || lot.Stake != 25 || lot.Shares != res.Shares || lot.Payout != nil {
		t.Errorf("unexpected lot %+v", lot)
	}

	txs, _ := env.store.TransactionsByAccount(ctx, "alice")
	bet := txs[len(txs)-1]
	if bet.Kind != model.TxBet || bet.Amount != -25 || bet.ReferenceID != lot.ID {
		t.Errorf("unexpected bet transaction %+v", bet)
	}

	history, _ := env.store.PriceHistory(ctx, m.ID)
	if len(history) != 2 || history[1].YesPrice.GreaterThanOrEqual(half) {
		t.Errorf("a NO bet should push the yes price down, got %+v", history)
	}
}

func TestPlaceBet_InsufficientBalanceLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.account(t, "alice")
	m := env.market(t, 100, 100)

	_, err := env.eng.PlaceBet(ctx, "alice", m.ID, yes, 1001)
	expectKind(t, err, ledger.KindInsufficientBalance)

	if env.balance(t, "alice") != 1000 {
		t.Errorf("balance changed: %d", env.balance(t, "alice"))
	}
	after := env.getMarket(t, m.ID)
	if after.YesPool != 100 || after.NoPool != 100 || after.Volume != 0 || after.Version != m.Version {
		t.Errorf("market changed: %+v", after)
	}
	if lots, _ := env.store.LotsByMarket(ctx, m.ID); len(lots) != 0 {
		t.Errorf("lot count changed: %d", len(lots))
	}
}

func TestPlaceBet_Rejections(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, "alice")
	m := env.market(t, 100, 100)

	tests := []struct {
		name      string
		accountID string
		marketID  string
		outcome   model.Outcome
		stake     int64
		want      ledger.Kind
	}{
		{"unknown market", "alice", "nowhere", yes, 10, ledger.KindMarketNotFound},
		{"unknown account", "ghost", m.ID, yes, 10, ledger.KindAccountNotFound},
		{"invalid outcome", "alice", m.ID, model.OutcomeInvalid, 10, ledger.KindInvalidOutcome},
		{"empty outcome", "alice", m.ID, "", 10, ledger.KindInvalidOutcome},
		{"zero stake", "alice", m.ID, yes, 0, ledger.KindInvalidStake},
		{"negative stake", "alice", m.ID, no, -5, ledger.KindInvalidStake},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.eng.PlaceBet(context.Background(), tt.accountID, tt.marketID, tt.outcome, tt.stake)
			expectKind(t, err, tt.want)
		})
	}
	if env.balance(t, "alice") != 1000 {
		t.Errorf("rejected bets must not move the balance, got %d", env.balance(t, "alice"))
	}
}

func TestPlaceBet_ClosedMarket(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, "alice")
	m := env.market(t, 100, 100)

	env.clock.Advance(24 * time.Hour) // exactly closesAt
	_, err := env.eng.PlaceBet(context.Background(), "alice", m.ID, yes, 10)
	expectKind(t, err, ledger.KindMarketClosed)
}

func TestPlaceBet_ResolvedMarket(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.account(t, "alice")
	m := env.market(t, 100, 100)

	if _, err := env.eng.ResolveMarket(ctx, m.ID, yes, "admin"); err != nil {
		t.Fatal(err)
	}
	_, err := env.eng.PlaceBet(ctx, "alice", m.ID, yes, 10)
	expectKind(t, err, ledger.KindMarketResolved)
}

// --- SellShares ---

func TestSellShares_RoundTripRestoresState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.account(t, "alice")
	m := env.market(t, 100, 100)

	bet := env.bet(t, "alice", m.ID, yes, 10)
	res, err := env.eng.SellShares(ctx, "alice", m.ID, yes, bet.Shares)
	if err != nil {
		t.Fatal(err)
	}
	if res.Amount != 10 || res.NewBalance != 1000 {
		t.Errorf("expected to get 10 back, got %d (balance %d)", res.Amount, res.NewBalance)
	}
	if res.RemainingShares != 0 {
		t.Errorf("expected nothing left, got %v", res.RemainingShares)
	}

	after := env.getMarket(t, m.ID)
	if math.Abs(after.YesPool-100) > 1e-6 || math.Abs(after.NoPool-100) > 1e-6 {
		t.Errorf("pools should be restored, got (%v, %v)", after.YesPool, after.NoPool)
	}
	if after.Volume != 20 {
		t.Errorf("volume should count both legs, got %d", after.Volume)
	}
}

func TestSellShares_RecordsTransactionOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.account(t, "alice")
	m := env.market(t, 100, 100)

	bet := env.bet(t, "alice", m.ID, no, 40)
	before, _ := env.store.LotsByAccount(ctx, "alice")

	res, err := env.eng.SellShares(ctx, "alice", m.ID, no, bet.Shares/2)
	if err != nil {
		t.Fatal(err)
	}

	after, _ := env.store.LotsByAccount(ctx, "alice")
	if len(after) != len(before) || after[0].Shares != before[0].Shares {
		t.Errorf("lots must not change on sell: %+v -> %+v", before, after)
	}

	sells, _ := env.store.TransactionsByReference(ctx, m.ID)
	if len(sells) != 1 {
		t.Fatalf("expected one sell referencing the market, got %d", len(sells))
	}
	tx := sells[0]
	if tx.Kind != model.TxSell || tx.Amount != res.Amount || tx.Metadata == nil {
		t.Fatalf("unexpected sell transaction %+v", tx)
	}
	if tx.Metadata.Shares != bet.Shares/2 || tx.Metadata.Outcome != no || tx.Metadata.MarketID != m.ID {
		t.Errorf("unexpected sell metadata %+v", tx.Metadata)
	}
	if math.Abs(res.RemainingShares-bet.Shares/2) > 1e-9 {
		t.Errorf("expected half left, got %v", res.RemainingShares)
	}
}

func TestSellShares_DrawsOnAggregateAcrossLots(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.account(t, "alice")
	m := env.market(t, 100, 100)

	first := env.bet(t, "alice", m.ID, yes, 10)
	second := env.bet(t, "alice", m.ID, yes, 10)
	total := first.Shares + second.Shares

	// More than either lot alone, less than both.
	if _, err := env.eng.SellShares(ctx, "alice", m.ID, yes, first.Shares+1); err != nil {
		t.Fatalf("sell across lots failed: %v", err)
	}
	_, err := env.eng.SellShares(ctx, "alice", m.ID, yes, total)
	expectKind(t, err, ledger.KindInsufficientShares)

	if _, err := env.eng.SellShares(ctx, "alice", m.ID, yes, total-first.Shares-1); err != nil {
		t.Fatalf("selling the remainder failed: %v", err)
	}
	_, err = env.eng.SellShares(ctx, "alice", m.ID, yes, 0.5)
	expectKind(t, err, ledger.KindInsufficientShares)
}

func TestSellShares_WrongSideHasNoShares(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, "alice")
	m := env.market(t, 100, 100)
	env.bet(t, "alice", m.ID, yes, 10)

	_, err := env.eng.SellShares(context.Background(), "alice", m.ID, no, 1)
	expectKind(t, err, ledger.KindInsufficientShares)
}

func TestSellShares_TooSmall(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, "alice")
	m := env.market(t, 100, 100)
	env.bet(t, "alice", m.ID, yes, 10)

	_, err := env.eng.SellShares(context.Background(), "alice", m.ID, yes, 0.4)
	expectKind(t, err, ledger.KindSellTooSmall)
	if env.balance(t, "alice") != 990 {
		t.Errorf("rejected sell must not move the balance, got %d", env.balance(t, "alice"))
	}
}

func TestSellShares_Rejections(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, "alice")
	m := env.market(t, 100, 100)
	env.bet(t, "alice", m.ID, yes, 10)

	tests := []struct {
		name     string
		marketID string
		outcome  model.Outcome
		shares   float64
		want     ledger.Kind
	}{
		{"unknown market", "nowhere", yes, 1, ledger.KindMarketNotFound},
		{"invalid outcome", m.ID, model.OutcomeInvalid, 1, ledger.KindInvalidOutcome},
		{"zero shares", m.ID, yes, 0, ledger.KindInvalidShares},
		{"negative shares", m.ID, yes, -1, ledger.KindInvalidShares},
		{"NaN shares", m.ID, yes, math.NaN(), ledger.KindInvalidShares},
		{"infinite shares", m.ID, yes, math.Inf(1), ledger.KindInvalidShares},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.eng.SellShares(context.Background(), "alice", tt.marketID, tt.outcome, tt.shares)
			expectKind(t, err, tt.want)
		})
	}
}

func TestSellShares_AllowedAfterCloseUntilResolved(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.account(t, "alice")
	m := env.market(t, 100, 100)
	bet := env.bet(t, "alice", m.ID, yes, 10)

	env.clock.Advance(48 * time.Hour)
	if _, err := env.eng.SellShares(ctx, "alice", m.ID, yes, bet.Shares/2); err != nil {
		t.Fatalf("sell after close should succeed: %v", err)
	}

	if _, err := env.eng.ResolveMarket(ctx, m.ID, yes, "admin"); err != nil {
		t.Fatal(err)
	}
	_, err := env.eng.SellShares(ctx, "alice", m.ID, yes, bet.Shares/4)
	expectKind(t, err, ledger.KindMarketResolved)
}

func TestLedger_InvariantHoldsAcrossTrades(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.account(t, "alice")
	env.account(t, "bob")
	m := env.market(t, 120, 80)
	k := cpmm.Invariant(m.YesPool, m.NoPool)

	check := func(step string) {
		t.Helper()
		cur := env.getMarket(t, m.ID)
		if !relClose(cur.YesPool*cur.NoPool, k, 1e-4) {
			t.Fatalf("%s: k drifted from %v to %v", step, k, cur.YesPool*cur.NoPool)
		}
	}

	a := env.bet(t, "alice", m.ID, yes, 40)
	check("alice buys yes")
	b := env.bet(t, "bob", m.ID, no, 300)
	check("bob buys no")
	if _, err := env.eng.SellShares(ctx, "alice", m.ID, yes, a.Shares/3); err != nil {
		t.Fatal(err)
	}
	check("alice sells a third")
	env.bet(t, "alice", m.ID, no, 7)
	check("alice buys no")
	if _, err := env.eng.SellShares(ctx, "bob", m.ID, no, b.Shares); err != nil {
		t.Fatal(err)
	}
	check("bob sells everything")
}
