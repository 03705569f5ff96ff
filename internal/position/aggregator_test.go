package position_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/watmarket/market-engine/internal/cpmm"
	"github.com/watmarket/market-engine/internal/ledger"
	"github.com/watmarket/market-engine/internal/model"
	"github.com/watmarket/market-engine/internal/position"
	"github.com/watmarket/market-engine/internal/store"
)

type fixture struct {
	eng   *ledger.Engine
	store *store.MemoryStore
	agg   *position.Aggregator
	now   time.Time
}

// newFixture builds a ledger whose clock moves one minute per reading, so
// every trade gets a distinct timestamp.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: store.NewMemoryStore(), now: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
	seq := 0
	f.eng = ledger.New(f.store,
		ledger.WithClock(func() time.Time {
			f.now = f.now.Add(time.Minute)
			return f.now
		}),
		ledger.WithIDGenerator(func() string { seq++; return fmt.Sprintf("id-%d", seq) }),
		ledger.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	f.agg = position.New(f.store)
	return f
}

func (f *fixture) account(t *testing.T, id string) {
	t.Helper()
	if _, err := f.eng.CreateAccount(context.Background(), ledger.NewAccount{ID: id}); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) market(t *testing.T, title string) *model.Market {
	t.Helper()
	m, err := f.eng.CreateMarket(context.Background(), ledger.NewMarket{
		Title:    title,
		ClosesAt: f.now.Add(30 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func (f *fixture) bet(t *testing.T, accountID, marketID string, outcome model.Outcome, stake int64) *ledger.BetResult {
	t.Helper()
	res, err := f.eng.PlaceBet(context.Background(), accountID, marketID, outcome, stake)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

// near compares a valuation against a float within a hundredth of a cent.
func near(d decimal.Decimal, f float64) bool { return math.Abs(d.InexactFloat64()-f) < 1e-4 }

func TestAggregate_OpenPositionAtLiquidationValue(t *testing.T) {
	f := newFixture(t)
	f.account(t, "alice")
	f.account(t, "bob")
	m := f.market(t, "Will it snow on campus in April?")

	a1 := f.bet(t, "alice", m.ID, model.OutcomeYes, 10)
	a2 := f.bet(t, "alice", m.ID, model.OutcomeYes, 15)
	f.bet(t, "bob", m.ID, model.OutcomeYes, 100)

	positions, err := f.agg.Aggregate(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 {
		t.Fatalf("two lots on one side should merge, got %d positions", len(positions))
	}
	p := positions[0]

	cur, _ := f.store.GetMarket(context.Background(), m.ID)
	shares := a1.Shares + a2.Shares
	want := cpmm.LiquidationValue(shares, model.OutcomeYes, cur.YesPool, cur.NoPool)
	if !approx(p.TotalShares, shares) || p.TotalCost != 25 {
		t.Errorf("unexpected totals %+v", p)
	}
	if !p.CurrentValue.Equal(want) {
		t.Errorf("expected liquidation value %v, got %v", want, p.CurrentValue)
	}
	mark := cpmm.SpotPrice(model.OutcomeYes, cur.YesPool, cur.NoPool).Mul(decimal.NewFromFloat(shares))
	if p.CurrentValue.GreaterThanOrEqual(mark) {
		t.Errorf("liquidation value %v should be below mark %v", p.CurrentValue, mark)
	}
	if !p.PnL.IsPositive() {
		t.Errorf("bob's buy lifted the price, alice should be up, got %v", p.PnL)
	}
	if !p.PnL.Equal(p.CurrentValue.Sub(decimal.NewFromInt(25))) {
		t.Errorf("PnL should be value minus cost, got %v", p.PnL)
	}
	if !near(p.PnLPercent, p.PnL.InexactFloat64()/25*100) {
		t.Errorf("unexpected pnl percent %v", p.PnLPercent)
	}
	if p.Resolved || p.MarketTitle != m.Title {
		t.Errorf("unexpected market fields %+v", p)
	}
}

func TestAggregate_ResolvedUsesActualPayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "alice")
	m := f.market(t, "Will the dining hall serve tacos?")

	y := f.bet(t, "alice", m.ID, model.OutcomeYes, 10)
	f.bet(t, "alice", m.ID, model.OutcomeNo, 10)
	if _, err := f.eng.ResolveMarket(ctx, m.ID, model.OutcomeYes, "admin"); err != nil {
		t.Fatal(err)
	}

	positions, err := f.agg.Aggregate(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 2 {
		t.Fatalf("expected a position per side, got %d", len(positions))
	}
	won := int64(math.RoundToEven(y.Shares))
	for _, p := range positions {
		switch p.Outcome {
		case model.OutcomeYes:
			if p.Payout != won || !p.CurrentValue.Equal(decimal.NewFromInt(won)) || !p.PnL.Equal(decimal.NewFromInt(won-10)) {
				t.Errorf("winning side: %+v", p)
			}
		case model.OutcomeNo:
			if p.Payout != 0 || !p.PnL.Equal(decimal.NewFromInt(-10)) || !p.PnLPercent.Equal(decimal.NewFromInt(-100)) {
				t.Errorf("losing side: %+v", p)
			}
		}
		if !p.Resolved || p.MarketOutcome == nil || *p.MarketOutcome != model.OutcomeYes {
			t.Errorf("position should carry the resolution: %+v", p)
		}
	}
	if positions[0].Outcome != model.OutcomeYes {
		t.Error("higher PnL sorts first")
	}
}

func TestAggregate_SortsOpenFirstThenPnL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "alice")
	f.account(t, "bob")
	settled := f.market(t, "settled")
	loser := f.market(t, "loser")
	winner := f.market(t, "winner")

	f.bet(t, "alice", settled.ID, model.OutcomeYes, 50)
	f.bet(t, "alice", loser.ID, model.OutcomeYes, 20)
	f.bet(t, "alice", winner.ID, model.OutcomeYes, 20)
	f.bet(t, "bob", loser.ID, model.OutcomeNo, 200)
	f.bet(t, "bob", winner.ID, model.OutcomeYes, 200)
	if _, err := f.eng.ResolveMarket(ctx, settled.ID, model.OutcomeYes, "admin"); err != nil {
		t.Fatal(err)
	}

	positions, err := f.agg.Aggregate(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, p := range positions {
		got = append(got, p.MarketTitle)
	}
	want := []string{"winner", "loser", "settled"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestAggregate_SellsLeaveLotsWhole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "alice")
	m := f.market(t, "Will the bus be late?")

	bet := f.bet(t, "alice", m.ID, model.OutcomeNo, 40)
	sell, err := f.eng.SellShares(ctx, "alice", m.ID, model.OutcomeNo, bet.Shares/2)
	if err != nil {
		t.Fatal(err)
	}

	positions, err := f.agg.Aggregate(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	p := positions[0]
	if !approx(p.SharesSold, bet.Shares/2) || p.SellProceeds != sell.Amount {
		t.Errorf("unexpected sell accounting %+v", p)
	}
	if !approx(p.TotalShares, bet.Shares) {
		t.Errorf("total shares sum the lots, expected %v, got %v", bet.Shares, p.TotalShares)
	}

	cur, _ := f.store.GetMarket(ctx, m.ID)
	want := cpmm.LiquidationValue(bet.Shares, model.OutcomeNo, cur.YesPool, cur.NoPool)
	if !p.CurrentValue.Equal(want) {
		t.Errorf("expected liquidation value %v, got %v", want, p.CurrentValue)
	}
	if !p.PnL.Equal(want.Sub(decimal.NewFromInt(40))) {
		t.Errorf("PnL is value minus cost, got %v", p.PnL)
	}
}

func TestAggregate_SoldOutWinnerKeepsPayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "alice")
	m := f.market(t, "Will the gym open early?")

	bet := f.bet(t, "alice", m.ID, model.OutcomeYes, 10)
	if _, err := f.eng.SellShares(ctx, "alice", m.ID, model.OutcomeYes, bet.Shares); err != nil {
		t.Fatal(err)
	}
	if _, err := f.eng.ResolveMarket(ctx, m.ID, model.OutcomeYes, "admin"); err != nil {
		t.Fatal(err)
	}

	positions, err := f.agg.Aggregate(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	p := positions[0]
	won := int64(math.RoundToEven(bet.Shares))
	if p.Payout != won || !p.CurrentValue.Equal(decimal.NewFromInt(won)) {
		t.Errorf("lot pays its full share count, expected %d, got %+v", won, p)
	}
	if !p.PnL.Equal(decimal.NewFromInt(won - 10)) {
		t.Errorf("expected PnL %d, got %v", won-10, p.PnL)
	}
}

func TestAggregate_InvalidatedCarriesRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "alice")
	m := f.market(t, "cancelled")

	f.bet(t, "alice", m.ID, model.OutcomeYes, 30)
	f.bet(t, "alice", m.ID, model.OutcomeNo, 10)
	if _, err := f.eng.InvalidateMarket(ctx, m.ID, "admin"); err != nil {
		t.Fatal(err)
	}

	positions, err := f.agg.Aggregate(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range positions {
		if !p.PnL.IsZero() {
			t.Errorf("a full refund nets to zero, got %+v", p)
		}
	}
	summary, err := f.agg.PortfolioSummary(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Balance != 1000 || !summary.TotalPnL.IsZero() {
		t.Errorf("unexpected summary %+v", summary)
	}
}

func TestPortfolioSummary_NoDoubleCounting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "alice")
	open := f.market(t, "open")
	closed := f.market(t, "closed")

	f.bet(t, "alice", open.ID, model.OutcomeYes, 100)
	c := f.bet(t, "alice", closed.ID, model.OutcomeYes, 50)
	if _, err := f.eng.ResolveMarket(ctx, closed.ID, model.OutcomeYes, "admin"); err != nil {
		t.Fatal(err)
	}
	payout := int64(math.RoundToEven(c.Shares))

	s, err := f.agg.PortfolioSummary(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if s.Balance != 1000-150+payout {
		t.Fatalf("unexpected balance %d", s.Balance)
	}
	if s.ActiveInvested != 100 || s.AllTimeInvested != 150 || s.ResolvedPayout != payout || s.ActivePositions != 1 {
		t.Errorf("unexpected totals %+v", s)
	}
	if !near(s.ActiveValue, 100) {
		t.Errorf("nobody else traded, active value should be the stake, got %v", s.ActiveValue)
	}
	if !s.TotalPortfolioValue.Equal(decimal.NewFromInt(s.Balance).Add(s.ActiveValue)) {
		t.Errorf("portfolio value must not add resolved payouts twice: %v", s.TotalPortfolioValue)
	}
	wantPnL := decimal.NewFromInt(payout).Add(s.ActiveValue).Sub(decimal.NewFromInt(150))
	if !s.TotalPnL.Equal(wantPnL) || !near(s.TotalPnLPercent, wantPnL.InexactFloat64()/150*100) {
		t.Errorf("expected pnl %v, got %v (%v%%)", wantPnL, s.TotalPnL, s.TotalPnLPercent)
	}
}

func TestPortfolioSummary_EmptyAndUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "alice")

	s, err := f.agg.PortfolioSummary(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !s.TotalPortfolioValue.Equal(decimal.NewFromInt(1000)) || !s.TotalPnL.IsZero() || !s.TotalPnLPercent.IsZero() || len(s.Positions) != 0 {
		t.Errorf("unexpected empty summary %+v", s)
	}

	_, err = f.agg.PortfolioSummary(ctx, "ghost")
	if !errors.Is(err, position.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestTradeHistory_MergesNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "alice")
	m := f.market(t, "Will the library extend hours?")
	other := f.market(t, "Will it rain?")

	b1 := f.bet(t, "alice", m.ID, model.OutcomeYes, 20)
	sell, err := f.eng.SellShares(ctx, "alice", m.ID, model.OutcomeYes, b1.Shares/2)
	if err != nil {
		t.Fatal(err)
	}
	b2 := f.bet(t, "alice", other.ID, model.OutcomeNo, 10)
	if _, err := f.eng.ResolveMarket(ctx, m.ID, model.OutcomeNo, "admin"); err != nil {
		t.Fatal(err)
	}

	items, err := f.agg.TradeHistory(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 trades, got %d", len(items))
	}
	if items[0].ID != b2.LotID || items[1].ID != sell.TransactionID || items[2].ID != b1.LotID {
		t.Errorf("unexpected order: %s, %s, %s", items[0].ID, items[1].ID, items[2].ID)
	}
	if items[1].Type != "sell" || items[1].Amount != sell.Amount || items[1].MarketTitle != m.Title {
		t.Errorf("unexpected sell item %+v", items[1])
	}
	if items[2].Type != "buy" || !items[2].IsResolved || items[2].Result != "lost" || items[2].Payout == nil || *items[2].Payout != 0 {
		t.Errorf("unexpected settled buy %+v", items[2])
	}
	if items[0].IsResolved || items[0].Result != "" {
		t.Errorf("open buy should carry no result: %+v", items[0])
	}
}

// flakyMarkets serves everything from the wrapped reader except markets.
type flakyMarkets struct {
	store.Reader
	err error
}

func (r flakyMarkets) GetMarket(context.Context, string) (*model.Market, error) {
	return nil, r.err
}

func TestTradeHistory_MarketReadFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "alice")
	m := f.market(t, "Will the elevator work?")
	f.bet(t, "alice", m.ID, model.OutcomeYes, 10)
	f.bet(t, "alice", m.ID, model.OutcomeNo, 10)

	reset := errors.New("connection reset")
	agg := position.New(flakyMarkets{Reader: f.store, err: reset})
	if _, err := agg.TradeHistory(ctx, "alice"); !errors.Is(err, reset) {
		t.Fatalf("expected the read failure to surface, got %v", err)
	}

	// A market that is gone drops its buys instead of failing.
	agg = position.New(flakyMarkets{Reader: f.store, err: fmt.Errorf("market %s: %w", m.ID, store.ErrNotFound)})
	items, err := agg.TradeHistory(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Errorf("expected buys on a missing market to be skipped, got %d", len(items))
	}
}
