// Package cpmm implements the Constant Product Market Maker used to price
// binary outcome shares.
//
// The market maker holds two virtual reserves, yesPool and noPool, and keeps
// their product k = yesPool * noPool fixed across every trade:
//   - The implied YES probability is noPool / (yesPool + noPool)
//   - Buying one side adds the stake to the opposite pool and withdraws
//     shares from the bought side until k is restored
//   - A winning share always redeems for exactly 1 currency unit
//
// Every function is stateless: reserves are passed in and returned, never
// stored. Shares and reserves are continuous (float64) inside the math;
// prices and values leave the package as shopspring/decimal rounded to
// PriceScale. Converting results to integral currency is the ledger's job.
// Nothing here returns an error.
// Invalid inputs (non-positive amounts, non-tradable outcomes) produce
// well-defined zero results and must be rejected by the caller beforehand.
package cpmm

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/watmarket/market-engine/internal/model"
)

// DefaultLiquidity is the per-side reserve a market opens with when the
// creator does not choose one.
const DefaultLiquidity = 100.0

// PriceScale is the number of decimal places for prices and values.
const PriceScale int32 = 8

var one = decimal.NewFromInt(1)

// Quote is the instantaneous price of each side and its decimal odds.
// PYes + PNo is exactly 1.
type Quote struct {
	PYes    decimal.Decimal `json:"yes_probability"`
	PNo     decimal.Decimal `json:"no_probability"`
	OddsYes decimal.Decimal `json:"yes_odds"`
	OddsNo  decimal.Decimal `json:"no_odds"`
}

// EvenQuote is the 50/50 quote of a fresh symmetric or degenerate market.
func EvenQuote() Quote {
	half := decimal.New(5, -1)
	two := decimal.NewFromInt(2)
	return Quote{PYes: half, PNo: half, OddsYes: two, OddsNo: two}
}

// ToDecimal converts a continuous price or value to decimal at PriceScale.
// Non-finite input converts to zero.
func ToDecimal(x float64) decimal.Decimal {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(x).Round(PriceScale)
}

func validPools(yesPool, noPool float64) bool {
	return yesPool > 0 && noPool > 0 && !math.IsInf(yesPool, 0) && !math.IsInf(noPool, 0)
}

// odds is 1/p, or zero when p rounds to zero.
func odds(p decimal.Decimal) decimal.Decimal {
	if !p.IsPositive() {
		return decimal.Zero
	}
	return one.DivRound(p, PriceScale)
}

// QuotePools prices both sides from the current reserves:
//
//	pYes = noPool / (yesPool + noPool)
//	pNo  = yesPool / (yesPool + noPool)
//
// A non-positive or non-finite pool (an invalidated market) yields an even
// 50/50 quote instead of dividing by zero. pNo is taken as 1 - pYes after
// rounding so the pair always sums to exactly 1.
func QuotePools(yesPool, noPool float64) Quote {
	if !validPools(yesPool, noPool) {
		return EvenQuote()
	}
	pYes := ToDecimal(noPool / (yesPool + noPool))
	pNo := one.Sub(pYes)
	return Quote{
		PYes:    pYes,
		PNo:     pNo,
		OddsYes: odds(pYes),
		OddsNo:  odds(pNo),
	}
}

// SpotPrice returns the instantaneous price of one share of outcome.
func SpotPrice(outcome model.Outcome, yesPool, noPool float64) decimal.Decimal {
	q := QuotePools(yesPool, noPool)
	if outcome == model.OutcomeNo {
		return q.PNo
	}
	return q.PYes
}

// sides orders the reserves as (pool of outcome, pool of the opposite side).
func sides(outcome model.Outcome, yesPool, noPool float64) (float64, float64) {
	if outcome == model.OutcomeNo {
		return noPool, yesPool
	}
	return yesPool, noPool
}

// unsides maps (pool of outcome, opposite pool) back to (yesPool, noPool).
func unsides(outcome model.Outcome, same, opposite float64) (float64, float64) {
	if outcome == model.OutcomeNo {
		return opposite, same
	}
	return same, opposite
}

// Buy spends investment on outcome. For YES:
//
//	k          = yesPool * noPool
//	newNoPool  = noPool + investment
//	newYesPool = k / newNoPool
//	shares     = investment + (yesPool - newYesPool)
//
// NO is symmetric. k is preserved by construction. Buying the cheaper side
// returns more shares than the investment; buying the dearer side returns
// fewer. A non-positive investment returns zero shares and the pools as given.
func Buy(investment float64, outcome model.Outcome, yesPool, noPool float64) (shares, newYesPool, newNoPool float64) {
	if investment <= 0 || !outcome.Tradable() {
		return 0, yesPool, noPool
	}
	same, opposite := sides(outcome, yesPool, noPool)
	k := same * opposite

	newOpposite := opposite + investment
	newSame := k / newOpposite
	shares = investment + (same - newSame)

	newYesPool, newNoPool = unsides(outcome, newSame, newOpposite)
	return shares, newYesPool, newNoPool
}

// CostToBuyShares is the inverse of Buy: the investment that yields exactly
// targetShares of outcome. With Y the outcome's pool and N the opposite pool
// it is the non-negative root of
//
//	i² + i(Y + N - t) - t·N = 0
func CostToBuyShares(targetShares float64, outcome model.Outcome, yesPool, noPool float64) float64 {
	if targetShares <= 0 || !outcome.Tradable() {
		return 0
	}
	same, opposite := sides(outcome, yesPool, noPool)
	b := same + opposite - targetShares
	c := targetShares * opposite
	disc := math.Sqrt(b*b + 4*c)

	// Pick the algebraically equal form that avoids cancellation.
	var investment float64
	if b > 0 {
		investment = 2 * c / (b + disc)
	} else {
		investment = (disc - b) / 2
	}
	return math.Max(investment, 0)
}

// Sell returns the currency received for selling shares of outcome back to
// the pool. It is the exact inverse of Buy: selling the shares a Buy just
// returned gives back the investment. With Y the outcome's pool and N the
// opposite pool the amount a solves
//
//	(Y + s - a)(N - a) = Y·N   ⇔   a² - a(Y + N + s) + s·N = 0
//
// taking the smaller root so that N - a stays positive.
func Sell(shares float64, outcome model.Outcome, yesPool, noPool float64) float64 {
	if shares <= 0 || !outcome.Tradable() {
		return 0
	}
	same, opposite := sides(outcome, yesPool, noPool)
	if same <= 0 || opposite <= 0 {
		return 0
	}
	sum := same + opposite + shares
	disc := sum*sum - 4*shares*opposite
	if disc < 0 {
		disc = 0
	}
	// 2c / (b + sqrt(disc)) is the small root without cancellation.
	amount := 2 * shares * opposite / (sum + math.Sqrt(disc))
	return math.Max(amount, 0)
}

// SellViaOpposite prices the same sale a different way: buy exactly
// `shares` of the opposite outcome, then redeem the resulting complete sets
// for `shares` currency. The net is what the seller keeps. It must agree
// with Sell to floating-point precision.
func SellViaOpposite(shares float64, outcome model.Outcome, yesPool, noPool float64) float64 {
	if shares <= 0 || !outcome.Tradable() {
		return 0
	}
	cost := CostToBuyShares(shares, outcome.Opposite(), yesPool, noPool)
	return math.Max(shares-cost, 0)
}

// SellWithPools is Sell plus the reserves after the sale. For YES:
//
//	newYesPool = yesPool + (shares - amount)
//	newNoPool  = noPool - amount
//
// NO is symmetric.
func SellWithPools(shares float64, outcome model.Outcome, yesPool, noPool float64) (amount, newYesPool, newNoPool float64) {
	amount = Sell(shares, outcome, yesPool, noPool)
	if amount == 0 {
		return 0, yesPool, noPool
	}
	same, opposite := sides(outcome, yesPool, noPool)
	newYesPool, newNoPool = unsides(outcome, same+(shares-amount), opposite-amount)
	return amount, newYesPool, newNoPool
}

// PotentialPayout is what shares redeem for if their side wins: one
// currency unit each. All information lives in the trade price.
func PotentialPayout(shares float64) float64 {
	return shares
}

// LiquidationValue is Sell as a decimal: what shares of outcome are worth
// if sold into the pool right now.
func LiquidationValue(shares float64, outcome model.Outcome, yesPool, noPool float64) decimal.Decimal {
	return ToDecimal(Sell(shares, outcome, yesPool, noPool))
}

// AveragePrice is the average price paid (or received) per share.
func AveragePrice(amount, shares float64) decimal.Decimal {
	if shares <= 0 {
		return decimal.Zero
	}
	return ToDecimal(amount / shares)
}

// Invariant returns k = yesPool * noPool.
func Invariant(yesPool, noPool float64) float64 {
	return yesPool * noPool
}
