package ledger

import "github.com/shopspring/decimal"

// toCurrency converts a continuous amount to integral currency using
// round-half-to-even. Every place a share count or pool-derived amount
// becomes currency goes through here.
func toCurrency(x float64) int64 {
	return decimal.NewFromFloat(x).RoundBank(0).IntPart()
}
