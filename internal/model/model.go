// Package model defines the core domain types shared across the market engine.
// Currency is integral (int64); shares and pool reserves are continuous
// (float64) and only cross into currency through the ledger's rounding rule.
// Prices and valuations use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is the side of a binary market, or the terminal invalid state.
type Outcome string

const (
	OutcomeYes     Outcome = "yes"
	OutcomeNo      Outcome = "no"
	OutcomeInvalid Outcome = "invalid"
)

// Tradable reports whether o can be bought, sold or used to resolve a market.
func (o Outcome) Tradable() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// Opposite returns the other side of a tradable outcome.
func (o Outcome) Opposite() Outcome {
	if o == OutcomeYes {
		return OutcomeNo
	}
	return OutcomeYes
}

// TxKind classifies a ledger transaction.
type TxKind string

const (
	TxBet     TxKind = "bet"
	TxPayout  TxKind = "payout"
	TxInitial TxKind = "initial"
	TxSell    TxKind = "sell"
	TxRefund  TxKind = "refund"
)

// Market is a binary prediction market backed by paired CPMM reserves.
// While open, YesPool*NoPool is constant across trades. Invalidation
// forces both pools to zero.
type Market struct {
	ID          string     `json:"id" db:"id"`
	Title       string     `json:"title" db:"title"`
	Description string     `json:"description,omitempty" db:"description"`
	ClosesAt    time.Time  `json:"closes_at" db:"closes_at"`
	YesPool     float64    `json:"yes_pool" db:"yes_pool"`
	NoPool      float64    `json:"no_pool" db:"no_pool"`
	Volume      int64      `json:"volume" db:"volume"`
	Resolved    bool       `json:"resolved" db:"resolved"`
	Outcome     *Outcome   `json:"correct_outcome" db:"correct_outcome"`
	CreatedBy   string     `json:"created_by,omitempty" db:"created_by"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy  string     `json:"resolved_by,omitempty" db:"resolved_by"`
	Version     int64      `json:"version" db:"version"`
}

// Invalidated reports whether the market was cancelled rather than resolved.
func (m *Market) Invalidated() bool {
	return m.Resolved && m.Outcome != nil && *m.Outcome == OutcomeInvalid
}

// Account holds a participant's non-transferable currency balance.
type Account struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email,omitempty" db:"email"`
	Balance   int64     `json:"balance" db:"balance"`
	IsAdmin   bool      `json:"is_admin" db:"is_admin"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// PositionLot is the immutable record of one buy. Payout is set exactly
// once, when the market resolves or is invalidated.
type PositionLot struct {
	ID        string          `json:"id" db:"id"`
	AccountID string          `json:"account_id" db:"account_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Outcome   Outcome         `json:"outcome" db:"outcome"`
	Stake     int64           `json:"stake" db:"stake"`
	Shares    float64         `json:"shares" db:"shares"`
	BuyPrice  decimal.Decimal `json:"buy_price" db:"buy_price"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	Payout    *int64          `json:"payout" db:"payout"`
}

// TxMetadata carries the details of a sell, which is recorded only in the
// transaction log and never as a lot.
type TxMetadata struct {
	Shares    float64         `json:"shares,omitempty"`
	SellPrice decimal.Decimal `json:"sell_price"`
	Outcome   Outcome         `json:"outcome,omitempty"`
	MarketID  string          `json:"market_id,omitempty"`
}

// LedgerTransaction is an append-only audit entry. Once created it is
// never modified or deleted.
type LedgerTransaction struct {
	ID          string      `json:"id" db:"id"`
	AccountID   string      `json:"account_id" db:"account_id"`
	Amount      int64       `json:"amount" db:"amount"` // signed: -bet, +payout/sell/refund/initial
	Kind        TxKind      `json:"type" db:"kind"`
	ReferenceID string      `json:"reference_id,omitempty" db:"reference_id"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	Metadata    *TxMetadata `json:"metadata,omitempty" db:"metadata"`
}

// PricePoint is a snapshot of the implied probabilities after a pool change.
type PricePoint struct {
	MarketID  string          `json:"market_id" db:"market_id"`
	YesPrice  decimal.Decimal `json:"yes_price" db:"yes_price"`
	NoPrice   decimal.Decimal `json:"no_price" db:"no_price"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Position aggregates all lots and sells of one account on one side of one
// market. It is derived at read time and never persisted.
type Position struct {
	AccountID     string          `json:"account_id"`
	MarketID      string          `json:"market_id"`
	MarketTitle   string          `json:"market_title"`
	Outcome       Outcome         `json:"outcome"`
	SharesBought  float64         `json:"shares_bought"`
	SharesSold    float64         `json:"shares_sold"`
	TotalShares   float64         `json:"total_shares"`
	TotalCost     int64           `json:"total_cost"`
	SellProceeds  int64           `json:"sell_proceeds"`
	AvgBuyPrice   decimal.Decimal `json:"avg_buy_price"`
	Resolved      bool            `json:"resolved"`
	MarketOutcome *Outcome        `json:"market_outcome,omitempty"`
	Payout        int64           `json:"payout"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	PnL           decimal.Decimal `json:"pnl"`
	PnLPercent    decimal.Decimal `json:"pnl_percent"`
}

// PortfolioSummary values an account's holdings. Resolved payouts already
// live inside Balance and are not added to TotalPortfolioValue again.
type PortfolioSummary struct {
	AccountID           string          `json:"account_id"`
	Balance             int64           `json:"balance"`
	ActiveInvested      int64           `json:"active_invested"`
	ActiveValue         decimal.Decimal `json:"active_value"`
	AllTimeInvested     int64           `json:"all_time_invested"`
	ResolvedPayout      int64           `json:"resolved_payout"`
	SellProceeds        int64           `json:"sell_proceeds"`
	TotalPortfolioValue decimal.Decimal `json:"total_portfolio_value"`
	TotalPnL            decimal.Decimal `json:"total_pnl"`
	TotalPnLPercent     decimal.Decimal `json:"total_pnl_percent"`
	ActivePositions     int             `json:"active_positions"`
	Positions           []Position      `json:"positions"`
}

// TradeHistoryItem is one buy or sell in an account's merged trade history.
type TradeHistoryItem struct {
	ID          string          `json:"id"`
	CreatedAt   time.Time       `json:"created_at"`
	MarketID    string          `json:"market_id"`
	MarketTitle string          `json:"market_title"`
	Outcome     Outcome         `json:"outcome"`
	Type        string          `json:"type"` // "buy" or "sell"
	Shares      float64         `json:"shares"`
	Price       decimal.Decimal `json:"price"`
	Amount      int64           `json:"amount"`
	IsResolved  bool            `json:"is_resolved"`
	Result      string          `json:"result,omitempty"` // "won", "lost", "refunded"
	Payout      *int64          `json:"payout,omitempty"`
}
