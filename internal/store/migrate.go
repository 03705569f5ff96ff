package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// The row types below describe the PostgreSQL schema. They exist only for
// migration; PostgresStore talks to the tables through pgx.

type marketRow struct {
	ID             string          `gorm:"primaryKey;type:text"`
	Title          string          `gorm:"type:text;not null"`
	Description    string          `gorm:"type:text;not null;default:''"`
	ClosesAt       time.Time       `gorm:"type:timestamptz;not null"`
	YesPool        decimal.Decimal `gorm:"type:numeric;not null"`
	NoPool         decimal.Decimal `gorm:"type:numeric;not null"`
	Volume         int64           `gorm:"not null;default:0;check:chk_markets_volume,volume >= 0"`
	Resolved       bool            `gorm:"not null;default:false;index"`
	CorrectOutcome *string         `gorm:"type:text;check:chk_markets_outcome,correct_outcome IN ('yes','no','invalid')"`
	CreatedBy      string          `gorm:"type:text;not null;default:''"`
	CreatedAt      time.Time       `gorm:"type:timestamptz;not null;index"`
	ResolvedAt     *time.Time      `gorm:"type:timestamptz"`
	ResolvedBy     string          `gorm:"type:text;not null;default:''"`
	Version        int64           `gorm:"not null;default:1"`
}

func (marketRow) TableName() string { return "markets" }

type accountRow struct {
	ID        string    `gorm:"primaryKey;type:text"`
	Email     string    `gorm:"type:text;not null;default:''"`
	Balance   int64     `gorm:"not null;check:chk_accounts_balance,balance >= 0"`
	IsAdmin   bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null"`
}

func (accountRow) TableName() string { return "accounts" }

type lotRow struct {
	ID        string          `gorm:"primaryKey;type:text"`
	AccountID string          `gorm:"type:text;not null;index:idx_lots_account"`
	MarketID  string          `gorm:"type:text;not null;index:idx_lots_market"`
	Outcome   string          `gorm:"type:text;not null;check:chk_lots_outcome,outcome IN ('yes','no')"`
	Stake     int64           `gorm:"not null;check:chk_lots_stake,stake > 0"`
	Shares    decimal.Decimal `gorm:"type:numeric;not null"`
	BuyPrice  decimal.Decimal `gorm:"type:numeric;not null"`
	CreatedAt time.Time       `gorm:"type:timestamptz;not null"`
	Payout    *int64
}

func (lotRow) TableName() string { return "position_lots" }

type transactionRow struct {
	Seq         int64     `gorm:"primaryKey;autoIncrement"`
	ID          string    `gorm:"type:text;not null;uniqueIndex"`
	AccountID   string    `gorm:"type:text;not null;index:idx_tx_account"`
	Amount      int64     `gorm:"not null"`
	Kind        string    `gorm:"type:text;not null"`
	ReferenceID string    `gorm:"type:text;not null;default:'';index:idx_tx_reference"`
	CreatedAt   time.Time `gorm:"type:timestamptz;not null"`
	Metadata    []byte    `gorm:"type:jsonb"`
}

func (transactionRow) TableName() string { return "ledger_transactions" }

type pricePointRow struct {
	ID        int64           `gorm:"primaryKey;autoIncrement"`
	MarketID  string          `gorm:"type:text;not null;index:idx_price_history_market_time"`
	YesPrice  decimal.Decimal `gorm:"type:numeric;not null"`
	NoPrice   decimal.Decimal `gorm:"type:numeric;not null"`
	CreatedAt time.Time       `gorm:"type:timestamptz;not null;index:idx_price_history_market_time"`
}

func (pricePointRow) TableName() string { return "price_history" }

// Migrate creates or updates the schema PostgresStore expects.
func Migrate(ctx context.Context, dsn string) error {
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := db.WithContext(ctx).AutoMigrate(
		&marketRow{},
		&accountRow{},
		&lotRow{},
		&transactionRow{},
		&pricePointRow{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
