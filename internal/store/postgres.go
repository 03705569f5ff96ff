package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/watmarket/market-engine/internal/model"
)

// DefaultCommitTimeout bounds a single Commit. Expiry is reported as
// ErrConflict so the caller can retry.
const DefaultCommitTimeout = 5 * time.Second

// balanceConstraint is the only CHECK whose violation means an overdraft.
const balanceConstraint = "chk_accounts_balance"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Pools, shares and prices are stored as NUMERIC and travel as TEXT so no
// precision is lost on the wire. Each Commit runs in one SERIALIZABLE
// transaction.
type PostgresStore struct {
	pool          *pgxpool.Pool
	commitTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool, commitTimeout time.Duration) *PostgresStore {
	if commitTimeout <= 0 {
		commitTimeout = DefaultCommitTimeout
	}
	return &PostgresStore{pool: pool, commitTimeout: commitTimeout}
}

const marketColumns = `id, title, description, closes_at,
		        yes_pool::TEXT, no_pool::TEXT, volume, resolved, correct_outcome,
		        created_by, created_at, resolved_at, resolved_by, version`

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context, filter MarketFilter) ([]model.Market, error) {
	query := `SELECT ` + marketColumns + ` FROM markets`
	var args []any
	if filter.Resolved != nil {
		query += ` WHERE resolved = $1`
		args = append(args, *filter.Resolved)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, balance, is_admin, created_at FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Email, &a.Balance, &a.IsAdmin, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return &a, nil
}

const lotColumns = `id, account_id, market_id, outcome, stake,
		        shares::TEXT, buy_price::TEXT, created_at, payout`

func (s *PostgresStore) LotsByMarket(ctx context.Context, marketID string) ([]model.PositionLot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+lotColumns+` FROM position_lots WHERE market_id = $1 ORDER BY created_at, id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLots(rows)
}

func (s *PostgresStore) LotsByAccount(ctx context.Context, accountID string) ([]model.PositionLot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+lotColumns+` FROM position_lots WHERE account_id = $1 ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLots(rows)
}

const txColumns = `id, account_id, amount, kind, reference_id, created_at, metadata`

func (s *PostgresStore) TransactionsByAccount(ctx context.Context, accountID string) ([]model.LedgerTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+txColumns+` FROM ledger_transactions WHERE account_id = $1 ORDER BY seq`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (s *PostgresStore) TransactionsByReference(ctx context.Context, ref string) ([]model.LedgerTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+txColumns+` FROM ledger_transactions WHERE reference_id = $1 ORDER BY seq`, ref)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (s *PostgresStore) PriceHistory(ctx context.Context, marketID string) ([]model.PricePoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, yes_price::TEXT, no_price::TEXT, created_at
		 FROM price_history WHERE market_id = $1 ORDER BY created_at, id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []model.PricePoint
	for rows.Next() {
		var p model.PricePoint
		var yesS, noS string
		if err := rows.Scan(&p.MarketID, &yesS, &noS, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.YesPrice = parseDecimal(yesS)
		p.NoPrice = parseDecimal(noS)
		points = append(points, p)
	}
	return points, rows.Err()
}

// Commit applies m in one serializable transaction. Serialization failures,
// deadlocks and deadline expiry are reported as ErrConflict.
func (s *PostgresStore) Commit(ctx context.Context, m *Mutation) error {
	ctx, cancel := context.WithTimeout(ctx, s.commitTimeout)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classifyPgError(err)
	}
	defer tx.Rollback(ctx)

	if err := applyMutation(ctx, tx, m); err != nil {
		return classifyPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyPgError(err)
	}
	return nil
}

func applyMutation(ctx context.Context, tx pgx.Tx, m *Mutation) error {
	if mw := m.Market; mw != nil {
		if err := writeMarket(ctx, tx, mw); err != nil {
			return err
		}
	}

	for _, a := range m.NewAccounts {
		if _, err := tx.Exec(ctx,
			`INSERT INTO accounts (id, email, balance, is_admin, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			a.ID, a.Email, a.Balance, a.IsAdmin, a.CreatedAt); err != nil {
			return err
		}
	}

	if err := applyBalances(ctx, tx, m.Balances); err != nil {
		return err
	}

	for _, lot := range m.NewLots {
		if _, err := tx.Exec(ctx,
			`INSERT INTO position_lots (id, account_id, market_id, outcome, stake, shares, buy_price, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
			lot.ID, lot.AccountID, lot.MarketID, string(lot.Outcome), lot.Stake,
			numeric(lot.Shares), lot.BuyPrice.String(), lot.CreatedAt); err != nil {
			return err
		}
	}

	for _, p := range m.Payouts {
		if err := setPayout(ctx, tx, p); err != nil {
			return err
		}
	}

	for _, t := range m.Transactions {
		var meta []byte
		if t.Metadata != nil {
			var err error
			if meta, err = json.Marshal(t.Metadata); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_transactions (id, account_id, amount, kind, reference_id, created_at, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			t.ID, t.AccountID, t.Amount, string(t.Kind), t.ReferenceID, t.CreatedAt, meta); err != nil {
			return err
		}
	}

	if pp := m.PricePoint; pp != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO price_history (market_id, yes_price, no_price, created_at)
			 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)`,
			pp.MarketID, pp.YesPrice.String(), pp.NoPrice.String(), pp.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func writeMarket(ctx context.Context, tx pgx.Tx, mw *MarketWrite) error {
	mk := mw.Market
	var outcome *string
	if mk.Outcome != nil {
		o := string(*mk.Outcome)
		outcome = &o
	}

	if mw.ExpectedVersion == 0 {
		_, err := tx.Exec(ctx,
			`INSERT INTO markets (id, title, description, closes_at, yes_pool, no_pool, volume,
			                      resolved, correct_outcome, created_by, created_at, resolved_at, resolved_by, version)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10, $11, $12, $13, 1)`,
			mk.ID, mk.Title, mk.Description, mk.ClosesAt,
			numeric(mk.YesPool), numeric(mk.NoPool), mk.Volume,
			mk.Resolved, outcome, mk.CreatedBy, mk.CreatedAt, mk.ResolvedAt, mk.ResolvedBy)
		return err
	}

	// Row lock plus version check: a concurrent writer either blocks here
	// or finds the version moved.
	var current int64
	err := tx.QueryRow(ctx, `SELECT version FROM markets WHERE id = $1 FOR UPDATE`, mk.ID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("market %s: %w", mk.ID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if current != mw.ExpectedVersion {
		return fmt.Errorf("market %s at version %d, expected %d: %w", mk.ID, current, mw.ExpectedVersion, ErrConflict)
	}

	_, err = tx.Exec(ctx,
		`UPDATE markets
		 SET yes_pool = $2::NUMERIC, no_pool = $3::NUMERIC, volume = $4,
		     resolved = $5, correct_outcome = $6, resolved_at = $7, resolved_by = $8,
		     version = version + 1
		 WHERE id = $1`,
		mk.ID, numeric(mk.YesPool), numeric(mk.NoPool), mk.Volume,
		mk.Resolved, outcome, mk.ResolvedAt, mk.ResolvedBy)
	return err
}

// applyBalances merges deltas per account and updates rows in id order so
// two transactions never lock the same accounts in opposite orders.
func applyBalances(ctx context.Context, tx pgx.Tx, deltas []BalanceDelta) error {
	merged := make(map[string]int64)
	for _, d := range deltas {
		merged[d.AccountID] += d.Delta
	}
	ids := make([]string, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		var balance int64
		err := tx.QueryRow(ctx,
			`UPDATE accounts SET balance = balance + $2 WHERE id = $1 RETURNING balance`,
			id, merged[id]).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("account %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if balance < 0 {
			return fmt.Errorf("account %s: %w", id, ErrNegativeBalance)
		}
	}
	return nil
}

// execQuerier is the part of pgx.Tx the row helpers need.
type execQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// setPayout sets a lot's payout only if it is still unset. A lot that
// already has one is ErrPayoutSet; a missing lot is ErrNotFound.
func setPayout(ctx context.Context, tx execQuerier, p LotPayout) error {
	tag, err := tx.Exec(ctx,
		`UPDATE position_lots SET payout = $2 WHERE id = $1 AND payout IS NULL`, p.LotID, p.Payout)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if exists(ctx, tx, `SELECT 1 FROM position_lots WHERE id = $1`, p.LotID) {
		return fmt.Errorf("lot %s: %w", p.LotID, ErrPayoutSet)
	}
	return fmt.Errorf("lot %s: %w", p.LotID, ErrNotFound)
}

func exists(ctx context.Context, tx execQuerier, query string, args ...any) bool {
	var one int
	return tx.QueryRow(ctx, query, args...).Scan(&one) == nil
}

// classifyPgError maps driver failures onto the store's error set. Errors
// that already carry a store sentinel pass through unchanged.
func classifyPgError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict),
		errors.Is(err, ErrNegativeBalance), errors.Is(err, ErrPayoutSet),
		errors.Is(err, ErrDuplicate):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		case "23514": // check_violation
			if pgErr.ConstraintName == balanceConstraint {
				return fmt.Errorf("%w: %s", ErrNegativeBalance, pgErr.ConstraintName)
			}
			return fmt.Errorf("check %s violated: %w", pgErr.ConstraintName, err)
		}
	}
	return err
}

// numeric renders a float for a NUMERIC column.
func numeric(f float64) string {
	return decimal.NewFromFloat(f).String()
}

func parseNumeric(s string) float64 {
	return parseDecimal(s).InexactFloat64()
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

type pgxRow interface {
	Scan(dest ...any) error
}

type pgxRows interface {
	pgxRow
	Next() bool
	Err() error
}

func scanMarket(row pgxRow) (*model.Market, error) {
	var m model.Market
	var yesS, noS string
	var outcome *string
	if err := row.Scan(&m.ID, &m.Title, &m.Description, &m.ClosesAt,
		&yesS, &noS, &m.Volume, &m.Resolved, &outcome,
		&m.CreatedBy, &m.CreatedAt, &m.ResolvedAt, &m.ResolvedBy, &m.Version); err != nil {
		return nil, err
	}
	m.YesPool = parseNumeric(yesS)
	m.NoPool = parseNumeric(noS)
	if outcome != nil {
		o := model.Outcome(*outcome)
		m.Outcome = &o
	}
	return &m, nil
}

func scanLots(rows pgxRows) ([]model.PositionLot, error) {
	var lots []model.PositionLot
	for rows.Next() {
		var lot model.PositionLot
		var outcome, sharesS, priceS string
		if err := rows.Scan(&lot.ID, &lot.AccountID, &lot.MarketID, &outcome, &lot.Stake,
			&sharesS, &priceS, &lot.CreatedAt, &lot.Payout); err != nil {
			return nil, err
		}
		lot.Outcome = model.Outcome(outcome)
		lot.Shares = parseNumeric(sharesS)
		lot.BuyPrice = parseDecimal(priceS)
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func scanTransactions(rows pgxRows) ([]model.LedgerTransaction, error) {
	var txs []model.LedgerTransaction
	for rows.Next() {
		var t model.LedgerTransaction
		var kind string
		var meta []byte
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Amount, &kind, &t.ReferenceID, &t.CreatedAt, &meta); err != nil {
			return nil, err
		}
		t.Kind = model.TxKind(kind)
		if len(meta) > 0 {
			t.Metadata = &model.TxMetadata{}
			if err := json.Unmarshal(meta, t.Metadata); err != nil {
				return nil, fmt.Errorf("transaction %s metadata: %w", t.ID, err)
			}
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}
