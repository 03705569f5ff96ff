// Package ledger owns every write to markets, accounts, position lots and
// the transaction log.
//
// Each operation runs under a per-market lock and per-account locks, reads
// the latest committed state, computes its effects with the cpmm package and
// hands them to the store as a single Mutation. Either every effect commits
// or none does. A commit that loses a race (store.ErrConflict) is retried
// with fresh state; when retries run out the caller gets a retryable
// KindStoreConflict error and nothing was written.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/watmarket/market-engine/internal/cpmm"
	"github.com/watmarket/market-engine/internal/model"
	"github.com/watmarket/market-engine/internal/store"
)

const (
	// DefaultInitialBalance is credited to every new account.
	DefaultInitialBalance int64 = 1000

	defaultMaxAttempts = 5
	defaultRetryDelay  = 10 * time.Millisecond
	maxRetryDelay      = 500 * time.Millisecond
)

// Observer receives operation outcomes. metrics.LedgerObserver implements it.
type Observer interface {
	// ObserveOperation is called once per operation with its final error,
	// nil on success.
	ObserveOperation(op string, err error, elapsed time.Duration)
	// ObserveTrade is called after a committed bet or sell.
	ObserveTrade(marketID string, side string, outcome model.Outcome, amount int64)
	// ObserveMarketOpened and ObserveMarketClosed track open markets.
	ObserveMarketOpened()
	ObserveMarketClosed()
}

// PriceUpdate describes a market's state right after a commit.
type PriceUpdate struct {
	MarketID string         `json:"market_id"`
	Quote    cpmm.Quote     `json:"quote"`
	YesPool  float64        `json:"yes_pool"`
	NoPool   float64        `json:"no_pool"`
	Volume   int64          `json:"volume"`
	Resolved bool           `json:"resolved"`
	Outcome  *model.Outcome `json:"correct_outcome,omitempty"`
	At       time.Time      `json:"at"`
}

// PriceNotifier is told about every committed pool or status change.
// Implementations must not block.
type PriceNotifier interface {
	NotifyPrice(update PriceUpdate)
}

// Engine is the ledger. Construct it with New; the zero value is not usable.
type Engine struct {
	store          store.Store
	locks          *locker
	now            func() time.Time
	newID          func() string
	log            *slog.Logger
	observer       Observer
	notifier       PriceNotifier
	maxAttempts    int
	retryDelay     time.Duration
	initialBalance int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithIDGenerator replaces uuid.NewString.
func WithIDGenerator(newID func() string) Option { return func(e *Engine) { e.newID = newID } }

// WithLogger sets the engine's logger.
func WithLogger(log *slog.Logger) Option { return func(e *Engine) { e.log = log } }

// WithObserver installs an operation observer.
func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }

// WithNotifier installs a price notifier.
func WithNotifier(n PriceNotifier) Option { return func(e *Engine) { e.notifier = n } }

// WithMaxAttempts bounds how many times a conflicting commit is tried.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the first backoff between commit attempts. The delay
// doubles on every further attempt.
func WithRetryDelay(d time.Duration) Option { return func(e *Engine) { e.retryDelay = d } }

// WithInitialBalance sets the balance new accounts start with.
func WithInitialBalance(b int64) Option {
	return func(e *Engine) {
		if b >= 0 {
			e.initialBalance = b
		}
	}
}

// New creates an Engine over st.
func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:          st,
		locks:          newLocker(),
		now:            func() time.Time { return time.Now().UTC() },
		newID:          uuid.NewString,
		log:            slog.Default(),
		observer:       nopObserver{},
		maxAttempts:    defaultMaxAttempts,
		retryDelay:     defaultRetryDelay,
		initialBalance: DefaultInitialBalance,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// --- Accounts ---

// NewAccount is the input to CreateAccount. An empty ID is generated.
type NewAccount struct {
	ID      string
	Email   string
	IsAdmin bool
}

// CreateAccount opens an account with the initial balance and records the
// matching initial transaction.
func (e *Engine) CreateAccount(ctx context.Context, in NewAccount) (acct *model.Account, err error) {
	const op = "create_account"
	defer e.observe(op, time.Now(), &err)

	if in.ID == "" {
		in.ID = e.newID()
	}
	unlock, err := e.locks.lockAccounts(ctx, op, in.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := e.now()
	account := model.Account{
		ID:        in.ID,
		Email:     in.Email,
		Balance:   e.initialBalance,
		IsAdmin:   in.IsAdmin,
		CreatedAt: now,
	}
	err = e.commit(ctx, op, func() (*store.Mutation, error) {
		m := &store.Mutation{NewAccounts: []model.Account{account}}
		if account.Balance > 0 {
			m.Transactions = []model.LedgerTransaction{{
				ID:        e.newID(),
				AccountID: account.ID,
				Amount:    account.Balance,
				Kind:      model.TxInitial,
				CreatedAt: now,
			}}
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("account created", "account_id", account.ID, "balance", account.Balance)
	return &account, nil
}

// EnsureAccount returns the account with the given id, creating it on first
// sight. Concurrent first calls for one id create it once.
func (e *Engine) EnsureAccount(ctx context.Context, id, email string) (*model.Account, error) {
	acct, err := e.store.GetAccount(ctx, id)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("ensure account %s: %w", id, err)
	}
	acct, err = e.CreateAccount(ctx, NewAccount{ID: id, Email: email})
	if errors.Is(err, store.ErrDuplicate) {
		return e.store.GetAccount(ctx, id)
	}
	return acct, err
}

// --- Markets ---

// NewMarket is the input to CreateMarket. Zero pools open the market at
// cpmm.DefaultLiquidity on both sides; unequal pools open it skewed.
type NewMarket struct {
	Title       string
	Description string
	ClosesAt    time.Time
	YesPool     float64
	NoPool      float64
	CreatedBy   string
}

// CreateMarket opens a market and records its first price point.
func (e *Engine) CreateMarket(ctx context.Context, in NewMarket) (market *model.Market, err error) {
	const op = "create_market"
	defer e.observe(op, time.Now(), &err)

	now := e.now()
	if in.Title == "" {
		return nil, newError(op, KindMarketInvalid, "title is required")
	}
	if !in.ClosesAt.After(now) {
		return nil, newError(op, KindMarketInvalid, "closes_at %s is not in the future", in.ClosesAt.Format(time.RFC3339))
	}
	if in.YesPool == 0 && in.NoPool == 0 {
		in.YesPool, in.NoPool = cpmm.DefaultLiquidity, cpmm.DefaultLiquidity
	}
	if !positiveFinite(in.YesPool) || !positiveFinite(in.NoPool) {
		return nil, newError(op, KindMarketInvalid, "pools must be positive, got (%v, %v)", in.YesPool, in.NoPool)
	}

	m := model.Market{
		ID:          e.newID(),
		Title:       in.Title,
		Description: in.Description,
		ClosesAt:    in.ClosesAt.UTC(),
		YesPool:     in.YesPool,
		NoPool:      in.NoPool,
		CreatedBy:   in.CreatedBy,
		CreatedAt:   now,
	}
	err = e.commit(ctx, op, func() (*store.Mutation, error) {
		return &store.Mutation{
			Market:     &store.MarketWrite{Market: m},
			PricePoint: pricePoint(m.ID, m.YesPool, m.NoPool, now),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	m.Version = 1

	e.log.Info("market created", "market_id", m.ID, "title", m.Title,
		"yes_pool", m.YesPool, "no_pool", m.NoPool, "closes_at", m.ClosesAt)
	e.observer.ObserveMarketOpened()
	e.notify(&m, now)
	return &m, nil
}

// --- Shared helpers ---

// commit builds a mutation from fresh state and commits it, retrying lost
// races with doubling backoff. build runs again on every attempt.
func (e *Engine) commit(ctx context.Context, op string, build func() (*store.Mutation, error)) error {
	delay := e.retryDelay
	for attempt := 1; ; attempt++ {
		m, err := build()
		if err != nil {
			return err
		}
		err = fromStore(op, e.store.Commit(ctx, m))
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt >= e.maxAttempts {
			return err
		}
		e.log.Warn("commit conflict, retrying", "op", op, "attempt", attempt, "err", err)
		if err := sleepWithContext(ctx, delay); err != nil {
			return &Error{Kind: KindStoreConflict, Op: op, Err: err}
		}
		if delay < maxRetryDelay {
			delay *= 2
		}
	}
}

func (e *Engine) loadMarket(ctx context.Context, op, id string) (*model.Market, error) {
	m, err := e.store.GetMarket(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(op, KindMarketNotFound, "market %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: load market %s: %w", op, id, err)
	}
	return m, nil
}

func (e *Engine) loadAccount(ctx context.Context, op, id string) (*model.Account, error) {
	a, err := e.store.GetAccount(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(op, KindAccountNotFound, "account %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: load account %s: %w", op, id, err)
	}
	return a, nil
}

func (e *Engine) observe(op string, start time.Time, err *error) {
	e.observer.ObserveOperation(op, *err, time.Since(start))
}

func (e *Engine) notify(m *model.Market, at time.Time) {
	if e.notifier == nil {
		return
	}
	e.notifier.NotifyPrice(PriceUpdate{
		MarketID: m.ID,
		Quote:    cpmm.QuotePools(m.YesPool, m.NoPool),
		YesPool:  m.YesPool,
		NoPool:   m.NoPool,
		Volume:   m.Volume,
		Resolved: m.Resolved,
		Outcome:  m.Outcome,
		At:       at,
	})
}

func pricePoint(marketID string, yesPool, noPool float64, at time.Time) *model.PricePoint {
	q := cpmm.QuotePools(yesPool, noPool)
	return &model.PricePoint{MarketID: marketID, YesPrice: q.PYes, NoPrice: q.PNo, CreatedAt: at}
}

func positiveFinite(x float64) bool {
	return x > 0 && !math.IsInf(x, 0) && !math.IsNaN(x)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type nopObserver struct{}

func (nopObserver) ObserveOperation(string, error, time.Duration)    {}
func (nopObserver) ObserveTrade(string, string, model.Outcome, int64) {}
func (nopObserver) ObserveMarketOpened()                               {}
func (nopObserver) ObserveMarketClosed()                               {}
