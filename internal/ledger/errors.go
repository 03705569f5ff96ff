package ledger

import (
	"errors"
	"fmt"

	"github.com/watmarket/market-engine/internal/store"
)

// Kind classifies a ledger failure. Callers switch on the kind; they never
// inspect message text.
type Kind int

const (
	KindUnknown Kind = iota
	KindMarketNotFound
	KindMarketResolved
	KindMarketClosed
	KindMarketInvalid
	KindAccountNotFound
	KindInsufficientBalance
	KindInsufficientShares
	KindInvalidOutcome
	KindInvalidStake
	KindInvalidShares
	KindSellTooSmall
	KindAlreadyResolved
	KindStoreConflict
)

var kindNames = map[Kind]string{
	KindUnknown:             "unknown",
	KindMarketNotFound:      "market_not_found",
	KindMarketResolved:      "market_resolved",
	KindMarketClosed:        "market_closed",
	KindMarketInvalid:       "market_invalid",
	KindAccountNotFound:     "account_not_found",
	KindInsufficientBalance: "insufficient_balance",
	KindInsufficientShares:  "insufficient_shares",
	KindInvalidOutcome:      "invalid_outcome",
	KindInvalidStake:        "invalid_stake",
	KindInvalidShares:       "invalid_shares",
	KindSellTooSmall:        "sell_too_small",
	KindAlreadyResolved:     "already_resolved",
	KindStoreConflict:       "store_conflict",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the only error type the ledger returns for expected failures.
type Error struct {
	Kind Kind
	Op   string // "place_bet", "sell_shares", ...
	Msg  string
	Err  error // underlying cause, if any
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrMarketClosed)
// works regardless of Op and Msg.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the same call may succeed if repeated. Only a
// lost commit race is retryable.
func (e *Error) Retryable() bool { return e.Kind == KindStoreConflict }

// Sentinels for errors.Is.
var (
	ErrMarketNotFound      = &Error{Kind: KindMarketNotFound}
	ErrMarketResolved      = &Error{Kind: KindMarketResolved}
	ErrMarketClosed        = &Error{Kind: KindMarketClosed}
	ErrMarketInvalid       = &Error{Kind: KindMarketInvalid}
	ErrAccountNotFound     = &Error{Kind: KindAccountNotFound}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance}
	ErrInsufficientShares  = &Error{Kind: KindInsufficientShares}
	ErrInvalidOutcome      = &Error{Kind: KindInvalidOutcome}
	ErrInvalidStake        = &Error{Kind: KindInvalidStake}
	ErrInvalidShares       = &Error{Kind: KindInvalidShares}
	ErrSellTooSmall        = &Error{Kind: KindSellTooSmall}
	ErrAlreadyResolved     = &Error{Kind: KindAlreadyResolved}
	ErrStoreConflict       = &Error{Kind: KindStoreConflict}
)

// KindOf returns the kind of a ledger error, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is a retryable ledger error.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}

func newError(op string, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// fromStore translates a store failure once, at the boundary. Errors with
// no ledger meaning are returned wrapped but unclassified.
func fromStore(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrConflict):
		return &Error{Kind: KindStoreConflict, Op: op, Err: err}
	case errors.Is(err, store.ErrNegativeBalance):
		return &Error{Kind: KindInsufficientBalance, Op: op, Err: err}
	case errors.Is(err, store.ErrPayoutSet):
		return &Error{Kind: KindAlreadyResolved, Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
