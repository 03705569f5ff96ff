package ledger

import (
	"context"
	"slices"
	"sync"
)

// keyedMutex hands out one lock per key. Entries are reference counted and
// dropped when the last holder or waiter leaves, so the map only holds keys
// that are in use.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{} // holds a token while locked
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

// lock blocks until key is free or ctx is done. The returned func releases
// the lock and must be called exactly once.
func (k *keyedMutex) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			k.release(key, l)
		}, nil
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}
}

func (k *keyedMutex) release(key string, l *keyLock) {
	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// locker serializes ledger operations. Every operation takes at most one
// market lock, first, and then its account locks in ascending id order.
// Nothing waits for a market lock while holding an account lock, so no
// cycle can form.
type locker struct {
	markets  *keyedMutex
	accounts *keyedMutex
}

func newLocker() *locker {
	return &locker{markets: newKeyedMutex(), accounts: newKeyedMutex()}
}

// lockMarket takes the market lock for op. Giving up on the wait is reported
// as a KindStoreConflict wrapping the context error.
func (l *locker) lockMarket(ctx context.Context, op, marketID string) (func(), error) {
	unlock, err := l.markets.lock(ctx, marketID)
	if err != nil {
		return nil, lockWaitError(op, "market "+marketID, err)
	}
	return unlock, nil
}

// lockAccounts takes the account locks in sorted order, skipping duplicates.
// On failure every lock taken so far is released.
func (l *locker) lockAccounts(ctx context.Context, op string, accountIDs ...string) (func(), error) {
	ids := slices.Clone(accountIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	unlocks := make([]func(), 0, len(ids))
	unlockAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, id := range ids {
		unlock, err := l.accounts.lock(ctx, id)
		if err != nil {
			unlockAll()
			return nil, lockWaitError(op, "account "+id, err)
		}
		unlocks = append(unlocks, unlock)
	}
	return unlockAll, nil
}

func lockWaitError(op, what string, err error) error {
	return &Error{Kind: KindStoreConflict, Op: op, Msg: "waiting for lock on " + what, Err: err}
}
