// Package lock provides per-symbol mutual exclusion with owner tagging so a
// single symbol never has two orders racing through the Gateway's submission
// pipeline at once.
package lock

import (
	"context"
	"fmt"
	"sync"
)

// ErrTimeout is returned by Acquire when the lock is not obtained before the
// context deadline elapses.
var ErrTimeout = fmt.Errorf("lock: acquire timed out")

// ErrNotHeld names a release of a guard that is no longer held. Guard.Release
// does not return it: a second Release on the same guard is a no-op.
var ErrNotHeld = fmt.Errorf("lock: guard already released")

// symbolLock is a channel-based lock (buffered, capacity 1) rather than a
// sync.Mutex: an Acquire that times out just stops selecting on the channel,
// leaving nothing behind to win the lock later with no owner to release it.
type symbolLock struct {
	sem chan struct{}

	ownerMu sync.Mutex
	owner   string
}

func (sl *symbolLock) setOwner(owner string) {
	sl.ownerMu.Lock()
	sl.owner = owner
	sl.ownerMu.Unlock()
}

func (sl *symbolLock) getOwner() string {
	sl.ownerMu.Lock()
	defer sl.ownerMu.Unlock()
	return sl.owner
}

// Locker is the per-symbol lock map, get-or-create under a top lock.
type Locker struct {
	topMu sync.Mutex
	locks map[string]*symbolLock
}

// NewLocker constructs an empty Locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*symbolLock)}
}

func (l *Locker) lockFor(symbol string) *symbolLock {
	l.topMu.Lock()
	defer l.topMu.Unlock()
	sl, ok := l.locks[symbol]
	if !ok {
		sl = &symbolLock{sem: make(chan struct{}, 1)}
		l.locks[symbol] = sl
	}
	return sl
}

// Guard is a scoped lock handle: Release is idempotent and safe to call from
// a defer on every exit path, success or failure, exactly once in effect.
type Guard struct {
	symbol string
	sl     *symbolLock
	once   sync.Once
	locker *Locker
}

// Acquire blocks until the symbol's lock is free or ctx is done, tagging the
// holder with owner for the debug map exposed by Snapshot.
func (l *Locker) Acquire(ctx context.Context, symbol, owner string) (*Guard, error) {
	sl := l.lockFor(symbol)

	select {
	case sl.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ErrTimeout
	}

	sl.setOwner(owner)
	return &Guard{symbol: symbol, sl: sl, locker: l}, nil
}

// Release unlocks the guard. Safe to call more than once; only the first call
// has effect. Calling Release on a guard that was never held is a programmer
// error and is not representable here since Guard is only constructed by Acquire.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.sl.setOwner("")
		<-g.sl.sem
	})
}

// Snapshot returns the current symbol -> owner_tag map for operator visibility.
// Symbols whose lock is currently free are omitted.
func (l *Locker) Snapshot() map[string]string {
	l.topMu.Lock()
	symbols := make([]string, 0, len(l.locks))
	for s := range l.locks {
		symbols = append(symbols, s)
	}
	l.topMu.Unlock()

	out := make(map[string]string)
	for _, s := range symbols {
		sl := l.lockFor(s)
		if owner := sl.getOwner(); owner != "" {
			out[s] = owner
		}
	}
	return out
}
