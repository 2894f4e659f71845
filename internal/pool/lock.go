package pool

import (
	"context"
)

// negotiationLock serializes offer acceptance and candidate intake across
// the whole pool. Both read then write a peer's candidate buffer and
// signaling state, so an offer and a candidate batch racing for the same
// fresh peer must not interleave.
//
// It is a channel so that waiting honours ctx.
type negotiationLock struct {
	ch chan struct{}
}

func newNegotiationLock() *negotiationLock {
	return &negotiationLock{ch: make(chan struct{}, 1)}
}

// lock blocks until the lock is held or ctx is done.
func (l *negotiationLock) lock(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// unlock releases the lock. Callers pair it with lock through defer so a
// failing operation cannot leave the pool locked.
func (l *negotiationLock) unlock() {
	select {
	case <-l.ch:
	default:
		panic("pool: unlock of unlocked negotiation lock")
	}
}

// guard runs fn while holding the lock.
func (l *negotiationLock) guard(ctx context.Context, fn func() error) error {
	if err := l.lock(ctx); err != nil {
		return err
	}
	defer l.unlock()
	return fn()
}
