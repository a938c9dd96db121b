package memory

import (
	"context"
	"sync"
)

// LockManager provides in-memory single-flight slots keyed by ride or
// participant. The action pipeline holds a slot from precondition check until
// the ledger outcome is known, so a second mutating action on the same key is
// turned away instead of queued.
//
// Unlike a distributed lock there is no TTL: a slot guards an outstanding
// ledger call and must outlive it, however long the ledger takes. Release is
// always deferred by the holder.
//
// It also remembers which keys are stale: the last action on them timed out,
// so the cached state may be behind the ledger until it is read again.
//
// Go Learning Note — Empty Struct Sets:
// map[string]struct{} is Go's idiomatic set. struct{} occupies zero bytes, so
// the map stores only keys. Membership is checked with the comma-ok idiom.
type LockManager struct {
	mu    sync.RWMutex
	locks map[string]struct{}
	stale map[string]struct{}
}

func NewLockManager() *LockManager {
	return &LockManager{
		locks: make(map[string]struct{}),
		stale: make(map[string]struct{}),
	}
}

// AcquireLock takes the slot for key. Returns (false, nil) if it is already
// held. This is the in-memory equivalent of Redis's `SET key value NX`.
func (lm *LockManager) AcquireLock(ctx context.Context, key string) (bool, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if _, held := lm.locks[key]; held {
		return false, nil
	}
	lm.locks[key] = struct{}{}
	return true, nil
}

// ReleaseLock frees the slot. Releasing a free slot is a no-op.
func (lm *LockManager) ReleaseLock(ctx context.Context, key string) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	delete(lm.locks, key)
	return nil
}

// IsLocked reports whether an action on key is in flight.
func (lm *LockManager) IsLocked(ctx context.Context, key string) (bool, error) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	_, held := lm.locks[key]
	return held, nil
}

// MarkStale flags key as needing a ledger read before its cache is trusted.
func (lm *LockManager) MarkStale(ctx context.Context, key string) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.stale[key] = struct{}{}
	return nil
}

func (lm *LockManager) IsStale(ctx context.Context, key string) (bool, error) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	_, stale := lm.stale[key]
	return stale, nil
}

func (lm *LockManager) ClearStale(ctx context.Context, key string) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	delete(lm.stale, key)
	return nil
}
