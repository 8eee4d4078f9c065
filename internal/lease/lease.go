// Package lease provides the exclusive run locks used by the directory
// scanner and the per-(user, client) discovery serialization.
//
// All implementations share one contract: TryAcquire never blocks on a held
// lock, it returns ErrHeld instead, and the returned release func is safe to
// call more than once.
package lease

import (
	"context"
	"errors"
	"sync"
)

// ErrHeld is returned when the lock is owned by someone else.
var ErrHeld = errors.New("lock is held")

// Locker is a non-blocking exclusive lock.
type Locker interface {
	TryAcquire(ctx context.Context) (release func(), err error)
}

// Mutex is an in-process Locker.
type Mutex struct {
	mu sync.Mutex
}

func (m *Mutex) TryAcquire(context.Context) (func(), error) {
	if !m.mu.TryLock() {
		return nil, ErrHeld
	}
	return onceFunc(m.mu.Unlock), nil
}

// Keyed hands out one lock per key. Locks are created on first use via
// the factory, so a Redis-backed Keyed serializes across hosts too.
type Keyed struct {
	mu      sync.Mutex
	locks   map[string]Locker
	factory func(key string) Locker
}

// NewKeyed returns in-process per-key mutexes when factory is nil.
func NewKeyed(factory func(key string) Locker) *Keyed {
	if factory == nil {
		factory = func(string) Locker { return &Mutex{} }
	}
	return &Keyed{locks: make(map[string]Locker), factory: factory}
}

func (k *Keyed) TryAcquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = k.factory(key)
		k.locks[key] = l
	}
	k.mu.Unlock()
	return l.TryAcquire(ctx)
}

func onceFunc(f func()) func() {
	var once sync.Once
	return func() { once.Do(f) }
}
