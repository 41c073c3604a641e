package common

import (
	"sync"

	rserrors "rateswap/core/errors"
)

// KeyedLock is a set of non-blocking exclusive locks keyed by position id.
// A second acquisition of a held key fails instead of waiting.
type KeyedLock struct {
	mu   sync.Mutex
	held map[uint64]string
}

func NewKeyedLock() *KeyedLock {
	return &KeyedLock{held: make(map[uint64]string)}
}

// TryAcquire locks key on behalf of holder. The returned release func is
// idempotent.
func (l *KeyedLock) TryAcquire(key uint64, holder string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[uint64]string)
	}
	if _, busy := l.held[key]; busy {
		return nil, rserrors.ErrReentrantCall
	}
	l.held[key] = holder
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.held[key] == holder {
				delete(l.held, key)
			}
			l.mu.Unlock()
		})
	}, nil
}

// HeldBy reports whether key is currently locked by holder.
func (l *KeyedLock) HeldBy(key uint64, holder string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	current, ok := l.held[key]
	return ok && current == holder
}

// Locked reports whether key is locked by anyone.
func (l *KeyedLock) Locked(key uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}
