// Package locking serializes mutations per subscription. A customer-initiated
// cancel and an in-flight webhook for the same subscription must never
// interleave; different subscriptions proceed concurrently.
package locking

import "sync"

// KeyedLock provides one mutex per key. Locks are created on first use and
// kept for the life of the process; the working set (active subscriptions
// under mutation) is small enough that reaping is not worth the complexity.
type KeyedLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyedLock creates an empty lock table
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key, creating it if needed
func (k *KeyedLock) Lock(key string) {
	k.mutexFor(key).Lock()
}

// Unlock releases the mutex for key
func (k *KeyedLock) Unlock(key string) {
	k.mutexFor(key).Unlock()
}

func (k *KeyedLock) mutexFor(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}
