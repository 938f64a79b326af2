package service

import (
	"sync"
)

// keyMutex serialises operations per entity key: concurrent redeems on one
// position, repays on one loan, or subscription admissions on one product
// queue up, while different entities proceed in parallel. Entries are
// reference-counted and removed when the last holder unlocks, so the map
// does not grow with entity count.
type keyMutex[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyMutex[K comparable]() *keyMutex[K] {
	return &keyMutex[K]{locks: make(map[K]*keyLock)}
}

// Lock acquires the mutex for key and returns the matching unlock func.
func (k *keyMutex[K]) Lock(key K) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
