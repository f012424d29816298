package repository

import "sync"

// keyedMutex hands out one mutex per key so writers for different
// recipients never contend. Entries are reference-counted and dropped when
// the last holder unlocks, keeping the table bounded by live contention.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

// lock blocks until the per-key mutex is held and returns the unlock func.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.m == nil {
		k.m = make(map[string]*keyLock)
	}
	l := k.m[key]
	if l == nil {
		l = &keyLock{}
		k.m[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs <= 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}
