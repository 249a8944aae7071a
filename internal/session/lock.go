package session

import "sync"

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// KeyedMutex provides one mutex per key. Entries are dropped once no goroutine holds or
// waits on them, so the table only grows with the number of in-flight keys.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Lock blocks until the lock for key is held and returns a function that releases it.
// The returned function must be called exactly once.
func (k *KeyedMutex) Lock(key string) func() {
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

// Len reports how many keys currently have holders or waiters.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
