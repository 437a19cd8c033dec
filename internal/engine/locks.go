package engine

import "sync"

// instanceLocks serializes all mutations of a single instance. Every path
// that advances, times out, resolves, or cancels an instance takes its lock
// first; the second of two racing callers observes the committed outcome of
// the first.
type instanceLocks struct {
	mu    sync.Mutex
	locks map[string]*instanceLock
}

type instanceLock struct {
	mu   sync.Mutex
	refs int
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{locks: make(map[string]*instanceLock)}
}

// Lock acquires the lock for instanceID and returns its unlock function.
// Lock entries are reference counted and removed when the last holder leaves.
func (l *instanceLocks) Lock(instanceID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[instanceID]
	if !ok {
		entry = &instanceLock{}
		l.locks[instanceID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, instanceID)
		}
		l.mu.Unlock()
	}
}
