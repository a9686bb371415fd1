package cache

import "sync"

// idLocks hands out one RWMutex per document id. A mutex is dropped once
// nobody holds or waits for it.
type idLocks struct {
	mu    sync.Mutex
	locks map[string]*idLock
}

type idLock struct {
	sync.RWMutex
	refs int
}

func (l *idLocks) acquire(id string) *idLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks == nil {
		l.locks = make(map[string]*idLock)
	}
	k, ok := l.locks[id]
	if !ok {
		k = new(idLock)
		l.locks[id] = k
	}
	k.refs++
	return k
}

func (l *idLocks) release(id string, k *idLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k.refs--
	if k.refs == 0 {
		delete(l.locks, id)
	}
}

// Lock takes the write lock for id and returns its unlock function.
func (l *idLocks) Lock(id string) (unlock func()) {
	k := l.acquire(id)
	k.Lock()
	return func() {
		k.Unlock()
		l.release(id, k)
	}
}

// RLock takes the read lock for id and returns its unlock function.
func (l *idLocks) RLock(id string) (unlock func()) {
	k := l.acquire(id)
	k.RLock()
	return func() {
		k.RUnlock()
		l.release(id, k)
	}
}
