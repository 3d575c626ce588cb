package workflow

import "sync"

// instanceLocks serialises work on each process instance.
type instanceLocks struct {
	mu    sync.Mutex
	locks map[int64]*instanceLock
}

type instanceLock struct {
	mu   sync.Mutex
	refs int
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{locks: make(map[int64]*instanceLock)}
}

// lock blocks until the instance is free and returns its release function.
func (l *instanceLocks) lock(h int64) func() {
	l.mu.Lock()
	il, ok := l.locks[h]
	if !ok {
		il = &instanceLock{}
		l.locks[h] = il
	}
	il.refs++
	l.mu.Unlock()

	il.mu.Lock()
	return func() {
		il.mu.Unlock()
		l.mu.Lock()
		il.refs--
		if il.refs == 0 {
			delete(l.locks, h)
		}
		l.mu.Unlock()
	}
}

func (l *instanceLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
