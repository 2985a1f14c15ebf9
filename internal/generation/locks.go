package generation

import "sync"

// sheetLocks is a keyed mutex. Entries are dropped once no run holds or
// waits for them.
type sheetLocks struct {
	mu    sync.Mutex
	locks map[string]*sheetLock
}

type sheetLock struct {
	mu   sync.Mutex
	refs int
}

func (l *sheetLocks) lock(id string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sheetLock)
	}
	e, ok := l.locks[id]
	if !ok {
		e = &sheetLock{}
		l.locks[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
