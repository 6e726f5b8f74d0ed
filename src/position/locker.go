package position

import "sync"

// SymbolLocker serializes work per symbol while letting different symbols
// proceed in parallel.
type SymbolLocker struct {
	mu    sync.Mutex
	locks map[string]*symbolLock
}

type symbolLock struct {
	mu   sync.Mutex
	refs int
}

func NewSymbolLocker() *SymbolLocker {
	return &SymbolLocker{locks: map[string]*symbolLock{}}
}

// Lock blocks until symbol is free and returns the matching unlock func.
func (l *SymbolLocker) Lock(symbol string) func() {
	l.mu.Lock()
	lk, ok := l.locks[symbol]
	if !ok {
		lk = &symbolLock{}
		l.locks[symbol] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()
	return func() {
		lk.mu.Unlock()
		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, symbol)
		}
		l.mu.Unlock()
	}
}
