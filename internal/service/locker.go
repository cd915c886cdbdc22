package service

import "sync"

// OrderLocker serializes writers of the same order. Entries are reference
// counted and dropped when the last holder unlocks.
type OrderLocker struct {
	mu    sync.Mutex
	locks map[string]*orderLock
}

type orderLock struct {
	mu   sync.Mutex
	refs int
}

// NewOrderLocker creates new OrderLocker
func NewOrderLocker() *OrderLocker {
	return &OrderLocker{locks: make(map[string]*orderLock)}
}

// Lock blocks until the order lock is held and returns the unlock function.
func (l *OrderLocker) Lock(orderID string) func() {
	l.mu.Lock()
	ol, ok := l.locks[orderID]
	if !ok {
		ol = &orderLock{}
		l.locks[orderID] = ol
	}
	ol.refs++
	l.mu.Unlock()

	ol.mu.Lock()

	return func() {
		ol.mu.Unlock()

		l.mu.Lock()
		ol.refs--
		if ol.refs == 0 {
			delete(l.locks, orderID)
		}
		l.mu.Unlock()
	}
}

func (l *OrderLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
