package registry

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// BusLocks hands out one exclusive lock per bus identifier so that two
// instances on the same physical bus never overlap a transaction.
type BusLocks struct {
	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

// NewBusLocks creates an empty lock table.
func NewBusLocks() *BusLocks {
	return &BusLocks{locks: make(map[string]*semaphore.Weighted)}
}

// Get returns the lock for id, creating it on first use. An empty id has no
// lock.
func (b *BusLocks) Get(id string) *semaphore.Weighted {
	if id == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.locks[id]
	if !ok {
		l = semaphore.NewWeighted(1)
		b.locks[id] = l
	}
	return l
}
