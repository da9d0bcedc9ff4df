// Package keylock serialises work on a single order or grant key while
// letting unrelated keys proceed in parallel.
package keylock

import (
	"context"
	"sync"
)

type entry struct {
	ch   chan struct{}
	refs int
}

// Map hands out one lock per key. Entries are reference counted and
// dropped once no holder or waiter remains.
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New returns an empty lock map.
func New() *Map {
	return &Map{locks: make(map[string]*entry)}
}

// Lock blocks until key is held or ctx is done. The returned func releases it.
func (m *Map) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, e, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.release(key, e, true) })
	}, nil
}

func (m *Map) release(key string, e *entry, held bool) {
	if held {
		<-e.ch
	}
	m.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
}

// Len reports how many keys currently have holders or waiters.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// GrantKey names the lock shared by Grant and the expiry sweep for one
// buyer and role.
func GrantKey(buyerID, roleID string) string {
	return "grant:" + buyerID + ":" + roleID
}

// OrderKey names the lock guarding one order's transitions.
func OrderKey(orderID string) string {
	return "order:" + orderID
}

// BuyerKey names the lock guarding order creation for one buyer.
func BuyerKey(buyerID string) string {
	return "buyer:" + buyerID
}
