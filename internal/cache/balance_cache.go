// Package cache provides a small in-process read cache for token balances.
// It is a short-TTL shadow of the database row, never the source of truth,
// and every write path invalidates it.
package cache

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	userID    int64
	balance   int
	expiresAt time.Time
}

// BalanceCache is a TTL+LRU cache keyed by user id. It is constructed and
// injected rather than shared as package state, so tests get isolated
// instances. Safe for concurrent use.
type BalanceCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	now      func() time.Time
	order    *list.List
	items    map[int64]*list.Element
}

// New creates a cache holding at most capacity entries, each valid for ttl.
func New(ttl time.Duration, capacity int) *BalanceCache {
	return NewWithClock(ttl, capacity, time.Now)
}

// NewWithClock is New with an injectable clock for tests.
func NewWithClock(ttl time.Duration, capacity int, now func() time.Time) *BalanceCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &BalanceCache{
		ttl:      ttl,
		capacity: capacity,
		now:      now,
		order:    list.New(),
		items:    make(map[int64]*list.Element),
	}
}

// Get returns the cached balance for a user, if present and unexpired.
func (c *BalanceCache) Get(userID int64) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[userID]
	if !ok {
		return 0, false
	}
	e := el.Value.(*entry)
	if c.now().After(e.expiresAt) {
		c.removeLocked(el)
		return 0, false
	}
	c.order.MoveToFront(el)
	return e.balance, true
}

// Set stores the balance, evicting the least recently used entry when full.
func (c *BalanceCache) Set(userID int64, balance int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[userID]; ok {
		e := el.Value.(*entry)
		e.balance = balance
		e.expiresAt = c.now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.removeLocked(oldest)
		}
	}

	el := c.order.PushFront(&entry{
		userID:    userID,
		balance:   balance,
		expiresAt: c.now().Add(c.ttl),
	})
	c.items[userID] = el
}

// Invalidate drops the entry for a user. Called after every balance mutation.
func (c *BalanceCache) Invalidate(userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[userID]; ok {
		c.removeLocked(el)
	}
}

// Len reports the number of entries, expired or not.
func (c *BalanceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *BalanceCache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.items, e.userID)
}
