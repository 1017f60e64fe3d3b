package pqc

import (
	"container/list"
	"sync"
	"time"
)

// sessionCache is a bounded LRU of session data with per-entry expiry.
type sessionCache struct {
	mu    sync.Mutex
	limit int
	now   func() time.Time
	order *list.List
	items map[string]*list.Element
}

func newSessionCache(limit int, now func() time.Time) *sessionCache {
	return &sessionCache{
		limit: limit,
		now:   now,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

func (c *sessionCache) put(sd SessionData) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[sd.SessionID]; ok {
		el.Value = sd
		c.order.MoveToFront(el)
		return
	}
	for c.order.Len() >= c.limit {
		c.removeElement(c.order.Back())
	}
	c.items[sd.SessionID] = c.order.PushFront(sd)
}

func (c *sessionCache) get(id string) (SessionData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[id]
	if !ok {
		return SessionData{}, false
	}
	sd := el.Value.(SessionData)
	if !c.now().Before(sd.ExpiresAt) {
		c.removeElement(el)
		return SessionData{}, false
	}
	c.order.MoveToFront(el)
	return sd, true
}

func (c *sessionCache) clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.order.Len()
	c.order.Init()
	c.items = make(map[string]*list.Element)
	return n
}

func (c *sessionCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *sessionCache) removeElement(el *list.Element) {
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.items, el.Value.(SessionData).SessionID)
}
