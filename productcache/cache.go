// Package productcache keeps recent product search results per chat so
// pagination callbacks can navigate between products without another
// embedding search. Entries expire after a TTL and the cache is
// bounded by a session count.
package productcache

import (
	"strconv"
	"sync"
	"time"

	"github.com/vitrina/tiendabot/backend"
)

const (
	defaultTTL     = 5 * time.Minute
	defaultMaxSize = 1000
)

type entry struct {
	products []backend.Product
	language string
	storedAt time.Time
}

type Cache struct {
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	return &Cache{
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

// Store replaces the cached products for a chat session.
func (c *Cache) Store(chatID int64, products []backend.Product, language string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxSize {
		c.evictExpired()
	}
	c.entries[key(chatID)] = entry{
		products: products,
		language: language,
		storedAt: c.now(),
	}
}

// Get returns the cached products for a chat, or nil if absent or
// expired.
func (c *Cache) Get(chatID int64) []backend.Product {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key(chatID)]
	if !ok {
		return nil
	}
	if c.now().Sub(e.storedAt) > c.ttl {
		delete(c.entries, key(chatID))
		return nil
	}
	return e.products
}

// Product returns the cached product at index, or false when the
// session is gone or the index is out of range.
func (c *Cache) Product(chatID int64, index int) (backend.Product, bool) {
	products := c.Get(chatID)
	if index < 0 || index >= len(products) {
		return backend.Product{}, false
	}
	return products[index], true
}

// Language returns the language code recorded with the session.
func (c *Cache) Language(chatID int64) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key(chatID)]
	if !ok || c.now().Sub(e.storedAt) > c.ttl {
		return ""
	}
	return e.language
}

// Len reports the number of cached sessions, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evictExpired() {
	now := c.now()
	for k, e := range c.entries {
		if now.Sub(e.storedAt) > c.ttl {
			delete(c.entries, k)
		}
	}
}

func key(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}
