// Package cache stores operation results keyed by request and broadcasts
// writes to watchers of the same key.
//
// Stored data is shared with every reader: callers treat maps handed to or
// returned from the cache as immutable and build new ones to change them.
package cache

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize is the number of entries kept when New is given size <= 0.
const DefaultSize = 1024

// Key identifies one request: canonical query text plus variables.
type Key string

// KeyOf builds the key for query with vars. Variables are rendered as JSON,
// which orders map keys, so equal variable sets produce equal keys.
func KeyOf(query string, vars map[string]any) Key {
	return Key(query + "\x00" + CanonicalJSON(vars))
}

// CanonicalJSON renders v deterministically; nil and empty maps render as {}.
func CanonicalJSON(v map[string]any) string {
	if len(v) == 0 {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// Watcher is called with the new data after a write changed an entry.
type Watcher func(data map[string]any)

// Cache is an LRU-bounded result store. It is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	store    *lru.Cache[Key, map[string]any]
	watchers map[Key]map[uint64]Watcher
	nextID   uint64
}

// New creates a cache holding up to size entries.
func New(size int) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	store, err := lru.New[Key, map[string]any](size)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &Cache{store: store, watchers: map[Key]map[uint64]Watcher{}}
}

// Read returns the data stored under k.
func (c *Cache) Read(k Key) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Get(k)
}

// Write stores data under k and notifies watchers when it differs from the
// previous value.
func (c *Cache) Write(k Key, data map[string]any) {
	c.Update(k, func(map[string]any) map[string]any { return data })
}

// Update replaces the entry under k with fn(previous). fn receives nil when
// the key is absent. Watchers run after the cache lock is released.
func (c *Cache) Update(k Key, fn func(prev map[string]any) map[string]any) {
	c.mu.Lock()
	prev, ok := c.store.Get(k)
	next := fn(prev)
	if ok && reflect.DeepEqual(prev, next) {
		c.mu.Unlock()
		return
	}
	c.store.Add(k, next)
	ws := make([]Watcher, 0, len(c.watchers[k]))
	for _, w := range c.watchers[k] {
		ws = append(ws, w)
	}
	c.mu.Unlock()

	for _, w := range ws {
		w(next)
	}
}

// Watch registers w for writes under k.
func (c *Cache) Watch(k Key, w Watcher) (cancel func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	if c.watchers[k] == nil {
		c.watchers[k] = map[uint64]Watcher{}
	}
	c.watchers[k][id] = w
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.watchers[k], id)
		if len(c.watchers[k]) == 0 {
			delete(c.watchers, k)
		}
	}
}

// Evict drops the entry under k without notifying watchers.
func (c *Cache) Evict(k Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Remove(k)
}

// Reset drops every entry. Watchers stay registered.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Purge()
}

// Len reports the number of stored entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Len()
}
