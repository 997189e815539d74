package queries

import (
	"sync"

	client "github.com/hanpama/queryset/internal/client"
)

// Coordinator runs a fixed-shape list of queries side by side without
// blocking. Slot i is created by the first Run and reused by later ones.
type Coordinator struct {
	watcher Watcher
	updates chan struct{}

	mu    sync.Mutex
	slots []slot
}

type slot struct {
	q         *client.ObservableQuery
	unwatch   func()
	configKey string
	resolved  bool
}

// NewCoordinator returns a coordinator that watches through w.
func NewCoordinator(w Watcher) *Coordinator {
	return &Coordinator{watcher: w, updates: make(chan struct{}, 1)}
}

// Run returns one handle per config in config order. New slots start their
// query; existing slots take the config's options, and changed variables
// refetch as the watched query does.
func (c *Coordinator) Run(configs []Config) []Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	handles := make([]Handle, len(configs))
	for i, cfg := range configs {
		if i < len(c.slots) {
			c.slots[i].q.SetOptions(cfg.watchOptions())
		} else {
			q := c.watcher.Watch(cfg.Query, cfg.watchOptions())
			c.slots = append(c.slots, slot{q: q, unwatch: q.OnChange(c.notify)})
		}
		handles[i] = newHandle(c.slots[i].q, cfg.Skip)
	}
	return handles
}

// Updates delivers a value after any slot changed since the last receive.
// Notifications coalesce; a receiver should Run again to read the new state.
func (c *Coordinator) Updates() <-chan struct{} { return c.updates }

func (c *Coordinator) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// Close stops every slot's query. A later Run starts over with fresh slots.
func (c *Coordinator) Close() {
	c.mu.Lock()
	slots := c.slots
	c.slots = nil
	c.mu.Unlock()
	for _, s := range slots {
		s.unwatch()
		s.q.Stop()
	}
}
