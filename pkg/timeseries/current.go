package timeseries

import (
	"sync"

	"github.com/fako1024/btmonitor/pkg/tracker"
)

// Current holds the store of the active recording session. Creating a new
// store replaces the previous one wholesale
type Current struct {
	store *Store
	sync.RWMutex
}

// Create allocates a new store bound to parser and makes it the current one
func (c *Current) Create(parser tracker.Parser, options ...func(*Store)) *Store {
	s := New(parser, options...)

	c.Lock()
	c.store = s
	c.Unlock()

	return s
}

// Get returns the current store, if any
func (c *Current) Get() (*Store, bool) {
	c.RLock()
	defer c.RUnlock()

	return c.store, c.store != nil
}

// Destroy removes the provided store if it is the current one
func (c *Current) Destroy(s *Store) {
	c.Lock()
	defer c.Unlock()

	if c.store == s {
		c.store = nil
	}
}
