package entity

import (
	"fmt"
	"iter"
	"slices"
	"strconv"
	"sync"
)

// Cache is the materialized result set of one query: records keyed by id and
// kept in ascending id order. It only manages its own key space; registry
// bookkeeping belongs to the merger.
type Cache struct {
	mu      sync.RWMutex
	entries map[int64]*Record
	ids     []int64
}

func NewCache() *Cache {
	return &Cache{entries: map[int64]*Record{}}
}

func (c *Cache) Add(rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[rec.ID()]; !exists {
		idx, _ := slices.BinarySearch(c.ids, rec.ID())
		c.ids = slices.Insert(c.ids, idx, rec.ID())
	}
	c.entries[rec.ID()] = rec
	return nil
}

func (c *Cache) Remove(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; !ok {
		return false
	}
	delete(c.entries, id)
	if idx, found := slices.BinarySearch(c.ids, id); found {
		c.ids = slices.Delete(c.ids, idx, idx+1)
	}
	return true
}

func (c *Cache) Get(id int64) (*Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.entries[id]
	return rec, ok
}

func (c *Cache) Has(id int64) bool {
	_, ok := c.Get(id)
	return ok
}

func (c *Cache) First() (*Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.ids) == 0 {
		return nil, false
	}
	return c.entries[c.ids[0]], true
}

func (c *Cache) Last() (*Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.ids) == 0 {
		return nil, false
	}
	return c.entries[c.ids[len(c.ids)-1]], true
}

func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}

func (c *Cache) IDs() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.ids)
}

// Keys returns the ids as decimal strings, ascending by numeric value.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, len(c.ids))
	for i, id := range c.ids {
		keys[i] = strconv.FormatInt(id, 10)
	}
	return keys
}

// All yields the cached records in ascending id order. Each iteration starts
// from the current contents, so the sequence can be ranged over repeatedly.
func (c *Cache) All() iter.Seq[*Record] {
	return func(yield func(*Record) bool) {
		c.mu.RLock()
		ids := slices.Clone(c.ids)
		c.mu.RUnlock()
		for _, id := range ids {
			rec, ok := c.Get(id)
			if !ok {
				continue
			}
			if !yield(rec) {
				return
			}
		}
	}
}

func (c *Cache) List() []*Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Record, 0, len(c.ids))
	for _, id := range c.ids {
		out = append(out, c.entries[id])
	}
	return out
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[int64]*Record{}
	c.ids = nil
}

func (c *Cache) String() string {
	return fmt.Sprintf("Cache(%d)", c.Count())
}
