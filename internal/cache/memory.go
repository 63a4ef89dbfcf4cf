// Package cache provides the pipeline's result cache. The default backend is
// an in-process TTL map; the interface in core leaves room for an external
// store later.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/foofork/riptide/internal/core"
)

// Memory is a TTL-bounded in-process cache for pipeline results.
type Memory struct {
	clock core.Clock

	mu      sync.RWMutex
	items   map[string]memoryItem
	maxSize int
}

type memoryItem struct {
	value     *core.PipelineResult
	expiresAt time.Time
}

// NewMemory builds a Memory cache. maxSize caps the number of entries; zero
// means unbounded.
func NewMemory(clock core.Clock, maxSize int) *Memory {
	return &Memory{
		clock:   clock,
		items:   make(map[string]memoryItem),
		maxSize: maxSize,
	}
}

// Get returns the cached result, treating expired entries as absent.
func (c *Memory) Get(_ context.Context, key string) (*core.PipelineResult, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || c.clock.Now().After(item.expiresAt) {
		return nil, false
	}
	return item.value, true
}

// Set stores the result for ttl. At capacity, expired entries are reclaimed
// first; if the cache is still full the write is dropped rather than evicting
// live entries, since a miss only costs a refetch.
func (c *Memory) Set(_ context.Context, key string, value *core.PipelineResult, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists && c.maxSize > 0 && len(c.items) >= c.maxSize {
		c.purgeExpiredLocked(now)
		if len(c.items) >= c.maxSize {
			return
		}
	}
	c.items[key] = memoryItem{value: value, expiresAt: now.Add(ttl)}
}

// Purge drops expired entries and reports how many were removed.
func (c *Memory) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeExpiredLocked(c.clock.Now())
}

func (c *Memory) purgeExpiredLocked(now time.Time) int {
	removed := 0
	for key, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

// Len is the number of resident entries including not-yet-purged expired ones.
func (c *Memory) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
