package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foofork/riptide/internal/core"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func result(url string) *core.PipelineResult {
	return &core.PipelineResult{Doc: &core.ExtractedDoc{URL: url}}
}

func TestMemoryGetSet(t *testing.T) {
	clock := newFakeClock()
	c := NewMemory(clock, 0)
	ctx := context.Background()

	_, ok := c.Get(ctx, "missing")
	assert.False(t, ok)

	c.Set(ctx, "k", result("https://example.com/"), time.Hour)
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "https://example.com/", got.Doc.URL)
}

func TestMemoryExpiry(t *testing.T) {
	clock := newFakeClock()
	c := NewMemory(clock, 0)
	ctx := context.Background()

	c.Set(ctx, "k", result("https://example.com/"), time.Minute)
	clock.Advance(2 * time.Minute)

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)

	// Expired entries stay resident until a purge runs.
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 1, c.Purge())
	assert.Equal(t, 0, c.Len())
}

func TestMemoryZeroTTLIsNoop(t *testing.T) {
	c := NewMemory(newFakeClock(), 0)
	ctx := context.Background()

	c.Set(ctx, "k", result("https://example.com/"), 0)
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryCapacity(t *testing.T) {
	clock := newFakeClock()
	c := NewMemory(clock, 2)
	ctx := context.Background()

	c.Set(ctx, "a", result("https://example.com/a"), time.Minute)
	c.Set(ctx, "b", result("https://example.com/b"), time.Hour)

	// Full with live entries: the new write is dropped.
	c.Set(ctx, "c", result("https://example.com/c"), time.Hour)
	_, ok := c.Get(ctx, "c")
	assert.False(t, ok)

	// Overwriting a resident key is always allowed.
	c.Set(ctx, "b", result("https://example.com/b2"), time.Hour)
	got, ok := c.Get(ctx, "b")
	require.True(t, ok)
	assert.Equal(t, "https://example.com/b2", got.Doc.URL)

	// Once "a" expires the capacity check reclaims it.
	clock.Advance(2 * time.Minute)
	c.Set(ctx, "c", result("https://example.com/c"), time.Hour)
	_, ok = c.Get(ctx, "c")
	assert.True(t, ok)
}

func TestMemoryConcurrentAccess(t *testing.T) {
	c := NewMemory(newFakeClock(), 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%4)
			c.Set(ctx, key, result("https://example.com/"), time.Hour)
			c.Get(ctx, key)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 4, c.Len())
}
