package frontier

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

// memSpill is an in-memory SpillStore used to exercise overflow paths
// without touching disk.
type memSpill struct {
	mu   sync.Mutex
	reqs []core.CrawlRequest
}

func (s *memSpill) Put(_ context.Context, req core.CrawlRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	return nil
}

func (s *memSpill) TakeNext(_ context.Context) (*core.CrawlRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reqs) == 0 {
		return nil, nil
	}
	req := s.reqs[0]
	s.reqs = s.reqs[1:]
	return &req, nil
}

func (s *memSpill) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func (s *memSpill) Close() error { return nil }

func newTestManager(t *testing.T, cfg Config, spill core.SpillStore) (*Manager, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return New(cfg, spill, clock, nil), clock
}

func TestAddRejectsMalformedAndDuplicate(t *testing.T) {
	m, _ := newTestManager(t, Config{}, nil)

	require.NoError(t, m.Add("https://example.com/a", core.TierNormal, 1, 0.5, ""))

	err := m.Add("ftp://example.com/a", core.TierNormal, 1, 0.5, "")
	assert.ErrorIs(t, err, ErrInvalidURL)

	// Same page modulo normalization: fragment and default port.
	err = m.Add("https://example.com:443/a#frag", core.TierNormal, 1, 0.5, "")
	assert.ErrorIs(t, err, ErrDuplicate)

	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 1, m.SeenCount())
}

func TestNextServesHigherTierFirst(t *testing.T) {
	m, _ := newTestManager(t, Config{PerHostInFlight: 10}, nil)

	require.NoError(t, m.Add("https://low.example.com/", core.TierLow, 3, 0.1, ""))
	require.NoError(t, m.Add("https://normal.example.com/", core.TierNormal, 2, 0.9, ""))
	require.NoError(t, m.Add("https://critical.example.com/", core.TierCritical, 5, 0.0, ""))
	require.NoError(t, m.Add("https://high.example.com/", core.TierHigh, 0, 1.0, ""))

	var order []core.Tier
	for {
		req := m.Next()
		if req == nil {
			break
		}
		order = append(order, req.Tier)
		m.MarkDone(req.Host)
	}
	assert.Equal(t, []core.Tier{core.TierCritical, core.TierHigh, core.TierNormal, core.TierLow}, order)
}

func TestNextBestFirstWithinTier(t *testing.T) {
	m, _ := newTestManager(t, Config{PerHostInFlight: 10}, nil)

	require.NoError(t, m.Add("https://a.example.com/", core.TierNormal, 0, 0.2, ""))
	require.NoError(t, m.Add("https://b.example.com/", core.TierNormal, 0, 0.9, ""))
	require.NoError(t, m.Add("https://c.example.com/", core.TierNormal, 0, 0.5, ""))

	first := m.Next()
	require.NotNil(t, first)
	assert.Equal(t, "b.example.com", first.Host)
}

func TestNextSkipsHostAtCap(t *testing.T) {
	m, _ := newTestManager(t, Config{PerHostInFlight: 1}, nil)

	require.NoError(t, m.Add("https://busy.example.com/1", core.TierHigh, 0, 1.0, ""))
	require.NoError(t, m.Add("https://busy.example.com/2", core.TierHigh, 0, 1.0, ""))
	require.NoError(t, m.Add("https://other.example.com/", core.TierLow, 0, 0.1, ""))

	first := m.Next()
	require.NotNil(t, first)
	assert.Equal(t, "busy.example.com", first.Host)

	// busy is at its cap, so the only eligible request is the low-tier one.
	second := m.Next()
	require.NotNil(t, second)
	assert.Equal(t, "other.example.com", second.Host)

	// Nothing eligible while both slots are held.
	assert.Nil(t, m.Next())
	assert.Equal(t, 1, m.Len())

	m.MarkDone("busy.example.com")
	third := m.Next()
	require.NotNil(t, third)
	assert.Equal(t, "busy.example.com", third.Host)
}

func TestQueueFullWithoutSpill(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxResident: 2}, nil)

	require.NoError(t, m.Add("https://example.com/1", core.TierNormal, 0, 0.5, ""))
	require.NoError(t, m.Add("https://example.com/2", core.TierNormal, 0, 0.5, ""))

	err := m.Add("https://example.com/3", core.TierNormal, 0, 0.5, "")
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestSpilloverAndRehydration(t *testing.T) {
	spill := &memSpill{}
	m, _ := newTestManager(t, Config{MaxResident: 2, PerHostInFlight: 10}, spill)

	require.NoError(t, m.Add("https://a.example.com/", core.TierNormal, 0, 0.5, ""))
	require.NoError(t, m.Add("https://b.example.com/", core.TierNormal, 0, 0.5, ""))
	require.NoError(t, m.Add("https://c.example.com/", core.TierNormal, 0, 0.5, ""))

	assert.Equal(t, 1, spill.Len())
	assert.Equal(t, 3, m.Len())

	// Dequeuing frees a resident slot and pulls the spilled entry back in.
	req := m.Next()
	require.NotNil(t, req)
	m.MarkDone(req.Host)
	assert.Equal(t, 0, spill.Len())
	assert.Equal(t, 2, m.Len())

	hosts := map[string]bool{}
	for {
		r := m.Next()
		if r == nil {
			break
		}
		hosts[r.Host] = true
		m.MarkDone(r.Host)
	}
	assert.True(t, hosts["c.example.com"], "spilled request must eventually be served")
}

func TestRequeueBypassesDedup(t *testing.T) {
	m, _ := newTestManager(t, Config{PerHostInFlight: 10}, nil)

	require.NoError(t, m.Add("https://example.com/retry", core.TierNormal, 1, 0.5, ""))
	req := m.Next()
	require.NotNil(t, req)
	m.MarkDone(req.Host)

	retry := *req
	retry.RetryCount++
	require.NoError(t, m.Requeue(retry))

	again := m.Next()
	require.NotNil(t, again)
	assert.Equal(t, req.URL, again.URL)
	assert.Equal(t, 1, again.RetryCount)
}

func TestCleanupPurgesStaleEntriesAndIdleHosts(t *testing.T) {
	m, clock := newTestManager(t, Config{EntryTTL: time.Hour, HostIdleTTL: time.Minute, PerHostInFlight: 10}, nil)

	require.NoError(t, m.Add("https://stale.example.com/", core.TierNormal, 0, 0.5, ""))
	clock.Advance(2 * time.Hour)
	require.NoError(t, m.Add("https://fresh.example.com/", core.TierNormal, 0, 0.5, ""))

	purged := m.Cleanup()
	assert.Equal(t, 1, purged)
	assert.Equal(t, 1, m.Len())

	req := m.Next()
	require.NotNil(t, req)
	assert.Equal(t, "fresh.example.com", req.Host)
	m.MarkDone(req.Host)

	clock.Advance(5 * time.Minute)
	m.Cleanup()
	m.mu.Lock()
	remaining := len(m.hosts)
	m.mu.Unlock()
	assert.Zero(t, remaining)
}

func TestAddSeeds(t *testing.T) {
	m, _ := newTestManager(t, Config{PerHostInFlight: 10}, nil)

	accepted, err := m.AddSeeds([]string{
		"https://example.com/",
		"https://example.com/", // duplicate after normalization
		"not a url",
		"https://other.example.com/docs",
	}, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 2, accepted)

	req := m.Next()
	require.NotNil(t, req)
	assert.Equal(t, core.TierHigh, req.Tier)
	assert.Equal(t, 0, req.Depth)
	assert.Equal(t, "sess-1", req.SessionID)
}

func TestConcurrentAddAndNext(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxResident: 10000, PerHostInFlight: 100}, nil)

	var wg sync.WaitGroup
	urls := []string{
		"https://a.example.com/%d",
		"https://b.example.com/%d",
		"https://c.example.com/%d",
	}
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = m.Add(fmt.Sprintf(urls[i%len(urls)], i), core.TierNormal, 1, 0.5, "")
		}(i)
	}
	wg.Wait()
	require.Equal(t, 30, m.Len())

	served := 0
	for {
		req := m.Next()
		if req == nil {
			break
		}
		served++
		m.MarkDone(req.Host)
	}
	assert.Equal(t, 30, served)
	assert.Equal(t, 0, m.Len())
}
