package budget

import (
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

func newManager(t *testing.T, cfg Config) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	return NewManager(cfg, clock, nil, nil), clock
}

func TestPagesBudgetDeniesAfterExhaustion(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t, Config{Mode: ModeStrict, Global: Limits{MaxPages: 1}})

	adm := m.CanMakeRequest("example.com", "", 0)
	require.Equal(t, Allow, adm.Decision)

	g, err := m.StartRequest("example.com", "")
	require.NoError(t, err)
	m.CompleteRequest(g, 1024, true)

	adm = m.CanMakeRequest("example.com", "", 0)
	assert.Equal(t, Deny, adm.Decision)
	assert.Contains(t, adm.Reason, "pages")
}

func TestFailedRequestsDoNotConsumePages(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t, Config{Mode: ModeStrict, Global: Limits{MaxPages: 1}})

	for i := 0; i < 5; i++ {
		g, err := m.StartRequest("example.com", "")
		require.NoError(t, err)
		m.CompleteRequest(g, 512, false)
	}
	snap := m.UsageSnapshot()
	assert.Equal(t, int64(0), snap.PagesCrawled)
	assert.Equal(t, int64(5*512), snap.BytesFetched)
	assert.Equal(t, Allow, m.CanMakeRequest("example.com", "", 0).Decision)
}

func TestPerHostConcurrencyCap(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t, Config{Mode: ModeStrict, PerHost: Limits{MaxConcurrent: 2}})

	g1, err := m.StartRequest("h.com", "")
	require.NoError(t, err)
	g2, err := m.StartRequest("h.com", "")
	require.NoError(t, err)

	// Third concurrent request for the same host is refused.
	_, err = m.StartRequest("h.com", "")
	require.ErrorIs(t, err, core.ErrResourceLimit)
	assert.Equal(t, Deny, m.CanMakeRequest("h.com", "", 0).Decision)

	// A different host is unaffected.
	gOther, err := m.StartRequest("other.com", "")
	require.NoError(t, err)
	gOther.Release()

	// Completing one of the first two frees the slot.
	m.CompleteRequest(g1, 0, true)
	g3, err := m.StartRequest("h.com", "")
	require.NoError(t, err)
	g3.Release()
	g2.Release()
}

func TestConcurrencyNeverExceedsMax(t *testing.T) {
	t.Parallel()
	const maxConc = 4
	m, _ := newManager(t, Config{Mode: ModeStrict, Global: Limits{MaxConcurrent: maxConc}})

	var wg sync.WaitGroup
	var peak, succeeded int64
	var mu sync.Mutex
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := m.StartRequest("x.com", "")
			if err != nil {
				return
			}
			mu.Lock()
			succeeded++
			if inFlight := m.UsageSnapshot().InFlight; inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()
			m.CompleteRequest(g, 0, true)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak, int64(maxConc))
	assert.Equal(t, succeeded, m.UsageSnapshot().PagesCrawled)
	assert.Equal(t, int64(0), m.UsageSnapshot().InFlight)
}

func TestGuardReleaseIsIdempotent(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t, Config{Mode: ModeStrict})
	g, err := m.StartRequest("h.com", "s1")
	require.NoError(t, err)
	g.Release()
	g.Release()
	m.CompleteRequest(g, 10, true)
	assert.Equal(t, int64(0), m.UsageSnapshot().InFlight)
}

func TestSoftModeAllowsWithWarning(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t, Config{Mode: ModeSoft, Global: Limits{MaxPages: 1}})
	g, err := m.StartRequest("h.com", "")
	require.NoError(t, err)
	m.CompleteRequest(g, 0, true)

	adm := m.CanMakeRequest("h.com", "", 0)
	assert.Equal(t, Allow, adm.Decision)
	assert.True(t, adm.Warning)
}

func TestAdaptiveModeDelayGrowsWithUtilization(t *testing.T) {
	t.Parallel()
	m, clock := newManager(t, Config{
		Mode:              ModeAdaptive,
		Global:            Limits{MaxDuration: 100 * time.Second},
		AdaptiveBaseDelay: 100 * time.Millisecond,
		AdaptiveExponent:  2,
		AdaptiveMaxDelay:  5 * time.Second,
	})

	clock.Advance(101 * time.Second)
	adm := m.CanMakeRequest("h.com", "", 0)
	require.Equal(t, Delayed, adm.Decision)
	first := adm.Delay
	require.Greater(t, first, time.Duration(0))

	clock.Advance(100 * time.Second)
	adm = m.CanMakeRequest("h.com", "", 0)
	require.Equal(t, Delayed, adm.Decision)
	assert.GreaterOrEqual(t, adm.Delay, first, "delay must be monotonic in utilization")
	assert.LessOrEqual(t, adm.Delay, 5*time.Second, "delay must be capped")
}

func TestDepthCeiling(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t, Config{Mode: ModeStrict, Global: Limits{MaxDepth: 3}})
	assert.Equal(t, Allow, m.CanMakeRequest("h.com", "", 3).Decision)
	adm := m.CanMakeRequest("h.com", "", 4)
	assert.Equal(t, Deny, adm.Decision)
	assert.Contains(t, adm.Reason, "depth")
}

func TestSessionScopeIsIndependent(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t, Config{Mode: ModeStrict, PerSession: Limits{MaxPages: 1}})

	g, err := m.StartRequest("h.com", "sess-a")
	require.NoError(t, err)
	m.CompleteRequest(g, 0, true)

	assert.Equal(t, Deny, m.CanMakeRequest("h.com", "sess-a", 0).Decision)
	assert.Equal(t, Allow, m.CanMakeRequest("h.com", "sess-b", 0).Decision)

	snap, ok := m.SessionSnapshot("sess-a")
	require.True(t, ok)
	assert.Equal(t, int64(1), snap.PagesCrawled)
	_, ok = m.SessionSnapshot("missing")
	assert.False(t, ok)
}

func TestCleanupHostsReclaimsIdleState(t *testing.T) {
	t.Parallel()
	m, clock := newManager(t, Config{Mode: ModeStrict})
	g, err := m.StartRequest("idle.com", "")
	require.NoError(t, err)
	m.CompleteRequest(g, 0, true)

	clock.Advance(time.Hour)
	removed := m.CleanupHosts(30 * time.Minute)
	assert.Equal(t, 1, removed)
}
