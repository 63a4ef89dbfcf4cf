package crawl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foofork/riptide/internal/core"
	"github.com/foofork/riptide/internal/events"
	"github.com/foofork/riptide/internal/frontier"
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

type scriptedExecutor struct {
	mu    sync.Mutex
	calls []core.CrawlRequest
	errs  map[string]error
	links map[string][]string
}

func (e *scriptedExecutor) ExecuteRequest(_ context.Context, req core.CrawlRequest) (*core.PipelineResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, req)
	if err, ok := e.errs[req.URL]; ok && err != nil {
		return nil, err
	}
	return &core.PipelineResult{
		Doc: &core.ExtractedDoc{
			URL:   req.URL,
			Text:  "body",
			Links: e.links[req.URL],
		},
		QualityScore: 0.8,
		HTTPStatus:   200,
	}, nil
}

func (e *scriptedExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type capturingSink struct {
	mu      sync.Mutex
	results []*core.PipelineResult
	err     error
}

func (s *capturingSink) Store(_ context.Context, result *core.PipelineResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.results = append(s.results, result)
	return nil
}

type capturingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (e *capturingEmitter) Emit(evt events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *capturingEmitter) byStage(stage events.Stage) []events.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []events.Event
	for _, evt := range e.events {
		if evt.Stage == stage {
			out = append(out, evt)
		}
	}
	return out
}

func newTestDispatcher(
	t *testing.T,
	exec Executor,
	snk ResultSink,
	emit events.Emitter,
	cfg Config,
) (*Dispatcher, *frontier.Manager) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	fr := frontier.New(frontier.Config{}, nil, clock, nil)
	if cfg.IdlePoll == 0 {
		cfg.IdlePoll = time.Millisecond
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour
	}
	d := New(fr, exec, snk, nil, nil, clock, emit, nil, cfg)
	return d, fr
}

func TestDrainProcessesAllEntries(t *testing.T) {
	t.Parallel()

	exec := &scriptedExecutor{}
	snk := &capturingSink{}
	d, fr := newTestDispatcher(t, exec, snk, nil, Config{})

	for i := 0; i < 3; i++ {
		url := fmt.Sprintf("https://example.com/page-%d", i)
		require.NoError(t, fr.Add(url, core.TierNormal, 1, 0.5, "s1"))
	}

	d.Drain(context.Background())

	assert.Equal(t, 3, exec.callCount())
	assert.Len(t, snk.results, 3)
	assert.Equal(t, 0, fr.Len())
}

func TestRetryableFailureRequeuedThenAbandoned(t *testing.T) {
	t.Parallel()

	exec := &scriptedExecutor{
		errs: map[string]error{
			"https://example.com/flaky": fmt.Errorf("fetch: %w", core.ErrNetwork),
		},
	}
	emit := &capturingEmitter{}
	d, fr := newTestDispatcher(t, exec, nil, emit, Config{MaxRetries: 2})

	require.NoError(t, fr.Add("https://example.com/flaky", core.TierNormal, 0, 0.5, ""))
	d.Drain(context.Background())

	// Initial attempt plus two requeues.
	assert.Equal(t, 3, exec.callCount())
	requeues := emit.byStage(events.StageRequeue)
	require.Len(t, requeues, 2)
	assert.Equal(t, "example.com", requeues[0].Host)
	assert.Equal(t, core.ErrNetwork.Error(), requeues[0].Note)
	assert.Equal(t, 0, fr.Len())
}

func TestNonRetryableFailureNotRequeued(t *testing.T) {
	t.Parallel()

	exec := &scriptedExecutor{
		errs: map[string]error{
			"https://example.com/bad": fmt.Errorf("extract: %w", core.ErrParse),
		},
	}
	emit := &capturingEmitter{}
	d, fr := newTestDispatcher(t, exec, nil, emit, Config{MaxRetries: 2})

	require.NoError(t, fr.Add("https://example.com/bad", core.TierNormal, 0, 0.5, ""))
	d.Drain(context.Background())

	assert.Equal(t, 1, exec.callCount())
	assert.Empty(t, emit.byStage(events.StageRequeue))
}

func TestBudgetDenialLeavesWorkQueued(t *testing.T) {
	t.Parallel()

	exec := &scriptedExecutor{errs: map[string]error{}}
	urls := []string{
		"https://a.example.com/",
		"https://b.example.com/",
		"https://c.example.com/",
	}
	for _, url := range urls {
		exec.errs[url] = fmt.Errorf("budget: %w", core.ErrResourceLimit)
	}
	emit := &capturingEmitter{}
	d, fr := newTestDispatcher(t, exec, nil, emit, Config{MaxRetries: 2})

	for _, url := range urls {
		require.NoError(t, fr.Add(url, core.TierNormal, 0, 0.5, "s1"))
	}
	d.Drain(context.Background())

	// The first denial stops the drain; nothing is abandoned.
	assert.Equal(t, 1, exec.callCount())
	assert.Equal(t, 3, fr.Len(), "denied work must stay queued")
	require.Len(t, emit.byStage(events.StageRequeue), 1)
	assert.Equal(t, core.ErrResourceLimit.Error(), emit.byStage(events.StageRequeue)[0].Note)

	// Once the budget clears, the same queue drains to completion: denials
	// consumed no retry budget.
	exec.mu.Lock()
	exec.errs = nil
	exec.mu.Unlock()
	d.Drain(context.Background())
	assert.Equal(t, 4, exec.callCount())
	assert.Equal(t, 0, fr.Len())
}

func TestBreakerDenialLeavesWorkQueued(t *testing.T) {
	t.Parallel()

	exec := &scriptedExecutor{
		errs: map[string]error{
			"https://example.com/down": fmt.Errorf("fetch: %w", core.ErrDependencyUnavailable),
		},
	}
	d, fr := newTestDispatcher(t, exec, nil, nil, Config{MaxRetries: 2})

	require.NoError(t, fr.Add("https://example.com/down", core.TierNormal, 0, 0.5, ""))
	d.Drain(context.Background())

	assert.Equal(t, 1, exec.callCount())
	assert.Equal(t, 1, fr.Len(), "denied work must stay queued")
}

func TestFollowLinksEnqueuesDiscoveredLinks(t *testing.T) {
	t.Parallel()

	exec := &scriptedExecutor{
		links: map[string][]string{
			"https://example.com/start": {
				"https://example.com/next",
				"https://other.org/page",
			},
		},
	}
	d, fr := newTestDispatcher(t, exec, nil, nil, Config{FollowLinks: true, MaxDepth: 3})

	require.NoError(t, fr.Add("https://example.com/start", core.TierHigh, 0, 1.0, "s1"))
	d.Drain(context.Background())

	assert.Equal(t, 3, exec.callCount())

	var depths []int
	var sessions []string
	exec.mu.Lock()
	for _, req := range exec.calls[1:] {
		depths = append(depths, req.Depth)
		sessions = append(sessions, req.SessionID)
	}
	exec.mu.Unlock()
	assert.Equal(t, []int{1, 1}, depths)
	assert.Equal(t, []string{"s1", "s1"}, sessions)
}

func TestFollowLinksStopsAtMaxDepth(t *testing.T) {
	t.Parallel()

	exec := &scriptedExecutor{
		links: map[string][]string{
			"https://example.com/deep": {"https://example.com/deeper"},
		},
	}
	d, fr := newTestDispatcher(t, exec, nil, nil, Config{FollowLinks: true, MaxDepth: 2})

	require.NoError(t, fr.Add("https://example.com/deep", core.TierNormal, 1, 0.5, ""))
	d.Drain(context.Background())

	// depth 1 + 1 == MaxDepth, so the discovered link is not enqueued.
	assert.Equal(t, 1, exec.callCount())
}

func TestFollowLinksSkipsDuplicates(t *testing.T) {
	t.Parallel()

	exec := &scriptedExecutor{
		links: map[string][]string{
			"https://example.com/start": {"https://example.com/start"},
		},
	}
	d, fr := newTestDispatcher(t, exec, nil, nil, Config{FollowLinks: true})

	require.NoError(t, fr.Add("https://example.com/start", core.TierNormal, 0, 0.5, ""))
	d.Drain(context.Background())

	assert.Equal(t, 1, exec.callCount())
}

func TestSinkFailureDoesNotAbortCrawl(t *testing.T) {
	t.Parallel()

	exec := &scriptedExecutor{}
	snk := &capturingSink{err: errors.New("insert failed")}
	d, fr := newTestDispatcher(t, exec, snk, nil, Config{})

	require.NoError(t, fr.Add("https://example.com/a", core.TierNormal, 0, 0.5, ""))
	require.NoError(t, fr.Add("https://example.com/b", core.TierNormal, 0, 0.5, ""))
	d.Drain(context.Background())

	assert.Equal(t, 2, exec.callCount())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	exec := &scriptedExecutor{}
	d, fr := newTestDispatcher(t, exec, nil, nil, Config{Workers: 2})
	require.NoError(t, fr.Add("https://example.com/a", core.TierNormal, 0, 0.5, ""))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return exec.callCount() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after cancellation")
	}
}
