// Package crawl drains the frontier through the pipeline with a pool of
// workers, feeding discovered links back and requeueing retryable failures.
package crawl

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/foofork/riptide/internal/budget"
	"github.com/foofork/riptide/internal/cache"
	"github.com/foofork/riptide/internal/core"
	"github.com/foofork/riptide/internal/events"
	"github.com/foofork/riptide/internal/frontier"
)

// Executor runs one crawl request through the pipeline. Satisfied by
// pipeline.Orchestrator.
type Executor interface {
	ExecuteRequest(ctx context.Context, req core.CrawlRequest) (*core.PipelineResult, error)
}

// ResultSink persists successful results. Satisfied by sink.Sink.
type ResultSink interface {
	Store(ctx context.Context, result *core.PipelineResult) error
}

// Config controls dispatcher fan-out and the crawl loop.
type Config struct {
	// Workers is the number of concurrent crawl workers (default 4).
	Workers int `mapstructure:"workers"`
	// IdlePoll is how long a worker sleeps when the frontier is empty
	// (default 250ms).
	IdlePoll time.Duration `mapstructure:"idle_poll"`
	// MaxDepth bounds link following; links at MaxDepth are not enqueued
	// (default 3).
	MaxDepth int `mapstructure:"max_depth"`
	// MaxRetries bounds requeues per request (default 2).
	MaxRetries int `mapstructure:"max_retries"`
	// FollowLinks enables enqueueing links discovered in extracted
	// documents.
	FollowLinks bool `mapstructure:"follow_links"`
	// LinkRelevance is the relevance hint assigned to discovered links
	// (default 0.5); the frontier rescores against its query terms.
	LinkRelevance float64 `mapstructure:"link_relevance"`
	// CleanupInterval is the janitor period for frontier TTL expiry, idle
	// host reclamation, and cache purging (default 1m).
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	// HostIdleTTL is passed to the budget manager's host cleanup
	// (default 1h).
	HostIdleTTL time.Duration `mapstructure:"host_idle_ttl"`
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = 250 * time.Millisecond
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 3
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.LinkRelevance <= 0 {
		c.LinkRelevance = 0.5
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.HostIdleTTL <= 0 {
		c.HostIdleTTL = time.Hour
	}
	return c
}

// Dispatcher fans frontier work out to crawl workers.
type Dispatcher struct {
	frontier *frontier.Manager
	orch     Executor
	sink     ResultSink
	budget   *budget.Manager
	cache    *cache.Memory
	clock    core.Clock
	emit     events.Emitter
	logger   *zap.Logger
	cfg      Config
}

// New constructs a Dispatcher. The sink and cache are optional.
func New(
	fr *frontier.Manager,
	orch Executor,
	snk ResultSink,
	budgets *budget.Manager,
	memCache *cache.Memory,
	clock core.Clock,
	emit events.Emitter,
	logger *zap.Logger,
	cfg Config,
) *Dispatcher {
	if emit == nil {
		emit = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		frontier: fr,
		orch:     orch,
		sink:     snk,
		budget:   budgets,
		cache:    memCache,
		clock:    clock,
		emit:     emit,
		logger:   logger,
		cfg:      cfg.withDefaults(),
	}
}

// Run starts the workers and the janitor, blocking until the context
// finishes and all workers have drained.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.workerLoop(ctx, id)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.janitorLoop(ctx)
	}()
	wg.Wait()
}

// Drain processes frontier entries until the frontier is empty, admission
// closes, or the context finishes. Used by the one-shot crawl command. A
// budget or breaker denial stops the drain with the denied request requeued,
// so exhaustion leaves the remaining work queued instead of burning it.
func (d *Dispatcher) Drain(ctx context.Context) {
	for ctx.Err() == nil {
		req := d.frontier.Next()
		if req == nil {
			if d.frontier.Len() == 0 {
				return
			}
			if !sleepCtx(ctx, d.cfg.IdlePoll) {
				return
			}
			continue
		}
		if denied := d.process(ctx, *req); denied {
			return
		}
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context, id int) {
	logger := d.logger.With(zap.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}
		req := d.frontier.Next()
		if req == nil {
			if !sleepCtx(ctx, d.cfg.IdlePoll) {
				return
			}
			continue
		}
		logger.Debug("processing request",
			zap.String("url", req.URL),
			zap.Int("depth", req.Depth),
		)
		if denied := d.process(ctx, *req); denied {
			// Admission is closed; pause dequeuing until pressure clears.
			if !sleepCtx(ctx, d.cfg.IdlePoll) {
				return
			}
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, req core.CrawlRequest) (denied bool) {
	defer d.frontier.MarkDone(req.Host)

	result, err := d.orch.ExecuteRequest(ctx, req)
	if err != nil {
		return d.handleFailure(ctx, req, err)
	}

	if d.sink != nil {
		if err := d.sink.Store(ctx, result); err != nil {
			d.logger.Warn("result sink failed",
				zap.String("url", req.URL),
				zap.Error(err),
			)
		}
	}
	d.followLinks(req, result)
	return false
}

// handleFailure routes a failed request. Admission denials put the work back
// untouched and report denied; retryable failures consume retry budget; the
// rest are abandoned.
func (d *Dispatcher) handleFailure(ctx context.Context, req core.CrawlRequest, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if admissionDenied(err) {
		d.requeue(req, err)
		return true
	}
	if !core.Retryable(err) || req.RetryCount >= d.cfg.MaxRetries {
		d.logger.Warn("request abandoned",
			zap.String("url", req.URL),
			zap.Int("retries", req.RetryCount),
			zap.Error(err),
		)
		return false
	}
	req.RetryCount++
	d.requeue(req, err)
	return false
}

func (d *Dispatcher) requeue(req core.CrawlRequest, err error) {
	if rqErr := d.frontier.Requeue(req); rqErr != nil {
		if !errors.Is(rqErr, frontier.ErrQueueFull) {
			d.logger.Warn("requeue failed", zap.String("url", req.URL), zap.Error(rqErr))
		}
		return
	}
	d.emit.Emit(events.Event{
		TS:    d.clock.Now().UTC(),
		Stage: events.StageRequeue,
		Host:  req.Host,
		URL:   req.URL,
		Note:  core.Classify(err).Error(),
	})
}

// admissionDenied reports whether the pipeline refused the request for
// capacity reasons (budget exhaustion, open circuit, saturated pool) rather
// than failing an attempt. Denied requests keep their retry budget.
func admissionDenied(err error) bool {
	return errors.Is(err, core.ErrResourceLimit) || errors.Is(err, core.ErrDependencyUnavailable)
}

func (d *Dispatcher) followLinks(req core.CrawlRequest, result *core.PipelineResult) {
	if !d.cfg.FollowLinks || result == nil || result.Doc == nil {
		return
	}
	if result.FromCache || req.Depth+1 >= d.cfg.MaxDepth {
		return
	}
	for _, link := range result.Doc.Links {
		err := d.frontier.Add(link, req.Tier, req.Depth+1, d.cfg.LinkRelevance, req.SessionID)
		if err != nil && !errors.Is(err, frontier.ErrDuplicate) {
			if errors.Is(err, frontier.ErrQueueFull) {
				return
			}
			d.logger.Debug("link rejected", zap.String("url", link), zap.Error(err))
		}
	}
}

func (d *Dispatcher) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := d.frontier.Cleanup()
			reclaimed := 0
			if d.budget != nil {
				reclaimed = d.budget.CleanupHosts(d.cfg.HostIdleTTL)
			}
			if d.cache != nil {
				d.cache.Purge()
			}
			if removed > 0 || reclaimed > 0 {
				d.logger.Debug("janitor pass",
					zap.Int("frontier_removed", removed),
					zap.Int("hosts_reclaimed", reclaimed),
				)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
