// Package pipeline composes fetch, gate analysis, extraction, and caching
// into the per-URL request lifecycle. One Orchestrator serves the whole
// process; every crawl request and API call funnels through ExecuteSingle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/foofork/riptide/internal/breaker"
	"github.com/foofork/riptide/internal/budget"
	"github.com/foofork/riptide/internal/core"
	"github.com/foofork/riptide/internal/events"
	"github.com/foofork/riptide/internal/gate"
	"github.com/foofork/riptide/internal/pool"
)

// Breaker keys. Static fetches break per host; the headless browser and the
// extraction pool are process-wide dependencies.
const (
	breakerFetchPrefix = "fetch:"
	breakerHeadless    = "headless"
	breakerExtract     = "extract"
)

// Config tunes the Orchestrator.
type Config struct {
	// CacheTTL bounds how long pipeline results are served from cache.
	CacheTTL time.Duration
	// CacheMode participates in the cache key so differently configured
	// deployments sharing a cache never cross-serve results.
	CacheMode string
	// FetchTimeout bounds one fetch attempt, static or headless.
	FetchTimeout time.Duration
	// BatchConcurrency bounds ExecuteBatch fan-out. The budget's concurrency
	// ceiling still applies underneath.
	BatchConcurrency int
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.CacheMode == "" {
		c.CacheMode = "default"
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = 8
	}
	return c
}

// Orchestrator is the per-URL state machine. All collaborators are injected;
// the orchestrator owns only the composition.
type Orchestrator struct {
	cfg      Config
	static   core.Fetcher
	headless core.Fetcher
	pdf      core.PDFProcessor
	gate     *gate.Analyzer
	pool     *pool.Pool
	cache    core.Cache
	budget   *budget.Manager
	breakers *breaker.Registry
	hasher   core.Hasher
	clock    core.Clock
	log      *zap.Logger
	emit     events.Emitter
	retry    *RetryPolicy

	inflight singleflight.Group
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Static   core.Fetcher
	Headless core.Fetcher
	PDF      core.PDFProcessor
	Gate     *gate.Analyzer
	Pool     *pool.Pool
	Cache    core.Cache
	Budget   *budget.Manager
	Breakers *breaker.Registry
	Hasher   core.Hasher
	Clock    core.Clock
	Logger   *zap.Logger
	Emitter  events.Emitter
	Retry    *RetryPolicy
}

// New builds an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Emitter == nil {
		deps.Emitter = events.Nop{}
	}
	if deps.Retry == nil {
		deps.Retry = NewRetryPolicy()
	}
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		static:   deps.Static,
		headless: deps.Headless,
		pdf:      deps.PDF,
		gate:     deps.Gate,
		pool:     deps.Pool,
		cache:    deps.Cache,
		budget:   deps.Budget,
		breakers: deps.Breakers,
		hasher:   deps.Hasher,
		clock:    deps.Clock,
		log:      deps.Logger,
		emit:     deps.Emitter,
		retry:    deps.Retry,
	}
}

// ExecuteSingle runs the full lifecycle for one URL with no crawl context
// (depth zero, normal tier). API handlers call this directly.
func (o *Orchestrator) ExecuteSingle(ctx context.Context, rawURL, session string) (*core.PipelineResult, error) {
	normalized, err := core.NormalizeURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrParse, err)
	}
	return o.ExecuteRequest(ctx, core.CrawlRequest{
		URL:       normalized,
		Host:      core.HostOf(normalized),
		Tier:      core.TierNormal,
		SessionID: session,
	})
}

// ExecuteRequest runs the lifecycle for an already-normalized crawl request.
// Concurrent executions of the same cache key collapse into one; late
// arrivals share the first execution's result.
func (o *Orchestrator) ExecuteRequest(ctx context.Context, req core.CrawlRequest) (*core.PipelineResult, error) {
	key, err := o.cacheKey(req.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: cache key: %v", core.ErrInternal, err)
	}

	v, err, shared := o.inflight.Do(key, func() (any, error) {
		return o.execute(ctx, req, key)
	})
	if err != nil {
		return nil, err
	}
	res := v.(*core.PipelineResult)
	if shared {
		// Hand each joined caller its own copy so nobody mutates a shared
		// result. The doc pointer is shared read-only.
		clone := *res
		return &clone, nil
	}
	return res, nil
}

func (o *Orchestrator) execute(ctx context.Context, req core.CrawlRequest, key string) (*core.PipelineResult, error) {
	start := o.clock.Now()
	o.emit.Emit(events.Event{TS: start, Stage: events.StagePipelineStart, Host: req.Host, URL: req.URL})

	if cached, ok := o.cache.Get(ctx, key); ok {
		o.emit.Emit(events.Event{TS: o.clock.Now(), Stage: events.StageCacheHit, Host: req.Host, URL: req.URL})
		clone := *cached
		clone.FromCache = true
		clone.CacheKey = key
		return &clone, nil
	}

	if err := o.admit(ctx, req); err != nil {
		o.emitError(req, err)
		return nil, err
	}
	guard, err := o.budget.StartRequest(req.Host, req.SessionID)
	if err != nil {
		o.emitError(req, err)
		return nil, err
	}

	var bytes int64
	res, err := o.executeAttempts(ctx, req, key, &bytes)
	o.budget.CompleteRequest(guard, bytes, err == nil)
	if err != nil {
		o.emitError(req, err)
		return nil, err
	}

	res.ProcessingMs = o.clock.Now().Sub(start).Milliseconds()
	o.emit.Emit(events.Event{
		TS:    o.clock.Now(),
		Stage: events.StagePipelineDone,
		Host:  req.Host,
		URL:   req.URL,
		Dur:   time.Duration(res.ProcessingMs) * time.Millisecond,
		Value: res.QualityScore,
	})
	return res, nil
}

// admit clears the budget gate, honoring the enforcement mode: denial maps
// to a resource-limit error, adaptive delays sleep before proceeding.
func (o *Orchestrator) admit(ctx context.Context, req core.CrawlRequest) error {
	adm := o.budget.CanMakeRequest(req.Host, req.SessionID, req.Depth)
	switch adm.Decision {
	case budget.Deny:
		return fmt.Errorf("%w: %s", core.ErrResourceLimit, adm.Reason)
	case budget.Delayed:
		o.log.Debug("adaptive budget delay",
			zap.String("url", req.URL), zap.Duration("delay", adm.Delay))
		if err := sleepCtx(ctx, adm.Delay); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) executeAttempts(ctx context.Context, req core.CrawlRequest, key string, bytes *int64) (*core.PipelineResult, error) {
	var history []string
	for attempt := 1; ; attempt++ {
		res, err := o.attempt(ctx, req, bytes)
		if err == nil {
			res.Attempts = attempt
			res.CacheKey = key
			o.cache.Set(ctx, key, res, o.cfg.CacheTTL)
			return res, nil
		}

		history = append(history, err.Error())
		if !o.retry.ShouldRetry(err, attempt) {
			return nil, &core.PipelineError{URL: req.URL, Attempts: attempt, History: history, Err: err}
		}

		delay := o.retry.Backoff(attempt, o.budget.Utilization())
		o.log.Debug("retrying pipeline attempt",
			zap.String("url", req.URL), zap.Int("attempt", attempt), zap.Duration("backoff", delay))
		if sleepErr := sleepCtx(ctx, delay); sleepErr != nil {
			return nil, &core.PipelineError{URL: req.URL, Attempts: attempt, History: history, Err: sleepErr}
		}
	}
}

// attempt is one pass through fetch, type detection, gate, and extraction.
func (o *Orchestrator) attempt(ctx context.Context, req core.CrawlRequest, bytes *int64) (*core.PipelineResult, error) {
	// The extraction pool serves every non-PDF route and the content type is
	// unknown until after the fetch, so an open extraction breaker rejects
	// the attempt before any fetch work starts.
	// The state check does not reserve a half-open trial slot; those are
	// claimed in extract where the outcome is reported.
	if o.breakers.Get(breakerExtract).State() == breaker.StateOpen {
		err := fmt.Errorf("%w: %s circuit open", core.ErrDependencyUnavailable, breakerExtract)
		o.emit.Emit(events.Event{TS: o.clock.Now(), Stage: events.StageBreakerTrip, URL: req.URL, Note: err.Error()})
		return nil, err
	}

	if err := o.budget.PaceHost(ctx, req.Host); err != nil {
		return nil, err
	}

	fres, err := o.guardedFetch(ctx, o.breakers.Get(breakerFetchPrefix+req.Host), o.static, req.URL)
	if err != nil {
		return nil, err
	}
	*bytes += int64(len(fres.Body))
	o.emit.Emit(events.Event{
		TS:    o.clock.Now(),
		Stage: events.StageFetchDone,
		Host:  req.Host,
		URL:   req.URL,
		Bytes: int64(len(fres.Body)),
		Dur:   fres.Duration,
	})

	if isPDF(fres) {
		return o.pdfBranch(ctx, req, fres)
	}

	decision := o.gate.Decide(gate.ExtractFeatures(fres.Body))
	o.emit.Emit(events.Event{
		TS:    o.clock.Now(),
		Stage: events.StageGateDecision,
		Host:  req.Host,
		URL:   req.URL,
		Value: decision.Score,
		Note:  decision.Decision.String(),
	})

	doc, quality, err := o.extractByDecision(ctx, req, fres, decision, bytes)
	if err != nil {
		return nil, err
	}
	o.emit.Emit(events.Event{
		TS:    o.clock.Now(),
		Stage: events.StageExtractDone,
		Host:  req.Host,
		URL:   req.URL,
		Value: quality,
	})

	return &core.PipelineResult{
		Doc:          doc,
		Gate:         decision.Decision.String(),
		QualityScore: quality,
		HTTPStatus:   fres.StatusCode,
	}, nil
}

func (o *Orchestrator) extractByDecision(ctx context.Context, req core.CrawlRequest, fres core.FetchResult, decision gate.Result, bytes *int64) (*core.ExtractedDoc, float64, error) {
	switch decision.Decision {
	case gate.DecisionRaw:
		return o.extract(ctx, fres.Body, req.URL, core.StrategyNative)

	case gate.DecisionProbesFirst:
		doc, quality, err := o.extract(ctx, fres.Body, req.URL, core.StrategyNative)
		switch {
		case err == nil && !o.gate.ShouldEscalate(quality):
			return doc, quality, nil
		case err != nil && !errors.Is(err, core.ErrExtraction):
			return nil, 0, err
		}
		// One-level escalation; never back to raw.
		return o.extractRendered(ctx, req, bytes)

	default:
		return o.extractRendered(ctx, req, bytes)
	}
}

// extractRendered fetches through the headless browser and extracts the
// rendered DOM.
func (o *Orchestrator) extractRendered(ctx context.Context, req core.CrawlRequest, bytes *int64) (*core.ExtractedDoc, float64, error) {
	if o.headless == nil {
		return nil, 0, fmt.Errorf("%w: headless rendering not configured", core.ErrDependencyUnavailable)
	}
	fres, err := o.guardedFetch(ctx, o.breakers.Get(breakerHeadless), o.headless, req.URL)
	if err != nil {
		return nil, 0, err
	}
	*bytes += int64(len(fres.Body))
	return o.extract(ctx, fres.Body, req.URL, core.StrategySandboxed)
}

func (o *Orchestrator) guardedFetch(ctx context.Context, br *breaker.Breaker, fetcher core.Fetcher, url string) (core.FetchResult, error) {
	if err := br.Allow(); err != nil {
		o.emit.Emit(events.Event{TS: o.clock.Now(), Stage: events.StageBreakerTrip, URL: url, Note: err.Error()})
		return core.FetchResult{}, err
	}
	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
	defer cancel()

	fres, err := fetcher.Fetch(fetchCtx, url)
	if err != nil {
		br.OnFailure()
		return core.FetchResult{}, err
	}
	br.OnSuccess()
	return fres, nil
}

// extract acquires a pool worker under the extraction breaker and runs one
// pass. Pool exhaustion counts against the breaker; a saturated pool is a
// degraded dependency like any other.
func (o *Orchestrator) extract(ctx context.Context, body []byte, url string, strategy core.ExtractionStrategy) (*core.ExtractedDoc, float64, error) {
	br := o.breakers.Get(breakerExtract)
	if err := br.Allow(); err != nil {
		o.emit.Emit(events.Event{TS: o.clock.Now(), Stage: events.StageBreakerTrip, URL: url, Note: err.Error()})
		return nil, 0, err
	}

	guard, err := o.pool.Acquire(ctx)
	if err != nil {
		br.OnFailure()
		return nil, 0, err
	}
	defer guard.Release()

	doc, quality, err := guard.Extract(ctx, body, url, strategy)
	if err != nil {
		br.OnFailure()
		return nil, 0, err
	}
	br.OnSuccess()
	return doc, quality, nil
}

func (o *Orchestrator) pdfBranch(ctx context.Context, req core.CrawlRequest, fres core.FetchResult) (*core.PipelineResult, error) {
	if o.pdf == nil {
		return nil, fmt.Errorf("%w: pdf processing not configured", core.ErrDependencyUnavailable)
	}
	doc, err := o.pdf.Process(ctx, fres.Body, req.URL)
	if err != nil {
		return nil, err
	}
	return &core.PipelineResult{
		Doc:          doc,
		Gate:         "pdf",
		QualityScore: 1.0,
		HTTPStatus:   fres.StatusCode,
	}, nil
}

// BatchStats aggregates one ExecuteBatch run.
type BatchStats struct {
	Total        int     `json:"total"`
	Succeeded    int     `json:"succeeded"`
	Failed       int     `json:"failed"`
	CacheHits    int     `json:"cache_hits"`
	CacheHitRate float64 `json:"cache_hit_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// ExecuteBatch fans out ExecuteSingle over urls. One URL's failure never
// aborts the rest; failed slots come back nil.
func (o *Orchestrator) ExecuteBatch(ctx context.Context, urls []string, session string) ([]*core.PipelineResult, BatchStats) {
	results := make([]*core.PipelineResult, len(urls))
	errs := make([]error, len(urls))

	var g errgroup.Group
	g.SetLimit(o.cfg.BatchConcurrency)
	for i, u := range urls {
		g.Go(func() error {
			results[i], errs[i] = o.ExecuteSingle(ctx, u, session)
			return nil
		})
	}
	_ = g.Wait()

	stats := BatchStats{Total: len(urls)}
	var totalMs int64
	for i, res := range results {
		if errs[i] != nil || res == nil {
			stats.Failed++
			o.log.Warn("batch url failed", zap.String("url", urls[i]), zap.Error(errs[i]))
			continue
		}
		stats.Succeeded++
		totalMs += res.ProcessingMs
		if res.FromCache {
			stats.CacheHits++
		}
	}
	if stats.Succeeded > 0 {
		stats.AvgLatencyMs = float64(totalMs) / float64(stats.Succeeded)
	}
	if stats.Total > 0 {
		stats.CacheHitRate = float64(stats.CacheHits) / float64(stats.Total)
	}
	return results, stats
}

func (o *Orchestrator) cacheKey(normalizedURL string) (string, error) {
	return o.hasher.Hash([]byte(normalizedURL + "\n" + o.cfg.CacheMode))
}

func (o *Orchestrator) emitError(req core.CrawlRequest, err error) {
	o.emit.Emit(events.Event{
		TS:    o.clock.Now(),
		Stage: events.StagePipelineError,
		Host:  req.Host,
		URL:   req.URL,
		Note:  core.Classify(err).Error(),
	})
}

func isPDF(fres core.FetchResult) bool {
	return strings.Contains(strings.ToLower(fres.ContentType), "application/pdf")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
