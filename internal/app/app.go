// Package app initializes and holds long-lived application services, acting
// as the composition root for the scheduler, pipeline, and HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/foofork/riptide/internal/api"
	"github.com/foofork/riptide/internal/breaker"
	"github.com/foofork/riptide/internal/budget"
	"github.com/foofork/riptide/internal/cache"
	"github.com/foofork/riptide/internal/clock/system"
	"github.com/foofork/riptide/internal/config"
	"github.com/foofork/riptide/internal/core"
	"github.com/foofork/riptide/internal/crawl"
	"github.com/foofork/riptide/internal/events"
	"github.com/foofork/riptide/internal/events/sinks"
	"github.com/foofork/riptide/internal/extractor"
	collyfetcher "github.com/foofork/riptide/internal/fetcher/colly"
	"github.com/foofork/riptide/internal/fetcher/headless"
	"github.com/foofork/riptide/internal/frontier"
	"github.com/foofork/riptide/internal/gate"
	"github.com/foofork/riptide/internal/hash/sha256"
	"github.com/foofork/riptide/internal/id/uuid"
	"github.com/foofork/riptide/internal/logging"
	"github.com/foofork/riptide/internal/pipeline"
	"github.com/foofork/riptide/internal/pool"
	"github.com/foofork/riptide/internal/publisher/pubsub"
	"github.com/foofork/riptide/internal/session"
	"github.com/foofork/riptide/internal/sink"
	"github.com/foofork/riptide/internal/spill"
	"github.com/foofork/riptide/internal/storage/gcs"
	"github.com/foofork/riptide/internal/storage/local"
	"github.com/foofork/riptide/internal/storage/memory"
	"github.com/foofork/riptide/internal/storage/postgres"
)

// App holds all shared, long-lived services. It is initialized once at
// startup and closed in reverse order on shutdown.
type App struct {
	Logger     *zap.Logger
	Hub        *events.Hub
	Frontier   *frontier.Manager
	Budget     *budget.Manager
	Sessions   *session.Manager
	Pipeline   *pipeline.Orchestrator
	Dispatcher *crawl.Dispatcher
	Server     *api.Server
	Cache      *cache.Memory

	cfg       config.Config
	spill     core.SpillStore
	docStore  core.DocStore
	publisher *pubsub.Publisher
	extPool   *pool.Pool
}

// New builds the full service graph from configuration. It fails fast when a
// required downstream cannot be initialized.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	clk := system.New()
	hasher := sha256.New()
	ids := uuid.NewUUIDGenerator()

	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("register event metrics: %w", err)
	}
	hub := events.NewHub(events.Config{Logger: logger}, sinks.NewLogSink(logger), promSink)

	budgetCfg, err := cfg.Budget.ToBudget()
	if err != nil {
		return nil, err
	}
	budgets := budget.NewManager(budgetCfg, clk, logger, hub)

	var spillStore core.SpillStore
	if cfg.Spill.Enabled {
		spillStore, err = spill.NewBadgerStore(cfg.Spill.Dir, true, logger)
		if err != nil {
			return nil, fmt.Errorf("open spill store: %w", err)
		}
	}
	fr := frontier.New(cfg.Frontier.ToFrontier(), spillStore, clk, logger)

	breakers := breaker.NewRegistry(cfg.Breaker.ToBreaker(), clk, logger)

	extPool := pool.New(cfg.Pool.ToPool(), func() (core.Extractor, error) {
		return extractor.NewNative(), nil
	}, ids, clk, logger, hub)

	static := collyfetcher.New(cfg.Fetch.ToColly())
	var headlessFetcher core.Fetcher
	if cfg.Headless.Enabled {
		hf, err := headless.NewChromedp(cfg.Headless.ToHeadless())
		if err != nil {
			return nil, fmt.Errorf("start headless fetcher: %w", err)
		}
		headlessFetcher = hf
	} else {
		headlessFetcher = headless.NewNoop()
	}

	memCache := cache.NewMemory(clk, cfg.Pipeline.CacheCapacity)

	orch := pipeline.New(cfg.Pipeline.ToPipeline(), pipeline.Deps{
		Static:   static,
		Headless: headlessFetcher,
		PDF:      extractor.NewPDF(),
		Gate:     gate.NewAnalyzer(cfg.Gate),
		Pool:     extPool,
		Cache:    memCache,
		Budget:   budgets,
		Breakers: breakers,
		Hasher:   hasher,
		Clock:    clk,
		Logger:   logger,
		Emitter:  hub,
		Retry:    cfg.Pipeline.ToRetry(),
	})

	a := &App{
		Logger:   logger,
		Hub:      hub,
		Frontier: fr,
		Budget:   budgets,
		Sessions: session.NewManager(ids, clk, budgets),
		Pipeline: orch,
		Cache:    memCache,
		cfg:      cfg,
		spill:    spillStore,
		extPool:  extPool,
	}

	resultSink, err := a.buildSink(ctx, hasher, clk, ids, logger)
	if err != nil {
		return nil, err
	}

	var dispatcherSink crawl.ResultSink
	if resultSink != nil {
		dispatcherSink = resultSink
	}
	a.Dispatcher = crawl.New(fr, orch, dispatcherSink, budgets, memCache, clk, hub, logger, cfg.Crawl)
	a.Server = api.NewServer(orch, fr, budgets, a.Sessions, logger, cfg.Server)

	return a, nil
}

// buildSink assembles the optional persistence sink: blob archive plus
// Postgres record plus Pub/Sub publish, depending on configuration.
func (a *App) buildSink(
	ctx context.Context,
	hasher core.Hasher,
	clk core.Clock,
	ids core.IDGenerator,
	logger *zap.Logger,
) (*sink.Sink, error) {
	var blobs core.BlobStore
	switch a.cfg.Storage.Backend {
	case "", "memory":
		blobs = memory.NewBlobStore()
	case "local":
		store, err := local.New(a.cfg.Storage.Local)
		if err != nil {
			return nil, fmt.Errorf("init local blob store: %w", err)
		}
		blobs = store
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		store, err := gcs.New(client, a.cfg.Storage.GCS)
		if err != nil {
			return nil, fmt.Errorf("init gcs blob store: %w", err)
		}
		blobs = store
	default:
		return nil, fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}

	var docs core.DocStore
	if a.cfg.DB.DSN != "" {
		store, err := postgres.NewDocStore(ctx, a.cfg.DB)
		if err != nil {
			return nil, fmt.Errorf("init doc store: %w", err)
		}
		docs = store
		a.docStore = store
	}

	var pub core.Publisher
	if a.cfg.PubSub.Enabled {
		client, err := gpubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		p, err := pubsub.New(client)
		if err != nil {
			return nil, fmt.Errorf("init publisher: %w", err)
		}
		pub = p
		a.publisher = p
	}

	return sink.New(blobs, docs, pub, hasher, clk, ids, a.cfg.Sink, logger)
}

// Run serves HTTP and drives the crawl loop until the context is canceled,
// then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	crawlDone := make(chan struct{})
	go func() {
		a.Dispatcher.Run(ctx)
		close(crawlDone)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	<-crawlDone
	return nil
}

// Close releases held resources. Safe to call after Run returns.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.Hub != nil {
		if err := a.Hub.Close(ctx); err != nil {
			a.Logger.Warn("event hub close", zap.Error(err))
		}
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.docStore != nil {
		a.docStore.Close()
	}
	if a.spill != nil {
		if err := a.spill.Close(); err != nil {
			a.Logger.Warn("spill store close", zap.Error(err))
		}
	}
	if err := a.Logger.Sync(); err != nil {
		// Best effort; stderr may already be gone.
		_ = err
	}
}
