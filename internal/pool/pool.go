// Package pool manages a bounded set of extraction workers with health
// tracking. Workers that keep failing are destroyed and replaced instead of
// cycling back into service.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/foofork/riptide/internal/core"
	"github.com/foofork/riptide/internal/events"
)

// ErrPoolExhausted is returned when no worker frees up within the acquire
// timeout. It classifies as a resource limit, which the pipeline treats as
// non-retryable.
var ErrPoolExhausted = fmt.Errorf("%w: extraction pool exhausted", core.ErrResourceLimit)

// Config tunes the pool.
type Config struct {
	// Size is the number of concurrently usable workers.
	Size int
	// AcquireTimeout bounds the wait for a free slot.
	AcquireTimeout time.Duration
	// ExtractTimeout is the wall-clock ceiling for one extraction.
	ExtractTimeout time.Duration
	// EvictThreshold destroys workers whose health falls at or below it.
	EvictThreshold int
	// MaxUses retires a worker after this many extractions regardless of
	// health. Zero disables the cap.
	MaxUses int
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = 8
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.ExtractTimeout <= 0 {
		c.ExtractTimeout = 30 * time.Second
	}
	if c.EvictThreshold <= 0 {
		c.EvictThreshold = 30
	}
	return c
}

// Health score movements.
const (
	healthMax          = 100
	healthSuccessDelta = 5
	healthFailureDelta = -20
	healthPanicDelta   = -60
)

// instance is one pooled worker. Owned by exactly one guard while in use.
type instance struct {
	id        string
	extractor core.Extractor
	health    int
	uses      int
	lastUsed  time.Time
}

// Factory builds a fresh extraction worker for the pool.
type Factory func() (core.Extractor, error)

// Pool is the bounded worker pool. The semaphore is the admission gate; the
// idle list is a stack so recently warm workers are reused first.
type Pool struct {
	cfg     Config
	factory Factory
	ids     core.IDGenerator
	clock   core.Clock
	log     *zap.Logger
	emit    events.Emitter

	sem *semaphore.Weighted

	mu      sync.Mutex
	idle    []*instance
	created int
	evicted int64
}

// New builds a Pool. Workers are created lazily on first acquire.
func New(cfg Config, factory Factory, ids core.IDGenerator, clock core.Clock, logger *zap.Logger, emit events.Emitter) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emit == nil {
		emit = events.Nop{}
	}
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:     cfg,
		factory: factory,
		ids:     ids,
		clock:   clock,
		log:     logger,
		emit:    emit,
		sem:     semaphore.NewWeighted(int64(cfg.Size)),
	}
}

// Acquire claims a worker, waiting up to the acquire timeout for a slot.
// The returned guard must be released exactly once; Release is safe under
// panic via defer.
func (p *Pool) Acquire(ctx context.Context) (*Guard, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrPoolExhausted
		}
		return nil, err
	}

	inst, err := p.takeInstance()
	if err != nil {
		p.sem.Release(1)
		return nil, fmt.Errorf("%w: %v", core.ErrDependencyUnavailable, err)
	}
	return &Guard{pool: p, inst: inst}, nil
}

func (p *Pool) takeInstance() (*instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.idle); n > 0 {
		inst := p.idle[n-1]
		p.idle = p.idle[:n-1]
		return inst, nil
	}
	return p.newInstanceLocked()
}

func (p *Pool) newInstanceLocked() (*instance, error) {
	ext, err := p.factory()
	if err != nil {
		return nil, fmt.Errorf("create extraction worker: %w", err)
	}
	id, err := p.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("assign worker id: %w", err)
	}
	p.created++
	return &instance{
		id:        id,
		extractor: ext,
		health:    healthMax,
	}, nil
}

// release returns the instance to the idle list, or destroys it when its
// health fell through the eviction threshold or its use cap is spent.
func (p *Pool) release(inst *instance) {
	defer p.sem.Release(1)

	inst.lastUsed = p.clock.Now()

	retire := inst.health <= p.cfg.EvictThreshold ||
		(p.cfg.MaxUses > 0 && inst.uses >= p.cfg.MaxUses)
	if retire {
		atomic.AddInt64(&p.evicted, 1)
		p.log.Info("evicting extraction worker",
			zap.String("worker", inst.id),
			zap.Int("health", inst.health),
			zap.Int("uses", inst.uses))
		p.emit.Emit(events.Event{
			TS:    p.clock.Now(),
			Stage: events.StagePoolEvict,
			Note:  inst.id,
			Value: float64(inst.health),
		})
		return
	}

	p.mu.Lock()
	p.idle = append(p.idle, inst)
	p.mu.Unlock()
}

// Evicted reports how many workers have been destroyed for bad health.
func (p *Pool) Evicted() int64 {
	return atomic.LoadInt64(&p.evicted)
}

// IdleCount reports currently idle workers.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Guard is exclusive ownership of one worker between Acquire and Release.
type Guard struct {
	pool     *Pool
	inst     *instance
	released atomic.Bool
}

// Health exposes the held worker's current health score.
func (g *Guard) Health() int { return g.inst.health }

// Extract runs one extraction on the held worker under the pool's wall-clock
// timeout. A panic inside the extractor is caught, charged heavily against
// the worker's health, and surfaced as an internal error rather than
// crashing the task.
func (g *Guard) Extract(ctx context.Context, body []byte, url string, strategy core.ExtractionStrategy) (doc *core.ExtractedDoc, quality float64, err error) {
	extractCtx, cancel := context.WithTimeout(ctx, g.pool.cfg.ExtractTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			g.inst.health += healthPanicDelta
			if g.inst.health < 0 {
				g.inst.health = 0
			}
			g.pool.log.Error("extraction worker panicked",
				zap.String("worker", g.inst.id), zap.Any("panic", r))
			doc, quality = nil, 0
			err = fmt.Errorf("%w: extraction panic: %v", core.ErrInternal, r)
		}
	}()

	g.inst.uses++
	doc, quality, err = g.inst.extractor.Extract(extractCtx, body, url, strategy)

	switch {
	case err == nil:
		g.inst.health += healthSuccessDelta
		if g.inst.health > healthMax {
			g.inst.health = healthMax
		}
	default:
		g.inst.health += healthFailureDelta
		if g.inst.health < 0 {
			g.inst.health = 0
		}
		if errors.Is(extractCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: extraction exceeded %v", core.ErrTimeout, g.pool.cfg.ExtractTimeout)
		}
	}
	return doc, quality, err
}

// Release hands the worker back to the pool. Idempotent.
func (g *Guard) Release() {
	if g == nil || !g.released.CompareAndSwap(false, true) {
		return
	}
	g.pool.release(g.inst)
}
