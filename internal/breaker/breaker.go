// Package breaker implements per-dependency circuit breakers that fail fast
// while a dependency is misbehaving instead of hammering it.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/foofork/riptide/internal/core"
)

// State is the breaker position.
type State int

// Breaker states.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config tunes a single breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// Closed -> Open.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive HalfOpen successes
	// required to close again.
	SuccessThreshold int
	// RecoveryTimeout is how long Open lasts before trial requests are
	// permitted.
	RecoveryTimeout time.Duration
	// MaxTrialCalls caps concurrent HalfOpen probes.
	MaxTrialCalls int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.MaxTrialCalls <= 0 {
		c.MaxTrialCalls = 1
	}
	return c
}

// Breaker guards one dependency key. It lives for the process lifetime.
type Breaker struct {
	cfg   Config
	key   string
	clock core.Clock
	log   *zap.Logger

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	inTrial   int
}

// New builds a Breaker for the given dependency key.
func New(key string, cfg Config, clock core.Clock, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		cfg:   cfg.withDefaults(),
		key:   key,
		clock: clock,
		log:   logger,
	}
}

// State returns the current position, applying the Open -> HalfOpen
// transition if the recovery timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeEnterTrialLocked()
	return b.state
}

// Allow reports whether a call may proceed. In HalfOpen it also reserves a
// trial slot; the caller must report the outcome via OnSuccess/OnFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeEnterTrialLocked()

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.inTrial >= b.cfg.MaxTrialCalls {
			return fmt.Errorf("%w: %s trial slots exhausted", core.ErrDependencyUnavailable, b.key)
		}
		b.inTrial++
		return nil
	default:
		return fmt.Errorf("%w: %s circuit open", core.ErrDependencyUnavailable, b.key)
	}
}

// OnSuccess records a successful call.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.inTrial--
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed)
		}
	case StateClosed:
		b.failures = 0
	case StateOpen:
		// Stale report from a call admitted before the trip; ignore.
	}
}

// OnFailure records a failed call.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.inTrial--
		b.transitionLocked(StateOpen)
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateOpen:
	}
}

// Call wraps fn with breaker admission and outcome reporting. Cancellation of
// ctx counts as a failure only if fn itself returned the error.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		b.OnFailure()
		return err
	}
	b.OnSuccess()
	return nil
}

func (b *Breaker) maybeEnterTrialLocked() {
	if b.state != StateOpen {
		return
	}
	if b.clock.Now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.transitionLocked(StateHalfOpen)
	}
}

func (b *Breaker) transitionLocked(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	switch next {
	case StateOpen:
		b.openedAt = b.clock.Now()
		b.successes = 0
		b.inTrial = 0
	case StateHalfOpen:
		b.successes = 0
		b.inTrial = 0
	case StateClosed:
		b.failures = 0
		b.successes = 0
	}
	b.log.Info("circuit breaker state change",
		zap.String("dependency", b.key),
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
	)
}

// Registry hands out one Breaker per dependency key.
type Registry struct {
	cfg   Config
	clock core.Clock
	log   *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry builds an empty Registry with shared per-breaker config.
func NewRegistry(cfg Config, clock core.Clock, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		clock:    clock,
		log:      logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for key, creating it on first use.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = New(key, r.cfg, r.clock, r.log)
		r.breakers[key] = b
	}
	return b
}
