// Package budget implements admission control over crawl resources at
// global, per-host, and per-session scope. Its counters are the sole
// authority for admission; nothing increments them except the Start/Complete
// API.
package budget

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/foofork/riptide/internal/core"
	"github.com/foofork/riptide/internal/events"
)

// Mode selects how exhausted budgets are enforced.
type Mode int

// Enforcement modes.
const (
	// ModeStrict denies requests once any budget is exhausted.
	ModeStrict Mode = iota
	// ModeSoft allows requests past exhaustion but flags a warning.
	ModeSoft
	// ModeAdaptive delays requests in proportion to utilization, smoothing
	// the request rate instead of hard-stopping.
	ModeAdaptive
)

// ParseMode maps a config string onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "strict":
		return ModeStrict, nil
	case "soft":
		return ModeSoft, nil
	case "adaptive":
		return ModeAdaptive, nil
	default:
		return ModeStrict, fmt.Errorf("unknown enforcement mode %q", s)
	}
}

func (m Mode) String() string {
	switch m {
	case ModeSoft:
		return "soft"
	case ModeAdaptive:
		return "adaptive"
	default:
		return "strict"
	}
}

// Limits is a resource ceiling for one scope. Zero means unlimited.
type Limits struct {
	MaxPages      int64
	MaxDuration   time.Duration
	MaxBandwidth  int64
	MaxConcurrent int64
	MaxDepth      int
}

// Config tunes the Manager.
type Config struct {
	Mode       Mode
	Global     Limits
	PerHost    Limits
	PerSession Limits
	// WarnThreshold is the utilization fraction above which warning events
	// are emitted (default 0.8).
	WarnThreshold float64
	// Adaptive delay: base * (utilization/threshold)^exponent, capped.
	AdaptiveBaseDelay time.Duration
	AdaptiveExponent  float64
	AdaptiveMaxDelay  time.Duration
	// Per-host pacing.
	HostRPS   float64
	HostBurst int
}

func (c Config) withDefaults() Config {
	if c.WarnThreshold <= 0 || c.WarnThreshold > 1 {
		c.WarnThreshold = 0.8
	}
	if c.AdaptiveBaseDelay <= 0 {
		c.AdaptiveBaseDelay = 500 * time.Millisecond
	}
	if c.AdaptiveExponent <= 0 {
		c.AdaptiveExponent = 2
	}
	if c.AdaptiveMaxDelay <= 0 {
		c.AdaptiveMaxDelay = 30 * time.Second
	}
	return c
}

// Decision is the admission verdict.
type Decision int

// Admission decisions.
const (
	Allow Decision = iota
	Deny
	Delayed
)

// Admission is the result of CanMakeRequest.
type Admission struct {
	Decision Decision
	// Reason names the first violated budget for Deny/Delayed.
	Reason string
	// Delay applies only to Delayed.
	Delay time.Duration
	// Warning is set in Soft mode when a budget is exceeded.
	Warning bool
}

const hostShardCount = 16

type hostShard struct {
	mu    sync.Mutex
	hosts map[string]*usage
}

// Manager tracks usage counters and admits or rejects crawl requests.
type Manager struct {
	cfg   Config
	clock core.Clock
	log   *zap.Logger
	emit  events.Emitter

	global   *usage
	shards   [hostShardCount]*hostShard
	sessMu   sync.Mutex
	sessions map[string]*usage
	pacer    *pacer

	warnFired atomic.Bool
}

// NewManager builds a Manager. A nil emitter disables event emission.
func NewManager(cfg Config, clock core.Clock, logger *zap.Logger, emit events.Emitter) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emit == nil {
		emit = events.Nop{}
	}
	m := &Manager{
		cfg:      cfg.withDefaults(),
		clock:    clock,
		log:      logger,
		emit:     emit,
		global:   newUsage(clock.Now()),
		sessions: make(map[string]*usage),
		pacer:    newPacer(cfg.HostRPS, cfg.HostBurst),
	}
	for i := range m.shards {
		m.shards[i] = &hostShard{hosts: make(map[string]*usage)}
	}
	return m
}

func (m *Manager) hostUsage(host string) *usage {
	shard := m.shards[shardIndex(host)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	u, ok := shard.hosts[host]
	if !ok {
		u = newUsage(m.clock.Now())
		shard.hosts[host] = u
	}
	return u
}

func (m *Manager) sessionUsage(session string) *usage {
	if session == "" {
		return nil
	}
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	u, ok := m.sessions[session]
	if !ok {
		u = newUsage(m.clock.Now())
		m.sessions[session] = u
	}
	return u
}

// CanMakeRequest checks global, then per-host, then per-session budgets. The
// first violated budget determines the response according to the enforcement
// mode.
func (m *Manager) CanMakeRequest(host, session string, depth int) Admission {
	now := m.clock.Now()

	type scoped struct {
		name   string
		limits Limits
		use    *usage
	}
	scopes := []scoped{
		{"global", m.cfg.Global, m.global},
		{"host:" + host, m.cfg.PerHost, m.hostUsage(host)},
	}
	if session != "" {
		scopes = append(scopes, scoped{"session:" + session, m.cfg.PerSession, m.sessionUsage(session)})
	}

	for _, s := range scopes {
		if dim := s.use.violated(s.limits, depth, now); dim != "" {
			return m.enforce(s.name, dim, s.use, s.limits, now)
		}
	}

	m.maybeWarn(now)
	return Admission{Decision: Allow}
}

func (m *Manager) enforce(scope, dim string, u *usage, limits Limits, now time.Time) Admission {
	reason := fmt.Sprintf("%s %s budget exhausted", scope, dim)
	switch m.cfg.Mode {
	case ModeSoft:
		m.log.Warn("budget exceeded, allowing in soft mode",
			zap.String("scope", scope), zap.String("dimension", dim))
		m.emit.Emit(events.Event{TS: now, Stage: events.StageBudgetWarn, Note: reason})
		return Admission{Decision: Allow, Reason: reason, Warning: true}
	case ModeAdaptive:
		delay := m.adaptiveDelay(u.utilization(limits, now))
		m.emit.Emit(events.Event{TS: now, Stage: events.StageBudgetWarn, Note: reason, Dur: delay})
		return Admission{Decision: Delayed, Reason: reason, Delay: delay}
	default:
		m.emit.Emit(events.Event{TS: now, Stage: events.StageBudgetDeny, Note: reason})
		return Admission{Decision: Deny, Reason: reason}
	}
}

// adaptiveDelay grows monotonically with utilization and is capped so a
// saturated budget cannot stall a worker forever.
func (m *Manager) adaptiveDelay(util float64) time.Duration {
	if util < m.cfg.WarnThreshold {
		return 0
	}
	scale := math.Pow(util/m.cfg.WarnThreshold, m.cfg.AdaptiveExponent)
	d := time.Duration(float64(m.cfg.AdaptiveBaseDelay) * scale)
	if d > m.cfg.AdaptiveMaxDelay {
		d = m.cfg.AdaptiveMaxDelay
	}
	return d
}

func (m *Manager) maybeWarn(now time.Time) {
	util := m.global.utilization(m.cfg.Global, now)
	if util < m.cfg.WarnThreshold {
		m.warnFired.Store(false)
		return
	}
	if m.warnFired.CompareAndSwap(false, true) {
		m.log.Warn("global budget utilization above threshold", zap.Float64("utilization", util))
		m.emit.Emit(events.Event{TS: now, Stage: events.StageBudgetWarn, Value: util, Note: "global utilization"})
	}
}

// RequestGuard scopes one in-flight request. Release is idempotent and must
// run even on panic or cancellation so concurrency counters never leak.
type RequestGuard struct {
	m        *Manager
	host     string
	session  string
	started  time.Time
	released atomic.Bool
}

// Host returns the host the guard was acquired for.
func (g *RequestGuard) Host() string { return g.host }

// Release decrements the concurrency counters exactly once.
func (g *RequestGuard) Release() {
	if g == nil || !g.released.CompareAndSwap(false, true) {
		return
	}
	g.m.global.inFlight.Add(-1)
	g.m.hostUsage(g.host).inFlight.Add(-1)
	if u := g.m.sessionUsage(g.session); u != nil {
		u.inFlight.Add(-1)
	}
}

// StartRequest atomically claims concurrency slots in every scope. The claim
// never lets a counter pass its ceiling, even transiently. Soft mode admits
// past the ceiling.
func (m *Manager) StartRequest(host, session string) (*RequestGuard, error) {
	limits := [3]int64{m.cfg.Global.MaxConcurrent, m.cfg.PerHost.MaxConcurrent, m.cfg.PerSession.MaxConcurrent}
	if m.cfg.Mode == ModeSoft {
		limits = [3]int64{}
	}

	if !m.global.tryAcquire(limits[0]) {
		return nil, fmt.Errorf("%w: global concurrency", core.ErrResourceLimit)
	}
	hostUse := m.hostUsage(host)
	if !hostUse.tryAcquire(limits[1]) {
		m.global.inFlight.Add(-1)
		return nil, fmt.Errorf("%w: host concurrency", core.ErrResourceLimit)
	}
	if u := m.sessionUsage(session); u != nil && !u.tryAcquire(limits[2]) {
		hostUse.inFlight.Add(-1)
		m.global.inFlight.Add(-1)
		return nil, fmt.Errorf("%w: session concurrency", core.ErrResourceLimit)
	}
	return &RequestGuard{m: m, host: host, session: session, started: m.clock.Now()}, nil
}

// CompleteRequest releases the guard and accounts the finished request.
// pages_crawled increments only on success; bytes count either way since the
// bandwidth was spent.
func (m *Manager) CompleteRequest(g *RequestGuard, bytes int64, success bool) {
	if g == nil {
		return
	}
	g.Release()

	scopes := []*usage{m.global, m.hostUsage(g.host)}
	if u := m.sessionUsage(g.session); u != nil {
		scopes = append(scopes, u)
	}
	for _, u := range scopes {
		u.bytes.Add(bytes)
		if success {
			u.pages.Add(1)
		}
		u.touch(m.clock.Now())
	}
	m.maybeWarn(m.clock.Now())
}

// Utilization returns the global budget utilization in [0,1] (may exceed 1
// in Soft mode). The pipeline seeds its backoff from this signal.
func (m *Manager) Utilization() float64 {
	return m.global.utilization(m.cfg.Global, m.clock.Now())
}

// UsageSnapshot exposes the global counters for health endpoints.
func (m *Manager) UsageSnapshot() Snapshot {
	return m.global.snapshot(m.cfg.Global, m.clock.Now())
}

// SessionSnapshot exposes one session's counters, or false if unknown.
func (m *Manager) SessionSnapshot(session string) (Snapshot, bool) {
	m.sessMu.Lock()
	u, ok := m.sessions[session]
	m.sessMu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return u.snapshot(m.cfg.PerSession, m.clock.Now()), true
}

// CleanupHosts drops host counters idle for longer than maxIdle. Runs off
// the hot path, typically from the frontier's cleanup ticker.
func (m *Manager) CleanupHosts(maxIdle time.Duration) int {
	now := m.clock.Now()
	removed := 0
	for _, shard := range m.shards {
		shard.mu.Lock()
		for host, u := range shard.hosts {
			if u.inFlight.Load() == 0 && now.Sub(u.lastTouch()) > maxIdle {
				delete(shard.hosts, host)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

func shardIndex(host string) int {
	var h uint32 = 2166136261
	for i := 0; i < len(host); i++ {
		h ^= uint32(host[i])
		h *= 16777619
	}
	return int(h % hostShardCount)
}
