// Package frontier holds discovered, not-yet-processed URLs in tiered
// priority queues with per-host fairness and disk spillover.
package frontier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/foofork/riptide/internal/core"
)

// Frontier errors.
var (
	// ErrInvalidURL is returned for URLs that fail normalization.
	ErrInvalidURL = errors.New("invalid url")
	// ErrDuplicate is returned when the URL was already seen this crawl.
	ErrDuplicate = errors.New("url already seen")
	// ErrQueueFull is returned when the memory ceiling is hit and no
	// spillover store is available. Callers must back off, not retry hard.
	ErrQueueFull = errors.New("frontier queue full")
)

// Config tunes the Manager.
type Config struct {
	// MaxResident is the in-memory entry ceiling before spillover engages.
	MaxResident int
	// PerHostInFlight caps concurrently dequeued requests per host.
	PerHostInFlight int
	// EntryTTL ages out queued requests during Cleanup.
	EntryTTL time.Duration
	// HostIdleTTL ages out per-host bookkeeping during Cleanup.
	HostIdleTTL time.Duration
	// Query enables query-aware relevance scoring when non-empty.
	Query string
	// HostCooldown is the window over which recently served hosts lose
	// their diversity bonus.
	HostCooldown time.Duration
	Weights      ScoreWeights
}

func (c Config) withDefaults() Config {
	if c.MaxResident <= 0 {
		c.MaxResident = 10000
	}
	if c.PerHostInFlight <= 0 {
		c.PerHostInFlight = 2
	}
	if c.EntryTTL <= 0 {
		c.EntryTTL = 24 * time.Hour
	}
	if c.HostIdleTTL <= 0 {
		c.HostIdleTTL = time.Hour
	}
	if c.Weights == (ScoreWeights{}) {
		c.Weights = DefaultScoreWeights()
	}
	return c
}

type hostInfo struct {
	inFlight   int
	lastServed time.Time
}

// Manager is the frontier. All queue access goes through its API; internal
// state is guarded by a single mutex, which is sufficient because every
// operation is O(log n) or a short scan.
type Manager struct {
	cfg    Config
	scorer *scorer
	clock  core.Clock
	log    *zap.Logger
	spill  core.SpillStore

	mu       sync.Mutex
	tiers    [4]requestHeap
	hosts    map[string]*hostInfo
	seen     *seenSet
	resident int
	seq      uint64
}

// New builds a Manager. spill may be nil, in which case hitting the memory
// ceiling returns ErrQueueFull.
func New(cfg Config, spill core.SpillStore, clock core.Clock, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:    cfg,
		scorer: newScorer(cfg.Weights, cfg.Query, cfg.HostCooldown),
		clock:  clock,
		log:    logger,
		spill:  spill,
		hosts:  make(map[string]*hostInfo),
		seen:   newSeenSet(),
	}
}

// Add queues a discovered URL. It rejects malformed URLs, URLs already seen
// this crawl, and overflow when no spillover target is available.
func (m *Manager) Add(rawURL string, tier core.Tier, depth int, relevance float64, session string) error {
	normalized, err := core.NormalizeURL(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if !tier.Valid() {
		tier = core.TierNormal
	}
	if !m.seen.add(normalized) {
		return ErrDuplicate
	}
	req := core.CrawlRequest{
		URL:        normalized,
		Host:       core.HostOf(normalized),
		Depth:      depth,
		Tier:       tier,
		Relevance:  relevance,
		SessionID:  session,
		EnqueuedAt: m.clock.Now(),
	}
	return m.admit(req)
}

// AddSeeds queues seed URLs at high priority, depth zero. Duplicates and
// malformed entries are skipped; the count of accepted seeds is returned
// along with the first hard error (queue full) if any.
func (m *Manager) AddSeeds(urls []string, session string) (int, error) {
	accepted := 0
	for _, u := range urls {
		err := m.Add(u, core.TierHigh, 0, 1.0, session)
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrDuplicate), errors.Is(err, ErrInvalidURL):
			m.log.Debug("seed skipped", zap.String("url", u), zap.Error(err))
		default:
			return accepted, err
		}
	}
	return accepted, nil
}

// Requeue re-admits a request after a retryable pipeline failure. The seen
// set already contains it, so admission bypasses dedup. The retry count is
// bumped by the caller.
func (m *Manager) Requeue(req core.CrawlRequest) error {
	req.EnqueuedAt = m.clock.Now()
	return m.admit(req)
}

func (m *Manager) admit(req core.CrawlRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.resident >= m.cfg.MaxResident {
		if m.spill == nil {
			return ErrQueueFull
		}
		if err := m.spill.Put(context.Background(), req); err != nil {
			return fmt.Errorf("spill put: %w", err)
		}
		return nil
	}
	m.pushLocked(req)
	return nil
}

func (m *Manager) pushLocked(req core.CrawlRequest) {
	now := m.clock.Now()
	var lastServed time.Time
	if info, ok := m.hosts[req.Host]; ok {
		lastServed = info.lastServed
	}
	m.seq++
	m.tiers[req.Tier].push(&entry{
		req:   req,
		score: m.scorer.score(req.URL, req.Depth, req.Relevance, lastServed, now),
		seq:   m.seq,
	})
	m.resident++
}

// Next dequeues the best eligible request: highest tier first, best-first
// score within the tier, skipping hosts at their in-flight cap. Returns nil
// when nothing is eligible, which is not the same as the frontier being
// empty. The caller must pair a non-nil return with MarkDone(host).
func (m *Manager) Next() *core.CrawlRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	for tier := range m.tiers {
		if e := m.popEligibleLocked(&m.tiers[tier]); e != nil {
			m.resident--
			info := m.hostInfoLocked(e.req.Host)
			info.inFlight++
			info.lastServed = m.clock.Now()
			m.rehydrateLocked()
			req := e.req
			return &req
		}
	}
	return nil
}

// popEligibleLocked pops entries until one belongs to a host under its cap,
// then restores the skipped entries. The skipped prefix is small in practice
// because host caps only bite on heavily skewed frontiers.
func (m *Manager) popEligibleLocked(h *requestHeap) *entry {
	var skipped []*entry
	var found *entry
	for {
		e := h.pop()
		if e == nil {
			break
		}
		if m.hostEligibleLocked(e.req.Host) {
			found = e
			break
		}
		skipped = append(skipped, e)
	}
	for _, e := range skipped {
		h.push(e)
	}
	return found
}

func (m *Manager) hostEligibleLocked(host string) bool {
	info, ok := m.hosts[host]
	if !ok {
		return true
	}
	return info.inFlight < m.cfg.PerHostInFlight
}

func (m *Manager) hostInfoLocked(host string) *hostInfo {
	info, ok := m.hosts[host]
	if !ok {
		info = &hostInfo{}
		m.hosts[host] = info
	}
	return info
}

// rehydrateLocked pulls one spilled entry back into memory when a resident
// slot frees up.
func (m *Manager) rehydrateLocked() {
	if m.spill == nil || m.resident >= m.cfg.MaxResident {
		return
	}
	req, err := m.spill.TakeNext(context.Background())
	if err != nil {
		m.log.Warn("spill rehydrate failed", zap.Error(err))
		return
	}
	if req != nil {
		m.pushLocked(*req)
	}
}

// MarkDone releases the host's in-flight slot after the pipeline finishes
// (or abandons) a dequeued request.
func (m *Manager) MarkDone(host string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.hosts[host]; ok && info.inFlight > 0 {
		info.inFlight--
	}
}

// Cleanup purges queued requests older than the entry TTL and reclaims idle
// host bookkeeping. It runs periodically, never on the hot path.
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	purged := 0
	for tier := range m.tiers {
		h := &m.tiers[tier]
		for i := 0; i < h.Len(); {
			if now.Sub((*h)[i].req.EnqueuedAt) > m.cfg.EntryTTL {
				h.removeAt(i)
				m.resident--
				purged++
				continue
			}
			i++
		}
	}
	for host, info := range m.hosts {
		if info.inFlight == 0 && !info.lastServed.IsZero() && now.Sub(info.lastServed) > m.cfg.HostIdleTTL {
			delete(m.hosts, host)
		}
	}
	if purged > 0 {
		m.log.Info("frontier cleanup purged stale requests", zap.Int("purged", purged))
	}
	return purged
}

// Len is the number of queued requests, resident plus spilled.
func (m *Manager) Len() int {
	m.mu.Lock()
	resident := m.resident
	m.mu.Unlock()
	if m.spill != nil {
		return resident + m.spill.Len()
	}
	return resident
}

// SeenCount is the number of distinct URLs ever admitted.
func (m *Manager) SeenCount() int {
	return m.seen.len()
}
