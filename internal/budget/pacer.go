package budget

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// pacer manages per-host token buckets so a single host is never hit faster
// than the configured politeness rate, independent of concurrency budgets.
type pacer struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newPacer(rps float64, burst int) *pacer {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &pacer{
		limiters: make(map[string]*rate.Limiter),
		rps:      limit,
		burst:    burst,
	}
}

func (p *pacer) wait(ctx context.Context, host string) error {
	p.mu.Lock()
	limiter, ok := p.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(p.rps, p.burst)
		p.limiters[host] = limiter
	}
	p.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("host pace wait: %w", err)
	}
	return nil
}

// PaceHost blocks until the per-host politeness limiter grants a token,
// respecting the context.
func (m *Manager) PaceHost(ctx context.Context, host string) error {
	return m.pacer.wait(ctx, host)
}
