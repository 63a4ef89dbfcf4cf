package headless

import (
	"context"
	"fmt"

	"github.com/foofork/riptide/internal/core"
)

// Noop implements core.Fetcher but always fails, for deployments where no
// browser is available. The gate's headless route then degrades gracefully
// instead of crashing the pipeline.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch reports the headless dependency as unavailable.
func (Noop) Fetch(_ context.Context, url string) (core.FetchResult, error) {
	return core.FetchResult{}, fmt.Errorf("%w: headless fetcher not configured for %s", core.ErrDependencyUnavailable, url)
}
