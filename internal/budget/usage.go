package budget

import (
	"sync/atomic"
	"time"
)

// usage holds the atomic counters for one scope. Mutated only through the
// Manager's Start/Complete API.
type usage struct {
	pages     atomic.Int64
	bytes     atomic.Int64
	inFlight  atomic.Int64
	startedAt time.Time
	touched   atomic.Int64 // unix nanos of last completion
}

func newUsage(now time.Time) *usage {
	u := &usage{startedAt: now}
	u.touched.Store(now.UnixNano())
	return u
}

func (u *usage) touch(now time.Time) {
	u.touched.Store(now.UnixNano())
}

func (u *usage) lastTouch() time.Time {
	return time.Unix(0, u.touched.Load())
}

// tryAcquire claims one concurrency slot without ever letting the counter
// pass the limit, even transiently. A zero limit is unlimited.
func (u *usage) tryAcquire(limit int64) bool {
	for {
		cur := u.inFlight.Load()
		if limit > 0 && cur >= limit {
			return false
		}
		if u.inFlight.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// violated returns the name of the first exhausted dimension, or "". Check
// order is fixed: pages, bandwidth, concurrency, elapsed time, depth.
func (u *usage) violated(limits Limits, depth int, now time.Time) string {
	if limits.MaxPages > 0 && u.pages.Load() >= limits.MaxPages {
		return "pages"
	}
	if limits.MaxBandwidth > 0 && u.bytes.Load() >= limits.MaxBandwidth {
		return "bandwidth"
	}
	if limits.MaxConcurrent > 0 && u.inFlight.Load() >= limits.MaxConcurrent {
		return "concurrency"
	}
	if limits.MaxDuration > 0 && now.Sub(u.startedAt) >= limits.MaxDuration {
		return "duration"
	}
	if limits.MaxDepth > 0 && depth > limits.MaxDepth {
		return "depth"
	}
	return ""
}

// utilization is the max fraction consumed across configured dimensions.
func (u *usage) utilization(limits Limits, now time.Time) float64 {
	var util float64
	if limits.MaxPages > 0 {
		util = max(util, float64(u.pages.Load())/float64(limits.MaxPages))
	}
	if limits.MaxBandwidth > 0 {
		util = max(util, float64(u.bytes.Load())/float64(limits.MaxBandwidth))
	}
	if limits.MaxConcurrent > 0 {
		util = max(util, float64(u.inFlight.Load())/float64(limits.MaxConcurrent))
	}
	if limits.MaxDuration > 0 {
		util = max(util, float64(now.Sub(u.startedAt))/float64(limits.MaxDuration))
	}
	return util
}

// Snapshot is a point-in-time copy of a scope's counters.
type Snapshot struct {
	PagesCrawled int64         `json:"pages_crawled"`
	BytesFetched int64         `json:"bytes_fetched"`
	InFlight     int64         `json:"concurrent_in_flight"`
	Elapsed      time.Duration `json:"elapsed"`
	Utilization  float64       `json:"utilization"`
}

func (u *usage) snapshot(limits Limits, now time.Time) Snapshot {
	return Snapshot{
		PagesCrawled: u.pages.Load(),
		BytesFetched: u.bytes.Load(),
		InFlight:     u.inFlight.Load(),
		Elapsed:      now.Sub(u.startedAt),
		Utilization:  u.utilization(limits, now),
	}
}
