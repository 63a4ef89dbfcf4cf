package spill

import (
	"context"
	"sync"

	"github.com/foofork/riptide/internal/core"
)

// MemoryStore is an in-process FIFO spill queue. It buys nothing over the
// frontier's own memory but lets deployments without a state directory keep
// the same overflow semantics, and keeps tests off the disk.
type MemoryStore struct {
	mu   sync.Mutex
	reqs []core.CrawlRequest
}

// NewMemoryStore returns an empty in-memory spill queue.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Put appends a request.
func (s *MemoryStore) Put(ctx context.Context, req core.CrawlRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	return nil
}

// TakeNext removes and returns the oldest request, or nil when empty.
func (s *MemoryStore) TakeNext(ctx context.Context) (*core.CrawlRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reqs) == 0 {
		return nil, nil
	}
	req := s.reqs[0]
	s.reqs = s.reqs[1:]
	return &req, nil
}

// Len is the number of queued requests.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

// Close releases the queue.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.reqs = nil
	s.mu.Unlock()
	return nil
}
