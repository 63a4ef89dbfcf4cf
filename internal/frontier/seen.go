package frontier

import "sync"

// seenSet tracks normalized URLs that have ever entered the frontier so a
// page is queued at most once per crawl.
type seenSet struct {
	mu   sync.Mutex
	urls map[string]struct{}
}

func newSeenSet() *seenSet {
	return &seenSet{urls: make(map[string]struct{})}
}

// add returns false if the URL was already present.
func (s *seenSet) add(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.urls[url]; ok {
		return false
	}
	s.urls[url] = struct{}{}
	return true
}

func (s *seenSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.urls)
}
