package watch

import "sync"

// SelfWrites tracks paths this process is writing so the watcher can drop
// the notifications raised while a write is under way. It satisfies
// filestore.WriteObserver.
//
// A path is cleared as soon as its write ends. Notifications delivered
// after that reach the reconciler, which recognizes our own content by
// hash; suppressing them by time would also hide real edits.
type SelfWrites struct {
	mu     sync.Mutex
	active map[string]int
}

func NewSelfWrites() *SelfWrites {
	return &SelfWrites{active: make(map[string]int)}
}

func (s *SelfWrites) BeginWrite(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[path]++
}

func (s *SelfWrites) EndWrite(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.active[path]; n > 1 {
		s.active[path] = n - 1
	} else {
		delete(s.active, path)
	}
}

// Suppressed reports whether path is being written by us right now.
func (s *SelfWrites) Suppressed(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[path] > 0
}
