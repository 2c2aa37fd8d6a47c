// Package reliability holds retry pacing shared by background workers.
package reliability

import (
	"sync"
	"time"
)

// ExponentialBackoff doubles base once per attempt and never exceeds limit.
// Attempt 0 (or less) yields base.
func ExponentialBackoff(attempt int, base, limit time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if limit < base {
		limit = base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return d
}

// Streak counts consecutive failures per key. The zero value is ready to use.
type Streak struct {
	mu     sync.Mutex
	counts map[string]int
}

// Fail records a failure for key and returns the number of failures in a row.
func (s *Streak) Fail(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts == nil {
		s.counts = make(map[string]int)
	}
	s.counts[key]++
	return s.counts[key]
}

// Reset clears key after a success.
func (s *Streak) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counts, key)
}
