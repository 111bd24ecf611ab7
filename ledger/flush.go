package ledger

import (
	"sync"
	"time"
)

// Scheduler coalesces repeated flush requests within a debounce window into
// one execution. Tests inject a manual implementation and trigger flushes
// deterministically instead of waiting on wall-clock timers.
type Scheduler interface {
	Schedule(fn func(), delay time.Duration)
}

// DebounceScheduler runs fn once per burst: each Schedule call resets the
// pending timer, so only the last call within the window fires.
type DebounceScheduler struct {
	mu    sync.Mutex
	timer *time.Timer
}

func NewDebounceScheduler() *DebounceScheduler {
	return &DebounceScheduler{}
}

func (s *DebounceScheduler) Schedule(fn func(), delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(delay, fn)
}

// Stop cancels any pending execution.
func (s *DebounceScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
