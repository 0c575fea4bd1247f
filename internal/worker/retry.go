package worker

import (
	"sync"
	"time"
)

// retryScheduler runs delayed republishes off the consume loop. Pending
// entries are dropped on Stop; their originals stay unacked and the broker
// redelivers them once the connection closes.
type retryScheduler struct {
	mu      sync.Mutex
	timers  map[uint64]*time.Timer
	nextID  uint64
	stopped bool
	wg      sync.WaitGroup
}

func newRetryScheduler() *retryScheduler {
	return &retryScheduler{timers: make(map[uint64]*time.Timer)}
}

// Schedule runs fn after delay. It returns false if the scheduler is stopped.
func (s *retryScheduler) Schedule(delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}

	s.nextID++
	id := s.nextID
	s.wg.Add(1)
	s.timers[id] = time.AfterFunc(delay, func() {
		defer s.wg.Done()

		s.mu.Lock()
		_, pending := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()

		if pending {
			fn()
		}
	})

	return true
}

// Pending returns the number of scheduled but not yet started republishes
func (s *retryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels pending entries and waits for running ones to finish.
// It returns how many were canceled.
func (s *retryScheduler) Stop() int {
	s.mu.Lock()
	s.stopped = true
	canceled := 0
	for id, timer := range s.timers {
		if timer.Stop() {
			canceled++
			s.wg.Done()
		}
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	return canceled
}
