package chat

import (
	"context"
	"sync"
)

// semaphore bounds concurrent upstream requests. Resize swaps the
// underlying channel, matching the supervisor's behavior when the
// concurrency setting changes at runtime: in-flight permits on the old
// channel are simply forgotten.
type semaphore struct {
	mu   sync.Mutex
	ch   chan struct{}
	size int
}

func newSemaphore(n int) *semaphore {
	if n <= 0 {
		n = 1
	}
	return &semaphore{ch: make(chan struct{}, n), size: n}
}

func (s *semaphore) Resize(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	if n != s.size {
		s.ch = make(chan struct{}, n)
		s.size = n
	}
	s.mu.Unlock()
}

func (s *semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *semaphore) Release() {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	select {
	case <-ch:
	default:
	}
}
