// Package persist provides a debounced single-writer flusher. Managers
// mark themselves dirty after every mutation; the saver coalesces a burst
// of marks into one storage write after a short delay.
package persist

import (
	"context"
	"sync"
	"time"

	"github.com/grokgate/grokgate/internal/logger"
)

// FlushFunc writes the owner's current state to storage.
type FlushFunc func(ctx context.Context) error

// Saver debounces flushes. One goroutine per saver; Close drains a final
// flush when state is still dirty.
type Saver struct {
	name  string
	delay time.Duration
	flush FlushFunc
	log   *logger.Logger

	mu    sync.Mutex
	dirty bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewSaver starts the flusher goroutine.
func NewSaver(name string, delay time.Duration, flush FlushFunc, log *logger.Logger) *Saver {
	s := &Saver{
		name:  name,
		delay: delay,
		flush: flush,
		log:   log.WithComponent("persist"),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

// Mark records that state changed and schedules a flush.
func (s *Saver) Mark() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close stops the flusher, writing once more if state is dirty.
func (s *Saver) Close(ctx context.Context) error {
	close(s.stop)
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.flushIfDirty(ctx)
}

func (s *Saver) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}

		if s.delay > 0 {
			timer := time.NewTimer(s.delay)
			select {
			case <-timer.C:
			case <-s.stop:
				timer.Stop()
				return
			}
		}

		if err := s.flushIfDirty(context.Background()); err != nil {
			s.log.Error("flush failed", "name", s.name, "error", err)
		}
	}
}

func (s *Saver) flushIfDirty(ctx context.Context) error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	s.dirty = false
	s.mu.Unlock()
	return s.flush(ctx)
}
