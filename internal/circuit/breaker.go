// Package circuit implements a simple breaker in front of the upstream:
// a streak of failures opens it, a cooldown later it lets a few probes
// through, and probe successes close it again.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/grokgate/grokgate/internal/apperrors"
	"github.com/grokgate/grokgate/internal/logger"
)

// State of the breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes the breaker.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
	HalfOpenMaxCalls int
}

// DefaultConfig matches the shipped tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         time.Minute,
		HalfOpenMaxCalls: 3,
	}
}

// Breaker guards calls to a flaky dependency.
type Breaker struct {
	cfg Config
	log *logger.Logger
	now func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	halfOpenCalls int
	openedAt      time.Time
}

// New builds a closed breaker.
func New(cfg Config, log *logger.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultConfig()
	}
	return &Breaker{
		cfg:   cfg,
		log:   log.WithComponent("circuit"),
		now:   time.Now,
		state: StateClosed,
	}
}

// State returns the current state, advancing open to half-open when the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	return b.state
}

// Do runs fn under the breaker. While open it fails fast with
// *apperrors.CircuitOpenError.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	// A canceled caller says nothing about upstream health.
	if ctx.Err() != nil {
		return err
	}
	b.record(err == nil)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	switch b.state {
	case StateOpen:
		retry := int(b.cfg.Cooldown.Seconds()) - int(b.now().Sub(b.openedAt).Seconds())
		if retry < 0 {
			retry = 0
		}
		return &apperrors.CircuitOpenError{RetryAfter: retry}
	case StateHalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return &apperrors.CircuitOpenError{}
		}
		b.halfOpenCalls++
	}
	return nil
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openLocked()
		}
	case StateHalfOpen:
		if !success {
			b.openLocked()
			return
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			b.halfOpenCalls = 0
			b.log.Info("circuit closed")
		}
	}
}

func (b *Breaker) openLocked() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
	b.halfOpenCalls = 0
	b.log.Warn("circuit opened", "cooldown", b.cfg.Cooldown)
}

// advanceLocked moves open to half-open after the cooldown.
func (b *Breaker) advanceLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.state = StateHalfOpen
		b.successes = 0
		b.halfOpenCalls = 0
	}
}
