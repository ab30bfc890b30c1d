// Package session hands out short-lived tickets that bridge the public
// imagine/video start call to its SSE or WebSocket consumer, which
// cannot carry normal auth headers.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultTTL = 10 * time.Minute

// Params are the generation settings bound at start time, so the SSE or
// WS consumer does not carry them in the URL.
type Params struct {
	Prompt      string
	Model       string
	AspectRatio string
	Count       int
	Format      string
	NSFW        bool
}

// Ticket is one pending media session.
type Ticket struct {
	Params

	ID        string
	Kind      string // "imagine" or "video"
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store is an in-memory consume-once ticket table. Tickets are not
// persisted; a restart simply invalidates pending sessions.
type Store struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	tickets map[string]*Ticket
}

// NewStore builds a store; ttl <= 0 uses the default.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{
		ttl:     ttl,
		now:     time.Now,
		tickets: make(map[string]*Ticket),
	}
}

// Issue creates a ticket.
func (s *Store) Issue(kind string, p Params) *Ticket {
	now := s.now()
	t := &Ticket{
		Params:    p,
		ID:        uuid.NewString(),
		Kind:      kind,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	s.mu.Lock()
	s.tickets[t.ID] = t
	s.expireLocked(now)
	s.mu.Unlock()
	return t
}

// Consume removes and returns a live ticket. Each ticket works once.
func (s *Store) Consume(id, kind string) (*Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok || t.Kind != kind || s.now().After(t.ExpiresAt) {
		delete(s.tickets, id)
		return nil, false
	}
	delete(s.tickets, id)
	return t, true
}

// Cancel drops a pending ticket.
func (s *Store) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[id]; !ok {
		return false
	}
	delete(s.tickets, id)
	return true
}

func (s *Store) expireLocked(now time.Time) {
	for id, t := range s.tickets {
		if now.After(t.ExpiresAt) {
			delete(s.tickets, id)
		}
	}
}
