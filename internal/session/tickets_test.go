package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueConsumeOnce(t *testing.T) {
	s := NewStore(time.Minute)
	ticket := s.Issue("imagine", Params{
		Prompt: "a cat", Model: "grok-imagine", AspectRatio: "16:9", Count: 4,
	})

	got, ok := s.Consume(ticket.ID, "imagine")
	require.True(t, ok)
	assert.Equal(t, "a cat", got.Prompt)
	assert.Equal(t, "16:9", got.AspectRatio)
	assert.Equal(t, 4, got.Count)

	_, ok = s.Consume(ticket.ID, "imagine")
	assert.False(t, ok, "tickets are single use")
}

func TestConsumeChecksKind(t *testing.T) {
	s := NewStore(time.Minute)
	ticket := s.Issue("video", Params{Prompt: "waves", Model: "grok-imagine"})

	_, ok := s.Consume(ticket.ID, "imagine")
	assert.False(t, ok)
	// A kind mismatch burns the ticket.
	_, ok = s.Consume(ticket.ID, "video")
	assert.False(t, ok)
}

func TestExpiry(t *testing.T) {
	s := NewStore(time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	ticket := s.Issue("imagine", Params{Prompt: "a dog", Model: "grok-imagine"})
	now = now.Add(2 * time.Minute)

	_, ok := s.Consume(ticket.ID, "imagine")
	assert.False(t, ok)
}

func TestCancel(t *testing.T) {
	s := NewStore(time.Minute)
	ticket := s.Issue("imagine", Params{Prompt: "x", Model: "m"})
	assert.True(t, s.Cancel(ticket.ID))
	assert.False(t, s.Cancel(ticket.ID))
}
