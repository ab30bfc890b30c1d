// Package conversation tracks gateway conversation contexts: the mapping
// from a gateway conversation ID to the upstream conversation, the token
// that owns it, and the history fingerprint used for auto-resume.
package conversation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/grokgate/grokgate/internal/config"
	"github.com/grokgate/grokgate/internal/logger"
	"github.com/grokgate/grokgate/internal/persist"
	"github.com/grokgate/grokgate/internal/storage"
)

const blobName = "conversations"

// Context binds a gateway conversation to its upstream state.
type Context struct {
	ID             string    `json:"id"`
	TokenID        string    `json:"token_id"`
	UpstreamConvID string    `json:"upstream_conversation_id"`
	LastResponseID string    `json:"last_response_id"`
	ShareLinkID    string    `json:"share_link_id,omitempty"`
	HistoryHash    string    `json:"history_hash,omitempty"`
	Model          string    `json:"model,omitempty"`
	MessageCount   int       `json:"message_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccess     time.Time `json:"last_access"`
}

// Clone returns a copy safe outside the lock.
func (c *Context) Clone() *Context {
	cp := *c
	return &cp
}

type convBlob struct {
	Conversations      map[string]*Context `json:"conversations"`
	TokenConversations map[string][]string `json:"token_conversations"`
}

// UpdateParams mutates a context. Nil string pointers leave the field
// alone. IncrementMessage is false for bookkeeping writes such as a late
// share-link attach, which must not look like a new turn.
type UpdateParams struct {
	TokenID          *string
	UpstreamConvID   *string
	LastResponseID   *string
	ShareLinkID      *string
	HistoryHash      *string
	IncrementMessage bool
}

// Manager owns all contexts and their secondary indexes.
type Manager struct {
	cfg   config.Conversation
	store storage.Store
	log   *logger.Logger
	saver *persist.Saver

	mu      sync.Mutex
	convs   map[string]*Context
	byHash  map[string]string   // history hash -> conversation ID
	byToken map[string][]string // token ID -> conversation IDs, oldest first

	now func() time.Time
}

// NewManager builds an empty manager; call Load before serving.
func NewManager(cfg config.Conversation, store storage.Store, log *logger.Logger) *Manager {
	m := &Manager{
		cfg:     cfg,
		store:   store,
		log:     log.WithComponent("conversation"),
		convs:   make(map[string]*Context),
		byHash:  make(map[string]string),
		byToken: make(map[string][]string),
		now:     time.Now,
	}
	m.saver = persist.NewSaver(blobName, cfg.SaveDelay, m.Flush, log)
	return m
}

// NewID mints a gateway conversation ID.
func NewID() string {
	b := make([]byte, 12)
	rand.Read(b)
	return "conv-" + hex.EncodeToString(b)
}

// Load replaces in-memory state with the persisted blob and rebuilds the
// hash index.
func (m *Manager) Load(ctx context.Context) error {
	var blob convBlob
	found, err := m.store.LoadJSON(ctx, blobName, &blob)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs = make(map[string]*Context)
	m.byHash = make(map[string]string)
	m.byToken = make(map[string][]string)
	if found {
		for id, c := range blob.Conversations {
			m.convs[id] = c
			if c.HistoryHash != "" {
				m.byHash[c.HistoryHash] = id
			}
		}
		for tok, ids := range blob.TokenConversations {
			m.byToken[tok] = ids
		}
	}
	m.log.Info("conversations loaded", "count", len(m.convs))
	return nil
}

// Flush writes the current state.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	blob := convBlob{
		Conversations:      make(map[string]*Context, len(m.convs)),
		TokenConversations: make(map[string][]string, len(m.byToken)),
	}
	for id, c := range m.convs {
		blob.Conversations[id] = c.Clone()
	}
	for tok, ids := range m.byToken {
		blob.TokenConversations[tok] = append([]string(nil), ids...)
	}
	m.mu.Unlock()
	return m.store.SaveJSON(ctx, blobName, blob)
}

// Close drains the saver.
func (m *Manager) Close(ctx context.Context) error {
	return m.saver.Close(ctx)
}

// Create registers a new context. When the per-token cap is exceeded the
// token's oldest conversation is evicted.
func (m *Manager) Create(c *Context) *Context {
	now := m.now()
	if c.ID == "" {
		c.ID = NewID()
	}
	c.CreatedAt = now
	c.LastAccess = now

	m.mu.Lock()
	m.convs[c.ID] = c
	m.setHashLocked(c)
	m.attachTokenLocked(c.TokenID, c.ID)
	m.mu.Unlock()

	m.saver.Mark()
	return c.Clone()
}

// Get returns a live context and refreshes its TTL. Expired contexts are
// dropped on read.
func (m *Manager) Get(id string) (*Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return nil, false
	}
	if m.expiredLocked(c) {
		m.deleteLocked(c)
		m.saver.Mark()
		return nil, false
	}
	c.LastAccess = m.now()
	return c.Clone(), true
}

// FindByHistory resolves a history hash to its live context.
func (m *Manager) FindByHistory(hash string) (*Context, bool) {
	if hash == "" {
		return nil, false
	}
	m.mu.Lock()
	id, ok := m.byHash[hash]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return m.Get(id)
}

// Update applies params to a context.
func (m *Manager) Update(id string, params UpdateParams) (*Context, bool) {
	m.mu.Lock()
	c, ok := m.convs[id]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	if params.TokenID != nil && *params.TokenID != c.TokenID {
		m.detachTokenLocked(c.TokenID, c.ID)
		c.TokenID = *params.TokenID
		m.attachTokenLocked(c.TokenID, c.ID)
	}
	if params.UpstreamConvID != nil {
		c.UpstreamConvID = *params.UpstreamConvID
	}
	if params.LastResponseID != nil {
		c.LastResponseID = *params.LastResponseID
	}
	if params.ShareLinkID != nil {
		c.ShareLinkID = *params.ShareLinkID
	}
	if params.HistoryHash != nil && *params.HistoryHash != c.HistoryHash {
		if c.HistoryHash != "" && m.byHash[c.HistoryHash] == c.ID {
			delete(m.byHash, c.HistoryHash)
		}
		c.HistoryHash = *params.HistoryHash
		m.setHashLocked(c)
	}
	if params.IncrementMessage {
		c.MessageCount++
	}
	c.LastAccess = m.now()
	out := c.Clone()
	m.mu.Unlock()

	m.saver.Mark()
	return out, true
}

// Delete removes a context.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	c, ok := m.convs[id]
	if ok {
		m.deleteLocked(c)
	}
	m.mu.Unlock()
	if ok {
		m.saver.Mark()
	}
	return ok
}

// List returns copies of all live contexts.
func (m *Manager) List() []*Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Context, 0, len(m.convs))
	for _, c := range m.convs {
		out = append(out, c.Clone())
	}
	return out
}

// CleanupExpired drops every context past its TTL.
func (m *Manager) CleanupExpired() int {
	removed := 0
	m.mu.Lock()
	for _, c := range m.convs {
		if m.expiredLocked(c) {
			m.deleteLocked(c)
			removed++
		}
	}
	m.mu.Unlock()
	if removed > 0 {
		m.saver.Mark()
		m.log.Info("expired conversations swept", "count", removed)
	}
	return removed
}

// Run sweeps expired contexts on the configured interval.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupExpired()
		}
	}
}

func (m *Manager) expiredLocked(c *Context) bool {
	return m.cfg.TTL > 0 && m.now().Sub(c.LastAccess) > m.cfg.TTL
}

// setHashLocked points the hash index at c, displacing any previous
// owner of the same hash.
func (m *Manager) setHashLocked(c *Context) {
	if c.HistoryHash != "" {
		m.byHash[c.HistoryHash] = c.ID
	}
}

func (m *Manager) attachTokenLocked(tokenID, convID string) {
	if tokenID == "" {
		return
	}
	ids := append(m.byToken[tokenID], convID)
	for len(ids) > m.cfg.PerTokenCap && m.cfg.PerTokenCap > 0 {
		oldest := ids[0]
		ids = ids[1:]
		if victim, ok := m.convs[oldest]; ok && oldest != convID {
			m.removeIndexesLocked(victim)
			delete(m.convs, oldest)
		}
	}
	m.byToken[tokenID] = ids
}

func (m *Manager) detachTokenLocked(tokenID, convID string) {
	ids := m.byToken[tokenID]
	for i, id := range ids {
		if id == convID {
			m.byToken[tokenID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(m.byToken[tokenID]) == 0 {
		delete(m.byToken, tokenID)
	}
}

func (m *Manager) removeIndexesLocked(c *Context) {
	if c.HistoryHash != "" && m.byHash[c.HistoryHash] == c.ID {
		delete(m.byHash, c.HistoryHash)
	}
}

func (m *Manager) deleteLocked(c *Context) {
	m.removeIndexesLocked(c)
	m.detachTokenLocked(c.TokenID, c.ID)
	delete(m.convs, c.ID)
}
