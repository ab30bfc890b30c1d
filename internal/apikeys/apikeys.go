// Package apikeys manages the client API keys accepted on the /v1
// surface alongside the master key.
package apikeys

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grokgate/grokgate/internal/logger"
	"github.com/grokgate/grokgate/internal/persist"
	"github.com/grokgate/grokgate/internal/storage"
)

const blobName = "api_keys"

// Key is one issued API key.
type Key struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	Name       string    `json:"name"`
	Disabled   bool      `json:"disabled"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at,omitzero"`
}

// Masked returns the key with the middle blanked for display.
func (k *Key) Masked() string {
	if len(k.Key) <= 11 {
		return k.Key
	}
	return k.Key[:7] + "..." + k.Key[len(k.Key)-4:]
}

type keysBlob struct {
	Keys []*Key `json:"keys"`
}

// Manager owns the key set.
type Manager struct {
	store storage.Store
	log   *logger.Logger
	saver *persist.Saver

	mu      sync.Mutex
	byID    map[string]*Key
	byValue map[string]*Key
}

// NewManager builds an empty manager; call Load before serving.
func NewManager(store storage.Store, saveDelay time.Duration, log *logger.Logger) *Manager {
	m := &Manager{
		store:   store,
		log:     log.WithComponent("apikeys"),
		byID:    make(map[string]*Key),
		byValue: make(map[string]*Key),
	}
	m.saver = persist.NewSaver(blobName, saveDelay, m.Flush, log)
	return m
}

// Load replaces in-memory state with the persisted blob.
func (m *Manager) Load(ctx context.Context) error {
	var blob keysBlob
	found, err := m.store.LoadJSON(ctx, blobName, &blob)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID = make(map[string]*Key)
	m.byValue = make(map[string]*Key)
	if found {
		for _, k := range blob.Keys {
			m.byID[k.ID] = k
			m.byValue[k.Key] = k
		}
	}
	return nil
}

// Flush writes the current state.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	blob := keysBlob{Keys: make([]*Key, 0, len(m.byID))}
	for _, k := range m.byID {
		c := *k
		blob.Keys = append(blob.Keys, &c)
	}
	m.mu.Unlock()
	return m.store.SaveJSON(ctx, blobName, blob)
}

// Close drains the saver.
func (m *Manager) Close(ctx context.Context) error {
	return m.saver.Close(ctx)
}

// Create issues a new key.
func (m *Manager) Create(name string) *Key {
	b := make([]byte, 24)
	rand.Read(b)
	k := &Key{
		ID:        uuid.NewString(),
		Key:       "sk-" + hex.EncodeToString(b),
		Name:      name,
		CreatedAt: time.Now(),
	}
	m.mu.Lock()
	m.byID[k.ID] = k
	m.byValue[k.Key] = k
	m.mu.Unlock()
	m.saver.Mark()
	c := *k
	return &c
}

// Delete removes a key by ID.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	k, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
		delete(m.byValue, k.Key)
	}
	m.mu.Unlock()
	if ok {
		m.saver.Mark()
	}
	return ok
}

// SetDisabled toggles a key.
func (m *Manager) SetDisabled(id string, disabled bool) bool {
	m.mu.Lock()
	k, ok := m.byID[id]
	if ok {
		k.Disabled = disabled
	}
	m.mu.Unlock()
	if ok {
		m.saver.Mark()
	}
	return ok
}

// Validate reports whether value is an enabled stored key, updating its
// last-used time on success.
func (m *Manager) Validate(value string) bool {
	m.mu.Lock()
	k, ok := m.byValue[value]
	valid := ok && !k.Disabled
	if valid {
		k.LastUsedAt = time.Now()
	}
	m.mu.Unlock()
	if valid {
		m.saver.Mark()
	}
	return valid
}

// List returns copies of all keys.
func (m *Manager) List() []*Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Key, 0, len(m.byID))
	for _, k := range m.byID {
		c := *k
		out = append(out, &c)
	}
	return out
}
