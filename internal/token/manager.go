package token

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grokgate/grokgate/internal/config"
	"github.com/grokgate/grokgate/internal/logger"
	"github.com/grokgate/grokgate/internal/persist"
	"github.com/grokgate/grokgate/internal/storage"
)

const blobName = "tokens"

// PoolStats summarizes one pool for the admin and MCP surfaces.
type PoolStats struct {
	Pool       string `json:"pool"`
	Total      int    `json:"total"`
	Active     int    `json:"active"`
	Cooling    int    `json:"cooling"`
	Expired    int    `json:"expired"`
	Disabled   int    `json:"disabled"`
	QuotaLeft  int    `json:"quota_left"`
	Selectable int    `json:"selectable"`
}

type tokensBlob struct {
	Tokens []*Token `json:"tokens"`
}

// Manager owns all tokens across pools. Every mutation marks the
// debounced saver; replicas reconcile through periodic reloads.
type Manager struct {
	cfg   config.Pool
	store storage.Store
	log   *logger.Logger
	saver *persist.Saver

	mu       sync.Mutex
	tokens   map[string]*Token
	pools    map[string]*poolIndex
	rng      *rand.Rand
	loadedAt time.Time

	now func() time.Time
}

// NewManager builds an empty manager; call Load before serving.
func NewManager(cfg config.Pool, store storage.Store, log *logger.Logger) *Manager {
	m := &Manager{
		cfg:    cfg,
		store:  store,
		log:    log.WithComponent("token"),
		tokens: make(map[string]*Token),
		pools:  make(map[string]*poolIndex),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
	}
	m.saver = persist.NewSaver(blobName, cfg.SaveDelay, m.Flush, log)
	return m
}

// Load replaces in-memory state with the persisted blob.
func (m *Manager) Load(ctx context.Context) error {
	var blob tokensBlob
	found, err := m.store.LoadJSON(ctx, blobName, &blob)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = make(map[string]*Token)
	m.pools = make(map[string]*poolIndex)
	if found {
		for _, t := range blob.Tokens {
			m.tokens[t.ID] = t
			m.index(t)
		}
	}
	m.loadedAt = m.now()
	m.log.Info("tokens loaded", "count", len(m.tokens))
	return nil
}

// ReloadIfStale re-reads the blob when the last load is older than the
// configured reload interval. This is how replicas see each other's
// writes without a shared bus.
func (m *Manager) ReloadIfStale(ctx context.Context) error {
	m.mu.Lock()
	stale := m.now().Sub(m.loadedAt) >= m.cfg.ReloadInterval
	m.mu.Unlock()
	if !stale {
		return nil
	}
	return m.Load(ctx)
}

// Flush writes the current state.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	blob := tokensBlob{Tokens: make([]*Token, 0, len(m.tokens))}
	for _, t := range m.tokens {
		blob.Tokens = append(blob.Tokens, t.Clone())
	}
	m.mu.Unlock()
	return m.store.SaveJSON(ctx, blobName, blob)
}

// Close drains the saver.
func (m *Manager) Close(ctx context.Context) error {
	return m.saver.Close(ctx)
}

// Add registers a new token with a full quota for its pool.
func (m *Manager) Add(value, pool, note string) *Token {
	now := m.now()
	quota, refresh := m.poolQuota(pool)
	t := &Token{
		ID:             uuid.NewString(),
		Value:          value,
		Pool:           pool,
		Note:           note,
		Status:         StatusActive,
		Quota:          quota,
		QuotaRefreshAt: now.Add(refresh),
		CreatedAt:      now,
	}

	m.mu.Lock()
	m.tokens[t.ID] = t
	m.index(t)
	m.mu.Unlock()

	m.saver.Mark()
	return t.Clone()
}

// Remove deletes a token.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	t, ok := m.tokens[id]
	if ok {
		m.deindex(t)
		delete(m.tokens, id)
	}
	m.mu.Unlock()
	if ok {
		m.saver.Mark()
	}
	return ok
}

// Get returns a copy of the token.
func (m *Manager) Get(id string) (*Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// List returns copies of all tokens.
func (m *Manager) List() []*Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Token, 0, len(m.tokens))
	for _, t := range m.tokens {
		out = append(out, t.Clone())
	}
	return out
}

// Select picks a selectable token from the pool, preferring higher
// remaining quota and skipping the excluded IDs.
func (m *Manager) Select(pool string, exclude map[string]bool) (*Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.pools[pool]
	if !ok {
		return nil, false
	}
	id, ok := idx.pick(m.rng, exclude)
	if !ok {
		return nil, false
	}
	return m.tokens[id].Clone(), true
}

// Consume deducts effort units after a successful request and resets the
// failure streak. Unlimited tokens are not metered.
func (m *Manager) Consume(id string, cost int) {
	m.mu.Lock()
	t, ok := m.tokens[id]
	if ok {
		m.deindex(t)
		if t.Quota != UnlimitedQuota {
			t.Quota -= cost
			if t.Quota < 0 {
				t.Quota = 0
			}
		}
		t.ConsecutiveFailures = 0
		t.LastUsedAt = m.now()
		m.index(t)
	}
	m.mu.Unlock()
	if ok {
		m.saver.Mark()
	}
}

// RecordSuccess resets the failure streak without consuming quota, for
// requests that finished but were not metered.
func (m *Manager) RecordSuccess(id string) {
	m.mu.Lock()
	if t, ok := m.tokens[id]; ok {
		t.ConsecutiveFailures = 0
		t.LastUsedAt = m.now()
	}
	m.mu.Unlock()
	m.saver.Mark()
}

// RateLimitCooldown parks a token after an upstream 429. Refusals that
// still show remaining credit get the short cooldown; exhausted tokens
// get the long one.
func (m *Manager) RateLimitCooldown(id string, hasQuota bool) {
	d := m.cfg.CooldownExhausted
	if hasQuota {
		d = m.cfg.CooldownRateLimited
	}
	m.mu.Lock()
	if t, ok := m.tokens[id]; ok {
		m.deindex(t)
		t.Status = StatusCooling
		t.CooldownUntil = m.now().Add(d)
		t.CooldownRequests = 0
	}
	m.mu.Unlock()
	m.saver.Mark()
}

// RecordFailure classifies a non-429 upstream failure. 401 expires the
// token, 403 disables it, anything else counts toward the error streak
// and trips a count-based cooldown at the threshold.
func (m *Manager) RecordFailure(id string, status int) {
	m.mu.Lock()
	t, ok := m.tokens[id]
	if ok {
		m.deindex(t)
		switch status {
		case http.StatusUnauthorized:
			t.Status = StatusExpired
		case http.StatusForbidden:
			t.Status = StatusDisabled
		default:
			t.ConsecutiveFailures++
			if t.ConsecutiveFailures >= m.cfg.FailThreshold {
				t.Status = StatusCooling
				t.CooldownRequests = m.cfg.CooldownErrorRequests
				t.CooldownUntil = time.Time{}
				t.ConsecutiveFailures = 0
			}
		}
		m.index(t)
	}
	m.mu.Unlock()
	if ok {
		m.saver.Mark()
	}
}

// NoteRequest advances count-based cooldowns by one pool-wide request.
// Tokens thaw once enough requests have passed without them.
func (m *Manager) NoteRequest() {
	changed := false
	m.mu.Lock()
	for _, t := range m.tokens {
		if t.Status == StatusCooling && t.CooldownRequests > 0 {
			t.CooldownRequests--
			if t.CooldownRequests == 0 {
				t.Status = StatusActive
				m.index(t)
			}
			changed = true
		}
	}
	m.mu.Unlock()
	if changed {
		m.saver.Mark()
	}
}

// ThawDue reactivates cooling tokens whose deadline has passed. Run from
// the cooldown probe loop.
func (m *Manager) ThawDue() int {
	now := m.now()
	thawed := 0
	m.mu.Lock()
	for _, t := range m.tokens {
		if t.Status == StatusCooling && !t.CooldownUntil.IsZero() && now.After(t.CooldownUntil) {
			t.Status = StatusActive
			t.CooldownUntil = time.Time{}
			m.index(t)
			thawed++
		}
	}
	m.mu.Unlock()
	if thawed > 0 {
		m.saver.Mark()
	}
	return thawed
}

// RefreshCooling force-reactivates every cooling token. The orchestrator
// calls this as a last resort when no candidate is selectable at all.
func (m *Manager) RefreshCooling() int {
	revived := 0
	m.mu.Lock()
	for _, t := range m.tokens {
		if t.Status == StatusCooling {
			t.Status = StatusActive
			t.CooldownUntil = time.Time{}
			t.CooldownRequests = 0
			m.index(t)
			revived++
		}
	}
	m.mu.Unlock()
	if revived > 0 {
		m.saver.Mark()
	}
	return revived
}

// RefreshQuotas resets quotas whose refresh window has elapsed. Run from
// the quota refresh loop.
func (m *Manager) RefreshQuotas() int {
	now := m.now()
	refreshed := 0
	m.mu.Lock()
	for _, t := range m.tokens {
		if t.QuotaRefreshAt.IsZero() || now.Before(t.QuotaRefreshAt) {
			continue
		}
		quota, window := m.poolQuota(t.Pool)
		m.deindex(t)
		if t.Quota != UnlimitedQuota {
			t.Quota = quota
		}
		t.QuotaRefreshAt = now.Add(window)
		m.index(t)
		refreshed++
	}
	m.mu.Unlock()
	if refreshed > 0 {
		m.saver.Mark()
	}
	return refreshed
}

// PoolStats reports per-pool counters.
func (m *Manager) PoolStats() map[string]PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]PoolStats)
	for _, t := range m.tokens {
		s := out[t.Pool]
		s.Pool = t.Pool
		s.Total++
		switch t.Status {
		case StatusActive:
			s.Active++
		case StatusCooling:
			s.Cooling++
		case StatusExpired:
			s.Expired++
		case StatusDisabled:
			s.Disabled++
		}
		if t.Quota > 0 {
			s.QuotaLeft += t.Quota
		}
		out[t.Pool] = s
	}
	for pool, idx := range m.pools {
		s := out[pool]
		s.Selectable = idx.size()
		out[pool] = s
	}
	return out
}

// index adds t to its pool's quota index when selectable. Callers hold
// the lock.
func (m *Manager) index(t *Token) {
	if !t.Selectable(m.now()) {
		return
	}
	idx, ok := m.pools[t.Pool]
	if !ok {
		idx = newPoolIndex()
		m.pools[t.Pool] = idx
	}
	idx.add(t.Quota, t.ID)
}

// deindex removes t from its pool's index. Callers hold the lock.
func (m *Manager) deindex(t *Token) {
	if idx, ok := m.pools[t.Pool]; ok {
		idx.remove(t.Quota, t.ID)
	}
}

func (m *Manager) poolQuota(pool string) (int, time.Duration) {
	if pool == "super" {
		return m.cfg.SuperQuota, m.cfg.SuperRefresh
	}
	return m.cfg.BasicQuota, m.cfg.BasicRefresh
}
