// Package proxypool selects the egress proxy for upstream requests. A
// static proxy URL wins; otherwise a pool endpoint is polled and its
// answer cached until stale or force-refreshed after a block.
package proxypool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/grokgate/grokgate/internal/apperrors"
	"github.com/grokgate/grokgate/internal/config"
	"github.com/grokgate/grokgate/internal/logger"
)

// proxyKeys are the JSON fields pool endpoints put a proxy address in,
// in lookup order.
var proxyKeys = []string{"proxy", "proxy_url", "url", "http", "https", "data", "result", "ip"}

// Pool caches the current proxy.
type Pool struct {
	cfg    config.Proxy
	log    *logger.Logger
	client *http.Client
	now    func() time.Time

	mu        sync.Mutex
	current   string
	fetchedAt time.Time
}

// New builds a pool; client may be nil for the default, which allows 5 s
// to connect and 10 s for the whole pool query.
func New(cfg config.Proxy, log *logger.Logger, client *http.Client) *Pool {
	if client == nil {
		client = &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			},
		}
	}
	return &Pool{
		cfg:    cfg,
		log:    log.WithComponent("proxypool"),
		client: client,
		now:    time.Now,
	}
}

// Get returns the proxy URL to use, or "" for a direct connection. The
// cached pool answer is refreshed once it is older than the refresh
// interval.
func (p *Pool) Get(ctx context.Context) (string, error) {
	if p.cfg.Static != "" {
		return normalize(p.cfg.Static), nil
	}
	if p.cfg.PoolURL == "" {
		return "", nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != "" && p.now().Sub(p.fetchedAt) < p.cfg.RefreshInterval {
		return p.current, nil
	}
	return p.fetchLocked(ctx)
}

// Refresh drops the cached proxy and fetches a new one. With force false
// it only fetches when the cache is stale.
func (p *Pool) Refresh(ctx context.Context, force bool) (string, error) {
	if p.cfg.PoolURL == "" {
		return normalize(p.cfg.Static), nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !force && p.current != "" && p.now().Sub(p.fetchedAt) < p.cfg.RefreshInterval {
		return p.current, nil
	}
	return p.fetchLocked(ctx)
}

// Do runs fn with the current proxy, rotating it and retrying when the
// upstream blocks the exit with a 403.
func (p *Pool) Do(ctx context.Context, fn func(proxyURL string) error) error {
	for attempt := 0; ; attempt++ {
		proxy, err := p.Get(ctx)
		if err != nil {
			p.log.Warn("proxy fetch failed, going direct", "error", err)
			proxy = ""
		}
		err = fn(proxy)
		var upErr *apperrors.UpstreamError
		if errors.As(err, &upErr) && upErr.Status == http.StatusForbidden && attempt < p.cfg.Max403Retries {
			p.log.Info("exit blocked, rotating proxy", "attempt", attempt+1)
			if _, rerr := p.Refresh(ctx, true); rerr != nil {
				return err
			}
			continue
		}
		return err
	}
}

// Run refreshes the cached proxy on the configured interval until ctx
// is done.
func (p *Pool) Run(ctx context.Context) {
	if p.cfg.PoolURL == "" {
		return
	}
	ticker := time.NewTicker(p.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Refresh(ctx, false); err != nil {
				p.log.Warn("proxy refresh failed", "error", err)
			}
		}
	}
}

func (p *Pool) fetchLocked(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.PoolURL, nil)
	if err != nil {
		return "", fmt.Errorf("build pool request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("query proxy pool: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read proxy pool response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("proxy pool status %d", resp.StatusCode)
	}

	proxy := Extract(body)
	if proxy == "" {
		return "", fmt.Errorf("no proxy in pool response")
	}
	p.current = proxy
	p.fetchedAt = p.now()
	p.log.Debug("proxy refreshed", "proxy", proxy)
	return proxy, nil
}

// Extract pulls a proxy address out of a pool response, which may be a
// bare address, a JSON string, or a JSON object nesting the address under
// one of the well-known keys.
func Extract(body []byte) string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return ""
	}
	var value any
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		// Plain "host:port" or URL.
		return normalize(text)
	}
	return normalize(extractValue(value))
}

func extractValue(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		for _, key := range proxyKeys {
			if nested, ok := v[key]; ok {
				if got := extractValue(nested); got != "" {
					return got
				}
			}
		}
	case []any:
		for _, item := range v {
			if got := extractValue(item); got != "" {
				return got
			}
		}
	}
	return ""
}

// normalize returns scheme://host:port, defaulting the scheme to http.
func normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "://") {
		return raw
	}
	return "http://" + raw
}
