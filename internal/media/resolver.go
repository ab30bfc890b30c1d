// Package media resolves upstream asset paths into URLs clients can use.
// Generated images come back as relative paths on the upstream asset
// host that require the session cookie, so the gateway either rewrites
// them onto its own /v1/media route or inlines them.
package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/grokgate/grokgate/internal/logger"
)

const defaultAssetBase = "https://assets.grok.com"

// Resolver rewrites and fetches upstream assets.
type Resolver struct {
	appURL    string
	assetBase string
	client    *http.Client
	log       *logger.Logger
}

// NewResolver builds a resolver. appURL may be empty, in which case raw
// asset-host URLs are emitted.
func NewResolver(appURL string, log *logger.Logger) *Resolver {
	return &Resolver{
		appURL:    strings.TrimRight(appURL, "/"),
		assetBase: defaultAssetBase,
		client:    &http.Client{Timeout: 60 * time.Second},
		log:       log.WithComponent("media"),
	}
}

// URL maps an upstream asset path onto a client-fetchable URL. Absolute
// URLs pass through untouched.
func (r *Resolver) URL(path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") || strings.HasPrefix(path, "data:") {
		return path
	}
	trimmed := strings.TrimLeft(path, "/")
	if r.appURL != "" {
		return r.appURL + "/v1/media/" + trimmed
	}
	return r.assetBase + "/" + trimmed
}

// Markdown renders an asset as a markdown image.
func (r *Resolver) Markdown(alt, path string) string {
	if alt == "" {
		alt = "image"
	}
	return fmt.Sprintf("![%s](%s)", alt, r.URL(path))
}

// Fetch downloads an asset using the given session token and returns the
// bytes and content type. Used by the media proxy route and by b64_json
// image responses.
func (r *Resolver) Fetch(ctx context.Context, token, path string) ([]byte, string, error) {
	url := path
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = r.assetBase + "/" + strings.TrimLeft(path, "/")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build asset request: %w", err)
	}
	req.Header.Set("Cookie", fmt.Sprintf("sso=%s; sso-rw=%s", token, token))
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch asset: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("asset status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, "", fmt.Errorf("read asset: %w", err)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "image/jpeg"
	}
	return data, ct, nil
}

// DataURL inlines an already-fetched asset.
func DataURL(contentType string, data []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
