// Package upstream implements the browser-session protocol of the
// upstream chat service: new conversation, continue, share and clone.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/grokgate/grokgate/internal/apperrors"
	"github.com/grokgate/grokgate/internal/logger"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/136.0.0.0 Safari/537.36"

// Client talks to the upstream service with impersonated browser
// headers. Transports are cached per proxy URL so connection pools
// survive across requests.
type Client struct {
	base    string
	profile string
	log     *logger.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewClient builds a client for the given base URL. profile names the
// impersonated browser build carried on the x-client headers.
func NewClient(base, profile string, log *logger.Logger) *Client {
	return &Client{
		base:    base,
		profile: profile,
		log:     log.WithComponent("upstream"),
		clients: make(map[string]*http.Client),
	}
}

// httpClient returns the pooled client for a proxy URL ("" is direct).
func (c *Client) httpClient(proxyURL string) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[proxyURL]; ok {
		return client, nil
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(parsed)
	}

	// No overall timeout: streamed responses stay open for minutes and
	// deadlines are enforced per stage by the stream processor.
	client := &http.Client{Transport: transport}
	c.clients[proxyURL] = client
	return client, nil
}

func (c *Client) setHeaders(req *http.Request, token string) {
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", c.base)
	req.Header.Set("Referer", c.base+"/")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("x-client-profile", c.profile)
	req.Header.Set("Cookie", fmt.Sprintf("sso=%s; sso-rw=%s", token, token))
}

// post issues a JSON POST and returns the raw response. Non-2xx turns
// into an *apperrors.UpstreamError with up to 64 KiB of body captured.
func (c *Client) post(ctx context.Context, token, proxyURL, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req, token)

	client, err := c.httpClient(proxyURL)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		return nil, &apperrors.UpstreamError{
			Status: resp.StatusCode,
			Body:   string(errBody),
			Code:   apperrors.ParseUpstreamCode(string(errBody)),
		}
	}
	return resp, nil
}

// NewChat opens a new conversation and streams its response lines.
func (c *Client) NewChat(ctx context.Context, token, proxyURL string, payload ChatPayload) (*LineStream, error) {
	resp, err := c.post(ctx, token, proxyURL, "/rest/app-chat/conversations/new", payload)
	if err != nil {
		return nil, err
	}
	return NewLineStream(resp.Body), nil
}

// Continue appends to an existing conversation and streams the response.
// payload.ParentResponseID must name the message being replied to.
func (c *Client) Continue(ctx context.Context, token, proxyURL, conversationID string, payload ChatPayload) (*LineStream, error) {
	path := fmt.Sprintf("/rest/app-chat/conversations/%s/responses", conversationID)
	resp, err := c.post(ctx, token, proxyURL, path, payload)
	if err != nil {
		return nil, err
	}
	return NewLineStream(resp.Body), nil
}

type shareRequest struct {
	ResponseID    string `json:"responseId"`
	AllowIndexing bool   `json:"allowIndexing"`
}

type shareResponse struct {
	ShareLinkID string `json:"shareLinkId"`
}

// Share creates a share link for a response so another token can clone
// the conversation later.
func (c *Client) Share(ctx context.Context, token, proxyURL, conversationID, responseID string) (string, error) {
	path := fmt.Sprintf("/rest/app-chat/conversations/%s/share", conversationID)
	resp, err := c.post(ctx, token, proxyURL, path, shareRequest{ResponseID: responseID, AllowIndexing: true})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out shareResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode share response: %w", err)
	}
	if out.ShareLinkID == "" {
		return "", fmt.Errorf("share response missing shareLinkId")
	}
	return out.ShareLinkID, nil
}

type cloneResponse struct {
	Conversation struct {
		ConversationID string `json:"conversationId"`
	} `json:"conversation"`
	Responses []struct {
		ResponseID string `json:"responseId"`
		Sender     string `json:"sender"`
	} `json:"responses"`
}

// Clone copies a shared conversation into the token's own account and
// returns the new conversation ID plus the response to continue from:
// the last assistant response, falling back to the last response of any
// sender.
func (c *Client) Clone(ctx context.Context, token, proxyURL, shareLinkID string) (string, string, error) {
	path := fmt.Sprintf("/rest/app-chat/share_links/%s/clone", shareLinkID)
	resp, err := c.post(ctx, token, proxyURL, path, struct{}{})
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	var out cloneResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("decode clone response: %w", err)
	}
	if out.Conversation.ConversationID == "" {
		return "", "", fmt.Errorf("clone response missing conversationId")
	}

	last := ""
	for _, r := range out.Responses {
		if r.Sender == "ASSISTANT" || r.Sender == "assistant" {
			last = r.ResponseID
		}
	}
	if last == "" && len(out.Responses) > 0 {
		last = out.Responses[len(out.Responses)-1].ResponseID
	}
	return out.Conversation.ConversationID, last, nil
}
