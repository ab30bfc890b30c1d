// Package chat is the request supervisor: it resolves conversation
// context, walks token candidates with retries, drives the upstream
// stream through the processor or collector, and settles quota and
// context state afterwards.
package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/grokgate/grokgate/internal/apperrors"
	"github.com/grokgate/grokgate/internal/circuit"
	"github.com/grokgate/grokgate/internal/config"
	"github.com/grokgate/grokgate/internal/conversation"
	"github.com/grokgate/grokgate/internal/logger"
	"github.com/grokgate/grokgate/internal/media"
	"github.com/grokgate/grokgate/internal/oai"
	"github.com/grokgate/grokgate/internal/stats"
	"github.com/grokgate/grokgate/internal/token"
	"github.com/grokgate/grokgate/internal/upstream"
)

// Service wires the chat pipeline together.
type Service struct {
	cfg      *config.Config
	log      *logger.Logger
	tokens   *token.Manager
	convs    *conversation.Manager
	proxies  ProxySource
	client   UpstreamClient
	breaker  *circuit.Breaker
	media    *media.Resolver
	recorder *stats.Recorder
	sem      *semaphore
}

// UpstreamClient is the slice of the upstream API the service uses.
type UpstreamClient interface {
	NewChat(ctx context.Context, token, proxyURL string, payload upstream.ChatPayload) (*upstream.LineStream, error)
	Continue(ctx context.Context, token, proxyURL, conversationID string, payload upstream.ChatPayload) (*upstream.LineStream, error)
	Share(ctx context.Context, token, proxyURL, conversationID, responseID string) (string, error)
	Clone(ctx context.Context, token, proxyURL, shareLinkID string) (string, string, error)
}

// ProxySource yields the egress proxy and rotates it on exit blocks.
type ProxySource interface {
	Do(ctx context.Context, fn func(proxyURL string) error) error
}

// NewService builds the supervisor.
func NewService(cfg *config.Config, tokens *token.Manager, convs *conversation.Manager,
	proxies ProxySource, client UpstreamClient, breaker *circuit.Breaker,
	resolver *media.Resolver, recorder *stats.Recorder, log *logger.Logger) *Service {
	return &Service{
		cfg:      cfg,
		log:      log.WithComponent("chat"),
		tokens:   tokens,
		convs:    convs,
		proxies:  proxies,
		client:   client,
		breaker:  breaker,
		media:    resolver,
		recorder: recorder,
		sem:      newSemaphore(cfg.Chat.Concurrent),
	}
}

// SetConcurrency applies a changed chat.concurrent setting.
func (s *Service) SetConcurrency(n int) {
	s.sem.Resize(n)
}

// plan is the resolved strategy for one request.
type plan struct {
	spec    config.ModelSpec
	conv    *conversation.Context // nil when no context matched
	convID  string                // gateway conversation ID (minted early for new ones)
	fresh   bool                  // open a new upstream conversation
	cloned  string                // upstream conversation ID after a migration clone
	message string                // what goes in the upstream payload
	merged  string                // full history flattened, for fresh conversations
	hash    string                // history hash including the latest user turn
}

// Completions serves one chat request. With emit non-nil the response is
// streamed as SSE frames through it and the returned completion is nil.
func (s *Service) Completions(ctx context.Context, req *oai.ChatRequest, emit func(string) error) (*oai.ChatCompletion, error) {
	start := time.Now()
	spec, ok := s.cfg.Catalog.Get(req.Model)
	if !ok {
		return nil, apperrors.NewValidationError(fmt.Sprintf("Unknown model %q", req.Model))
	}
	if len(req.Messages) == 0 {
		return nil, apperrors.NewValidationError("messages must not be empty")
	}

	p := s.resolve(spec, req)
	s.tokens.NoteRequest()

	completion, state, tokenID, err := s.attempt(ctx, req, p, emit)

	entry := stats.Entry{
		Model:          req.Model,
		TokenID:        tokenID,
		ConversationID: p.convID,
		DurationMS:     time.Since(start).Milliseconds(),
		Stream:         emit != nil,
		Status:         http.StatusOK,
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Client went away; nothing to report.
			return nil, err
		}
		apiErr := apperrors.ToAPIError(err)
		entry.Status = apiErr.Status
		entry.Error = apiErr.Message
		s.recorder.Record(entry)
		return nil, err
	}
	s.recorder.Record(entry)

	s.settle(req, p, state, tokenID)
	return completion, nil
}

// resolve decides between continuing an existing conversation and
// opening a new one.
func (s *Service) resolve(spec config.ModelSpec, req *oai.ChatRequest) *plan {
	p := &plan{
		spec:   spec,
		hash:   conversation.HistoryHash(req.Messages, false),
		merged: mergedHistory(req.Messages),
	}

	if req.ConversationID != "" {
		if conv, ok := s.convs.Get(req.ConversationID); ok {
			p.conv = conv
			p.convID = conv.ID
		}
	}
	if p.conv == nil && len(req.Messages) >= 2 {
		if conv, ok := s.convs.FindByHistory(conversation.HistoryHash(req.Messages, true)); ok {
			p.conv = conv
			p.convID = conv.ID
		}
	}

	if p.conv != nil {
		p.message = lastUserText(req.Messages)
		if p.message == "" {
			// Nothing new to continue with; replay the merged history.
			p.fresh = true
			p.message = p.merged
		}
	} else {
		p.convID = conversation.NewID()
		p.fresh = true
		p.message = p.merged
	}
	return p
}

// attempt walks token candidates until one carries the request.
func (s *Service) attempt(ctx context.Context, req *oai.ChatRequest, p *plan, emit func(string) error) (*oai.ChatCompletion, *StreamState, string, error) {
	tried := make(map[string]bool)
	refreshed := false

	for attempt := 0; attempt < s.cfg.Pool.MaxRetry; attempt++ {
		tok, ok := s.pickToken(p, tried)
		if !ok {
			// Last chance: revive cooling tokens once, but only when we
			// have not burned any candidate yet.
			if !refreshed && len(tried) == 0 && s.tokens.RefreshCooling() > 0 {
				refreshed = true
				attempt--
				continue
			}
			break
		}
		tried[tok.ID] = true

		completion, state, err := s.runWithToken(ctx, req, p, tok, emit)
		if err == nil {
			return completion, state, tok.ID, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, nil, tok.ID, err
		}

		var upErr *apperrors.UpstreamError
		if errors.As(err, &upErr) {
			switch {
			case upErr.RateLimited():
				s.tokens.RateLimitCooldown(tok.ID, upErr.HasQuota())
				s.log.Info("token rate limited", "token", tok.ID, "has_quota", upErr.HasQuota())
				continue
			case upErr.Status == http.StatusUnauthorized, upErr.Status == http.StatusForbidden:
				s.tokens.RecordFailure(tok.ID, upErr.Status)
				return nil, nil, tok.ID, err
			default:
				s.tokens.RecordFailure(tok.ID, upErr.Status)
				s.log.Warn("upstream error, trying next token", "token", tok.ID, "status", upErr.Status)
				continue
			}
		}
		// Timeouts, breaker and transport errors surface as-is.
		return nil, nil, tok.ID, err
	}

	return nil, nil, "", apperrors.NewNoTokensError()
}

// pickToken prefers the conversation's own token, then walks the model's
// pool candidates in order.
func (s *Service) pickToken(p *plan, tried map[string]bool) (*token.Token, bool) {
	if p.conv != nil && p.conv.TokenID != "" && !tried[p.conv.TokenID] {
		if tok, ok := s.tokens.Get(p.conv.TokenID); ok && tok.Selectable(time.Now()) {
			return tok, true
		}
	}
	for _, pool := range p.spec.Pools {
		if tok, ok := s.tokens.Select(pool, tried); ok {
			return tok, true
		}
	}
	return nil, false
}

// runWithToken opens the upstream stream on tok and drives it to
// completion under the concurrency semaphore.
func (s *Service) runWithToken(ctx context.Context, req *oai.ChatRequest, p *plan, tok *token.Token, emit func(string) error) (*oai.ChatCompletion, *StreamState, error) {
	if err := s.sem.Acquire(ctx); err != nil {
		return nil, nil, err
	}
	defer s.sem.Release()

	stream, err := s.connect(ctx, req, p, tok)
	if err != nil {
		return nil, nil, err
	}
	defer stream.Close()

	pcfg := ProcessorConfig{
		Model:         req.Model,
		GatewayConvID: p.convID,
		Think:         p.spec.Think && req.ReasoningEffort != "none",
		FilterTags:    s.cfg.Catalog.FilterTags,
		Timeouts:      s.cfg.Stream,
	}

	if emit != nil {
		proc := NewProcessor(pcfg, s.media, s.log)
		state, err := proc.Run(ctx, stream, emit)
		if err != nil {
			return nil, state, err
		}
		return nil, state, nil
	}

	collector := NewCollector(pcfg, s.media, s.log)
	state, completion, err := collector.Run(ctx, stream)
	if err != nil {
		return nil, state, err
	}
	return completion, state, nil
}

// connect opens the stream, cloning the conversation over to tok first
// when it lives on another token.
func (s *Service) connect(ctx context.Context, req *oai.ChatRequest, p *plan, tok *token.Token) (*upstream.LineStream, error) {
	opts := upstream.PayloadOptions{
		Model:           p.spec.Upstream,
		Mode:            p.spec.Mode,
		Message:         p.message,
		Temporary:       s.cfg.Chat.Temporary,
		ImageGeneration: p.spec.Image,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		ReasoningEffort: req.ReasoningEffort,
	}

	var stream *upstream.LineStream
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		return s.proxies.Do(ctx, func(proxyURL string) error {
			var err error
			stream, err = s.open(ctx, p, tok, proxyURL, opts)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (s *Service) open(ctx context.Context, p *plan, tok *token.Token, proxyURL string, opts upstream.PayloadOptions) (*upstream.LineStream, error) {
	if p.fresh || p.conv == nil {
		return s.client.NewChat(ctx, tok.Value, proxyURL, upstream.NewChatPayload(opts))
	}

	convID := p.conv.UpstreamConvID
	parent := p.conv.LastResponseID

	if p.conv.TokenID != tok.ID {
		// The conversation lives on another account; bring it over via
		// its share link.
		if p.conv.ShareLinkID == "" {
			s.log.Info("no share link, replaying history on new conversation", "conversation", p.conv.ID)
			s.detach(p, &opts)
			return s.client.NewChat(ctx, tok.Value, proxyURL, upstream.NewChatPayload(opts))
		}
		clonedConv, clonedResp, err := s.client.Clone(ctx, tok.Value, proxyURL, p.conv.ShareLinkID)
		if err != nil {
			s.log.Warn("clone failed, replaying history on new conversation",
				"conversation", p.conv.ID, "error", err)
			s.detach(p, &opts)
			return s.client.NewChat(ctx, tok.Value, proxyURL, upstream.NewChatPayload(opts))
		}
		convID, parent = clonedConv, clonedResp
		p.cloned = clonedConv
	}

	opts.ParentResponse = parent
	return s.client.Continue(ctx, tok.Value, proxyURL, convID, upstream.NewChatPayload(opts))
}

// detach abandons the prior upstream context: the request proceeds as a
// brand new conversation under a fresh gateway ID, with the full history
// flattened into the first message.
func (s *Service) detach(p *plan, opts *upstream.PayloadOptions) {
	p.conv = nil
	p.convID = conversation.NewID()
	p.fresh = true
	p.message = p.merged
	opts.Message = p.merged
	opts.ParentResponse = ""
}

// settle runs after a clean stream: meter the token, persist the
// conversation context and kick off the detached share-link task.
func (s *Service) settle(req *oai.ChatRequest, p *plan, state *StreamState, tokenID string) {
	s.tokens.Consume(tokenID, s.cfg.Pool.EffortCost(p.spec))

	upConv := state.UpstreamConvID
	if upConv == "" {
		upConv = p.cloned
	}
	if upConv == "" && p.conv != nil {
		upConv = p.conv.UpstreamConvID
	}

	if p.conv != nil {
		s.convs.Update(p.conv.ID, conversation.UpdateParams{
			TokenID:          &tokenID,
			UpstreamConvID:   &upConv,
			LastResponseID:   &state.ResponseID,
			HistoryHash:      &p.hash,
			IncrementMessage: true,
		})
	} else {
		s.convs.Create(&conversation.Context{
			ID:             p.convID,
			TokenID:        tokenID,
			UpstreamConvID: upConv,
			LastResponseID: state.ResponseID,
			HistoryHash:    p.hash,
			Model:          req.Model,
			MessageCount:   1,
		})
	}

	if upConv != "" && state.ResponseID != "" {
		go s.shareLink(p.convID, tokenID, upConv, state.ResponseID)
	}
}

// shareLink creates a share link for the latest response so a future
// token migration can clone the conversation. Failures are logged and
// forgotten; the next turn tries again.
func (s *Service) shareLink(convID, tokenID, upstreamConvID, responseID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tok, ok := s.tokens.Get(tokenID)
	if !ok {
		return
	}
	err := s.proxies.Do(ctx, func(proxyURL string) error {
		shareID, err := s.client.Share(ctx, tok.Value, proxyURL, upstreamConvID, responseID)
		if err != nil {
			return err
		}
		s.convs.Update(convID, conversation.UpdateParams{
			ShareLinkID:      &shareID,
			IncrementMessage: false,
		})
		return nil
	})
	if err != nil {
		s.log.Debug("share link creation failed", "conversation", convID, "error", err)
		return
	}
	// The share call is unmetered but still a healthy round trip.
	s.tokens.RecordSuccess(tokenID)
}

// lastUserText returns the text of the trailing user message.
func lastUserText(messages []oai.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Text()
		}
	}
	return ""
}

// mergedHistory flattens the whole history into one upstream message,
// role-prefixed per turn.
func mergedHistory(messages []oai.Message) string {
	var lines []string
	for _, m := range messages {
		text := m.Text()
		if text == "" {
			continue
		}
		lines = append(lines, m.Role+": "+text)
	}
	return strings.Join(lines, "\n\n")
}
