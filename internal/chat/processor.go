package chat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/grokgate/grokgate/internal/apperrors"
	"github.com/grokgate/grokgate/internal/config"
	"github.com/grokgate/grokgate/internal/logger"
	"github.com/grokgate/grokgate/internal/media"
	"github.com/grokgate/grokgate/internal/oai"
	"github.com/grokgate/grokgate/internal/upstream"
)

// StreamState is what the supervisor needs back from a finished stream:
// the upstream identifiers captured along the way.
type StreamState struct {
	ResponseID     string
	RolloutID      string
	ModelHash      string
	UpstreamConvID string
	fallbackID     string
}

// chunkID returns the OpenAI chunk ID: the upstream response ID when
// known, otherwise a stable generated one.
func (s *StreamState) chunkID() string {
	if s.ResponseID != "" {
		return s.ResponseID
	}
	if s.fallbackID == "" {
		b := make([]byte, 12)
		rand.Read(b)
		s.fallbackID = "chatcmpl-" + hex.EncodeToString(b)
	}
	return s.fallbackID
}

// ProcessorConfig shapes one streamed response.
type ProcessorConfig struct {
	Model         string // exposed model name echoed on every chunk
	GatewayConvID string // gateway conversation ID echoed to the client
	Think         bool   // wrap reasoning deltas in think markers
	FilterTags    []string
	Timeouts      config.Stream
}

// Processor turns an upstream line stream into OpenAI SSE frames. Three
// deadlines guard it: time to first line, time between lines, and total
// stream duration; zero disables a deadline.
type Processor struct {
	cfg   ProcessorConfig
	media *media.Resolver
	log   *logger.Logger

	state    StreamState
	filters  *filterChain
	cards    *toolCardFilter
	created  int64
	roleSent bool
	thinking bool
}

// NewProcessor builds a processor for one request.
func NewProcessor(cfg ProcessorConfig, resolver *media.Resolver, log *logger.Logger) *Processor {
	cards := newToolCardFilter()
	return &Processor{
		cfg:     cfg,
		media:   resolver,
		log:     log.WithComponent("stream"),
		cards:   cards,
		filters: newFilterChain(cards, newTagDropFilter(cfg.FilterTags)),
		created: time.Now().Unix(),
	}
}

// Run pumps the stream through emit until it ends or a deadline fires.
// The returned state is valid even on error.
func (p *Processor) Run(ctx context.Context, stream *upstream.LineStream, emit func(string) error) (*StreamState, error) {
	err := pumpLines(ctx, stream, p.cfg.Timeouts, func(line string) error {
		return p.handleLine(line, emit)
	})
	if err != nil {
		return &p.state, err
	}
	return &p.state, p.finish(emit)
}

func (p *Processor) handleLine(line string, emit func(string) error) error {
	text, ok := normalizeLine(line)
	if !ok {
		return nil
	}
	ev, ok := parseEvent(text)
	if !ok {
		return nil
	}

	resp := &ev.Result.Response
	if id := ev.Result.Conversation.ConversationID; id != "" {
		p.state.UpstreamConvID = id
	}
	if resp.ConversationID != "" {
		p.state.UpstreamConvID = resp.ConversationID
	}
	if resp.ResponseID != "" {
		p.state.ResponseID = resp.ResponseID
	}
	if resp.RolloutID != "" {
		p.state.RolloutID = resp.RolloutID
		p.cards.SetRollout(resp.RolloutID)
	}
	if resp.LLMInfo != nil && resp.LLMInfo.ModelHash != "" {
		p.state.ModelHash = resp.LLMInfo.ModelHash
	}

	if img := resp.StreamingImageGenerationResponse; img != nil {
		return p.emitImageProgress(img, emit)
	}
	if card := resp.CardAttachment; card != nil && card.JSONData != "" {
		return p.emitCardImage(card, emit)
	}
	if mr := resp.ModelResponse; mr != nil {
		return p.handleModelResponse(mr, emit)
	}
	if resp.Token != "" {
		return p.emitToken(resp.Token, resp.IsThinking, emit)
	}
	return nil
}

func (p *Processor) emitToken(token string, isThinking bool, emit func(string) error) error {
	// With thinking output off, reasoning tokens are dropped, not passed
	// through as plain content.
	if isThinking && !p.cfg.Think {
		return nil
	}
	out := p.filters.Process(token)
	if out == "" {
		return nil
	}
	if isThinking && !p.thinking {
		out = "<think>\n" + out
		p.thinking = true
	} else if !isThinking && p.thinking {
		out = "\n</think>\n" + out
		p.thinking = false
	}
	return p.emitContent(out, emit)
}

// emitImageProgress reports partial image generation inside a think
// block so clients render it as transient reasoning. Suppressed entirely
// when thinking output is off.
func (p *Processor) emitImageProgress(img *imageProgress, emit func(string) error) error {
	if !p.cfg.Think {
		return nil
	}
	line := fmt.Sprintf("正在生成第%d张图片中，当前进度%d%%\n", img.ImageIndex+1, img.Progress)
	if !p.thinking {
		line = "<think>\n" + line
		p.thinking = true
	}
	return p.emitContent(line, emit)
}

// emitCardImage renders a card attachment as a markdown image.
func (p *Processor) emitCardImage(card *cardAttachment, emit func(string) error) error {
	title, url, ok := cardImage(card.JSONData)
	if !ok {
		return nil
	}
	return p.emitContent(p.media.Markdown(title, url)+"\n", emit)
}

func (p *Processor) handleModelResponse(mr *modelResponse, emit func(string) error) error {
	if mr.ResponseID != "" {
		p.state.ResponseID = mr.ResponseID
	}
	if hash := mr.modelHash(); hash != "" {
		p.state.ModelHash = hash
	}

	var out strings.Builder
	if p.thinking {
		out.WriteString("\n</think>\n")
		p.thinking = false
	}
	urls := mr.GeneratedImageURLs
	if len(urls) == 0 && len(mr.Metadata) > 0 {
		urls = extractImageURLs(mr.Metadata)
	}
	for _, u := range urls {
		out.WriteString(p.media.Markdown("", u))
		out.WriteString("\n")
	}
	if out.Len() == 0 {
		return nil
	}
	return p.emitContent(out.String(), emit)
}

// finish flushes the filters, closes an open think block and sends the
// terminal frames.
func (p *Processor) finish(emit func(string) error) error {
	if rest := p.filters.Flush(); rest != "" {
		if err := p.emitContent(rest, emit); err != nil {
			return err
		}
	}
	if p.thinking {
		if err := p.emitContent("\n</think>", emit); err != nil {
			return err
		}
		p.thinking = false
	}

	stop := "stop"
	if err := emit(p.frame(oai.Delta{}, &stop)); err != nil {
		return err
	}
	return emit("data: [DONE]\n\n")
}

func (p *Processor) emitContent(content string, emit func(string) error) error {
	if !p.roleSent {
		p.roleSent = true
		if err := emit(p.frame(oai.Delta{Role: "assistant"}, nil)); err != nil {
			return err
		}
	}
	return emit(p.frame(oai.Delta{Content: content}, nil))
}

// frame renders one SSE chunk.
func (p *Processor) frame(delta oai.Delta, finish *string) string {
	chunk := oai.Chunk{
		ID:                p.state.chunkID(),
		Object:            "chat.completion.chunk",
		Created:           p.created,
		Model:             p.cfg.Model,
		SystemFingerprint: p.state.ModelHash,
		Choices: []oai.ChunkChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finish,
		}},
		ConversationID: p.cfg.GatewayConvID,
	}
	data, _ := json.Marshal(chunk)
	return "data: " + string(data) + "\n\n"
}

// readError maps a broken upstream read onto the wire taxonomy.
func readError(err error) error {
	code := "upstream_read_error"
	if strings.Contains(err.Error(), "http2") || strings.Contains(err.Error(), "stream error") {
		code = "http2_stream_error"
	}
	return &apperrors.UpstreamError{Status: 502, Body: err.Error(), Code: code}
}
