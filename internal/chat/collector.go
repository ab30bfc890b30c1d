package chat

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/grokgate/grokgate/internal/logger"
	"github.com/grokgate/grokgate/internal/media"
	"github.com/grokgate/grokgate/internal/oai"
	"github.com/grokgate/grokgate/internal/upstream"
)

var renderCardRe = regexp.MustCompile(`(?s)<grok:render[^>]*card_id="([^"]+)"[^>]*>.*?</grok:render>`)

// Collector consumes a whole stream and assembles the non-streaming
// chat.completion body from the final model response.
type Collector struct {
	cfg   ProcessorConfig
	media *media.Resolver
	log   *logger.Logger

	state   StreamState
	message string
	images  []string
	cards   map[string]string // card id -> jsonData

	tagRes []*regexp.Regexp
}

// NewCollector builds a collector for one request.
func NewCollector(cfg ProcessorConfig, resolver *media.Resolver, log *logger.Logger) *Collector {
	c := &Collector{
		cfg:   cfg,
		media: resolver,
		log:   log.WithComponent("collect"),
		cards: make(map[string]string),
	}
	for _, tag := range cfg.FilterTags {
		if tag == "grok:render" {
			// Render cards are substituted, not stripped.
			continue
		}
		quoted := regexp.QuoteMeta(tag)
		c.tagRes = append(c.tagRes,
			regexp.MustCompile(`(?s)<`+quoted+`[^>]*>.*?</`+quoted+`>`),
			regexp.MustCompile(`</?`+quoted+`[^>]*>`),
		)
	}
	return c
}

// Run consumes the stream and returns the assembled completion.
func (c *Collector) Run(ctx context.Context, stream *upstream.LineStream) (*StreamState, *oai.ChatCompletion, error) {
	err := pumpLines(ctx, stream, c.cfg.Timeouts, c.handleLine)
	if err != nil {
		return &c.state, nil, err
	}
	return &c.state, c.completion(), nil
}

func (c *Collector) handleLine(line string) error {
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
		c.state.UpstreamConvID = id
	}
	if resp.ConversationID != "" {
		c.state.UpstreamConvID = resp.ConversationID
	}
	if resp.ResponseID != "" {
		c.state.ResponseID = resp.ResponseID
	}
	if resp.RolloutID != "" {
		c.state.RolloutID = resp.RolloutID
	}
	if resp.LLMInfo != nil && resp.LLMInfo.ModelHash != "" {
		c.state.ModelHash = resp.LLMInfo.ModelHash
	}
	if card := resp.CardAttachment; card != nil && card.ID != "" {
		c.cards[card.ID] = card.JSONData
	}

	if mr := resp.ModelResponse; mr != nil {
		if mr.ResponseID != "" {
			c.state.ResponseID = mr.ResponseID
		}
		if hash := mr.modelHash(); hash != "" {
			c.state.ModelHash = hash
		}
		if mr.Message != "" {
			c.message = mr.Message
		}
		if mr.CardAttachmentsJSON != "" {
			c.mergeCards(mr.CardAttachmentsJSON)
		}
		c.images = append(c.images, mr.GeneratedImageURLs...)
		if len(mr.Metadata) > 0 {
			c.images = append(c.images, extractImageURLs(mr.Metadata)...)
		}
	}
	return nil
}

// mergeCards folds the final cardAttachmentsJson map into the card
// table.
func (c *Collector) mergeCards(raw string) {
	var cards []cardAttachment
	if json.Unmarshal([]byte(raw), &cards) == nil {
		for _, card := range cards {
			if card.ID != "" {
				c.cards[card.ID] = card.JSONData
			}
		}
		return
	}
	var byID map[string]string
	if json.Unmarshal([]byte(raw), &byID) == nil {
		for id, data := range byID {
			c.cards[id] = data
		}
	}
}

func (c *Collector) completion() *oai.ChatCompletion {
	content := c.message

	// Substitute render cards before the bulk tag strip.
	content = renderCardRe.ReplaceAllStringFunc(content, func(match string) string {
		sub := renderCardRe.FindStringSubmatch(match)
		if sub == nil {
			return ""
		}
		return c.renderCard(sub[1])
	})
	for _, re := range c.tagRes {
		content = re.ReplaceAllString(content, "")
	}
	content = strings.TrimSpace(content)

	seen := make(map[string]bool)
	for _, u := range c.images {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		if content != "" {
			content += "\n"
		}
		content += c.media.Markdown("", u)
	}

	finish := "stop"
	return &oai.ChatCompletion{
		ID:                c.state.chunkID(),
		Object:            "chat.completion",
		Created:           time.Now().Unix(),
		Model:             c.cfg.Model,
		SystemFingerprint: c.state.ModelHash,
		Choices: []oai.Choice{{
			Index:        0,
			Message:      oai.Message{Role: "assistant", Content: content},
			FinishReason: finish,
		}},
		Usage:          oai.Usage{},
		ConversationID: c.cfg.GatewayConvID,
	}
}

// renderCard maps a card ID to its markdown image, or nothing when the
// card is unknown or not an image.
func (c *Collector) renderCard(id string) string {
	raw, ok := c.cards[id]
	if !ok {
		return ""
	}
	title, url, ok := cardImage(raw)
	if !ok {
		return ""
	}
	return c.media.Markdown(title, url)
}
