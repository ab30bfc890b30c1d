package chat

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// streamFilter transforms token deltas on their way to the client. A
// filter may hold text back across chunks; Flush returns whatever is
// still buffered when the stream ends.
type streamFilter interface {
	Process(chunk string) string
	Flush() string
}

const (
	toolCardOpen  = "<xai:tool_usage_card"
	toolCardClose = "</xai:tool_usage_card>"
)

var (
	cdataRe    = regexp.MustCompile(`(?s)<!\[CDATA\[(.*?)\]\]>`)
	toolCardRe = regexp.MustCompile(`(?s)<xai:tool_usage_card[^>]*>(.*?)</xai:tool_usage_card>`)
	toolNameRe = regexp.MustCompile(`(?s)<xai:tool_name>(.*?)</xai:tool_name>`)
	toolArgsRe = regexp.MustCompile(`(?s)<xai:tool_args>(.*?)</xai:tool_args>`)
)

// toolCardFilter rewrites inline tool usage cards into one-line labels.
// Cards arrive split across arbitrarily many token deltas, so anything
// that might be the start of a card is buffered until the card either
// completes or turns out to be ordinary text.
type toolCardFilter struct {
	buf     strings.Builder
	inCard  bool
	rollout string
	lastOut string
}

func newToolCardFilter() *toolCardFilter {
	return &toolCardFilter{}
}

// SetRollout tags labels with the agent rollout the card belongs to.
func (f *toolCardFilter) SetRollout(id string) {
	f.rollout = id
}

func (f *toolCardFilter) Process(chunk string) string {
	f.buf.WriteString(chunk)
	text := f.buf.String()
	f.buf.Reset()

	var out strings.Builder
	for {
		if f.inCard {
			end := strings.Index(text, toolCardClose)
			if end < 0 {
				// Card still open, keep buffering.
				f.buf.WriteString(text)
				return f.emit(out.String())
			}
			card := text[:end+len(toolCardClose)]
			if o := out.String(); o != "" {
				f.lastOut = o[len(o)-1:]
			}
			out.WriteString(f.renderCard(card))
			text = text[end+len(toolCardClose):]
			f.inCard = false
			continue
		}

		start := strings.Index(text, toolCardOpen)
		if start >= 0 {
			out.WriteString(text[:start])
			text = text[start:]
			f.inCard = true
			f.buf.Reset()
			continue
		}

		// No full opener; hold back a suffix that could be the start of
		// one split across chunks.
		hold := partialSuffix(text, toolCardOpen)
		out.WriteString(text[:len(text)-len(hold)])
		f.buf.WriteString(hold)
		return f.emit(out.String())
	}
}

func (f *toolCardFilter) Flush() string {
	// An unterminated card is dropped; plain buffered text passes.
	rest := f.buf.String()
	f.buf.Reset()
	if f.inCard || strings.HasPrefix(rest, "<xai:") {
		return ""
	}
	return rest
}

// emit tracks the trailing character so labels can force themselves onto
// their own line.
func (f *toolCardFilter) emit(s string) string {
	if s != "" {
		f.lastOut = s[len(s)-1:]
	}
	return s
}

// renderCard turns a complete card into its label line.
func (f *toolCardFilter) renderCard(card string) string {
	m := toolCardRe.FindStringSubmatch(card)
	if m == nil {
		return ""
	}
	inner := m[1]
	if cm := cdataRe.FindStringSubmatch(inner); cm != nil {
		inner = cm[1]
	}

	name, args := parseCard(inner)
	if name == "" {
		return ""
	}

	label := ""
	switch name {
	case "web_search":
		label = "[WebSearch] " + firstString(args, "query", "q")
	case "search_images":
		label = "[SearchImage] " + firstString(args, "image_description", "description", "query")
	case "chatroom_send":
		label = "[AgentThink] " + firstString(args, "message")
	default:
		label = "[" + name + "]"
	}
	if f.rollout != "" {
		label = fmt.Sprintf("[%s]%s", f.rollout, label)
	}

	// Labels sit on their own line.
	prefix := ""
	if f.lastOut != "" && f.lastOut != "\n" {
		prefix = "\n"
	}
	f.lastOut = "\n"
	return prefix + label + "\n"
}

// parseCard extracts the tool name and arguments from a card body. The
// usual form carries <xai:tool_name> and <xai:tool_args> sub-tags; some
// rollouts inline a JSON object instead.
func parseCard(inner string) (string, map[string]any) {
	args := map[string]any{}

	if nm := toolNameRe.FindStringSubmatch(inner); nm != nil {
		name := strings.TrimSpace(nm[1])
		if am := toolArgsRe.FindStringSubmatch(inner); am != nil {
			json.Unmarshal([]byte(strings.TrimSpace(am[1])), &args)
		}
		return name, args
	}

	var payload struct {
		ToolName string          `json:"tool_name"`
		ToolArgs json.RawMessage `json:"tool_args"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(inner)), &payload); err != nil || payload.ToolName == "" {
		return "", nil
	}
	if len(payload.ToolArgs) > 0 {
		// tool_args may be an object or a JSON-encoded string of one.
		if err := json.Unmarshal(payload.ToolArgs, &args); err != nil {
			var nested string
			if json.Unmarshal(payload.ToolArgs, &nested) == nil {
				json.Unmarshal([]byte(nested), &args)
			}
		}
	}
	return payload.ToolName, args
}

func firstString(args map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := args[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// partialSuffix returns the longest suffix of text that is a proper
// prefix of marker.
func partialSuffix(text, marker string) string {
	max := len(marker) - 1
	if max > len(text) {
		max = len(text)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(text, marker[:n]) {
			return text[len(text)-n:]
		}
	}
	return ""
}

// tagDropFilter drops any delta that touches one of the configured tags.
// These tags wrap upstream UI artifacts that have no text rendering.
type tagDropFilter struct {
	tags []string
}

func newTagDropFilter(tags []string) *tagDropFilter {
	return &tagDropFilter{tags: tags}
}

func (f *tagDropFilter) Process(chunk string) string {
	for _, tag := range f.tags {
		if strings.Contains(chunk, "<"+tag) || strings.Contains(chunk, "</"+tag) {
			return ""
		}
	}
	return chunk
}

func (f *tagDropFilter) Flush() string { return "" }

// filterChain runs filters in order, feeding each one's output to the
// next.
type filterChain struct {
	filters []streamFilter
}

func newFilterChain(filters ...streamFilter) *filterChain {
	return &filterChain{filters: filters}
}

func (c *filterChain) Process(chunk string) string {
	for _, f := range c.filters {
		if chunk == "" {
			return ""
		}
		chunk = f.Process(chunk)
	}
	return chunk
}

func (c *filterChain) Flush() string {
	var out strings.Builder
	for i, f := range c.filters {
		text := f.Flush()
		// Flushed text still passes through the rest of the chain.
		for _, g := range c.filters[i+1:] {
			if text == "" {
				break
			}
			text = g.Process(text)
		}
		out.WriteString(text)
	}
	return out.String()
}
