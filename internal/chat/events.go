package chat

import (
	"encoding/json"
	"strings"
)

// llmInfo carries the model fingerprint the upstream reports.
type llmInfo struct {
	ModelHash string `json:"modelHash"`
}

// imageProgress is one partial image-generation update.
type imageProgress struct {
	ImageURL   string `json:"imageUrl"`
	Progress   int    `json:"progress"`
	ImageIndex int    `json:"imageIndex"`
}

// cardAttachment carries rich card JSON for render substitution.
type cardAttachment struct {
	ID       string `json:"id"`
	JSONData string `json:"jsonData"`
}

// cardImage pulls the image URL and title out of a card's jsonData. The
// title lives on the image object; older cards put it at the top level.
func cardImage(raw string) (title, url string, ok bool) {
	var data struct {
		Title string `json:"title"`
		Image struct {
			Original string `json:"original"`
			Title    string `json:"title"`
		} `json:"image"`
	}
	if err := json.Unmarshal([]byte(raw), &data); err != nil || data.Image.Original == "" {
		return "", "", false
	}
	title = data.Image.Title
	if title == "" {
		title = data.Title
	}
	return title, data.Image.Original, true
}

// modelResponse is the final message record closing a stream.
type modelResponse struct {
	ResponseID          string          `json:"responseId"`
	Message             string          `json:"message"`
	GeneratedImageURLs  []string        `json:"generatedImageUrls"`
	CardAttachmentsJSON string          `json:"cardAttachmentsJson"`
	Metadata            json.RawMessage `json:"metadata"`
}

func (r *modelResponse) modelHash() string {
	if len(r.Metadata) == 0 {
		return ""
	}
	var meta struct {
		LLMInfo llmInfo `json:"llm_info"`
	}
	if json.Unmarshal(r.Metadata, &meta) != nil {
		return ""
	}
	return meta.LLMInfo.ModelHash
}

// streamEvent is one decoded upstream stream line.
type streamEvent struct {
	Result struct {
		Conversation struct {
			ConversationID string `json:"conversationId"`
		} `json:"conversation"`
		Response struct {
			Token                            string          `json:"token"`
			IsThinking                       bool            `json:"isThinking"`
			ResponseID                       string          `json:"responseId"`
			RolloutID                        string          `json:"rolloutId"`
			LLMInfo                          *llmInfo        `json:"llmInfo"`
			ConversationID                   string          `json:"conversationId"`
			StreamingImageGenerationResponse *imageProgress  `json:"streamingImageGenerationResponse"`
			CardAttachment                   *cardAttachment `json:"cardAttachment"`
			ModelResponse                    *modelResponse  `json:"modelResponse"`
		} `json:"response"`
	} `json:"result"`
}

// normalizeLine strips SSE framing from an upstream line. The second
// return is false when the line carries no event (blank, [DONE]).
func normalizeLine(line string) (string, bool) {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "data:")
	line = strings.TrimSpace(line)
	if line == "" || line == "[DONE]" {
		return "", false
	}
	return line, true
}

// parseEvent decodes a normalized line. Undecodable lines are skipped
// rather than failing the stream.
func parseEvent(line string) (*streamEvent, bool) {
	var ev streamEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return nil, false
	}
	return &ev, true
}

// imageURLKeys are the spellings different upstream payloads use.
var imageURLKeys = []string{"generatedImageUrls", "imageUrls", "imageURLs"}

// extractImageURLs walks an arbitrary JSON value collecting image URL
// lists under any of the known keys, depth first.
func extractImageURLs(raw json.RawMessage) []string {
	var value any
	if json.Unmarshal(raw, &value) != nil {
		return nil
	}
	var out []string
	collectImageURLs(value, &out)
	return out
}

func collectImageURLs(value any, out *[]string) {
	switch v := value.(type) {
	case map[string]any:
		for _, key := range imageURLKeys {
			if list, ok := v[key].([]any); ok {
				for _, item := range list {
					if s, ok := item.(string); ok && s != "" {
						*out = append(*out, s)
					}
				}
			}
		}
		for _, nested := range v {
			collectImageURLs(nested, out)
		}
	case []any:
		for _, item := range v {
			collectImageURLs(item, out)
		}
	}
}
