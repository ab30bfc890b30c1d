package conversation

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/grokgate/grokgate/internal/oai"
)

// HistoryHash fingerprints a message history so a follow-up request can
// be matched to the conversation that produced it. Only system and user
// lines participate; assistant turns merely mark that the history has a
// reply. With excludeLastUser the trailing user line is dropped when a
// reply exists, which makes "previous history + new question" hash to
// the stored value.
func HistoryHash(messages []oai.Message, excludeLastUser bool) string {
	var lines []string
	hasAssistant := false
	for _, m := range messages {
		switch m.Role {
		case "system":
			lines = append(lines, "system:"+m.Text())
		case "user":
			lines = append(lines, "user:"+m.Text())
		case "assistant":
			hasAssistant = true
		}
	}
	if excludeLastUser && hasAssistant {
		for i := len(lines) - 1; i >= 0; i-- {
			if strings.HasPrefix(lines[i], "user:") {
				lines = append(lines[:i], lines[i+1:]...)
				break
			}
		}
	}
	if len(lines) == 0 {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])[:16]
}
