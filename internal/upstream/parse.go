package upstream

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fenceRe = regexp.MustCompile("```json\\n?|\\n?```")

type fallbackMessage struct {
	Text   string `json:"text"`
	Action string `json:"action"`
}

// ParseReply turns completion text into structured data. It never fails:
// text that holds no JSON comes back as a single message, flagged Degraded.
func ParseReply(text string) Reply {
	cleaned := strings.TrimSpace(fenceRe.ReplaceAllString(text, ""))
	if cleaned != "" && json.Valid([]byte(cleaned)) {
		return Reply{Data: json.RawMessage(cleaned)}
	}

	// Second chance: the outermost {...} block.
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			candidate := text[start : end+1]
			if json.Valid([]byte(candidate)) {
				return Reply{Data: json.RawMessage(candidate)}
			}
		}
	}

	data, _ := json.Marshal(struct {
		Messages []fallbackMessage `json:"messages"`
	}{
		Messages: []fallbackMessage{{Text: cleaned, Action: "message"}},
	})
	return Reply{Data: data, Degraded: true}
}
