package upstream

import "strings"

// DefaultDelimiter separates the subject-invariant preamble of a system
// prompt from the per-subject context that follows it.
const DefaultDelimiter = "=== SUBJECT CONTEXT ==="

var ephemeral = &CacheControl{Type: "ephemeral"}

// SplitSystem shapes a system prompt for prompt caching. When delimiter
// occurs after the start of text, the part before it is one cached block and
// the rest, delimiter included, is an uncached block. Otherwise the whole
// prompt is a single cached block. Block texts concatenate back to text.
func SplitSystem(text, delimiter string) []SystemBlock {
	idx := -1
	if delimiter != "" {
		idx = strings.Index(text, delimiter)
	}
	if idx <= 0 {
		return []SystemBlock{{Type: "text", Text: text, CacheControl: ephemeral}}
	}

	return []SystemBlock{
		{Type: "text", Text: text[:idx], CacheControl: ephemeral},
		{Type: "text", Text: text[idx:]},
	}
}

// JoinSystem concatenates block texts.
func JoinSystem(blocks []SystemBlock) string {
	var b strings.Builder
	for _, block := range blocks {
		b.WriteString(block.Text)
	}
	return b.String()
}
