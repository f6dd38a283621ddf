// Package tokenizer provides cheap token-count estimates. The proxy treats
// rate limits as opaque lockout windows, so counts only need to be good
// enough for quota clamps and usage telemetry, not billing.
package tokenizer

import "unicode/utf8"

// charsPerToken is the usual BPE average for English prose.
const charsPerToken = 4

// EstimateText estimates the token count of a single string.
func EstimateText(s string) int {
	if s == "" {
		return 0
	}
	n := utf8.RuneCountInString(s)
	tokens := n / charsPerToken
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

// EstimateMessages estimates the prompt token count of an OpenAI-style
// messages array as parsed from JSON. Non-conforming entries count zero.
func EstimateMessages(messages []any) int {
	total := 0
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		if content, ok := msg["content"].(string); ok {
			// Role and framing overhead runs a few tokens per message.
			total += EstimateText(content) + 4
		}
	}
	return total
}
