package proxy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/keymux/keymux/internal/config"
	"github.com/keymux/keymux/internal/models"
	"github.com/keymux/keymux/internal/queue"
	"github.com/keymux/keymux/internal/tokenizer"
)

// promptLoggingNote discloses prompt logging to clients when enabled.
const promptLoggingNote = "Prompts on this proxy are logged."

// Normalize transforms a buffered provider-native response into the
// client-facing OpenAI chat completion schema. Same-dialect responses pass
// through, aside from optional augmentations.
func Normalize(t *queue.Ticket, upstream []byte, cfg *config.Config) ([]byte, error) {
	var out map[string]any

	switch t.OutboundDialect {
	case models.DialectOpenAI:
		if err := json.Unmarshal(upstream, &out); err != nil {
			return nil, fmt.Errorf("upstream response is not valid JSON: %w", err)
		}
		// The ticket must carry output tokens even on the passthrough
		// path; quota charging reads them after normalization.
		t.OutputTokens = openAIOutputTokens(out)

	case models.DialectAnthropic:
		content, stopReason, err := anthropicCompletion(upstream)
		if err != nil {
			return nil, err
		}
		t.OutputTokens = tokenizer.EstimateText(content)
		out = chatCompletion(anthropicID(upstream), t, content, stopReason)

	case models.DialectPaLM:
		content, err := palmCompletion(upstream)
		if err != nil {
			return nil, err
		}
		t.OutputTokens = tokenizer.EstimateText(content)
		out = chatCompletion("plm-"+uuid.NewString(), t, content, nil)

	default:
		return nil, fmt.Errorf("no normalizer for dialect %q", t.OutboundDialect)
	}

	augment(out, t, cfg)
	return json.Marshal(out)
}

// chatCompletion assembles an OpenAI-shape completion around the extracted
// content. finishReason nil serializes as JSON null.
func chatCompletion(id string, t *queue.Ticket, content string, finishReason any) map[string]any {
	return map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   t.Model,
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": finishReason,
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     t.PromptTokens,
			"completion_tokens": t.OutputTokens,
			"total_tokens":      t.PromptTokens + t.OutputTokens,
		},
	}
}

// anthropicCompletion extracts the generated text. Both the legacy
// completion shape and the messages content-block shape are accepted.
func anthropicCompletion(raw []byte) (content string, stopReason any, err error) {
	var resp struct {
		Completion string `json:"completion"`
		StopReason string `json:"stop_reason"`
		Content    []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", nil, fmt.Errorf("anthropic response is not valid JSON: %w", err)
	}

	if resp.Completion != "" {
		content = resp.Completion
	} else {
		for _, block := range resp.Content {
			if block.Type == "text" || block.Type == "" {
				content += block.Text
			}
		}
	}
	if resp.StopReason != "" {
		stopReason = mapStopReason(resp.StopReason)
	}
	return content, stopReason, nil
}

// openAIOutputTokens reads usage.completion_tokens from a native OpenAI
// response, estimating from the message content when the upstream omitted
// usage.
func openAIOutputTokens(resp map[string]any) int {
	if usage, ok := resp["usage"].(map[string]any); ok {
		if n, ok := usage["completion_tokens"].(float64); ok && n > 0 {
			return int(n)
		}
	}
	var text string
	if choices, ok := resp["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if message, ok := choice["message"].(map[string]any); ok {
				text, _ = message["content"].(string)
			}
		}
	}
	return tokenizer.EstimateText(text)
}

func anthropicID(raw []byte) string {
	var resp struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(raw, &resp) == nil && resp.ID != "" {
		return resp.ID
	}
	return "ant-" + uuid.NewString()
}

func mapStopReason(anthropic string) string {
	switch anthropic {
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

// palmCompletion extracts candidates[0].output from a generateText
// response.
func palmCompletion(raw []byte) (string, error) {
	var resp struct {
		Candidates []struct {
			Output string `json:"output"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("palm response is not valid JSON: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("palm response contained no candidates")
	}
	return resp.Candidates[0].Output, nil
}

// augment appends optional response fields: the prompt-logging disclosure
// and tokenizer debug info for tickets that asked for it.
func augment(out map[string]any, t *queue.Ticket, cfg *config.Config) {
	if cfg != nil && cfg.PromptLogging {
		out["proxy_note"] = promptLoggingNote
	}
	if t.Debug {
		out["proxy_tokenizer"] = map[string]any{
			"prompt_tokens": t.PromptTokens,
			"output_tokens": t.OutputTokens,
			"estimated":     true,
		}
	}
}

// usageTotal pulls usage.total_tokens from an OpenAI-native response, for
// key usage accounting. Falls back to the ticket's estimates.
func usageTotal(raw []byte, t *queue.Ticket) int {
	var resp struct {
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if json.Unmarshal(raw, &resp) == nil && resp.Usage.TotalTokens > 0 {
		return resp.Usage.TotalTokens
	}
	return t.PromptTokens + t.OutputTokens
}
