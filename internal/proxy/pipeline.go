package proxy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/keymux/keymux/internal/config"
	"github.com/keymux/keymux/internal/models"
	"github.com/keymux/keymux/internal/queue"
	"github.com/keymux/keymux/internal/tokenizer"
)

// Draft is the outbound request body being shaped by the pipeline, plus
// the inbound context the stages consult.
type Draft struct {
	Ticket *queue.Ticket

	// Body starts as a copy of the inbound client body and is mutated in
	// place by the stages.
	Body map[string]any

	// Origin and Referer from the inbound request, for origin blocking.
	Origin  string
	Referer string
}

// Stage mutates the draft or rejects the request. A stage error destroys
// the ticket with a terminal failure; the pipeline never retries.
type Stage func(d *Draft) error

// stageError carries the HTTP status a failed stage maps to.
type stageError struct {
	status  int
	message string

	// blockedOrigin marks origin-block rejections so the server can apply
	// the configured redirect regardless of the message text.
	blockedOrigin bool
}

func (e *stageError) Error() string { return e.message }

// StageStatus extracts the HTTP status from a pipeline error. Defaults to
// 400 for plain errors.
func StageStatus(err error) int {
	if se, ok := err.(*stageError); ok {
		return se.status
	}
	return 400
}

// IsOriginBlock reports whether a pipeline error came from the origin
// blocker.
func IsOriginBlock(err error) bool {
	se, ok := err.(*stageError)
	return ok && se.blockedOrigin
}

// Pipeline rewrites the inbound client body into the outbound provider
// shape. It runs once per ticket lifetime, on first admission; retries
// reuse the finalized body.
type Pipeline struct {
	cfg *config.Config

	// disallowed is the content filter's term list. Deliberately short:
	// the filter exists to satisfy deployment policy, not to be a
	// moderation system.
	disallowed []string
}

// NewPipeline creates the per-provider preprocessor chain.
func NewPipeline(cfg *config.Config) *Pipeline {
	return &Pipeline{cfg: cfg}
}

// SetDisallowed replaces the content filter's term list.
func (p *Pipeline) SetDisallowed(fragments []string) {
	p.disallowed = fragments
}

// Run executes the stages in order and finalizes the ticket's outbound
// body. The credential stage is deferred to dispatch time, when the key
// is actually leased.
func (p *Pipeline) Run(d *Draft) error {
	stages := []Stage{
		p.clampOutputTokens,
		p.filterContent,
		p.blockOrigins,
		p.stripIdentifiers,
		p.finalize,
	}
	for _, stage := range stages {
		if err := stage(d); err != nil {
			return err
		}
	}
	return nil
}

// clampOutputTokens caps the requested output tokens to the family limit.
func (p *Pipeline) clampOutputTokens(d *Draft) error {
	limit := p.cfg.MaxOutputTokensFor(d.Ticket.Family)

	requested := limit
	if v, ok := d.Body["max_tokens"].(float64); ok && int(v) > 0 {
		requested = int(v)
	}
	if requested > limit {
		requested = limit
	}
	d.Body["max_tokens"] = requested
	return nil
}

// filterContent rejects disallowed content when REJECT_DISALLOWED is set.
func (p *Pipeline) filterContent(d *Draft) error {
	if !p.cfg.RejectDisallowed {
		return nil
	}
	for _, text := range messageTexts(d.Body) {
		if p.containsDisallowed(text) {
			return &stageError{status: 403, message: p.cfg.RejectMessage}
		}
	}
	return nil
}

// blockOrigins rejects requests from configured origins.
func (p *Pipeline) blockOrigins(d *Draft) error {
	if len(p.cfg.BlockedOrigins) == 0 {
		return nil
	}
	for _, blocked := range p.cfg.BlockedOrigins {
		if blocked == "" {
			continue
		}
		if strings.Contains(d.Origin, blocked) || strings.Contains(d.Referer, blocked) {
			return &stageError{status: 403, message: p.cfg.BlockMessage, blockedOrigin: true}
		}
	}
	return nil
}

// stripIdentifiers removes body fields that would leak the originating
// client's identity to the upstream. Header hygiene is structural: the
// executor builds outbound requests from scratch, so inbound headers
// never propagate.
func (p *Pipeline) stripIdentifiers(d *Draft) error {
	delete(d.Body, "user")
	delete(d.Body, "metadata")
	return nil
}

// finalize converts the draft to the provider wire form, estimates prompt
// tokens, and serializes the outbound body.
func (p *Pipeline) finalize(d *Draft) error {
	t := d.Ticket

	if msgs, ok := d.Body["messages"].([]any); ok {
		t.PromptTokens = tokenizer.EstimateMessages(msgs)
	}

	wire, err := toWireForm(d.Body, t)
	if err != nil {
		return &stageError{status: 400, message: err.Error()}
	}

	raw, err := json.Marshal(wire)
	if err != nil {
		return &stageError{status: 400, message: fmt.Sprintf("request body could not be serialized: %v", err)}
	}
	t.OutboundBody = raw
	return nil
}

// toWireForm translates the OpenAI-shape inbound body into the outbound
// dialect.
func toWireForm(body map[string]any, t *queue.Ticket) (map[string]any, error) {
	temperature, hasTemp := body["temperature"].(float64)

	switch t.OutboundDialect {
	case models.DialectOpenAI:
		out := map[string]any{
			"model":      t.Model,
			"messages":   body["messages"],
			"max_tokens": body["max_tokens"],
		}
		if hasTemp {
			out["temperature"] = temperature
		}
		if t.Stream {
			out["stream"] = true
		}
		return out, nil

	case models.DialectAnthropic:
		msgs, ok := body["messages"].([]any)
		if !ok {
			return nil, fmt.Errorf("messages array is required")
		}
		out := map[string]any{
			"model":      t.Model,
			"messages":   msgs,
			"max_tokens": body["max_tokens"],
		}
		if hasTemp {
			out["temperature"] = temperature
		}
		if t.Stream && t.Service == models.ServiceAnthropic {
			out["stream"] = true
		}
		if t.Service == models.ServiceAWS {
			// Bedrock's anthropic schema still takes a flat prompt.
			wire := map[string]any{
				"prompt":               flattenMessages(msgs) + "\n\nAssistant:",
				"max_tokens_to_sample": body["max_tokens"],
			}
			if hasTemp {
				wire["temperature"] = temperature
			}
			return wire, nil
		}
		return out, nil

	case models.DialectPaLM:
		msgs, ok := body["messages"].([]any)
		if !ok {
			return nil, fmt.Errorf("messages array is required")
		}
		out := map[string]any{
			"prompt": map[string]any{
				"text": flattenMessages(msgs),
			},
			"maxOutputTokens": body["max_tokens"],
		}
		if hasTemp {
			out["temperature"] = temperature
		}
		return out, nil
	}
	return nil, fmt.Errorf("no wire form for dialect %q", t.OutboundDialect)
}

// flattenMessages renders an OpenAI messages array as a single prompt
// transcript for providers without a chat schema.
func flattenMessages(msgs []any) string {
	var b strings.Builder
	for _, m := range msgs {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		content, _ := msg["content"].(string)
		switch role {
		case "assistant":
			b.WriteString("\n\nAssistant: ")
		case "system":
			b.WriteString("\n\n")
		default:
			b.WriteString("\n\nHuman: ")
		}
		b.WriteString(content)
	}
	return b.String()
}

// messageTexts collects the text content of every message in the body.
func messageTexts(body map[string]any) []string {
	msgs, ok := body["messages"].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, m := range msgs {
		if msg, ok := m.(map[string]any); ok {
			if content, ok := msg["content"].(string); ok {
				out = append(out, content)
			}
		}
	}
	return out
}

func (p *Pipeline) containsDisallowed(text string) bool {
	lower := strings.ToLower(text)
	for _, frag := range p.disallowed {
		if frag != "" && strings.Contains(lower, strings.ToLower(frag)) {
			return true
		}
	}
	return false
}
