// Package providers builds outbound upstream requests: per-provider path
// rewriting, credential attachment, and request signing.
package providers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/keymux/keymux/internal/keypool"
	"github.com/keymux/keymux/internal/models"
	"github.com/keymux/keymux/internal/queue"
)

// anthropicVersion is the API version header Anthropic requires.
const anthropicVersion = "2023-06-01"

// Registry resolves upstream endpoints. Base URLs are overridable so tests
// can point adapters at local doubles.
type Registry struct {
	OpenAIBase    string
	AnthropicBase string
	PaLMBase      string

	// AWSBaseOverride replaces the region-derived Bedrock endpoint when
	// set. Tests only.
	AWSBaseOverride string

	signer *v4.Signer
}

// NewRegistry creates a registry with production endpoints.
func NewRegistry() *Registry {
	return &Registry{
		OpenAIBase:    "https://api.openai.com",
		AnthropicBase: "https://api.anthropic.com",
		PaLMBase:      "https://generativelanguage.googleapis.com",
		signer:        v4.NewSigner(),
	}
}

// BuildRequest constructs a fresh upstream request for one attempt. The
// executor calls it per attempt, so a retried ticket never reuses a
// network stream.
func (r *Registry) BuildRequest(ctx context.Context, t *queue.Ticket, k *keypool.Key) (*http.Request, error) {
	switch t.Service {
	case models.ServiceOpenAI:
		return r.openAIRequest(ctx, t, k)
	case models.ServiceAnthropic:
		return r.anthropicRequest(ctx, t, k)
	case models.ServiceGooglePaLM:
		return r.palmRequest(ctx, t, k)
	case models.ServiceAWS:
		return r.awsRequest(ctx, t, k)
	}
	return nil, fmt.Errorf("no adapter for service %q", t.Service)
}

func (r *Registry) openAIRequest(ctx context.Context, t *queue.Ticket, k *keypool.Key) (*http.Request, error) {
	req, err := newJSONRequest(ctx, r.OpenAIBase+"/v1/chat/completions", t.OutboundBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+k.Secret)
	if t.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	return req, nil
}

func (r *Registry) anthropicRequest(ctx context.Context, t *queue.Ticket, k *keypool.Key) (*http.Request, error) {
	req, err := newJSONRequest(ctx, r.AnthropicBase+"/v1/messages", t.OutboundBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", k.Secret)
	req.Header.Set("anthropic-version", anthropicVersion)
	if t.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	return req, nil
}

// palmRequest rewrites the canonical client path to PaLM's generateText
// form: /v1beta2/models/{model}:generateText, with the key as a query
// parameter rather than a header.
func (r *Registry) palmRequest(ctx context.Context, t *queue.Ticket, k *keypool.Key) (*http.Request, error) {
	endpoint := fmt.Sprintf("%s/v1beta2/models/%s:generateText?key=%s",
		r.PaLMBase, url.PathEscape(t.Model), url.QueryEscape(k.Secret))
	return newJSONRequest(ctx, endpoint, t.OutboundBody)
}

// SupportsStreaming reports whether a service can stream SSE to us. PaLM's
// generateText and Bedrock's invoke are buffered; streaming clients on
// those services get the buffered result replayed as a single chunk.
func SupportsStreaming(s models.Service) bool {
	return s == models.ServiceOpenAI || s == models.ServiceAnthropic
}

// awsRequest targets the region-prefixed Bedrock invoke path and signs the
// request with SigV4.
func (r *Registry) awsRequest(ctx context.Context, t *queue.Ticket, k *keypool.Key) (*http.Request, error) {
	base := r.AWSBaseOverride
	if base == "" {
		base = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", k.Region)
	}
	path := fmt.Sprintf("/model/%s/invoke", url.PathEscape(t.Model))

	req, err := newJSONRequest(ctx, base+path, t.OutboundBody)
	if err != nil {
		return nil, err
	}

	provider := credentials.NewStaticCredentialsProvider(k.Secret, k.AWSSecretKey, "")
	creds, err := provider.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("aws credentials: %w", err)
	}

	sum := sha256.Sum256(t.OutboundBody)
	if err := r.signer.SignHTTP(ctx, creds, req, hex.EncodeToString(sum[:]), "bedrock", k.Region, time.Now()); err != nil {
		return nil, fmt.Errorf("sigv4 sign: %w", err)
	}
	return req, nil
}

func newJSONRequest(ctx context.Context, endpoint string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	req.ContentLength = int64(len(body))
	return req, nil
}
