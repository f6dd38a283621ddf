package keypool

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/keymux/keymux/internal/logging"
	"github.com/keymux/keymux/internal/models"
)

// Checker probes configured keys against their providers at startup and
// disables the ones the provider rejects outright. Transient failures are
// left alone; the runtime retry loop will sort those out.
type Checker struct {
	pool   *Pool
	log    *logging.Logger
	client *http.Client

	// Base URLs are overridable for tests.
	OpenAIBase    string
	AnthropicBase string
	PaLMBase      string
}

// NewChecker creates a key checker with production endpoints.
func NewChecker(pool *Pool, logger *logging.Logger) *Checker {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = nil

	return &Checker{
		pool:          pool,
		log:           logger,
		client:        rc.StandardClient(),
		OpenAIBase:    "https://api.openai.com",
		AnthropicBase: "https://api.anthropic.com",
		PaLMBase:      "https://generativelanguage.googleapis.com",
	}
}

// Run probes every key. Returns the number of keys disabled.
func (c *Checker) Run(ctx context.Context) int {
	disabled := 0
	for _, k := range c.pool.Keys(models.ServiceOpenAI) {
		if c.probe(ctx, k, c.openAIRequest) {
			disabled++
		}
	}
	for _, k := range c.pool.Keys(models.ServiceAnthropic) {
		if c.probe(ctx, k, c.anthropicRequest) {
			disabled++
		}
	}
	for _, k := range c.pool.Keys(models.ServiceGooglePaLM) {
		if c.probe(ctx, k, c.palmRequest) {
			disabled++
		}
	}
	// Bedrock credentials are not probed: a SigV4 dry-run call is billable
	// and region-dependent. Bad AWS credentials are caught by the executor
	// on first use and the key disabled then.
	if n := len(c.pool.Keys(models.ServiceAWS)); n > 0 && c.log != nil {
		c.log.Debug().Int("keys", n).Msg("skipping startup probe for aws credentials")
	}
	return disabled
}

// probe returns true when the key was disabled.
func (c *Checker) probe(ctx context.Context, k *Key, build func(context.Context, *Key) (*http.Request, error)) bool {
	req, err := build(ctx, k)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if c.log != nil {
			c.log.Warn().Str("key", k.ID).Err(err).Msg("key probe failed, leaving key enabled")
		}
		return false
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.pool.Disable(k, fmt.Sprintf("startup probe returned %d", resp.StatusCode))
		return true
	case resp.StatusCode >= 500:
		if c.log != nil {
			c.log.Warn().Str("key", k.ID).Int("status", resp.StatusCode).Msg("provider error during key probe")
		}
	}
	return false
}

func (c *Checker) openAIRequest(ctx context.Context, k *Key) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.OpenAIBase+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+k.Secret)
	return req, nil
}

func (c *Checker) anthropicRequest(ctx context.Context, k *Key) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.AnthropicBase+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", k.Secret)
	req.Header.Set("anthropic-version", "2023-06-01")
	return req, nil
}

func (c *Checker) palmRequest(ctx context.Context, k *Key) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, c.PaLMBase+"/v1beta2/models?key="+k.Secret, nil)
}
