package providers

import (
	"context"
	"strings"
	"testing"

	"github.com/keymux/keymux/internal/config"
	"github.com/keymux/keymux/internal/keypool"
	"github.com/keymux/keymux/internal/models"
	"github.com/keymux/keymux/internal/queue"
)

func leaseFor(t *testing.T, cfg *config.Config, f models.Family) *keypool.Key {
	t.Helper()
	k := keypool.New(cfg, nil).Lease(f)
	if k == nil {
		t.Fatal("no key leased")
	}
	return k
}

func TestOpenAIRequestShape(t *testing.T) {
	r := NewRegistry()
	k := leaseFor(t, &config.Config{OpenAIKeys: []string{"sk-test"}}, models.FamilyTurbo)

	tk := queue.NewTicket(context.Background(), "a", false, models.ServiceOpenAI, "gpt-3.5-turbo", nil, false)
	tk.OutboundBody = []byte(`{"model":"gpt-3.5-turbo"}`)

	req, err := r.BuildRequest(context.Background(), tk, k)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	if req.URL.Path != "/v1/chat/completions" {
		t.Errorf("path = %s, want /v1/chat/completions", req.URL.Path)
	}
	if req.Header.Get("Authorization") != "Bearer sk-test" {
		t.Errorf("Authorization = %q", req.Header.Get("Authorization"))
	}
	if req.ContentLength != int64(len(tk.OutboundBody)) {
		t.Errorf("ContentLength = %d, want %d", req.ContentLength, len(tk.OutboundBody))
	}
}

func TestAnthropicRequestHeaders(t *testing.T) {
	r := NewRegistry()
	k := leaseFor(t, &config.Config{AnthropicKeys: []string{"sk-ant"}}, models.FamilyClaude)

	tk := queue.NewTicket(context.Background(), "a", false, models.ServiceAnthropic, "claude-2", nil, true)
	tk.OutboundBody = []byte(`{}`)

	req, err := r.BuildRequest(context.Background(), tk, k)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	if req.URL.Path != "/v1/messages" {
		t.Errorf("path = %s, want /v1/messages", req.URL.Path)
	}
	if req.Header.Get("x-api-key") != "sk-ant" {
		t.Error("missing x-api-key header")
	}
	if req.Header.Get("anthropic-version") == "" {
		t.Error("missing anthropic-version header")
	}
	if req.Header.Get("Accept") != "text/event-stream" {
		t.Error("streaming request should accept event-stream")
	}
}

func TestPaLMPathRewrite(t *testing.T) {
	r := NewRegistry()
	k := leaseFor(t, &config.Config{GooglePaLMKeys: []string{"palm-secret"}}, models.FamilyBison)

	tk := queue.NewTicket(context.Background(), "a", false, models.ServiceGooglePaLM, "text-bison-001", nil, false)
	tk.OutboundBody = []byte(`{}`)

	req, err := r.BuildRequest(context.Background(), tk, k)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	if !strings.Contains(req.URL.Path, "/v1beta2/models/text-bison-001:generateText") {
		t.Errorf("path = %s, want generateText rewrite", req.URL.Path)
	}
	if req.URL.Query().Get("key") != "palm-secret" {
		t.Error("palm key should travel as a query parameter")
	}
	if req.Header.Get("Authorization") != "" {
		t.Error("palm requests must not carry an Authorization header")
	}
}

func TestAWSRequestIsSigned(t *testing.T) {
	r := NewRegistry()
	k := leaseFor(t, &config.Config{
		AWSCredentials: []config.AWSCredential{
			{AccessKeyID: "AKIAEXAMPLE", SecretAccessKey: "secret", Region: "us-east-1"},
		},
	}, models.FamilyAWSClaude)

	tk := queue.NewTicket(context.Background(), "a", false, models.ServiceAWS, "anthropic.claude-v2", nil, false)
	tk.OutboundBody = []byte(`{"prompt":"x"}`)

	req, err := r.BuildRequest(context.Background(), tk, k)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	if req.URL.Host != "bedrock-runtime.us-east-1.amazonaws.com" {
		t.Errorf("host = %s, want region-prefixed bedrock endpoint", req.URL.Host)
	}
	if !strings.Contains(req.URL.Path, "/model/anthropic.claude-v2/invoke") {
		t.Errorf("path = %s, want bedrock invoke path", req.URL.Path)
	}
	auth := req.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256") {
		t.Errorf("Authorization = %q, want SigV4 signature", auth)
	}
	if !strings.Contains(auth, "AKIAEXAMPLE") {
		t.Error("signature should reference the access key id")
	}
}

func TestStreamingSupportByService(t *testing.T) {
	if !SupportsStreaming(models.ServiceOpenAI) || !SupportsStreaming(models.ServiceAnthropic) {
		t.Error("openai and anthropic stream SSE")
	}
	if SupportsStreaming(models.ServiceGooglePaLM) || SupportsStreaming(models.ServiceAWS) {
		t.Error("palm and aws are buffered upstreams")
	}
}
