package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keymux/keymux/internal/config"
	"github.com/keymux/keymux/internal/dispatch"
	"github.com/keymux/keymux/internal/gatekeeper"
	"github.com/keymux/keymux/internal/keypool"
	"github.com/keymux/keymux/internal/models"
	"github.com/keymux/keymux/internal/providers"
	"github.com/keymux/keymux/internal/proxy"
	"github.com/keymux/keymux/internal/queue"
)

// stack is a full proxy wired against a stub upstream, with a fast
// dispatcher tick.
type stack struct {
	srv      *Server
	queue    *queue.Queue
	pool     *keypool.Pool
	registry *providers.Registry
	http     *httptest.Server
}

func newStack(t *testing.T, cfg *config.Config, upstreamURL string) *stack {
	t.Helper()

	q := queue.New(nil)
	pool := keypool.New(cfg, nil)
	gate := gatekeeper.New(cfg, gatekeeper.NewMemoryStore(), nil)
	pipe := proxy.NewPipeline(cfg)

	registry := providers.NewRegistry()
	registry.OpenAIBase = upstreamURL
	registry.AnthropicBase = upstreamURL
	registry.PaLMBase = upstreamURL

	exec := proxy.NewExecutor(cfg, q, pool, registry, &http.Client{Timeout: 10 * time.Second}, nil)
	srv := New(cfg, nil, q, pool, gate, pipe, exec)

	ctx, cancel := context.WithCancel(context.Background())
	d := dispatch.New(q, pool, nil)
	go func() {
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.Tick()
			case <-ctx.Done():
				return
			}
		}
	}()

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return &stack{srv: srv, queue: q, pool: pool, registry: registry, http: ts}
}

func postCompletion(t *testing.T, s *stack, provider, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", s.http.URL+"/"+provider+"/v1/chat/completions", strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	return resp
}

func TestBasicOpenAIPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"hello"}}],"usage":{"total_tokens":9}}`))
	}))
	defer upstream.Close()

	s := newStack(t, &config.Config{Gatekeeper: "none", OpenAIKeys: []string{"sk-1"}}, upstream.URL)

	resp := postCompletion(t, s, "openai", `{"model":"gpt-3.5-turbo","messages":[{"role":"user","content":"hi"}]}`, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["object"] != "chat.completion" {
		t.Errorf("object = %v", out["object"])
	}

	if s.queue.Estimator().Len() != 1 {
		t.Errorf("wait samples = %d, want 1", s.queue.Estimator().Len())
	}
	usage := s.pool.Usage(models.FamilyTurbo)
	if len(usage) != 1 || usage[0].Requests != 1 {
		t.Errorf("key usage = %+v, want one recorded request", usage)
	}
	if usage[0].Tokens != 9 {
		t.Errorf("tokens = %d, want upstream usage total", usage[0].Tokens)
	}
}

func TestBlockedOriginRedirectsEvenWithSharedMessage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("blocked request must never reach the upstream")
	}))
	defer upstream.Close()

	s := newStack(t, &config.Config{
		Gatekeeper:     "none",
		OpenAIKeys:     []string{"sk-1"},
		BlockedOrigins: []string{"evil.example"},
		BlockMessage:   "not allowed",
		RejectMessage:  "not allowed",
		BlockRedirect:  "https://example.com/elsewhere",
	}, upstream.URL)

	req, err := http.NewRequest("POST", s.http.URL+"/openai/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-3.5-turbo","messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://evil.example")

	client := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "https://example.com/elsewhere" {
		t.Errorf("Location = %q", loc)
	}
}

func TestRateLimitedUpstreamRetriesInvisibly(t *testing.T) {
	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"rate limit reached"}}`))
			return
		}
		w.Write([]byte(`{"id":"chatcmpl-2","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"second try"}}]}`))
	}))
	defer upstream.Close()

	s := newStack(t, &config.Config{Gatekeeper: "none", OpenAIKeys: []string{"sk-1"}}, upstream.URL)

	start := time.Now()
	resp := postCompletion(t, s, "openai", `{"model":"gpt-3.5-turbo","messages":[{"role":"user","content":"hi"}]}`, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if !strings.Contains(readAll(t, resp.Body), "second try") {
		t.Error("client should only see the successful attempt")
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("upstream calls = %d, want 2", calls)
	}
	// The Retry-After lockout must actually delay the second attempt.
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("elapsed = %s, want the 1s lockout honored", elapsed)
	}
}

func TestIdentityCapRejectsSecondRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"object":"chat.completion","choices":[]}`))
	}))
	defer upstream.Close()

	s := newStack(t, &config.Config{Gatekeeper: "none", OpenAIKeys: []string{"sk-1"}}, upstream.URL)

	// Bench the only key so the first request stays queued.
	key := s.pool.Lease(models.FamilyTurbo)
	if key == nil {
		t.Fatal("no key to bench")
	}
	s.pool.MarkRateLimited(key, models.FamilyTurbo, time.Minute)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		req, _ := http.NewRequestWithContext(firstCtx, "POST",
			s.http.URL+"/openai/v1/chat/completions",
			strings.NewReader(`{"model":"gpt-3.5-turbo","messages":[{"role":"user","content":"hi"}]}`))
		req.Header.Set("X-Forwarded-For", "1.2.3.4")
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
		}
	}()

	waitFor(t, func() bool { return s.queue.Len(models.FamilyTurbo) == 1 })

	resp := postCompletion(t, s, "openai",
		`{"model":"gpt-3.5-turbo","messages":[{"role":"user","content":"hi again"}]}`,
		map[string]string{"X-Forwarded-For": "1.2.3.4"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	var env proxy.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != proxy.TypeProxyError {
		t.Errorf("type = %q, want proxy_error", env.Type)
	}
	if !strings.Contains(env.Message, "already has a request in the queue") {
		t.Errorf("message = %q", env.Message)
	}

	cancelFirst()
	<-firstDone
}

func TestPaLMNormalizationEndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":generateText") {
			t.Errorf("upstream path = %s, want generateText rewrite", r.URL.Path)
		}
		w.Write([]byte(`{"candidates":[{"output":"pong"}]}`))
	}))
	defer upstream.Close()

	s := newStack(t, &config.Config{Gatekeeper: "none", GooglePaLMKeys: []string{"palm-1"}}, upstream.URL)

	resp := postCompletion(t, s, "google-palm", `{"model":"text-bison-001","messages":[{"role":"user","content":"ping"}],"stream":false}`, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["object"] != "chat.completion" {
		t.Errorf("object = %v", out["object"])
	}
	id, _ := out["id"].(string)
	if !strings.HasPrefix(id, "plm-") {
		t.Errorf("id = %q, want plm- prefix", id)
	}
	content := out["choices"].([]any)[0].(map[string]any)["message"].(map[string]any)["content"]
	if content != "pong" {
		t.Errorf("content = %v, want pong", content)
	}
}

func TestStallTimeoutDuringStreamingWait(t *testing.T) {
	s := newStack(t, &config.Config{Gatekeeper: "none", OpenAIKeys: []string{"sk-1"}}, "http://unreachable.invalid")

	// Bench the only key so the streaming ticket waits.
	key := s.pool.Lease(models.FamilyTurbo)
	s.pool.MarkRateLimited(key, models.FamilyTurbo, time.Hour)

	req, _ := http.NewRequest("POST", s.http.URL+"/openai/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-3.5-turbo","messages":[{"role":"user","content":"hi"}],"stream":true}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want SSE channel opened during wait", ct)
	}

	waitFor(t, func() bool { return s.queue.Len(models.FamilyTurbo) == 1 })

	// Jump the queue clock past the stall age and sweep.
	s.queue.SetClock(func() time.Time { return time.Now().Add(queue.StallAge + time.Minute) })
	if evicted := s.queue.Sweep(); evicted != 1 {
		t.Fatalf("Sweep = %d, want 1 eviction", evicted)
	}

	reader := bufio.NewReader(resp.Body)
	deadline := time.Now().Add(5 * time.Second)
	var sawError bool
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if strings.Contains(line, "terminated by the proxy") {
			sawError = true
			break
		}
	}
	if !sawError {
		t.Error("client should receive an SSE error frame mentioning proxy termination")
	}
	if s.queue.TotalLen() != 0 {
		t.Error("swept ticket should be gone from the queue")
	}
}

func TestModelListEndpoint(t *testing.T) {
	s := newStack(t, &config.Config{Gatekeeper: "none", OpenAIKeys: []string{"sk-1"}}, "http://unused.invalid")

	resp, err := http.Get(s.http.URL + "/openai/v1/models")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	var list models.List
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Object != "list" || len(list.Data) == 0 {
		t.Errorf("list = %+v, want populated OpenAI-shape list", list)
	}
}

func TestMissingV1PrefixIsRewritten(t *testing.T) {
	s := newStack(t, &config.Config{Gatekeeper: "none", OpenAIKeys: []string{"sk-1"}}, "http://unused.invalid")

	resp, err := http.Get(s.http.URL + "/openai/models")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 via prefix rewrite", resp.StatusCode)
	}
}

func TestBrowserRedirectAndAPINotFound(t *testing.T) {
	s := newStack(t, &config.Config{Gatekeeper: "none", OpenAIKeys: []string{"sk-1"}}, "http://unused.invalid")

	client := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	req, _ := http.NewRequest("GET", s.http.URL+"/openai/some/page", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64)")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/" {
		t.Errorf("browser: status = %d location = %q, want 302 to /", resp.StatusCode, resp.Header.Get("Location"))
	}

	req, _ = http.NewRequest("GET", s.http.URL+"/openai/some/page", nil)
	req.Header.Set("User-Agent", "curl/8.0")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("api: status = %d, want 404", resp.StatusCode)
	}
}

func TestUnknownModelFamilyWithoutKeys(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	s := newStack(t, &config.Config{Gatekeeper: "none", OpenAIKeys: []string{"sk-1"}}, upstream.URL)

	resp := postCompletion(t, s, "anthropic", `{"model":"claude-2","messages":[{"role":"user","content":"hi"}]}`, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when no key serves the family", resp.StatusCode)
	}
}

func readAll(t *testing.T, r io.Reader) string {
	t.Helper()
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return string(b)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
