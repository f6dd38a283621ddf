package proxy

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/keymux/keymux/internal/config"
	"github.com/keymux/keymux/internal/keypool"
	"github.com/keymux/keymux/internal/logging"
	"github.com/keymux/keymux/internal/providers"
	"github.com/keymux/keymux/internal/queue"
	"github.com/keymux/keymux/internal/tokenizer"
)

// maxErrorBody caps how much of an upstream error body is read for
// classification and forwarding.
const maxErrorBody = 64 * 1024

// Executor drives a ticket from dispatch to a terminal response. Each
// resumption is one upstream attempt; retryable failures put the ticket
// back in the queue with its original start time, so the stall sweep
// bounds the total retry window.
type Executor struct {
	cfg      *config.Config
	queue    *queue.Queue
	pool     *keypool.Pool
	registry *providers.Registry
	client   *http.Client
	log      *logging.Logger
}

// NewExecutor wires the attempt loop's collaborators.
func NewExecutor(cfg *config.Config, q *queue.Queue, pool *keypool.Pool, registry *providers.Registry, client *http.Client, logger *logging.Logger) *Executor {
	return &Executor{
		cfg:      cfg,
		queue:    q,
		pool:     pool,
		registry: registry,
		client:   client,
		log:      logger,
	}
}

// Execute blocks on the ticket's resumptions and runs upstream attempts
// until one is terminal. The ticket must already be enqueued. For streaming
// tickets sse must be open; for buffered tickets it is nil. Returns false
// when the ticket went away without a response (client abort or stall
// eviction); the caller decides what, if anything, to tell the client.
func (e *Executor) Execute(w http.ResponseWriter, t *queue.Ticket, sse *SSEWriter) (delivered bool) {
	for {
		r, ok := t.Resume()
		if !ok {
			return false
		}

		retry := e.attempt(w, t, sse, r.Key)
		if !retry {
			return true
		}

		t.RetryCount++
		if err := e.queue.Enqueue(t); err != nil {
			e.terminalError(w, t, sse, http.StatusInternalServerError, TypeProxyError,
				fmt.Sprintf("request could not be retried: %v", err))
			return true
		}
		if e.log != nil {
			e.log.Info().
				Str("ticket", t.ID).
				Int("retry", t.RetryCount).
				Msg("ticket reenqueued for retry")
		}
	}
}

// attempt runs one upstream call. Returns true when the ticket should be
// reenqueued for another attempt.
func (e *Executor) attempt(w http.ResponseWriter, t *queue.Ticket, sse *SSEWriter, k *keypool.Key) (retry bool) {
	ctx := t.Context()

	req, err := e.registry.BuildRequest(ctx, t, k)
	if err != nil {
		e.terminalError(w, t, sse, http.StatusInternalServerError, TypeProxyError,
			fmt.Sprintf("upstream request could not be built: %v", err))
		return false
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Client went away mid-attempt; nothing to answer.
			return false
		}
		// Socket-level failure: bench the key briefly and try another.
		e.pool.MarkRateLimited(k, t.Family, 0)
		if e.log != nil {
			e.log.Warn().
				Str("ticket", t.ID).
				Str("key", k.ID).
				Err(err).
				Msg("upstream attempt failed at transport level")
		}
		return true
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		e.queue.RecordWait(t)
		return e.succeed(w, t, sse, k, resp)
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	switch classifyUpstream(resp.StatusCode, body) {
	case outcomeRetryDisableKey:
		e.pool.Disable(k, fmt.Sprintf("upstream rejected key: %d %s", resp.StatusCode, truncate(body, 200)))
		return true

	case outcomeRetryRateLimited:
		e.pool.MarkRateLimited(k, t.Family, retryAfterDuration(resp))
		return true

	case outcomeTerminalQuota:
		e.pool.Disable(k, "quota exhausted")
		e.terminalError(w, t, sse, http.StatusTooManyRequests, TypeUpstreamError,
			"the assigned upstream key has exhausted its quota")
		return false

	default:
		e.terminalError(w, t, sse, resp.StatusCode, TypeUpstreamError, truncate(body, 2000))
		return false
	}
}

// succeed handles a 2xx upstream response: stream relay, pseudo-stream, or
// buffered normalization, plus usage accounting.
func (e *Executor) succeed(w http.ResponseWriter, t *queue.Ticket, sse *SSEWriter, k *keypool.Key, resp *http.Response) (retry bool) {
	if t.Stream && providers.SupportsStreaming(t.Service) {
		content, err := RelaySSE(sse, t, resp.Body)
		t.OutputTokens = tokenizer.EstimateText(content)
		e.pool.RecordUsage(k, t.Family, t.PromptTokens+t.OutputTokens)
		if err != nil {
			// The stream is already partially written; the only honest move
			// is an in-band error frame.
			sse.ErrorEvent(TypeProxyError, fmt.Sprintf("upstream stream failed: %v", err))
		}
		return false
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		e.pool.MarkRateLimited(k, t.Family, 0)
		return true
	}

	normalized, err := Normalize(t, body, e.cfg)
	if err != nil {
		e.terminalError(w, t, sse, http.StatusBadGateway, TypeProxyError,
			fmt.Sprintf("upstream response could not be normalized: %v", err))
		return false
	}
	e.pool.RecordUsage(k, t.Family, usageTotal(body, t))

	if t.Stream {
		if err := PseudoStream(sse, t, normalized); err != nil {
			sse.ErrorEvent(TypeProxyError, err.Error())
		}
		return false
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(normalized)
	return false
}

// terminalError delivers a terminal failure on whichever channel is still
// usable: an SSE error event once headers are out, a JSON envelope
// otherwise.
func (e *Executor) terminalError(w http.ResponseWriter, t *queue.Ticket, sse *SSEWriter, status int, typ, message string) {
	if e.log != nil {
		e.log.Error().
			Str("ticket", t.ID).
			Int("status", status).
			Str("type", typ).
			Msg(message)
	}
	if sse != nil && sse.Opened() {
		sse.ErrorEvent(typ, message)
		return
	}
	WriteJSONError(w, status, typ, message)
}

// retryAfterDuration parses a Retry-After header, seconds form only.
func retryAfterDuration(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
