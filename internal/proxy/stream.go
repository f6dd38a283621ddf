package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keymux/keymux/internal/models"
	"github.com/keymux/keymux/internal/queue"
)

// scanBufferSize bounds a single SSE line. Upstream deltas are small, but
// buffered-response replays can carry a whole completion in one frame.
const scanBufferSize = 1 << 20

// SSEWriter frames server-sent events toward the client. It owns the
// response after Open; once headers are out, failures can only be reported
// in-band as error events.
type SSEWriter struct {
	// mu serializes frames: queue heartbeats arrive from the heartbeat
	// goroutine while the executor owns the payload stream.
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher

	// badParser suppresses comment frames and named events for clients
	// whose SSE parsers choke on anything but data frames.
	badParser bool

	opened bool
}

// NewSSEWriter wraps a response writer for SSE output. Returns an error if
// the writer cannot flush, since unflushed SSE is useless.
func NewSSEWriter(w http.ResponseWriter, badParser bool) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &SSEWriter{w: w, flusher: flusher, badParser: badParser}, nil
}

// Open sends the SSE response headers. Called before enqueueing a streaming
// ticket so heartbeats have somewhere to go.
func (s *SSEWriter) Open() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
	s.opened = true
}

// Opened reports whether response headers have been sent.
func (s *SSEWriter) Opened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// Comment emits a keep-alive comment frame. No-op for bad parsers.
func (s *SSEWriter) Comment(text string) {
	if s.badParser {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, ": %s\n\n", text)
	s.flusher.Flush()
}

// Data emits one data frame.
func (s *SSEWriter) Data(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "data: %s\n\n", payload)
	s.flusher.Flush()
}

// Done emits the stream terminator.
func (s *SSEWriter) Done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Write([]byte("data: [DONE]\n\n"))
	s.flusher.Flush()
}

// Heartbeat emits a queue keep-alive: a comment frame carrying the waiting
// position and wait estimate. Bad parsers get nothing; the TCP traffic from
// their missing comments is the cost of their choice.
func (s *SSEWriter) Heartbeat(position int, estimate time.Duration) {
	s.Comment(fmt.Sprintf("queue heartbeat: position %d, est. wait %s", position, estimate.Round(time.Second)))
}

// ErrorEvent reports a mid-stream failure in-band. Compliant clients get a
// named error event; bad parsers get the envelope as a plain data frame.
func (s *SSEWriter) ErrorEvent(typ, message string) {
	raw, _ := json.Marshal(Envelope{Type: typ, Message: message})
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.badParser {
		fmt.Fprintf(s.w, "event: error\ndata: %s\n\n", raw)
	} else {
		fmt.Fprintf(s.w, "data: %s\n\n", raw)
	}
	s.flusher.Flush()
}

// DiagnosticHeartbeat emits a well-formed empty chunk instead of a comment
// frame, so SSE plumbing can be verified end to end with a real event.
// Suppressed for bad parsers like every other non-payload frame.
func (s *SSEWriter) DiagnosticHeartbeat(t *queue.Ticket) {
	if s.badParser {
		return
	}
	s.Data(chatChunk("hb-"+t.ID, t.Model, "", nil))
}

// chatChunk builds an OpenAI streaming chunk. finishReason nil serializes
// as JSON null; the delta is omitted entirely for the finish frame.
func chatChunk(id, model, content string, finishReason any) []byte {
	delta := map[string]any{}
	if content != "" {
		delta["content"] = content
	}
	raw, _ := json.Marshal(map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []any{
			map[string]any{
				"index":         0,
				"delta":         delta,
				"finish_reason": finishReason,
			},
		},
	})
	return raw
}

// RelaySSE forwards an upstream SSE body to the client, translating
// provider-native event shapes to OpenAI chunks. Returns the assembled
// completion text for token accounting.
func RelaySSE(s *SSEWriter, t *queue.Ticket, upstream io.Reader) (string, error) {
	switch t.OutboundDialect {
	case models.DialectOpenAI:
		return relayOpenAI(s, upstream)
	case models.DialectAnthropic:
		return relayAnthropic(s, t, upstream)
	}
	return "", fmt.Errorf("no stream relay for dialect %q", t.OutboundDialect)
}

// relayOpenAI passes chunks through verbatim, tapping each delta for the
// accounting tally.
func relayOpenAI(s *SSEWriter, upstream io.Reader) (string, error) {
	var content strings.Builder
	sawDone := false

	err := scanSSE(upstream, func(event, data string) {
		if data == "[DONE]" {
			sawDone = true
			s.Done()
			return
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if json.Unmarshal([]byte(data), &chunk) == nil && len(chunk.Choices) > 0 {
			content.WriteString(chunk.Choices[0].Delta.Content)
		}
		s.Data([]byte(data))
	})
	if err != nil {
		return content.String(), err
	}
	if !sawDone {
		s.Done()
	}
	return content.String(), nil
}

// relayAnthropic translates anthropic stream events into OpenAI chunks. The
// messages shape delivers text via content_block_delta; the legacy
// completion shape sends cumulative-free completion fragments directly.
func relayAnthropic(s *SSEWriter, t *queue.Ticket, upstream io.Reader) (string, error) {
	id := "ant-" + uuid.NewString()
	var content strings.Builder

	err := scanSSE(upstream, func(event, data string) {
		switch event {
		case "content_block_delta":
			var ev struct {
				Delta struct {
					Text string `json:"text"`
				} `json:"delta"`
			}
			if json.Unmarshal([]byte(data), &ev) != nil || ev.Delta.Text == "" {
				return
			}
			content.WriteString(ev.Delta.Text)
			s.Data(chatChunk(id, t.Model, ev.Delta.Text, nil))

		case "completion":
			var ev struct {
				Completion string `json:"completion"`
			}
			if json.Unmarshal([]byte(data), &ev) != nil || ev.Completion == "" {
				return
			}
			content.WriteString(ev.Completion)
			s.Data(chatChunk(id, t.Model, ev.Completion, nil))

		case "message_stop":
			// finish chunk emitted below, after the scan ends
		}
	})
	if err != nil {
		return content.String(), err
	}

	s.Data(chatChunk(id, t.Model, "", "stop"))
	s.Done()
	return content.String(), nil
}

// PseudoStream replays a buffered, already-normalized completion as a
// single-chunk stream, for streaming clients on buffered upstreams.
func PseudoStream(s *SSEWriter, t *queue.Ticket, normalized []byte) error {
	var resp struct {
		ID      string `json:"id"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(normalized, &resp); err != nil {
		return fmt.Errorf("normalized response is not valid JSON: %w", err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("normalized response contained no choices")
	}

	s.Data(chatChunk(resp.ID, t.Model, resp.Choices[0].Message.Content, nil))
	s.Data(chatChunk(resp.ID, t.Model, "", "stop"))
	s.Done()
	return nil
}

// scanSSE walks an SSE byte stream and invokes fn once per event with the
// event name (empty for bare data frames) and the joined data payload.
func scanSSE(r io.Reader, fn func(event, data string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)

	var event string
	var data []string

	flush := func() {
		if len(data) > 0 {
			fn(event, strings.Join(data, "\n"))
		}
		event = ""
		data = nil
	}

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			// comment frame, dropped
		case strings.HasPrefix(line, "event:"):
			event = stripFieldValue(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, stripFieldValue(strings.TrimPrefix(line, "data:")))
		}
	}
	flush()
	return scanner.Err()
}

// stripFieldValue removes exactly one leading space from an SSE field value.
// The wire format allows one optional space after the colon; anything beyond
// it belongs to the payload.
func stripFieldValue(v string) string {
	return strings.TrimPrefix(v, " ")
}
