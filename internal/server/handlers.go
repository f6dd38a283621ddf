package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keymux/keymux/internal/gatekeeper"
	"github.com/keymux/keymux/internal/models"
	"github.com/keymux/keymux/internal/proxy"
	"github.com/keymux/keymux/internal/queue"
)

// stallMessage is the terminal response for tickets evicted by the sweep.
const stallMessage = "request terminated by the proxy: no upstream key became available before the queue timeout"

// handleRoot serves a small JSON status page: title, uptime, and queue
// depth with wait estimates per family.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	type familyStatus struct {
		Queued        int    `json:"queued"`
		EstimatedWait string `json:"estimated_wait"`
	}
	status := map[string]any{
		"title":  s.cfg.ServerTitle,
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	families := map[string]familyStatus{}
	for _, fam := range models.AllFamilies() {
		if !s.pool.HasKeysFor(fam) {
			continue
		}
		families[string(fam)] = familyStatus{
			Queued:        s.queue.Len(fam),
			EstimatedWait: s.queue.Estimator().Estimate(fam).Round(time.Second).String(),
		}
	}
	status["families"] = families

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

// handleModels serves the OpenAI-shape model list for a provider, cached
// for modelListTTL.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	service, ok := parseProvider(chi.URLParam(r, "provider"))
	if !ok {
		s.handleFallback(w, r)
		return
	}

	s.mu.Lock()
	cached, hit := s.modelCache[service]
	if !hit || time.Now().After(cached.expires) {
		body, err := json.Marshal(models.Catalog(service, s.cfg.AllowedModelFamilies))
		if err != nil {
			s.mu.Unlock()
			proxy.WriteJSONError(w, http.StatusInternalServerError, proxy.TypeProxyError, "model list unavailable")
			return
		}
		cached = cachedList{body: body, expires: time.Now().Add(modelListTTL)}
		s.modelCache[service] = cached
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Write(cached.body)
}

// handleCompletion is the chat completion endpoint: admission, preprocessing,
// queueing, and execution.
func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	service, ok := parseProvider(chi.URLParam(r, "provider"))
	if !ok {
		s.handleFallback(w, r)
		return
	}

	var body map[string]any
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		proxy.WriteJSONError(w, http.StatusBadRequest, proxy.TypeProxyError, "request body must be valid JSON")
		return
	}

	model, _ := body["model"].(string)
	if model == "" {
		proxy.WriteJSONError(w, http.StatusBadRequest, proxy.TypeProxyError, "model is required")
		return
	}
	stream, _ := body["stream"].(bool)

	family := models.Partition(service, model)
	if !s.cfg.FamilyAllowed(family) {
		proxy.WriteJSONError(w, http.StatusForbidden, proxy.TypeProxyError, "this model family is not enabled")
		return
	}
	if !s.pool.HasKeysFor(family) {
		proxy.WriteJSONError(w, http.StatusServiceUnavailable, proxy.TypeProxyError, "no keys are configured for this model")
		return
	}

	identity, err := s.gate.Admit(r, remoteIP(r), family)
	if err != nil {
		s.writeAdmitError(w, err)
		return
	}
	if !s.limits.Allow(identity.ID) {
		proxy.WriteJSONError(w, http.StatusTooManyRequests, proxy.TypeProxyError, "rate limit exceeded; slow down")
		return
	}

	t := queue.NewTicket(r.Context(), identity.ID, identity.Shared, service, model, body, stream)
	t.BadSSEParser = r.URL.Query().Get("badSseParser") == "true"
	t.Debug = r.URL.Query().Get("debug") == "true"

	draft := &proxy.Draft{
		Ticket:  t,
		Body:    body,
		Origin:  r.Header.Get("Origin"),
		Referer: r.Header.Get("Referer"),
	}
	if err := s.pipe.Run(draft); err != nil {
		if s.cfg.BlockRedirect != "" && proxy.IsOriginBlock(err) {
			http.Redirect(w, r, s.cfg.BlockRedirect, http.StatusFound)
			return
		}
		proxy.WriteJSONError(w, proxy.StageStatus(err), proxy.TypeRewritingError, err.Error())
		return
	}

	// Streaming clients get their SSE channel before queueing so heartbeats
	// have somewhere to go during the wait.
	var sse *proxy.SSEWriter
	if stream {
		sse, err = proxy.NewSSEWriter(w, t.BadSSEParser)
		if err != nil {
			proxy.WriteJSONError(w, http.StatusInternalServerError, proxy.TypeProxyError, err.Error())
			return
		}
		sse.Open()
		if t.Debug {
			t.OnHeartbeat = func(position int, estimate time.Duration) {
				sse.DiagnosticHeartbeat(t)
			}
		} else {
			t.OnHeartbeat = sse.Heartbeat
		}
	}

	timedOut := make(chan struct{})
	t.OnTimeout = func() { close(timedOut) }

	if err := s.queue.Enqueue(t); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, queue.ErrTooManyQueued) {
			status = http.StatusTooManyRequests
		}
		if sse != nil {
			sse.ErrorEvent(proxy.TypeProxyError, err.Error())
			return
		}
		proxy.WriteJSONError(w, status, proxy.TypeProxyError, err.Error())
		return
	}

	delivered := s.exec.Execute(w, t, sse)
	if !delivered {
		if r.Context().Err() != nil {
			// Client went away; nobody is listening.
			return
		}
		// Stall eviction: the sweep signals OnTimeout right after closing
		// the resume channel.
		select {
		case <-timedOut:
		case <-time.After(5 * time.Second):
		}
		if sse != nil && sse.Opened() {
			sse.ErrorEvent(proxy.TypeProxyError, stallMessage)
		} else {
			proxy.WriteJSONError(w, http.StatusInternalServerError, proxy.TypeProxyError, stallMessage)
		}
		return
	}

	s.gate.RecordUsage(context.Background(), identity, family, t.PromptTokens+t.OutputTokens)
}

// writeAdmitError maps gatekeeper failures to HTTP statuses.
func (s *Server) writeAdmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gatekeeper.ErrMissingCredential), errors.Is(err, gatekeeper.ErrBadCredential):
		proxy.WriteJSONError(w, http.StatusUnauthorized, proxy.TypeProxyError, err.Error())
	case errors.Is(err, gatekeeper.ErrTooManyIPs):
		proxy.WriteJSONError(w, http.StatusForbidden, proxy.TypeProxyError, err.Error())
	case errors.Is(err, gatekeeper.ErrQuotaExceeded):
		proxy.WriteJSONError(w, http.StatusTooManyRequests, proxy.TypeProxyError, err.Error())
	default:
		proxy.WriteJSONError(w, http.StatusInternalServerError, proxy.TypeProxyError, "admission failed")
	}
}
