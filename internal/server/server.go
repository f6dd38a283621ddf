// Package server exposes the client-facing HTTP surface: per-provider
// model lists and OpenAI-compatible chat completions, with admission,
// rate limiting, and queue-wait handled before the upstream is touched.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/keymux/keymux/internal/config"
	"github.com/keymux/keymux/internal/gatekeeper"
	"github.com/keymux/keymux/internal/keypool"
	"github.com/keymux/keymux/internal/logging"
	"github.com/keymux/keymux/internal/models"
	"github.com/keymux/keymux/internal/proxy"
	"github.com/keymux/keymux/internal/queue"
	"github.com/keymux/keymux/internal/ratelimit"
)

// modelListTTL is how long a computed model list is served from cache.
const modelListTTL = 60 * time.Second

// maxBodyBytes bounds inbound request bodies.
const maxBodyBytes = 10 << 20

// Server wires the HTTP surface to the queueing core.
type Server struct {
	cfg    *config.Config
	log    *logging.Logger
	queue  *queue.Queue
	pool   *keypool.Pool
	gate   *gatekeeper.Gatekeeper
	pipe   *proxy.Pipeline
	exec   *proxy.Executor
	limits *ratelimit.Store

	mu         sync.Mutex
	modelCache map[models.Service]cachedList

	started time.Time
}

type cachedList struct {
	body    []byte
	expires time.Time
}

// New creates a server over the shared core components.
func New(cfg *config.Config, logger *logging.Logger, q *queue.Queue, pool *keypool.Pool, gate *gatekeeper.Gatekeeper, pipe *proxy.Pipeline, exec *proxy.Executor) *Server {
	return &Server{
		cfg:        cfg,
		log:        logger,
		queue:      q,
		pool:       pool,
		gate:       gate,
		pipe:       pipe,
		exec:       exec,
		limits:     ratelimit.NewStore(cfg.ModelRateLimit),
		modelCache: make(map[models.Service]cachedList),
		started:    time.Now(),
	}
}

// Router builds the chi route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/", s.handleRoot)
	r.Route("/{provider}", func(r chi.Router) {
		// Registered with and without the /v1 prefix; clients that omit it
		// get the rewrite for free.
		r.Get("/v1/models", s.handleModels)
		r.Get("/models", s.handleModels)
		r.Post("/v1/chat/completions", s.handleCompletion)
		r.Post("/chat/completions", s.handleCompletion)
		r.NotFound(s.handleFallback)
	})
	r.NotFound(s.handleFallback)
	return r
}

// ListenAndServe runs the HTTP server until the context is cancelled, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	if s.log != nil {
		s.log.Info().Int("port", s.cfg.Port).Str("title", s.cfg.ServerTitle).Msg("listening")
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// StartPruner periodically drops idle rate-limit buckets.
func (s *Server) StartPruner(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.limits.Prune()
		case <-ctx.Done():
			return
		}
	}
}

// requestLog emits one structured line per request.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.log == nil {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// handleFallback redirects browsers poking at provider paths to the root
// page and 404s everything else.
func (s *Server) handleFallback(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.UserAgent(), "Mozilla") {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	proxy.WriteJSONError(w, http.StatusNotFound, proxy.TypeProxyError, "not found")
}

// parseProvider maps a route segment to an upstream service.
func parseProvider(segment string) (models.Service, bool) {
	switch strings.ToLower(segment) {
	case "openai":
		return models.ServiceOpenAI, true
	case "anthropic":
		return models.ServiceAnthropic, true
	case "google-palm", "palm":
		return models.ServiceGooglePaLM, true
	case "aws", "aws-claude":
		return models.ServiceAWS, true
	}
	return "", false
}

// remoteIP strips the port from the request's source address.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
