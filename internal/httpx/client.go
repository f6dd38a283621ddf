// Package httpx builds the shared HTTP client used for upstream provider
// calls.
package httpx

import (
	"crypto/tls"
	"net/http"
	"os"
	"time"

	"golang.org/x/net/http2"
)

// Transport tuning for many concurrent completions against a handful of
// provider endpoints. Streaming responses hold connections open for the
// whole generation, so the per-host pool is sized well above the idle
// defaults.
const (
	maxIdleConns        = 256
	maxIdleConnsPerHost = 64
	maxConnsPerHost     = 0 // concurrency is bounded by the key pool, not the transport
	idleConnTimeout     = 90 * time.Second
	tlsHandshakeTimeout = 15 * time.Second

	// ResponseHeaderTimeout bounds time-to-first-byte. Generation time is
	// unbounded once headers arrive, so there is no overall client timeout;
	// callers cancel via context.
	responseHeaderTimeout = 2 * time.Minute
)

// NewUpstreamClient creates the client shared by every provider adapter.
// HTTP/2 is attempted by default; DISABLE_HTTP2=true forces HTTP/1.1 for
// debugging or provider compatibility issues.
func NewUpstreamClient() *http.Client {
	tr := &http.Transport{
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		MaxConnsPerHost:       maxConnsPerHost,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
		// SSE deltas must reach the client as they arrive, not when a gzip
		// window fills.
		DisableCompression: true,
		ForceAttemptHTTP2:  true,
	}

	_ = http2.ConfigureTransport(tr)

	if os.Getenv("DISABLE_HTTP2") == "true" {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = make(map[string]func(string, *tls.Conn) http.RoundTripper)
	}

	return &http.Client{
		Transport: tr,
		Timeout:   0, // per-request deadlines come from the caller's context
	}
}
