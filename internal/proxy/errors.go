package proxy

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Envelope is the JSON error body for non-streaming failures.
type Envelope struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Stack     string `json:"stack,omitempty"`
	ProxyNote string `json:"proxy_note,omitempty"`
}

// Error envelope types surfaced to clients.
const (
	TypeProxyError     = "proxy_error"     // admission rejection, queue timeout, internal faults
	TypeRewritingError = "rewriting_error" // preprocessor failures
	TypeUpstreamError  = "upstream_error"  // forwarded terminal upstream failures
)

// WriteJSONError emits an envelope with the given status. Safe only before
// headers are sent; streaming paths use SSEWriter.ErrorEvent instead.
func WriteJSONError(w http.ResponseWriter, status int, typ, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Type: typ, Message: message})
}

// outcome is the executor's verdict on one upstream attempt.
type outcome int

const (
	// outcomeSuccess: 2xx, proceed to normalization.
	outcomeSuccess outcome = iota

	// outcomeRetryDisableKey: permanent credential failure. Disable the
	// key and retry the same ticket on another.
	outcomeRetryDisableKey

	// outcomeRetryRateLimited: transient 429/5xx/socket error. Bench the
	// key for the family and reenqueue.
	outcomeRetryRateLimited

	// outcomeTerminalQuota: the key's quota or billing is exhausted.
	outcomeTerminalQuota

	// outcomeTerminalForward: non-retryable 4xx; forward upstream body.
	outcomeTerminalForward
)

// quota/billing markers inside 429 bodies. A 429 carrying none of these is
// assumed transient.
var quotaMarkers = []string{
	"insufficient_quota",
	"exceeded your current quota",
	"billing",
	"purchase a plan",
}

// permanent-invalid markers inside 401/403 bodies. A bare 401 also counts.
var invalidKeyMarkers = []string{
	"invalid_api_key",
	"incorrect api key",
	"account_deactivated",
	"permission_error",
	"invalid x-api-key",
	"unauthorizedexception",
}

// classifyUpstream maps an upstream status and body to an executor outcome.
func classifyUpstream(status int, body []byte) outcome {
	lower := strings.ToLower(string(body))

	switch {
	case status >= 200 && status < 300:
		return outcomeSuccess

	case status == http.StatusUnauthorized:
		return outcomeRetryDisableKey

	case status == http.StatusForbidden:
		for _, marker := range invalidKeyMarkers {
			if strings.Contains(lower, marker) {
				return outcomeRetryDisableKey
			}
		}
		// A 403 without an invalid-key marker is a policy refusal for
		// this request, not a dead key.
		return outcomeTerminalForward

	case status == http.StatusTooManyRequests:
		for _, marker := range quotaMarkers {
			if strings.Contains(lower, marker) {
				return outcomeTerminalQuota
			}
		}
		return outcomeRetryRateLimited

	case status >= 500:
		return outcomeRetryRateLimited

	default:
		return outcomeTerminalForward
	}
}
