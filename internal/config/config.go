// Package config provides environment-driven configuration for the proxy.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/keymux/keymux/internal/models"
)

// Config holds every recognized option. All values come from the
// environment; Load applies defaults and validates ranges.
//
// Recognized variables:
//
//	PORT                    listen port (default 7860)
//	LOG_LEVEL               trace|debug|info|warn|error (default info)
//	SERVER_TITLE            display name reported in responses
//	MODEL_RATE_LIMIT        per-identity requests/minute, 0 = unlimited
//	MAX_OUTPUT_TOKENS_<FAM> output token clamp per model family
//	ALLOWED_MODEL_FAMILIES  comma-separated family allowlist
//	BLOCKED_ORIGINS         comma-separated Origin/Referer substrings
//	BLOCK_MESSAGE           message returned to blocked origins
//	BLOCK_REDIRECT          optional redirect target for blocked origins
//	REJECT_DISALLOWED       enable the content filter
//	REJECT_MESSAGE          message returned on content rejection
//	PROMPT_LOGGING          append a prompt-logging disclosure note
//	CHECK_KEYS              probe configured keys at startup
//	GATEKEEPER              none|proxy_key|user_token
//	GATEKEEPER_STORE        memory|redis
//	PROXY_KEY               shared secret for GATEKEEPER=proxy_key
//	REDIS_URL               connection URL for GATEKEEPER_STORE=redis
//	MAX_IPS_PER_USER        IP limit per user token, 0 = unlimited
//	SHARED_IPS              comma-separated shared-identity source IPs
//	TOKEN_QUOTA_<FAM>       per-user token quota per family, 0 = unlimited
//	QUOTA_REFRESH_PERIOD    hourly|daily|<duration>, empty = never
//	OPENAI_KEY              comma-separated OpenAI secrets
//	ANTHROPIC_KEY           comma-separated Anthropic secrets
//	GOOGLE_PALM_KEY         comma-separated PaLM secrets
//	AWS_CREDENTIALS         comma-separated access:secret:region triples
type Config struct {
	Port        int
	LogLevel    string
	ServerTitle string

	// ModelRateLimit is the per-identity request rate in requests/minute
	// applied before admission. 0 disables the limiter.
	ModelRateLimit int

	// MaxOutputTokens clamps the requested max_tokens per family.
	// Missing families fall back to DefaultMaxOutputTokens.
	MaxOutputTokens map[models.Family]int

	// AllowedModelFamilies is the family allowlist. Empty = all allowed.
	AllowedModelFamilies map[models.Family]bool

	BlockedOrigins []string
	BlockMessage   string
	BlockRedirect  string

	RejectDisallowed bool
	RejectMessage    string

	PromptLogging bool
	CheckKeys     bool

	Gatekeeper      string
	GatekeeperStore string
	ProxyKey        string
	RedisURL        string
	MaxIPsPerUser   int

	// SharedIPs are source addresses known to front many users. Tickets
	// from them get the higher concurrency cap but schedule last.
	SharedIPs []string

	TokenQuota         map[models.Family]int64
	QuotaRefreshPeriod time.Duration

	OpenAIKeys     []string
	AnthropicKeys  []string
	GooglePaLMKeys []string
	AWSCredentials []AWSCredential
}

// DefaultMaxOutputTokens is the output clamp applied when no per-family
// MAX_OUTPUT_TOKENS_* override is present.
const DefaultMaxOutputTokens = 1024

// Validation errors.
var (
	ErrInvalidPort            = errors.New("PORT must be between 1 and 65535")
	ErrInvalidRateLimit       = errors.New("MODEL_RATE_LIMIT must be >= 0")
	ErrInvalidGatekeeper      = errors.New("GATEKEEPER must be none, proxy_key, or user_token")
	ErrInvalidGatekeeperStore = errors.New("GATEKEEPER_STORE must be memory or redis")
	ErrMissingProxyKey        = errors.New("PROXY_KEY is required when GATEKEEPER=proxy_key")
	ErrMissingRedisURL        = errors.New("REDIS_URL is required when GATEKEEPER_STORE=redis")
	ErrNoKeysConfigured       = errors.New("no upstream keys configured (set OPENAI_KEY, ANTHROPIC_KEY, GOOGLE_PALM_KEY, or AWS_CREDENTIALS)")
)

// Load reads configuration from the environment, applies defaults, and
// validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                 7860,
		LogLevel:             "info",
		ServerTitle:          envOr("SERVER_TITLE", "keymux"),
		MaxOutputTokens:      map[models.Family]int{},
		AllowedModelFamilies: map[models.Family]bool{},
		TokenQuota:           map[models.Family]int64{},
		BlockMessage:         envOr("BLOCK_MESSAGE", "Access denied."),
		RejectMessage:        envOr("REJECT_MESSAGE", "This content violates the proxy's usage policy."),
		Gatekeeper:           envOr("GATEKEEPER", "none"),
		GatekeeperStore:      envOr("GATEKEEPER_STORE", "memory"),
		ProxyKey:             os.Getenv("PROXY_KEY"),
		RedisURL:             os.Getenv("REDIS_URL"),
		BlockRedirect:        os.Getenv("BLOCK_REDIRECT"),
	}

	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 || p > 65535 {
			return nil, ErrInvalidPort
		}
		cfg.Port = p
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("MODEL_RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, ErrInvalidRateLimit
		}
		cfg.ModelRateLimit = n
	}

	for _, fam := range models.AllFamilies() {
		if v := os.Getenv("MAX_OUTPUT_TOKENS_" + envSuffix(fam)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return nil, fmt.Errorf("MAX_OUTPUT_TOKENS_%s: invalid value %q", envSuffix(fam), v)
			}
			cfg.MaxOutputTokens[fam] = n
		}
		if v := os.Getenv("TOKEN_QUOTA_" + envSuffix(fam)); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("TOKEN_QUOTA_%s: invalid value %q", envSuffix(fam), v)
			}
			cfg.TokenQuota[fam] = n
		}
	}

	if v := os.Getenv("ALLOWED_MODEL_FAMILIES"); v != "" {
		for _, part := range splitList(v) {
			fam, ok := models.ParseFamily(part)
			if !ok {
				return nil, fmt.Errorf("ALLOWED_MODEL_FAMILIES: unknown family %q", part)
			}
			cfg.AllowedModelFamilies[fam] = true
		}
	}

	cfg.BlockedOrigins = splitList(os.Getenv("BLOCKED_ORIGINS"))
	cfg.SharedIPs = splitList(os.Getenv("SHARED_IPS"))
	cfg.RejectDisallowed = envBool("REJECT_DISALLOWED")
	cfg.PromptLogging = envBool("PROMPT_LOGGING")
	cfg.CheckKeys = envBool("CHECK_KEYS")

	if v := os.Getenv("MAX_IPS_PER_USER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("MAX_IPS_PER_USER: invalid value %q", v)
		}
		cfg.MaxIPsPerUser = n
	}

	if v := os.Getenv("QUOTA_REFRESH_PERIOD"); v != "" {
		d, err := parseRefreshPeriod(v)
		if err != nil {
			return nil, err
		}
		cfg.QuotaRefreshPeriod = d
	}

	switch cfg.Gatekeeper {
	case "none", "proxy_key", "user_token":
	default:
		return nil, ErrInvalidGatekeeper
	}
	switch cfg.GatekeeperStore {
	case "memory", "redis":
	default:
		return nil, ErrInvalidGatekeeperStore
	}
	if cfg.Gatekeeper == "proxy_key" && cfg.ProxyKey == "" {
		return nil, ErrMissingProxyKey
	}
	if cfg.Gatekeeper == "user_token" && cfg.GatekeeperStore == "redis" && cfg.RedisURL == "" {
		return nil, ErrMissingRedisURL
	}

	cfg.OpenAIKeys = splitList(os.Getenv("OPENAI_KEY"))
	cfg.AnthropicKeys = splitList(os.Getenv("ANTHROPIC_KEY"))
	cfg.GooglePaLMKeys = splitList(os.Getenv("GOOGLE_PALM_KEY"))

	creds, err := ParseAWSCredentials(os.Getenv("AWS_CREDENTIALS"))
	if err != nil {
		return nil, err
	}
	cfg.AWSCredentials = creds

	if len(cfg.OpenAIKeys)+len(cfg.AnthropicKeys)+len(cfg.GooglePaLMKeys)+len(cfg.AWSCredentials) == 0 {
		return nil, ErrNoKeysConfigured
	}

	return cfg, nil
}

// MaxOutputTokensFor returns the output clamp for a family.
func (c *Config) MaxOutputTokensFor(f models.Family) int {
	if n, ok := c.MaxOutputTokens[f]; ok {
		return n
	}
	return DefaultMaxOutputTokens
}

// FamilyAllowed reports whether a family passed the allowlist.
func (c *Config) FamilyAllowed(f models.Family) bool {
	if len(c.AllowedModelFamilies) == 0 {
		return true
	}
	return c.AllowedModelFamilies[f]
}

// envSuffix converts a family name to the MAX_OUTPUT_TOKENS_*/TOKEN_QUOTA_*
// suffix form (aws-claude -> AWS_CLAUDE).
func envSuffix(f models.Family) string {
	return strings.ToUpper(strings.ReplaceAll(string(f), "-", "_"))
}

func parseRefreshPeriod(v string) (time.Duration, error) {
	switch strings.ToLower(v) {
	case "hourly":
		return time.Hour, nil
	case "daily":
		return 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("QUOTA_REFRESH_PERIOD: invalid value %q", v)
	}
	return d, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// splitList splits a comma-separated env value, trimming whitespace and
// dropping empty entries.
func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
