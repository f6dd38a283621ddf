// Package keypool owns upstream credentials. It tracks per-key usage,
// issues leases, records rate-limit lockouts, and retires disabled keys.
//
// The pool deliberately does not attempt token-bucket accounting. Upstream
// rate limits are opaque, so the only signal it keeps is a per-family
// lockout window: a key that got a 429 is benched for that family until
// the window passes. An empty lease is back-pressure, not an error.
package keypool

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/keymux/keymux/internal/config"
	"github.com/keymux/keymux/internal/logging"
	"github.com/keymux/keymux/internal/models"
)

// DefaultLockout is applied when a rate-limited response carries no
// Retry-After header.
const DefaultLockout = 10 * time.Second

// Key is one upstream credential and its runtime state. All mutable fields
// are guarded by the owning Pool's mutex.
type Key struct {
	// ID is a short hash of the secret, safe for logs.
	ID string

	Service models.Service

	// Secret is the API key. For AWS it is the access key ID.
	Secret string

	// AWSSecretKey and Region are set for Bedrock credentials only.
	AWSSecretKey string
	Region       string

	enabled        bool
	disabledReason string

	lastUsed        map[models.Family]time.Time
	lockoutUntil    map[models.Family]time.Time
	lastRateLimitAt time.Time

	tokensUsed map[models.Family]int64
	requests   map[models.Family]int64
}

// Enabled reports whether the key may still be leased. Only meaningful in
// snapshots; live checks happen inside the pool under its lock.
func (k *Key) Enabled() bool { return k.enabled }

// Pool is the shared credential pool. One instance serves every partition.
type Pool struct {
	mu   sync.Mutex
	keys []*Key
	log  *logging.Logger

	// now is a clock seam for tests.
	now func() time.Time
}

// New builds a pool from the configured provider key lists.
func New(cfg *config.Config, logger *logging.Logger) *Pool {
	p := &Pool{
		log: logger,
		now: time.Now,
	}
	for _, secret := range cfg.OpenAIKeys {
		p.add(&Key{Service: models.ServiceOpenAI, Secret: secret})
	}
	for _, secret := range cfg.AnthropicKeys {
		p.add(&Key{Service: models.ServiceAnthropic, Secret: secret})
	}
	for _, secret := range cfg.GooglePaLMKeys {
		p.add(&Key{Service: models.ServiceGooglePaLM, Secret: secret})
	}
	for _, cred := range cfg.AWSCredentials {
		p.add(&Key{
			Service:      models.ServiceAWS,
			Secret:       cred.AccessKeyID,
			AWSSecretKey: cred.SecretAccessKey,
			Region:       cred.Region,
		})
	}
	return p
}

func (p *Pool) add(k *Key) {
	sum := sha256.Sum256([]byte(string(k.Service) + ":" + k.Secret))
	k.ID = hex.EncodeToString(sum[:4])
	k.enabled = true
	k.lastUsed = make(map[models.Family]time.Time)
	k.lockoutUntil = make(map[models.Family]time.Time)
	k.tokensUsed = make(map[models.Family]int64)
	k.requests = make(map[models.Family]int64)
	p.keys = append(p.keys, k)
}

// Lease returns an enabled, non-locked-out key for the family, preferring
// the key least recently used for that family (approximate round-robin).
// Returns nil when every key is benched; the caller should leave the
// request queued and try again on a later tick.
func (p *Pool) Lease(f models.Family) *Key {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	service := models.ServiceFor(f)

	var best *Key
	for _, k := range p.keys {
		if !k.enabled || k.Service != service {
			continue
		}
		if k.lockoutUntil[f].After(now) {
			continue
		}
		if best == nil || k.lastUsed[f].Before(best.lastUsed[f]) {
			best = k
		}
	}
	if best != nil {
		// Stamp at lease time so concurrent leases rotate across keys.
		best.lastUsed[f] = now
	}
	return best
}

// LockoutPeriod reports how long the dispatcher should wait before trying
// the model's family again. Zero when at least one usable key exists.
// When every key for the family is locked out, it returns the minimum
// remaining lockout; when no enabled key serves the family at all it
// returns DefaultLockout as a coarse back-off hint.
func (p *Pool) LockoutPeriod(service models.Service, model string) time.Duration {
	f := models.Partition(service, model)

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	svc := models.ServiceFor(f)

	var minRemaining time.Duration
	seen := false
	for _, k := range p.keys {
		if !k.enabled || k.Service != svc {
			continue
		}
		remaining := k.lockoutUntil[f].Sub(now)
		if remaining <= 0 {
			return 0
		}
		if !seen || remaining < minRemaining {
			minRemaining = remaining
			seen = true
		}
	}
	if !seen {
		return DefaultLockout
	}
	return minRemaining
}

// HasKeysFor reports whether any enabled key can ever serve the family,
// ignoring lockout state. Used for admission-time rejection of models the
// deployment cannot serve.
func (p *Pool) HasKeysFor(f models.Family) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	svc := models.ServiceFor(f)
	for _, k := range p.keys {
		if k.enabled && k.Service == svc {
			return true
		}
	}
	return false
}

// MarkRateLimited benches a key for a family until now + retryAfter.
// A non-positive retryAfter falls back to DefaultLockout.
func (p *Pool) MarkRateLimited(k *Key, f models.Family, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = DefaultLockout
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	k.lastRateLimitAt = now
	k.lockoutUntil[f] = now.Add(retryAfter)

	if p.log != nil {
		p.log.Warn().
			Str("key", k.ID).
			Str("family", string(f)).
			Dur("lockout", retryAfter).
			Msg("key rate limited")
	}
}

// Disable permanently retires a key. Used on 401/403 and other
// permanent-invalid signals from the upstream.
func (p *Pool) Disable(k *Key, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !k.enabled {
		return
	}
	k.enabled = false
	k.disabledReason = reason

	if p.log != nil {
		p.log.Error().
			Str("key", k.ID).
			Str("service", string(k.Service)).
			Str("reason", reason).
			Msg("key disabled")
	}
}

// RecordUsage increments a key's per-family counters after a successful
// upstream call.
func (p *Pool) RecordUsage(k *Key, f models.Family, tokens int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k.lastUsed[f] = p.now()
	k.requests[f]++
	if tokens > 0 {
		k.tokensUsed[f] += int64(tokens)
	}
}

// UsageSnapshot is a point-in-time copy of one key's counters for a family.
type UsageSnapshot struct {
	KeyID    string
	Enabled  bool
	Requests int64
	Tokens   int64
}

// Usage returns counters for every key serving the family.
func (p *Pool) Usage(f models.Family) []UsageSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	svc := models.ServiceFor(f)
	var out []UsageSnapshot
	for _, k := range p.keys {
		if k.Service != svc {
			continue
		}
		out = append(out, UsageSnapshot{
			KeyID:    k.ID,
			Enabled:  k.enabled,
			Requests: k.requests[f],
			Tokens:   k.tokensUsed[f],
		})
	}
	return out
}

// Keys returns all keys for a service. The checker uses this at startup;
// mutation still goes through pool methods.
func (p *Pool) Keys(service models.Service) []*Key {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*Key
	for _, k := range p.keys {
		if k.Service == service {
			out = append(out, k)
		}
	}
	return out
}

// SetClock replaces the pool's time source. Tests only.
func (p *Pool) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}
