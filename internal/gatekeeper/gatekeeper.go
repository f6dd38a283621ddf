package gatekeeper

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/keymux/keymux/internal/config"
	"github.com/keymux/keymux/internal/logging"
	"github.com/keymux/keymux/internal/models"
)

// Admission errors, mapped to HTTP statuses by the server.
var (
	// ErrMissingCredential maps to 401.
	ErrMissingCredential = errors.New("a credential is required")

	// ErrBadCredential maps to 401.
	ErrBadCredential = errors.New("credential not recognized")

	// ErrTooManyIPs maps to 403.
	ErrTooManyIPs = errors.New("token used from too many IP addresses")

	// ErrQuotaExceeded maps to 429.
	ErrQuotaExceeded = errors.New("token quota exceeded for this model family")
)

// Identity is what admission resolves a request to.
type Identity struct {
	// ID is the stable identity string used for queue caps and rate
	// limiting: the user token, a shared-identity tag, or the source IP.
	ID string

	// Shared marks identities fronting many users.
	Shared bool
}

// Gatekeeper implements the configured admission mode.
type Gatekeeper struct {
	cfg   *config.Config
	store Store
	log   *logging.Logger
}

// New creates a gatekeeper. store may be nil unless the mode is
// user_token.
func New(cfg *config.Config, store Store, logger *logging.Logger) *Gatekeeper {
	return &Gatekeeper{cfg: cfg, store: store, log: logger}
}

// Admit authenticates a request and resolves its identity. remoteIP is the
// client source address with the port already stripped.
func (g *Gatekeeper) Admit(r *http.Request, remoteIP string, family models.Family) (Identity, error) {
	switch g.cfg.Gatekeeper {
	case "proxy_key":
		if bearerToken(r) != g.cfg.ProxyKey {
			return Identity{}, ErrBadCredential
		}
		return g.ipIdentity(remoteIP), nil

	case "user_token":
		token := bearerToken(r)
		if token == "" {
			return Identity{}, ErrMissingCredential
		}
		if err := g.admitUser(r.Context(), token, remoteIP, family); err != nil {
			return Identity{}, err
		}
		return Identity{ID: token}, nil

	default:
		return g.ipIdentity(remoteIP), nil
	}
}

// admitUser validates a user token: existence, IP limit, and family quota.
func (g *Gatekeeper) admitUser(ctx context.Context, token, remoteIP string, family models.Family) error {
	u, err := g.store.Get(ctx, token)
	if errors.Is(err, ErrUnknownToken) {
		return ErrBadCredential
	}
	if err != nil {
		return err
	}
	if u.Disabled {
		return ErrBadCredential
	}

	if !containsString(u.IPs, remoteIP) {
		if g.cfg.MaxIPsPerUser > 0 && len(u.IPs) >= g.cfg.MaxIPsPerUser {
			if g.log != nil {
				g.log.Warn().
					Str("token", redactToken(token)).
					Str("ip", remoteIP).
					Int("known_ips", len(u.IPs)).
					Msg("token exceeded its IP limit")
			}
			return ErrTooManyIPs
		}
		u.IPs = append(u.IPs, remoteIP)
		if err := g.store.Put(ctx, u); err != nil {
			return err
		}
	}

	if quota, ok := g.cfg.TokenQuota[family]; ok && quota > 0 {
		if u.TokensUsed[family] >= quota {
			return ErrQuotaExceeded
		}
	}
	return nil
}

// RecordUsage charges consumed tokens against a user's family quota.
// No-op outside user_token mode.
func (g *Gatekeeper) RecordUsage(ctx context.Context, identity Identity, family models.Family, tokens int) {
	if g.cfg.Gatekeeper != "user_token" || tokens <= 0 {
		return
	}
	u, err := g.store.Get(ctx, identity.ID)
	if err != nil {
		return
	}
	if u.TokensUsed == nil {
		u.TokensUsed = make(map[models.Family]int64)
	}
	u.TokensUsed[family] += int64(tokens)
	if err := g.store.Put(ctx, u); err != nil && g.log != nil {
		g.log.Error().Err(err).Msg("usage record failed")
	}
}

// IssueToken mints a new user token and stores it. Used by the serve
// command's bootstrap path.
func (g *Gatekeeper) IssueToken(ctx context.Context) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	u := &User{
		Token:      hex.EncodeToString(buf),
		Created:    time.Now(),
		TokensUsed: make(map[models.Family]int64),
	}
	if err := g.store.Put(ctx, u); err != nil {
		return "", err
	}
	return u.Token, nil
}

// StartQuotaRefresher zeroes every user's quota counters each period.
// Returns immediately when no period is configured.
func (g *Gatekeeper) StartQuotaRefresher(ctx context.Context) {
	if g.cfg.Gatekeeper != "user_token" || g.cfg.QuotaRefreshPeriod <= 0 {
		return
	}

	ticker := time.NewTicker(g.cfg.QuotaRefreshPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.refreshQuotas(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// refreshQuotas resets usage counters for all users.
func (g *Gatekeeper) refreshQuotas(ctx context.Context) {
	users, err := g.store.List(ctx)
	if err != nil {
		if g.log != nil {
			g.log.Error().Err(err).Msg("quota refresh list failed")
		}
		return
	}
	for _, u := range users {
		u.TokensUsed = make(map[models.Family]int64)
		if err := g.store.Put(ctx, u); err != nil && g.log != nil {
			g.log.Error().Err(err).Str("token", redactToken(u.Token)).Msg("quota refresh write failed")
		}
	}
	if g.log != nil {
		g.log.Info().Int("users", len(users)).Msg("token quotas refreshed")
	}
}

// ipIdentity resolves an unauthenticated request to its source address,
// tagging configured shared IPs.
func (g *Gatekeeper) ipIdentity(remoteIP string) Identity {
	if containsString(g.cfg.SharedIPs, remoteIP) {
		return Identity{ID: "shared:" + remoteIP, Shared: true}
	}
	return Identity{ID: remoteIP}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Some OpenAI clients send the key in the api-key header instead.
	return r.Header.Get("api-key")
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func redactToken(token string) string {
	if len(token) <= 8 {
		return "..."
	}
	return fmt.Sprintf("%s...%s", token[:4], token[len(token)-4:])
}
