// Package gatekeeper decides who may submit requests: open access, a
// single shared proxy key, or per-user tokens with IP limits and token
// quotas.
package gatekeeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keymux/keymux/internal/models"
)

// ErrUnknownToken rejects tokens the store has never seen.
var ErrUnknownToken = errors.New("unknown user token")

// User is one issued token and its runtime state.
type User struct {
	Token    string    `json:"token"`
	Disabled bool      `json:"disabled"`
	Created  time.Time `json:"created"`

	// IPs are the source addresses the token has been used from, in
	// first-seen order.
	IPs []string `json:"ips"`

	// TokensUsed counts estimated tokens consumed per family since the
	// last quota refresh.
	TokensUsed map[models.Family]int64 `json:"tokens_used"`
}

// Store persists user records. Both implementations are safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, token string) (*User, error)
	Put(ctx context.Context, u *User) error
	List(ctx context.Context) ([]*User, error)
}

// MemoryStore keeps users in process memory. State is lost on restart,
// which matches the rest of the proxy's process-local posture.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]*User
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*User)}
}

func (s *MemoryStore) Get(_ context.Context, token string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[token]
	if !ok {
		return nil, ErrUnknownToken
	}
	return copyUser(u), nil
}

func (s *MemoryStore) Put(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.Token] = copyUser(u)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, copyUser(u))
	}
	return out, nil
}

func copyUser(u *User) *User {
	c := *u
	c.IPs = append([]string(nil), u.IPs...)
	c.TokensUsed = make(map[models.Family]int64, len(u.TokensUsed))
	for f, n := range u.TokensUsed {
		c.TokensUsed[f] = n
	}
	return &c
}

// redisKeyPrefix namespaces user records in a shared Redis.
const redisKeyPrefix = "keymux:user:"

// RedisStore persists users in Redis as JSON values, so tokens survive
// restarts and can be shared across replicas.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the given Redis URL and verifies the
// connection with a ping.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Get(ctx context.Context, token string) (*User, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUnknownToken
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var u User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("redis record for token is corrupt: %w", err)
	}
	return &u, nil
}

func (s *RedisStore) Put(ctx context.Context, u *User) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, redisKeyPrefix+u.Token, raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]*User, error) {
	var out []*User
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get: %w", err)
		}
		var u User
		if err := json.Unmarshal(raw, &u); err != nil {
			continue
		}
		out = append(out, &u)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return out, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error { return s.client.Close() }
