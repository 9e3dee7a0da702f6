// Package session shares per-proxy browsing sessions between workers. A
// separate seeding process obtains cookies and writes them here; workers
// only ever read, and wait for a reseed when the upstream invalidates one.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/partsbay/harvester/internal/domain"
)

// DefaultPollInterval is how often waiters re-check the store.
const DefaultPollInterval = 2 * time.Second

// ErrNotSeeded is returned when a bounded Get finds no session for a proxy.
var ErrNotSeeded = errors.New("session not seeded")

// Refresher obtains a fresh session for a proxy. Implementations drive a
// real browser or an external seeding service.
type Refresher interface {
	Refresh(ctx context.Context, proxy *domain.Proxy) error
}

// Store reads and writes per-proxy session cookies in Redis.
type Store struct {
	client       *redis.Client
	keyPrefix    string
	pollInterval time.Duration
}

// NewStore creates a session store.
func NewStore(client *redis.Client, keyPrefix string, pollInterval time.Duration) *Store {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Store{client: client, keyPrefix: keyPrefix, pollInterval: pollInterval}
}

func (s *Store) key(proxyKey string) string {
	return s.keyPrefix + proxyKey
}

// Get returns the current session cookie for a proxy, or ErrNotSeeded.
func (s *Store) Get(ctx context.Context, proxyKey string) (string, error) {
	cookie, err := s.client.Get(ctx, s.key(proxyKey)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotSeeded
	}
	if err != nil {
		return "", fmt.Errorf("failed to read session: %w", err)
	}
	return cookie, nil
}

// Await blocks until a session exists for the proxy or the context ends.
// Fresh workers call this at startup while the seeder warms proxies up.
func (s *Store) Await(ctx context.Context, proxyKey string) (string, error) {
	for {
		cookie, err := s.Get(ctx, proxyKey)
		if err == nil {
			return cookie, nil
		}
		if !errors.Is(err, ErrNotSeeded) {
			return "", err
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

// AwaitChange blocks until the stored session differs from old, then returns
// the new cookie. Used after reporting a blocked session: the seeder replaces
// the cookie out of band.
func (s *Store) AwaitChange(ctx context.Context, proxyKey, old string) (string, error) {
	for {
		cookie, err := s.Get(ctx, proxyKey)
		if err != nil && !errors.Is(err, ErrNotSeeded) {
			return "", err
		}
		if err == nil && cookie != old {
			return cookie, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

// Seed stores a session cookie for a proxy.
func (s *Store) Seed(ctx context.Context, proxyKey, cookie string) error {
	if err := s.client.Set(ctx, s.key(proxyKey), cookie, 0).Err(); err != nil {
		return fmt.Errorf("failed to seed session: %w", err)
	}
	return nil
}

// Drop removes a proxy's session so the seeder re-creates it.
func (s *Store) Drop(ctx context.Context, proxyKey string) error {
	if err := s.client.Del(ctx, s.key(proxyKey)).Err(); err != nil {
		return fmt.Errorf("failed to drop session: %w", err)
	}
	return nil
}
