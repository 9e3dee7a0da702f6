package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/partsbay/harvester/internal/logger"
)

// Guard hands out short-lived per-item claims so two workers never resolve
// the same listing at the same time. Acquire fails closed: when Redis cannot
// answer, the claim is treated as taken and the item skipped this pass.
// Release and FilterClaimed fail open, because a TTL already bounds how long
// a stuck claim can block anyone.
type Guard struct {
	client *redis.Client
	logger logger.Logger
	prefix string
	ttl    time.Duration
}

// NewGuard creates a per-item claim guard.
func NewGuard(client *redis.Client, log logger.Logger, prefix string, ttl time.Duration) *Guard {
	return &Guard{client: client, logger: log, prefix: prefix, ttl: ttl}
}

func (g *Guard) key(number string) string {
	return g.prefix + number
}

// Acquire attempts to claim a listing. The claim value records the query
// that surfaced the listing, so a held claim can be traced back to the scan
// that took it. Returns false when the listing is already claimed or the
// claim store is unreachable.
func (g *Guard) Acquire(ctx context.Context, number, query string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.key(number), query, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire item claim: %w", err)
	}
	return ok, nil
}

// Release drops a claim. Errors are logged and swallowed; the TTL will
// collect the key regardless.
func (g *Guard) Release(ctx context.Context, number string) {
	if err := g.client.Del(ctx, g.key(number)).Err(); err != nil {
		g.logger.Warn("failed to release item claim",
			logger.String("number", number), logger.Error(err))
	}
}

// FilterClaimed returns the subset of numbers nobody currently claims. When
// the claim store is unreachable every number passes through.
func (g *Guard) FilterClaimed(ctx context.Context, numbers []string) []string {
	if len(numbers) == 0 {
		return numbers
	}

	pipe := g.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(numbers))
	for i, n := range numbers {
		cmds[i] = pipe.Exists(ctx, g.key(n))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		g.logger.Warn("failed to filter claimed items, passing all through",
			logger.Int("count", len(numbers)), logger.Error(err))
		return numbers
	}

	unclaimed := make([]string, 0, len(numbers))
	for i, cmd := range cmds {
		if cmd.Val() == 0 {
			unclaimed = append(unclaimed, numbers[i])
		}
	}
	return unclaimed
}
