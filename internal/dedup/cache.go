// Package dedup keeps already-harvested listings from being resolved twice:
// a durable duplicate cache backed by a local file, the relational store and
// a shared Redis set, plus a short-TTL per-item guard for in-flight work.
package dedup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/partsbay/harvester/internal/coordination"
	"github.com/partsbay/harvester/internal/logger"
)

// sAddChunkSize bounds one SADD while seeding the shared set.
const sAddChunkSize = 500

// NumberSource supplies every stored item number, used to rebuild the cache.
type NumberSource interface {
	AllNumbers(ctx context.Context) ([]string, error)
}

// CacheConfig holds duplicate cache settings.
type CacheConfig struct {
	File    string
	SetKey  string
	LockKey string
	DoneKey string
	// LockTTL bounds how long the bootstrap leader may hold the lock.
	LockTTL time.Duration
	// DoneTTL is how long the bootstrap-done sentinel stays visible.
	DoneTTL time.Duration
	// WaitTimeout bounds how long a non-leader waits for the sentinel
	// before degrading to a file-only view.
	WaitTimeout  time.Duration
	WaitInterval time.Duration
}

// Cache is the durable duplicate cache. After Bootstrap it answers Contains
// from a local set first and falls back to the shared Redis set; every miss
// of the shared store degrades to "not cached", so Redis trouble can only
// cause re-harvesting, never data loss.
type Cache struct {
	client *redis.Client
	source NumberSource
	logger logger.Logger
	cfg    CacheConfig

	mu    sync.RWMutex
	local map[string]struct{}

	fileMu sync.Mutex

	// degraded is set when bootstrap could not reach a reconciled shared
	// set; Contains then trusts the local view only.
	degraded bool
}

// NewCache creates a duplicate cache. Bootstrap must run before use.
func NewCache(client *redis.Client, source NumberSource, log logger.Logger, cfg CacheConfig) *Cache {
	return &Cache{
		client: client,
		source: source,
		logger: log,
		cfg:    cfg,
		local:  make(map[string]struct{}),
	}
}

// Bootstrap brings the cache to a reconciled state. Exactly one process
// becomes the leader: it merges the local file, the relational store and
// the shared Redis set into one superset, writes that superset back to all
// three, and raises a done sentinel. Everyone else waits for the sentinel
// and then loads the shared set; a process that outwaits WaitTimeout runs
// degraded on its file contents alone.
func (c *Cache) Bootstrap(ctx context.Context) error {
	fromFile, err := c.readFile()
	if err != nil {
		return err
	}

	mutex := coordination.NewMutex(c.client, c.cfg.LockKey, c.cfg.LockTTL)

	acquired, lockErr := mutex.TryLock(ctx)
	if lockErr != nil {
		c.logger.Warn("duplicate cache lock unavailable, degrading to file-only",
			logger.Error(lockErr))
		c.setLocal(fromFile, true)
		return nil
	}

	if acquired {
		defer func() {
			if unlockErr := mutex.Unlock(ctx); unlockErr != nil {
				c.logger.Warn("failed to release bootstrap lock", logger.Error(unlockErr))
			}
		}()
		return c.bootstrapAsLeader(ctx, fromFile)
	}

	return c.bootstrapAsFollower(ctx, mutex, fromFile)
}

// bootstrapAsLeader reconciles all three stores and raises the sentinel.
func (c *Cache) bootstrapAsLeader(ctx context.Context, fromFile map[string]struct{}) error {
	merged := make(map[string]struct{}, len(fromFile))
	for n := range fromFile {
		merged[n] = struct{}{}
	}

	stored, err := c.source.AllNumbers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load stored numbers: %w", err)
	}
	for _, n := range stored {
		merged[n] = struct{}{}
	}

	shared, sharedErr := c.client.SMembers(ctx, c.cfg.SetKey).Result()
	if sharedErr != nil {
		c.logger.Warn("failed to read shared duplicate set, reconciling without it",
			logger.Error(sharedErr))
	}
	for _, n := range shared {
		merged[n] = struct{}{}
	}

	if seedErr := c.seedSharedSet(ctx, merged); seedErr != nil {
		c.logger.Warn("failed to seed shared duplicate set, degrading to file-only",
			logger.Error(seedErr))
		c.writeFile(merged)
		c.setLocal(merged, true)
		return nil
	}

	c.writeFile(merged)

	if doneErr := c.client.Set(ctx, c.cfg.DoneKey, time.Now().Unix(), c.cfg.DoneTTL).Err(); doneErr != nil {
		c.logger.Warn("failed to raise bootstrap sentinel", logger.Error(doneErr))
	}

	c.setLocal(merged, false)
	c.logger.Info("duplicate cache bootstrapped as leader",
		logger.Int("numbers", len(merged)))
	return nil
}

// bootstrapAsFollower waits for the leader's sentinel, then loads the
// reconciled shared set. Each round it also retries the lock: a leader
// that died before raising the sentinel leaves the lock to expire, and
// the first waiter to reclaim it finishes the reconciliation itself.
func (c *Cache) bootstrapAsFollower(ctx context.Context, mutex *coordination.Mutex, fromFile map[string]struct{}) error {
	deadline := time.Now().Add(c.cfg.WaitTimeout)

	for time.Now().Before(deadline) {
		n, err := c.client.Exists(ctx, c.cfg.DoneKey).Result()
		if err != nil {
			c.logger.Warn("bootstrap sentinel check failed, degrading to file-only",
				logger.Error(err))
			c.setLocal(fromFile, true)
			return nil
		}
		if n > 0 {
			return c.loadSharedSet(ctx, fromFile)
		}

		acquired, lockErr := mutex.TryLock(ctx)
		if lockErr == nil && acquired {
			c.logger.Warn("bootstrap leader vanished, taking over reconciliation")
			defer func() {
				if unlockErr := mutex.Unlock(ctx); unlockErr != nil {
					c.logger.Warn("failed to release bootstrap lock", logger.Error(unlockErr))
				}
			}()
			return c.bootstrapAsLeader(ctx, fromFile)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.WaitInterval):
		}
	}

	c.logger.Warn("bootstrap sentinel never appeared, degrading to file-only",
		logger.Duration("waited", c.cfg.WaitTimeout))
	c.setLocal(fromFile, true)
	return nil
}

func (c *Cache) loadSharedSet(ctx context.Context, fromFile map[string]struct{}) error {
	shared, err := c.client.SMembers(ctx, c.cfg.SetKey).Result()
	if err != nil {
		c.logger.Warn("failed to load shared duplicate set, degrading to file-only",
			logger.Error(err))
		c.setLocal(fromFile, true)
		return nil
	}

	merged := make(map[string]struct{}, len(shared)+len(fromFile))
	for n := range fromFile {
		merged[n] = struct{}{}
	}
	for _, n := range shared {
		merged[n] = struct{}{}
	}

	c.writeFile(merged)
	c.setLocal(merged, false)
	c.logger.Info("duplicate cache bootstrapped from shared set",
		logger.Int("numbers", len(merged)))
	return nil
}

func (c *Cache) seedSharedSet(ctx context.Context, numbers map[string]struct{}) error {
	if len(numbers) == 0 {
		return nil
	}

	batch := make([]any, 0, sAddChunkSize)
	for n := range numbers {
		batch = append(batch, n)
		if len(batch) == sAddChunkSize {
			if err := c.client.SAdd(ctx, c.cfg.SetKey, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		return c.client.SAdd(ctx, c.cfg.SetKey, batch...).Err()
	}
	return nil
}

// Contains reports whether a number is already harvested. The local set is
// checked first; only a miss consults the shared set. Shared-set errors are
// answered with false, the safe direction for a duplicate cache.
func (c *Cache) Contains(ctx context.Context, number string) bool {
	c.mu.RLock()
	_, ok := c.local[number]
	degraded := c.degraded
	c.mu.RUnlock()

	if ok || degraded {
		return ok
	}

	member, err := c.client.SIsMember(ctx, c.cfg.SetKey, number).Result()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.logger.Warn("shared duplicate set check failed",
				logger.String("number", number), logger.Error(err))
		}
		return false
	}

	if member {
		c.mu.Lock()
		c.local[number] = struct{}{}
		c.mu.Unlock()
	}
	return member
}

// RecordSeen marks a number as harvested in all three stores. The local set
// and file always succeed; the shared set is best effort.
func (c *Cache) RecordSeen(ctx context.Context, number string) {
	c.mu.Lock()
	c.local[number] = struct{}{}
	c.mu.Unlock()

	if err := c.client.SAdd(ctx, c.cfg.SetKey, number).Err(); err != nil {
		c.logger.Warn("failed to record number in shared duplicate set",
			logger.String("number", number), logger.Error(err))
	}

	c.appendFile(number)
}

// Len returns the size of the local view.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.local)
}

// Degraded reports whether bootstrap fell back to the file-only view.
func (c *Cache) Degraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.degraded
}

func (c *Cache) setLocal(numbers map[string]struct{}, degraded bool) {
	c.mu.Lock()
	c.local = numbers
	c.degraded = degraded
	c.mu.Unlock()
}

func (c *Cache) readFile() (map[string]struct{}, error) {
	c.fileMu.Lock()
	defer c.fileMu.Unlock()

	numbers := make(map[string]struct{})

	f, err := os.Open(c.cfg.File)
	if err != nil {
		if os.IsNotExist(err) {
			return numbers, nil
		}
		return nil, fmt.Errorf("failed to open duplicate cache file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			numbers[line] = struct{}{}
		}
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return nil, fmt.Errorf("failed to read duplicate cache file: %w", scanErr)
	}

	return numbers, nil
}

// writeFile rewrites the cache file with the full number set. Failures are
// logged, not fatal: the file is a warm-start optimization.
func (c *Cache) writeFile(numbers map[string]struct{}) {
	c.fileMu.Lock()
	defer c.fileMu.Unlock()

	sorted := make([]string, 0, len(numbers))
	for n := range numbers {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	var sb strings.Builder
	for _, n := range sorted {
		sb.WriteString(n)
		sb.WriteByte('\n')
	}

	if err := os.WriteFile(c.cfg.File, []byte(sb.String()), 0o644); err != nil {
		c.logger.Warn("failed to rewrite duplicate cache file", logger.Error(err))
	}
}

func (c *Cache) appendFile(number string) {
	c.fileMu.Lock()
	defer c.fileMu.Unlock()

	f, err := os.OpenFile(c.cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		c.logger.Warn("failed to open duplicate cache file for append", logger.Error(err))
		return
	}
	defer f.Close()

	if _, err := f.WriteString(number + "\n"); err != nil {
		c.logger.Warn("failed to append to duplicate cache file", logger.Error(err))
	}
}
