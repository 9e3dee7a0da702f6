package dedup_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partsbay/harvester/internal/dedup"
	"github.com/partsbay/harvester/internal/logger"
)

type fakeNumberSource struct {
	numbers []string
	err     error
}

func (f *fakeNumberSource) AllNumbers(context.Context) ([]string, error) {
	return f.numbers, f.err
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return mr, client
}

func cacheConfig(file string) dedup.CacheConfig {
	return dedup.CacheConfig{
		File:         file,
		SetKey:       "duplicate_cache:ids",
		LockKey:      "duplicate_cache:bootstrap_lock",
		DoneKey:      "duplicate_cache:bootstrap_done",
		LockTTL:      time.Minute,
		DoneTTL:      time.Minute,
		WaitTimeout:  time.Second,
		WaitInterval: 20 * time.Millisecond,
	}
}

func writeCacheFile(t *testing.T, dir string, numbers ...string) string {
	t.Helper()

	file := filepath.Join(dir, "duplicate_cache.txt")
	var data []byte
	for _, n := range numbers {
		data = append(data, []byte(n+"\n")...)
	}
	require.NoError(t, os.WriteFile(file, data, 0o644))
	return file
}

func TestCache_BootstrapLeaderMergesAllStores(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	dir := t.TempDir()
	file := writeCacheFile(t, dir, "256111111111")

	require.NoError(t, client.SAdd(ctx, "duplicate_cache:ids", "256333333333").Err())

	source := &fakeNumberSource{numbers: []string{"256111111111", "256222222222"}}
	cache := dedup.NewCache(client, source, logger.NewNop(), cacheConfig(file))

	require.NoError(t, cache.Bootstrap(ctx))
	assert.False(t, cache.Degraded())
	assert.Equal(t, 3, cache.Len())

	for _, n := range []string{"256111111111", "256222222222", "256333333333"} {
		assert.True(t, cache.Contains(ctx, n), "missing %s", n)
	}
	assert.False(t, cache.Contains(ctx, "256999999999"))

	// The shared set now carries the superset and the sentinel is up.
	members, err := client.SMembers(ctx, "duplicate_cache:ids").Result()
	require.NoError(t, err)
	assert.Len(t, members, 3)

	n, err := client.Exists(ctx, "duplicate_cache:bootstrap_done").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// The file was rewritten with the superset.
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "256222222222")
}

func TestCache_BootstrapFollowerConverges(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	dir := t.TempDir()

	// Leader knows {A}; follower's file additionally has {B}.
	leaderFile := writeCacheFile(t, dir, "256111111111")
	followerDir := t.TempDir()
	followerFile := filepath.Join(followerDir, "duplicate_cache.txt")
	require.NoError(t, os.WriteFile(followerFile, []byte("256222222222\n"), 0o644))

	leader := dedup.NewCache(client, &fakeNumberSource{}, logger.NewNop(), cacheConfig(leaderFile))
	require.NoError(t, leader.Bootstrap(ctx))

	follower := dedup.NewCache(client, &fakeNumberSource{}, logger.NewNop(), cacheConfig(followerFile))
	require.NoError(t, follower.Bootstrap(ctx))

	assert.False(t, follower.Degraded())
	assert.True(t, follower.Contains(ctx, "256111111111"), "follower must see leader's numbers")
	assert.True(t, follower.Contains(ctx, "256222222222"), "follower must keep its own numbers")
}

func TestCache_FollowerDegradesWithoutSentinel(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	file := writeCacheFile(t, t.TempDir(), "256111111111")

	// Hold the bootstrap lock so the cache becomes a follower, and never
	// raise the sentinel.
	require.NoError(t, client.SetNX(ctx, "duplicate_cache:bootstrap_lock", "other", time.Minute).Err())

	cfg := cacheConfig(file)
	cfg.WaitTimeout = 100 * time.Millisecond

	cache := dedup.NewCache(client, &fakeNumberSource{}, logger.NewNop(), cfg)
	require.NoError(t, cache.Bootstrap(ctx))

	assert.True(t, cache.Degraded())
	assert.True(t, cache.Contains(ctx, "256111111111"))
	assert.False(t, cache.Contains(ctx, "256333333333"))
}

func TestCache_FollowerTakesOverWhenLeaderDies(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	file := writeCacheFile(t, t.TempDir(), "256111111111")

	// A leader holds the lock but dies before raising the sentinel.
	require.NoError(t, client.SetNX(ctx, "duplicate_cache:bootstrap_lock", "other", time.Minute).Err())

	source := &fakeNumberSource{numbers: []string{"256222222222"}}
	cache := dedup.NewCache(client, source, logger.NewNop(), cacheConfig(file))

	done := make(chan error, 1)
	go func() { done <- cache.Bootstrap(ctx) }()

	// The dead leader's lock expires mid-wait.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.Del(ctx, "duplicate_cache:bootstrap_lock").Err())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bootstrap never finished after the lock freed")
	}

	// The waiter finished the reconciliation itself instead of degrading.
	assert.False(t, cache.Degraded())
	assert.True(t, cache.Contains(ctx, "256111111111"))
	assert.True(t, cache.Contains(ctx, "256222222222"))

	n, err := client.Exists(ctx, "duplicate_cache:bootstrap_done").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestCache_RecordSeenReachesAllStores(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	file := filepath.Join(t.TempDir(), "duplicate_cache.txt")
	cache := dedup.NewCache(client, &fakeNumberSource{}, logger.NewNop(), cacheConfig(file))
	require.NoError(t, cache.Bootstrap(ctx))

	cache.RecordSeen(ctx, "256777777777")

	assert.True(t, cache.Contains(ctx, "256777777777"))

	member, err := client.SIsMember(ctx, "duplicate_cache:ids", "256777777777").Result()
	require.NoError(t, err)
	assert.True(t, member)

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "256777777777")
}

func TestCache_ContainsLearnsFromSharedSet(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	file := filepath.Join(t.TempDir(), "duplicate_cache.txt")
	cache := dedup.NewCache(client, &fakeNumberSource{}, logger.NewNop(), cacheConfig(file))
	require.NoError(t, cache.Bootstrap(ctx))

	// A peer records a number after our bootstrap.
	require.NoError(t, client.SAdd(ctx, "duplicate_cache:ids", "256555555555").Err())

	assert.True(t, cache.Contains(ctx, "256555555555"))
}
