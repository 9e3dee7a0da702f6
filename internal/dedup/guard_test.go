package dedup_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partsbay/harvester/internal/dedup"
	"github.com/partsbay/harvester/internal/logger"
)

func TestGuard_AcquireIsExclusive(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	guard := dedup.NewGuard(client, logger.NewNop(), "dup_guard:item:", 10*time.Minute)

	ok, err := guard.Acquire(ctx, "256111111111", "brake caliper")
	require.NoError(t, err)
	assert.True(t, ok)

	// The claim records the query that surfaced the listing.
	val, err := client.Get(ctx, "dup_guard:item:256111111111").Result()
	require.NoError(t, err)
	assert.Equal(t, "brake caliper", val)

	ok, err = guard.Acquire(ctx, "256111111111", "water pump")
	require.NoError(t, err)
	assert.False(t, ok)

	guard.Release(ctx, "256111111111")

	ok, err = guard.Acquire(ctx, "256111111111", "water pump")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGuard_ClaimExpires(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	guard := dedup.NewGuard(client, logger.NewNop(), "dup_guard:item:", time.Second)

	ok, err := guard.Acquire(ctx, "256111111111", "brake caliper")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	ok, err = guard.Acquire(ctx, "256111111111", "water pump")
	require.NoError(t, err)
	assert.True(t, ok, "expired claim must be acquirable")
}

func TestGuard_FilterClaimed(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	guard := dedup.NewGuard(client, logger.NewNop(), "dup_guard:item:", 10*time.Minute)

	ok, err := guard.Acquire(ctx, "256222222222", "brake caliper")
	require.NoError(t, err)
	require.True(t, ok)

	unclaimed := guard.FilterClaimed(ctx, []string{
		"256111111111", "256222222222", "256333333333",
	})

	assert.Equal(t, []string{"256111111111", "256333333333"}, unclaimed)
}

func TestGuard_FilterClaimedFailsOpen(t *testing.T) {
	_, client := setupTestRedis(t)
	client.Close()
	ctx := context.Background()

	guard := dedup.NewGuard(client, logger.NewNop(), "dup_guard:item:", 10*time.Minute)

	numbers := []string{"256111111111", "256222222222"}
	assert.Equal(t, numbers, guard.FilterClaimed(ctx, numbers))
}
