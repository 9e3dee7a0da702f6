package throttle_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partsbay/harvester/internal/logger"
	"github.com/partsbay/harvester/internal/throttle"
)

func testConfig() throttle.Config {
	return throttle.Config{
		KeyPrefix: "proxy_delay:",
		Default:   9125 * time.Microsecond,
		Step:      1825 * time.Microsecond,
		Floor:     1825 * time.Microsecond,
		Ceiling:   37500 * time.Microsecond,
		NoProxy:   4562 * time.Microsecond,
	}
}

func newDelay(t *testing.T) (*throttle.Delay, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return throttle.NewDelay(client, logger.NewNop(), testConfig()), client
}

func TestDelay_DefaultForUnknownProxy(t *testing.T) {
	d, _ := newDelay(t)

	got := d.Current(context.Background(), "10.0.0.1:8080")
	assert.Equal(t, 9125*time.Microsecond, got)
}

func TestDelay_RewardStepsDownToFloor(t *testing.T) {
	d, _ := newDelay(t)
	ctx := context.Background()

	d.Reward(ctx, "10.0.0.1:8080")
	assert.Equal(t, 7300*time.Microsecond, d.Current(ctx, "10.0.0.1:8080"))

	// Rewards beyond the floor clamp there.
	for i := 0; i < 20; i++ {
		d.Reward(ctx, "10.0.0.1:8080")
	}
	assert.Equal(t, 1825*time.Microsecond, d.Current(ctx, "10.0.0.1:8080"))
}

func TestDelay_PenalizeStepsUpToCeiling(t *testing.T) {
	d, _ := newDelay(t)
	ctx := context.Background()

	d.Penalize(ctx, "10.0.0.1:8080")
	assert.Equal(t, 10950*time.Microsecond, d.Current(ctx, "10.0.0.1:8080"))

	for i := 0; i < 50; i++ {
		d.Penalize(ctx, "10.0.0.1:8080")
	}
	assert.Equal(t, 37500*time.Microsecond, d.Current(ctx, "10.0.0.1:8080"))
}

func TestDelay_ProxiesAreIndependent(t *testing.T) {
	d, _ := newDelay(t)
	ctx := context.Background()

	d.Penalize(ctx, "10.0.0.1:8080")
	d.Reward(ctx, "10.0.0.2:8080")

	assert.Equal(t, 10950*time.Microsecond, d.Current(ctx, "10.0.0.1:8080"))
	assert.Equal(t, 7300*time.Microsecond, d.Current(ctx, "10.0.0.2:8080"))
}

func TestDelay_Reset(t *testing.T) {
	d, _ := newDelay(t)
	ctx := context.Background()

	d.Penalize(ctx, "10.0.0.1:8080")
	require.NoError(t, d.Reset(ctx, "10.0.0.1:8080"))
	assert.Equal(t, 9125*time.Microsecond, d.Current(ctx, "10.0.0.1:8080"))
}

func TestDelay_WaitHonorsContext(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := testConfig()
	cfg.NoProxy = time.Hour
	d := throttle.NewDelay(client, logger.NewNop(), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := d.Wait(ctx, "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
