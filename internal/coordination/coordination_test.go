package coordination_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partsbay/harvester/internal/coordination"
	"github.com/partsbay/harvester/internal/logger"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return mr, client
}

func testMarkerConfig() coordination.MarkerConfig {
	return coordination.MarkerConfig{
		ProcessingKey: "harvest:processing",
		OwnerKey:      "harvest:owners",
		DedupSetKey:   "harvest:dedupe_queries",
	}
}

func TestMutex_AcquireAndRelease(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	m1 := coordination.NewMutex(client, "bootstrap_lock", coordination.DefaultMutexTTL)
	acquired, err := m1.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)

	m2 := coordination.NewMutex(client, "bootstrap_lock", coordination.DefaultMutexTTL)
	acquired, err = m2.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, acquired)

	// Only the holder's token can release.
	err = m2.Unlock(ctx)
	assert.ErrorIs(t, err, coordination.ErrMutexNotHeld)

	require.NoError(t, m1.Unlock(ctx))

	acquired, err = m2.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestMutex_ExtendSurvivesOriginalTTL(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	m := coordination.NewMutex(client, "bootstrap_lock", time.Second)
	acquired, err := m.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, m.Extend(ctx, 10*time.Second))

	mr.FastForward(2 * time.Second)

	held, err := m.IsHeld(ctx)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestMutex_ExtendAfterExpiry(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	m := coordination.NewMutex(client, "bootstrap_lock", time.Second)
	acquired, err := m.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	mr.FastForward(2 * time.Second)

	err = m.Extend(ctx, 10*time.Second)
	assert.ErrorIs(t, err, coordination.ErrMutexNotHeld)
}

func TestMarkers_BeginTouchClear(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	markers := coordination.NewMarkers(client, testMarkerConfig())

	added, err := markers.MarkEnqueued(ctx, "brake caliper")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = markers.MarkEnqueued(ctx, "brake caliper")
	require.NoError(t, err)
	assert.False(t, added, "double enqueue must be rejected")

	require.NoError(t, markers.Begin(ctx, "brake caliper", "worker-1"))

	owner, err := markers.Owner(ctx, "brake caliper")
	require.NoError(t, err)
	assert.Equal(t, "worker-1", owner)

	inFlight, err := markers.InFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inFlight)

	require.NoError(t, markers.Clear(ctx, "brake caliper"))

	owner, err = markers.Owner(ctx, "brake caliper")
	require.NoError(t, err)
	assert.Empty(t, owner)

	// Clearing released the dedup slot.
	added, err = markers.MarkEnqueued(ctx, "brake caliper")
	require.NoError(t, err)
	assert.True(t, added)
}

func TestMarkers_TouchDoesNotResurrectCleared(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	markers := coordination.NewMarkers(client, testMarkerConfig())

	require.NoError(t, markers.Begin(ctx, "water pump", "worker-1"))
	require.NoError(t, markers.Clear(ctx, "water pump"))
	require.NoError(t, markers.Touch(ctx, "water pump"))

	inFlight, err := markers.InFlight(ctx)
	require.NoError(t, err)
	assert.Zero(t, inFlight)
}

func TestMarkers_StaleSince(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	markers := coordination.NewMarkers(client, testMarkerConfig())

	require.NoError(t, markers.Begin(ctx, "old query", "worker-1"))

	// Age the first marker by rewriting its score directly.
	old := float64(time.Now().Add(-10 * time.Minute).Unix())
	require.NoError(t, client.ZAdd(ctx, "harvest:processing",
		redis.Z{Score: old, Member: "old query"}).Err())

	require.NoError(t, markers.Begin(ctx, "fresh query", "worker-2"))

	stale, err := markers.StaleSince(ctx, time.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old query", stale[0].Query)
	assert.Equal(t, "worker-1", stale[0].WorkerID)
}

func TestHeartbeat_StartStop(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	hb := coordination.NewHeartbeat(client, logger.NewNop(), "worker-1",
		50*time.Millisecond, 500*time.Millisecond)

	require.NoError(t, hb.Start(ctx))

	alive, err := coordination.Alive(ctx, client, "worker-1")
	require.NoError(t, err)
	assert.True(t, alive)

	require.NoError(t, hb.Stop(ctx))

	alive, err = coordination.Alive(ctx, client, "worker-1")
	require.NoError(t, err)
	assert.False(t, alive, "clean shutdown must delete the heartbeat key")
}

func TestRecovery_RequeuesDeadOwnersOnly(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	markers := coordination.NewMarkers(client, testMarkerConfig())

	// Dead owner: marker is old and worker-1 has no heartbeat.
	require.NoError(t, markers.Begin(ctx, "dead query", "worker-1"))
	// Live owner: marker is old but worker-2 still beats.
	require.NoError(t, markers.Begin(ctx, "slow query", "worker-2"))

	old := float64(time.Now().Add(-10 * time.Minute).Unix())
	for _, q := range []string{"dead query", "slow query"} {
		require.NoError(t, client.ZAdd(ctx, "harvest:processing",
			redis.Z{Score: old, Member: q}).Err())
	}

	hb := coordination.NewHeartbeat(client, logger.NewNop(), "worker-2",
		time.Second, 30*time.Second)
	require.NoError(t, hb.Start(ctx))
	defer hb.Stop(ctx)

	var requeued []string
	recovery := coordination.NewRecovery(client, markers, logger.NewNop(), 5*time.Minute,
		func(_ context.Context, query string) error {
			requeued = append(requeued, query)
			return nil
		})

	n, err := recovery.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"dead query"}, requeued)

	// The dead query's marker is gone; the slow one's was refreshed.
	owner, err := markers.Owner(ctx, "dead query")
	require.NoError(t, err)
	assert.Empty(t, owner)

	stale, err := markers.StaleSince(ctx, time.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)
}
