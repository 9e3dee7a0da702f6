package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partsbay/harvester/internal/domain"
	"github.com/partsbay/harvester/internal/logger"
)

// blockingPool starts a pool whose handler never returns until release is
// closed, so submitted jobs pin their workers in the busy state.
func blockingPool(t *testing.T, size int, jobTimeout time.Duration) (*Pool, chan struct{}) {
	t.Helper()

	release := make(chan struct{})
	handler := func(_ context.Context, _ *domain.HarvestJob) error {
		<-release
		return nil
	}

	cfg := testConfig(size)
	cfg.JobTimeout = jobTimeout

	pool, err := NewPool(cfg, handler, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, pool.Start())
	t.Cleanup(func() {
		close(release)
		_ = pool.Stop(context.Background())
	})

	return pool, release
}

func TestHealthMonitorIdlePoolIsHealthy(t *testing.T) {
	pool, _ := blockingPool(t, 2, time.Second)
	monitor := NewHealthMonitor(pool, 0, logger.NewNop())

	h := monitor.Check()
	assert.Equal(t, HealthStatusHealthy, h.Status)
	assert.Equal(t, 2, h.Workers)
	assert.Zero(t, h.Stuck)
	assert.True(t, monitor.IsHealthy())

	last := monitor.LastCheck()
	require.NotNil(t, last)
	assert.Equal(t, HealthStatusHealthy, last.Status)
}

func TestHealthMonitorUnhealthyBeforeStart(t *testing.T) {
	pool, err := NewPool(testConfig(2), func(context.Context, *domain.HarvestJob) error {
		return nil
	}, logger.NewNop())
	require.NoError(t, err)

	monitor := NewHealthMonitor(pool, 0, logger.NewNop())

	assert.Equal(t, HealthStatusUnhealthy, monitor.Check().Status)
	assert.False(t, monitor.IsHealthy())
}

func TestHealthMonitorStuckMinorityDegrades(t *testing.T) {
	pool, _ := blockingPool(t, 4, 10*time.Millisecond)
	monitor := NewHealthMonitor(pool, 0, logger.NewNop())

	require.NoError(t, pool.Submit(context.Background(), consumed("a", "brake caliper"), nil))

	// One worker wedged past twice its job timeout, three still free.
	require.Eventually(t, func() bool {
		h := monitor.Check()
		return h.Status == HealthStatusDegraded && h.Stuck == 1
	}, time.Second, 10*time.Millisecond)

	h := monitor.LastCheck()
	require.NotNil(t, h)
	assert.Equal(t, []string{"brake caliper"}, h.StuckQueries)
	assert.True(t, monitor.IsHealthy(), "degraded still accepts work")
}

func TestHealthMonitorStuckMajorityIsUnhealthy(t *testing.T) {
	pool, _ := blockingPool(t, 2, 10*time.Millisecond)
	monitor := NewHealthMonitor(pool, 0, logger.NewNop())

	ctx := context.Background()
	require.NoError(t, pool.Submit(ctx, consumed("a", "q1"), nil))
	require.NoError(t, pool.Submit(ctx, consumed("b", "q2"), nil))

	require.Eventually(t, func() bool {
		h := monitor.Check()
		return h.Status == HealthStatusUnhealthy && h.Stuck == 2
	}, time.Second, 10*time.Millisecond)

	assert.False(t, monitor.IsHealthy())
}
