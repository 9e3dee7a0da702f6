package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partsbay/harvester/internal/domain"
	"github.com/partsbay/harvester/internal/logger"
	"github.com/partsbay/harvester/internal/queue"
)

func testConfig(size int) Config {
	cfg := DefaultConfig()
	cfg.PoolSize = size
	cfg.JobTimeout = time.Second
	cfg.DrainTimeout = time.Second
	return cfg
}

func consumed(id, query string) *queue.ConsumedJob {
	return &queue.ConsumedJob{
		MessageID: "m-" + id,
		Job:       &domain.HarvestJob{ID: id, Query: query},
	}
}

func TestPoolProcessesJobs(t *testing.T) {
	var processed atomic.Int64
	handler := func(_ context.Context, _ *domain.HarvestJob) error {
		processed.Add(1)
		return nil
	}

	pool, err := NewPool(testConfig(2), handler, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, pool.Start())

	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		require.NoError(t, pool.Submit(ctx, consumed(string(rune('a'+i)), "q"), func(error) {
			wg.Done()
		}))
	}
	wg.Wait()

	assert.Equal(t, int64(4), processed.Load())

	stats := pool.Stats()
	assert.Equal(t, int64(4), stats.JobsProcessed)
	assert.Equal(t, int64(4), stats.JobsSucceeded)
	assert.InDelta(t, 100.0, stats.SuccessRate(), 0.001)

	require.NoError(t, pool.Stop(ctx))
	assert.Equal(t, PoolStateStopped, pool.State())
}

func TestPoolReportsHandlerFailure(t *testing.T) {
	handler := func(_ context.Context, _ *domain.HarvestJob) error {
		return errors.New("scan failed")
	}

	pool, err := NewPool(testConfig(1), handler, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, pool.Start())

	done := make(chan error, 1)
	require.NoError(t, pool.Submit(context.Background(), consumed("a", "q"), func(jobErr error) {
		done <- jobErr
	}))

	select {
	case jobErr := <-done:
		require.Error(t, jobErr)
	case <-time.After(2 * time.Second):
		t.Fatal("job never finished")
	}

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.JobsFailed)
}

func TestPoolTrySubmitWhenFull(t *testing.T) {
	block := make(chan struct{})
	handler := func(_ context.Context, _ *domain.HarvestJob) error {
		<-block
		return nil
	}

	pool, err := NewPool(testConfig(1), handler, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, pool.Start())
	defer func() {
		close(block)
		_ = pool.Stop(context.Background())
	}()

	ctx := context.Background()
	require.NoError(t, pool.Submit(ctx, consumed("a", "q"), nil))

	ok, err := pool.TrySubmit(ctx, consumed("b", "q"), nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPoolRejectsWhenStopped(t *testing.T) {
	pool, err := NewPool(testConfig(1), func(context.Context, *domain.HarvestJob) error {
		return nil
	}, logger.NewNop())
	require.NoError(t, err)

	assert.Error(t, pool.Submit(context.Background(), consumed("a", "q"), nil))
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.PoolSize = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.PoolSize = MaxPoolSize + 1
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.JobTimeout = 0
	assert.Error(t, cfg.Validate())
}
