package worker

import (
	"context"
	"sync"
	"time"

	"github.com/partsbay/harvester/internal/logger"
)

// HealthStatus classifies the pool for the /health endpoint.
type HealthStatus string

const (
	// HealthStatusHealthy means every worker is making progress.
	HealthStatusHealthy HealthStatus = "healthy"

	// HealthStatusDegraded means some workers are stuck on a query but a
	// majority still makes progress.
	HealthStatusDegraded HealthStatus = "degraded"

	// HealthStatusUnhealthy means the pool is stopped or mostly stuck.
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// String returns the status as a string.
func (s HealthStatus) String() string {
	return string(s)
}

// Health is one snapshot of pool health. A worker counts as stuck when its
// current job has outlived the stuck threshold derived from the job timeout.
type Health struct {
	Status    HealthStatus
	CheckedAt time.Time
	Pool      PoolState
	Workers   int
	Busy      int
	Stuck     int
	// StuckQueries names the queries the stuck workers are wedged on, so
	// a recurring offender shows up in the logs by name.
	StuckQueries []string
}

// HealthMonitor samples the pool on an interval and classifies it. Status is
// logged only on transitions, so a wedged query is reported once instead of
// every tick.
type HealthMonitor struct {
	pool     *Pool
	logger   logger.Logger
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu   sync.RWMutex
	last *Health
}

// NewHealthMonitor creates a monitor for the pool.
func NewHealthMonitor(pool *Pool, interval time.Duration, log logger.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}

	return &HealthMonitor{
		pool:     pool,
		logger:   log,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic sampling.
func (m *HealthMonitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop halts sampling and waits for the loop to exit.
func (m *HealthMonitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Check samples the pool now and records the snapshot.
func (m *HealthMonitor) Check() Health {
	stats := m.pool.Stats()

	var stuckQueries []string
	for _, ws := range stats.Workers {
		if !ws.IsHealthy() {
			stuckQueries = append(stuckQueries, ws.CurrentQuery)
		}
	}

	h := Health{
		Status:       classify(stats.State, stats.PoolSize, len(stuckQueries)),
		CheckedAt:    time.Now(),
		Pool:         stats.State,
		Workers:      stats.PoolSize,
		Busy:         stats.BusyWorkers,
		Stuck:        len(stuckQueries),
		StuckQueries: stuckQueries,
	}

	m.mu.Lock()
	prev := m.last
	m.last = &h
	m.mu.Unlock()

	// A healthy first snapshot is the expected state, not a transition.
	if prev == nil && h.Status != HealthStatusHealthy || prev != nil && prev.Status != h.Status {
		m.logTransition(h)
	}

	return h
}

// classify downgrades the pool to degraded while stuck workers stay in the
// minority, and to unhealthy once they reach half the pool or the pool is
// not running at all.
func classify(state PoolState, workers, stuck int) HealthStatus {
	if state != PoolStateRunning || workers == 0 {
		return HealthStatusUnhealthy
	}
	if stuck == 0 {
		return HealthStatusHealthy
	}
	if stuck*2 < workers {
		return HealthStatusDegraded
	}
	return HealthStatusUnhealthy
}

// LastCheck returns the most recent snapshot, or nil before the first Check.
func (m *HealthMonitor) LastCheck() *Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// IsHealthy reports whether the pool can still accept work: healthy and
// degraded both count, only unhealthy does not.
func (m *HealthMonitor) IsHealthy() bool {
	last := m.LastCheck()
	if last == nil {
		return false
	}
	return last.Status != HealthStatusUnhealthy
}

func (m *HealthMonitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check()

	for {
		select {
		case <-ticker.C:
			m.Check()
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		}
	}
}

func (m *HealthMonitor) logTransition(h Health) {
	fields := []logger.Field{
		logger.String("status", h.Status.String()),
		logger.String("pool_state", h.Pool.String()),
		logger.Int("workers", h.Workers),
		logger.Int("busy", h.Busy),
		logger.Int("stuck", h.Stuck),
	}
	if len(h.StuckQueries) > 0 {
		fields = append(fields, logger.Strings("stuck_queries", h.StuckQueries))
	}

	switch h.Status {
	case HealthStatusHealthy:
		m.logger.Info("pool recovered", fields...)
	case HealthStatusDegraded:
		m.logger.Warn("pool degraded", fields...)
	case HealthStatusUnhealthy:
		m.logger.Error("pool unhealthy", fields...)
	}
}
