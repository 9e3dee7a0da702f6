package coordination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/partsbay/harvester/internal/logger"
)

const heartbeatKeyPrefix = "hb:"

// HeartbeatKey returns the liveness key for a worker id.
func HeartbeatKey(workerID string) string {
	return heartbeatKeyPrefix + workerID
}

// Heartbeat periodically publishes a worker's liveness to Redis. The key
// carries a TTL a few intervals long, so a crashed worker's heartbeat
// disappears on its own; a clean shutdown deletes it immediately.
type Heartbeat struct {
	client   *redis.Client
	logger   logger.Logger
	workerID string
	interval time.Duration
	ttl      time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewHeartbeat creates a heartbeat publisher for a worker.
func NewHeartbeat(client *redis.Client, log logger.Logger, workerID string, interval, ttl time.Duration) *Heartbeat {
	if ttl <= interval {
		ttl = 3 * interval
	}
	return &Heartbeat{
		client:   client,
		logger:   log,
		workerID: workerID,
		interval: interval,
		ttl:      ttl,
	}
}

// Start begins publishing until Stop is called or the context ends. The
// first beat is published synchronously so the worker is visible before it
// takes any work.
func (h *Heartbeat) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return nil
	}

	if err := h.beat(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	h.started = true

	go h.run(runCtx)
	return nil
}

func (h *Heartbeat) run(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.beat(ctx); err != nil && ctx.Err() == nil {
				h.logger.Warn("heartbeat publish failed",
					logger.String("worker_id", h.workerID),
					logger.Error(err))
			}
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) error {
	err := h.client.Set(ctx, HeartbeatKey(h.workerID), time.Now().Unix(), h.ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to publish heartbeat: %w", err)
	}
	return nil
}

// Stop halts publishing and deletes the liveness key so peers see the
// shutdown immediately instead of waiting out the TTL.
func (h *Heartbeat) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return nil
	}

	h.cancel()
	<-h.done
	h.started = false

	if err := h.client.Del(ctx, HeartbeatKey(h.workerID)).Err(); err != nil {
		return fmt.Errorf("failed to remove heartbeat key: %w", err)
	}
	return nil
}

// Alive reports whether a worker currently has a live heartbeat.
func Alive(ctx context.Context, client *redis.Client, workerID string) (bool, error) {
	n, err := client.Exists(ctx, HeartbeatKey(workerID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check heartbeat: %w", err)
	}
	return n > 0, nil
}
