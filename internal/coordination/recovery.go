package coordination

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/partsbay/harvester/internal/logger"
)

// RequeueFunc re-enqueues a query whose previous run was lost.
type RequeueFunc func(ctx context.Context, query string) error

// Recovery scans for processing markers that have gone quiet and settles
// each one by its owner's heartbeat: a live owner gets its marker refreshed
// (the worker is slow, not dead); a dead or unknown owner gets the marker
// cleared and the query re-enqueued.
type Recovery struct {
	client     *redis.Client
	markers    *Markers
	logger     logger.Logger
	staleAfter time.Duration
	requeue    RequeueFunc
}

// NewRecovery creates a stale-marker recovery scanner.
func NewRecovery(
	client *redis.Client,
	markers *Markers,
	log logger.Logger,
	staleAfter time.Duration,
	requeue RequeueFunc,
) *Recovery {
	return &Recovery{
		client:     client,
		markers:    markers,
		logger:     log,
		staleAfter: staleAfter,
		requeue:    requeue,
	}
}

// Scan runs one recovery pass and returns the number of queries requeued.
// Failures on individual entries are logged and skipped so one bad entry
// never blocks the rest of the pass.
func (r *Recovery) Scan(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-r.staleAfter)

	stale, err := r.markers.StaleSince(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, entry := range stale {
		if ctx.Err() != nil {
			return requeued, ctx.Err()
		}
		if r.settle(ctx, entry) {
			requeued++
		}
	}

	if len(stale) > 0 {
		r.logger.Info("recovery pass finished",
			logger.Int("stale", len(stale)),
			logger.Int("requeued", requeued))
	}

	return requeued, nil
}

// settle resolves one stale entry. Returns true when the query was requeued.
func (r *Recovery) settle(ctx context.Context, entry StaleEntry) bool {
	if entry.WorkerID != "" {
		alive, err := Alive(ctx, r.client, entry.WorkerID)
		if err != nil {
			r.logger.Warn("heartbeat check failed, leaving marker",
				logger.String("query", entry.Query),
				logger.String("worker_id", entry.WorkerID),
				logger.Error(err))
			return false
		}
		if alive {
			if touchErr := r.markers.Touch(ctx, entry.Query); touchErr != nil {
				r.logger.Warn("failed to refresh live marker",
					logger.String("query", entry.Query),
					logger.Error(touchErr))
			}
			return false
		}
	}

	if err := r.markers.Clear(ctx, entry.Query); err != nil {
		r.logger.Warn("failed to clear stale marker",
			logger.String("query", entry.Query),
			logger.Error(err))
		return false
	}

	if err := r.requeue(ctx, entry.Query); err != nil {
		r.logger.Error("failed to requeue recovered query",
			logger.String("query", entry.Query),
			logger.String("worker_id", entry.WorkerID),
			logger.Error(err))
		return false
	}

	r.logger.Info("recovered stale query",
		logger.String("query", entry.Query),
		logger.String("worker_id", entry.WorkerID),
		logger.Time("touched_at", entry.TouchedAt))
	return true
}
