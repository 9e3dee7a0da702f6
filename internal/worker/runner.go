package worker

import (
	"context"
	"time"

	"github.com/partsbay/harvester/internal/logger"
	"github.com/partsbay/harvester/internal/metrics"
	"github.com/partsbay/harvester/internal/queue"
)

// readRetryDelay spaces out queue reads after a read error.
const readRetryDelay = 2 * time.Second

// Runner drives the pool from the job queue: read, submit, acknowledge.
type Runner struct {
	consumer *queue.Consumer
	pool     *Pool
	metrics  *metrics.Metrics
	logger   logger.Logger
}

// NewRunner creates a queue-to-pool runner.
func NewRunner(consumer *queue.Consumer, pool *Pool, m *metrics.Metrics, log logger.Logger) *Runner {
	return &Runner{
		consumer: consumer,
		pool:     pool,
		metrics:  m,
		logger:   log,
	}
}

// Run consumes jobs until ctx ends. Each job is acknowledged only after its
// handler finishes, so a crashed worker's jobs stay pending and get
// reclaimed by a peer.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.consumer.Initialize(ctx); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		jobs, err := r.consumer.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("failed to read jobs", logger.Error(err))
			r.sleep(ctx)
			continue
		}

		for _, job := range jobs {
			if submitErr := r.pool.Submit(ctx, job, r.acknowledger(job)); submitErr != nil {
				return submitErr
			}
		}
	}
}

// acknowledger acks the stream message once the handler succeeds. Failed
// jobs stay pending for reclaim.
func (r *Runner) acknowledger(job *queue.ConsumedJob) func(error) {
	return func(err error) {
		if err != nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if ackErr := r.consumer.Acknowledge(ctx, job); ackErr != nil {
			r.logger.Warn("failed to acknowledge job",
				logger.String("message_id", job.MessageID),
				logger.Error(ackErr))
			return
		}
		if r.metrics != nil {
			r.metrics.QueueDequeued.Inc()
		}
	}
}

func (r *Runner) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(readRetryDelay):
	}
}
