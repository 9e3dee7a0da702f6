package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/partsbay/harvester/internal/domain"
	"github.com/partsbay/harvester/internal/logger"
	"github.com/partsbay/harvester/internal/queue"
)

// WorkerState represents the current state of a worker.
type WorkerState int32

const (
	// WorkerStateIdle means the worker is waiting for work.
	WorkerStateIdle WorkerState = iota

	// WorkerStateBusy means the worker is processing a job.
	WorkerStateBusy

	// WorkerStateStopped means the worker has stopped.
	WorkerStateStopped

	// stuckThresholdMultiplier scales the job timeout into a stuck threshold.
	stuckThresholdMultiplier = 2

	// percentageMultiplier converts ratio to percentage.
	percentageMultiplier = 100
)

// String returns the string representation of a worker state.
func (s WorkerState) String() string {
	switch s {
	case WorkerStateIdle:
		return "idle"
	case WorkerStateBusy:
		return "busy"
	case WorkerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// JobHandler processes one harvest job.
type JobHandler func(ctx context.Context, job *domain.HarvestJob) error

// Worker is an individual worker in the pool.
type Worker struct {
	id         int
	state      atomic.Int32
	handler    JobHandler
	jobTimeout time.Duration
	logger     logger.Logger

	// Stats
	jobsProcessed atomic.Int64
	jobsSucceeded atomic.Int64
	jobsFailed    atomic.Int64
	lastJobAt     atomic.Int64
	lastError     atomic.Value

	// Current job tracking
	currentQuery atomic.Value
	jobStartedAt atomic.Int64
}

// NewWorker creates a new worker.
func NewWorker(id int, handler JobHandler, jobTimeout time.Duration, log logger.Logger) *Worker {
	w := &Worker{
		id:         id,
		handler:    handler,
		jobTimeout: jobTimeout,
		logger:     log,
	}
	w.state.Store(int32(WorkerStateIdle))
	return w
}

// ID returns the worker ID.
func (w *Worker) ID() int {
	return w.id
}

// State returns the current worker state.
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// IsIdle returns true if the worker is idle.
func (w *Worker) IsIdle() bool {
	return w.State() == WorkerStateIdle
}

// IsBusy returns true if the worker is busy.
func (w *Worker) IsBusy() bool {
	return w.State() == WorkerStateBusy
}

// Process runs one consumed job through the handler.
func (w *Worker) Process(ctx context.Context, consumed *queue.ConsumedJob) error {
	if consumed == nil || consumed.Job == nil {
		return fmt.Errorf("worker %d: job cannot be nil", w.id)
	}

	if !w.state.CompareAndSwap(int32(WorkerStateIdle), int32(WorkerStateBusy)) {
		return fmt.Errorf("worker %d: not idle, current state: %s", w.id, w.State())
	}

	w.currentQuery.Store(consumed.Job.Query)
	w.jobStartedAt.Store(time.Now().UnixNano())

	defer func() {
		w.currentQuery.Store("")
		w.jobStartedAt.Store(0)
		w.state.Store(int32(WorkerStateIdle))
	}()

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	w.logger.Info("worker processing job",
		logger.Int("worker_id", w.id),
		logger.String("job_id", consumed.Job.ID),
		logger.String("query", consumed.Job.Query),
	)

	startTime := time.Now()
	err := w.handler(jobCtx, consumed.Job)
	duration := time.Since(startTime)

	w.jobsProcessed.Add(1)
	w.lastJobAt.Store(time.Now().UnixNano())

	if err != nil {
		w.jobsFailed.Add(1)
		w.lastError.Store(err)
		w.logger.Error("worker job failed",
			logger.Int("worker_id", w.id),
			logger.String("job_id", consumed.Job.ID),
			logger.Duration("duration", duration),
			logger.Error(err),
		)
		return fmt.Errorf("worker %d: job %s failed: %w", w.id, consumed.Job.ID, err)
	}

	w.jobsSucceeded.Add(1)
	w.logger.Info("worker job completed",
		logger.Int("worker_id", w.id),
		logger.String("job_id", consumed.Job.ID),
		logger.Duration("duration", duration),
	)

	return nil
}

// Stop marks the worker stopped.
func (w *Worker) Stop() {
	w.state.Store(int32(WorkerStateStopped))
}

// Stats returns the worker's statistics.
func (w *Worker) Stats() WorkerStats {
	var lastErr error
	if v := w.lastError.Load(); v != nil {
		lastErr, _ = v.(error)
	}

	var currentQuery string
	if v := w.currentQuery.Load(); v != nil {
		currentQuery, _ = v.(string)
	}

	var lastJobTime time.Time
	if ts := w.lastJobAt.Load(); ts > 0 {
		lastJobTime = time.Unix(0, ts)
	}

	var jobStartTime time.Time
	if ts := w.jobStartedAt.Load(); ts > 0 {
		jobStartTime = time.Unix(0, ts)
	}

	return WorkerStats{
		ID:            w.id,
		State:         w.State(),
		JobsProcessed: w.jobsProcessed.Load(),
		JobsSucceeded: w.jobsSucceeded.Load(),
		JobsFailed:    w.jobsFailed.Load(),
		LastJobAt:     lastJobTime,
		LastError:     lastErr,
		CurrentQuery:  currentQuery,
		JobStartedAt:  jobStartTime,
		JobTimeout:    w.jobTimeout,
	}
}

// WorkerStats holds statistics for a worker.
type WorkerStats struct {
	ID            int
	State         WorkerState
	JobsProcessed int64
	JobsSucceeded int64
	JobsFailed    int64
	LastJobAt     time.Time
	LastError     error
	CurrentQuery  string
	JobStartedAt  time.Time
	JobTimeout    time.Duration
}

// SuccessRate returns the success rate as a percentage.
func (s WorkerStats) SuccessRate() float64 {
	if s.JobsProcessed == 0 {
		return 0
	}
	return float64(s.JobsSucceeded) / float64(s.JobsProcessed) * percentageMultiplier
}

// IsHealthy reports whether the worker is neither stopped nor stuck past
// twice its job timeout.
func (s WorkerStats) IsHealthy() bool {
	if s.State == WorkerStateStopped {
		return false
	}
	if s.State == WorkerStateBusy && !s.JobStartedAt.IsZero() {
		stuckThreshold := stuckThresholdMultiplier * s.JobTimeout
		if stuckThreshold > 0 && time.Since(s.JobStartedAt) > stuckThreshold {
			return false
		}
	}
	return true
}
