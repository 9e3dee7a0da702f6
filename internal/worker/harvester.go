package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/partsbay/harvester/internal/batch"
	"github.com/partsbay/harvester/internal/catalog"
	"github.com/partsbay/harvester/internal/coordination"
	"github.com/partsbay/harvester/internal/database"
	"github.com/partsbay/harvester/internal/dedup"
	"github.com/partsbay/harvester/internal/domain"
	"github.com/partsbay/harvester/internal/logger"
	"github.com/partsbay/harvester/internal/metrics"
	"github.com/partsbay/harvester/internal/retry"
	"github.com/partsbay/harvester/internal/session"
	"github.com/partsbay/harvester/internal/throttle"
)

// sessionRefreshTimeout bounds how long a blocked worker waits for a fresh
// session cookie before giving the listing up to the retry budget.
const sessionRefreshTimeout = 2 * time.Minute

// Harvester executes one harvest job end to end: scan the catalog, claim
// each surviving listing, resolve its detail page under the adaptive delay
// and commit it through the batch layer.
type Harvester struct {
	workerID   string
	pipeline   *catalog.Pipeline
	resolver   catalog.DetailResolver
	guard      *dedup.Guard
	cache      *dedup.Cache
	delay      *throttle.Delay
	sessions   *session.Store
	committer  *batch.Committer
	markers    *coordination.Markers
	metrics    *metrics.Metrics
	logger     logger.Logger
	policy     retry.Policy
	touchEvery int
}

// HarvesterDeps wires the harvester's collaborators. Sessions and metrics
// may be nil.
type HarvesterDeps struct {
	WorkerID  string
	Pipeline  *catalog.Pipeline
	Resolver  catalog.DetailResolver
	Guard     *dedup.Guard
	Cache     *dedup.Cache
	Delay     *throttle.Delay
	Sessions  *session.Store
	Committer *batch.Committer
	Markers   *coordination.Markers
	Metrics   *metrics.Metrics
	Logger    logger.Logger
}

// NewHarvester creates a harvest job handler. maxAttempts and retryDelay
// tune the per-listing retry budget; zero values take the package defaults.
func NewHarvester(deps HarvesterDeps, touchEvery, maxAttempts int, retryDelay time.Duration) *Harvester {
	if touchEvery <= 0 {
		touchEvery = DefaultTouchEvery
	}

	policy := retry.DefaultPolicy()
	if maxAttempts > 0 {
		policy.MaxAttempts = maxAttempts
	}
	if retryDelay > 0 {
		policy.InitialDelay = retryDelay
	}
	policy.Retryable = func(err error) bool {
		return errors.Is(err, catalog.ErrUpstreamBlocked) || retry.IsTransient(err)
	}

	return &Harvester{
		workerID:   deps.WorkerID,
		pipeline:   deps.Pipeline,
		resolver:   deps.Resolver,
		guard:      deps.Guard,
		cache:      deps.Cache,
		delay:      deps.Delay,
		sessions:   deps.Sessions,
		committer:  deps.Committer,
		markers:    deps.Markers,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		policy:     policy,
		touchEvery: touchEvery,
	}
}

// Handle runs one harvest job. Returns an error only when the scan itself
// fails; individual listing failures are logged and counted, the job is
// still considered done because the next cycle re-reaches them.
func (h *Harvester) Handle(ctx context.Context, job *domain.HarvestJob) error {
	start := time.Now()
	if h.metrics != nil {
		h.metrics.JobsRunning.Inc()
		defer h.metrics.JobsRunning.Dec()
	}

	if err := h.markers.Begin(ctx, job.Query, h.workerID); err != nil {
		// The job still runs; only stale recovery loses track of it.
		h.logger.Warn("failed to set processing marker",
			logger.String("query", job.Query), logger.Error(err))
	}
	defer func() {
		if err := h.markers.Clear(context.WithoutCancel(ctx), job.Query); err != nil {
			h.logger.Warn("failed to clear processing marker",
				logger.String("query", job.Query), logger.Error(err))
		}
	}()

	scan, err := h.pipeline.Run(ctx, job)
	if err != nil {
		h.recordJob("failed", start)
		return fmt.Errorf("catalog scan for %q: %w", job.Query, err)
	}

	stored, failed := h.harvestCandidates(ctx, job, scan)

	h.logger.Info("harvest job finished",
		logger.String("query", job.Query),
		logger.Int64("cycle", scan.Cycle),
		logger.Int("seen", scan.Seen),
		logger.Int("candidates", len(scan.Candidates)),
		logger.Int("stored", stored),
		logger.Int("failed", failed),
		logger.Int64("archived", scan.Archived),
	)

	h.recordJob("completed", start)
	return nil
}

// pendingCommit tracks one committed listing until its batch lands.
type pendingCommit struct {
	number string
	done   <-chan error
}

// harvestCandidates resolves and commits each candidate listing. Returns the
// stored and failed counts.
func (h *Harvester) harvestCandidates(ctx context.Context, job *domain.HarvestJob, scan *catalog.ScanResult) (int, int) {
	proxyKey := catalog.ProxyKey(job.Proxy)

	var pending []pendingCommit
	failed := 0

	for i, number := range scan.Candidates {
		if ctx.Err() != nil {
			failed += len(scan.Candidates) - i
			break
		}

		if i > 0 && i%h.touchEvery == 0 {
			if err := h.markers.Touch(ctx, job.Query); err != nil {
				h.logger.Warn("failed to touch processing marker",
					logger.String("query", job.Query), logger.Error(err))
			}
		}

		acquired, err := h.guard.Acquire(ctx, number, job.Query)
		if err != nil {
			// Unknown claim state: leave the listing to the next cycle.
			h.logger.Warn("claim guard unavailable, skipping listing",
				logger.String("number", number), logger.Error(err))
			failed++
			continue
		}
		if !acquired {
			if h.metrics != nil {
				h.metrics.RecordDuplicate("guard")
			}
			continue
		}

		detail, err := h.resolveDetail(ctx, number, job.Proxy, proxyKey)
		if err != nil {
			h.guard.Release(context.WithoutCancel(ctx), number)
			h.logger.Warn("failed to resolve listing",
				logger.String("number", number), logger.Error(err))
			if h.metrics != nil {
				h.metrics.ItemsResolved.WithLabelValues("failed").Inc()
			}
			failed++
			continue
		}

		detail.Item.Query = job.Query
		detail.Item.Cycle = scan.Cycle

		done, err := h.committer.Commit(*detail)
		if err != nil {
			h.guard.Release(context.WithoutCancel(ctx), number)
			failed++
			continue
		}
		pending = append(pending, pendingCommit{number: number, done: done})
	}

	stored, flushFailed := h.settleCommits(ctx, pending)
	return stored, failed + flushFailed
}

// settleCommits waits for every pending batch result. Stored and duplicate
// listings both feed the duplicate cache; the guard is always released.
func (h *Harvester) settleCommits(ctx context.Context, pending []pendingCommit) (stored, failed int) {
	for _, pc := range pending {
		var err error
		select {
		case err = <-pc.done:
		case <-ctx.Done():
			err = ctx.Err()
		}

		switch {
		case err == nil:
			h.cache.RecordSeen(ctx, pc.number)
			if h.metrics != nil {
				h.metrics.ItemsResolved.WithLabelValues("stored").Inc()
			}
			stored++
		case database.IsUniqueViolation(err):
			// A peer stored it first; the number is harvested either way.
			h.cache.RecordSeen(ctx, pc.number)
			if h.metrics != nil {
				h.metrics.RecordDuplicate("store")
			}
		default:
			h.logger.Warn("failed to store listing",
				logger.String("number", pc.number), logger.Error(err))
			failed++
		}

		h.guard.Release(context.WithoutCancel(ctx), pc.number)
	}
	return stored, failed
}

// resolveDetail fetches one listing under the adaptive delay. A blocked
// response slows the proxy down and waits for a fresh session before the
// next attempt; a clean response speeds it up.
func (h *Harvester) resolveDetail(ctx context.Context, number string, proxy *domain.Proxy, proxyKey string) (*domain.ItemDetail, error) {
	var detail *domain.ItemDetail

	err := retry.Do(ctx, h.policy, func() error {
		if err := h.delay.Wait(ctx, proxyKey); err != nil {
			return err
		}

		d, err := h.resolver.ResolveDetail(ctx, number, proxy)
		if err != nil {
			if errors.Is(err, catalog.ErrUpstreamBlocked) {
				h.delay.Penalize(ctx, proxyKey)
				h.awaitFreshSession(ctx, proxyKey)
			}
			return err
		}

		h.delay.Reward(ctx, proxyKey)
		detail = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return detail, nil
}

// awaitFreshSession blocks until the session cookie for the proxy changes,
// bounded by sessionRefreshTimeout. Without a session store it just returns.
func (h *Harvester) awaitFreshSession(ctx context.Context, proxyKey string) {
	if h.sessions == nil {
		return
	}

	old, err := h.sessions.Get(ctx, proxyKey)
	if err != nil {
		old = ""
	}

	waitCtx, cancel := context.WithTimeout(ctx, sessionRefreshTimeout)
	defer cancel()

	if _, err := h.sessions.AwaitChange(waitCtx, proxyKey, old); err != nil {
		h.logger.Warn("no fresh session arrived, retrying with the old one",
			logger.String("proxy", proxyKey), logger.Error(err))
	}
}

func (h *Harvester) recordJob(status string, start time.Time) {
	if h.metrics != nil {
		h.metrics.RecordJob(status, time.Since(start).Seconds())
	}
}
