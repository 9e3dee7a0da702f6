// Package api exposes the worker's operational HTTP surface: health,
// runtime stats and Prometheus metrics.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/partsbay/harvester/internal/logger"
	"github.com/partsbay/harvester/internal/worker"
)

// QueueStats reports job queue depths.
type QueueStats interface {
	Depth(ctx context.Context) (int64, error)
}

// CoordinationStats reports in-flight harvest coordination state.
type CoordinationStats interface {
	InFlight(ctx context.Context) (int64, error)
}

// CacheStats reports the duplicate cache state.
type CacheStats interface {
	Len() int
	Degraded() bool
}

// Deps wires the endpoints' data sources. Any of them may be nil; the
// matching stats section is then omitted.
type Deps struct {
	Pool     *worker.Pool
	Health   *worker.HealthMonitor
	Queue    QueueStats
	Markers  CoordinationStats
	Cache    CacheStats
	Registry *prometheus.Registry
	Logger   logger.Logger
}

// SetupRouter builds the gin router with all routes.
func SetupRouter(deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", healthHandler(deps))
	router.GET("/stats", statsHandler(deps))

	if deps.Registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
			deps.Registry, promhttp.HandlerOpts{})))
	}

	return router
}

// healthHandler answers 200 while the pool is healthy or degraded and 503
// otherwise, so orchestrators restart a wedged worker.
func healthHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if deps.Health == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}

		check := deps.Health.Check()
		status := http.StatusOK
		if check.Status == worker.HealthStatusUnhealthy {
			status = http.StatusServiceUnavailable
		}

		resp := gin.H{
			"status":     check.Status.String(),
			"pool_state": check.Pool.String(),
			"workers":    check.Workers,
			"busy":       check.Busy,
			"stuck":      check.Stuck,
		}
		if len(check.StuckQueries) > 0 {
			resp["stuck_queries"] = check.StuckQueries
		}
		c.JSON(status, resp)
	}
}

func statsHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := gin.H{}

		if deps.Pool != nil {
			stats := deps.Pool.Stats()
			resp["pool"] = gin.H{
				"state":          stats.State.String(),
				"size":           stats.PoolSize,
				"busy":           stats.BusyWorkers,
				"idle":           stats.IdleWorkers,
				"jobs_processed": stats.JobsProcessed,
				"jobs_succeeded": stats.JobsSucceeded,
				"jobs_failed":    stats.JobsFailed,
				"success_rate":   stats.SuccessRate(),
				"utilization":    stats.Utilization(),
			}
		}

		if deps.Queue != nil {
			if depth, err := deps.Queue.Depth(c.Request.Context()); err == nil {
				resp["queue"] = gin.H{"depth": depth}
			}
		}

		if deps.Markers != nil {
			if inFlight, err := deps.Markers.InFlight(c.Request.Context()); err == nil {
				resp["in_flight"] = inFlight
			}
		}

		if deps.Cache != nil {
			resp["duplicate_cache"] = gin.H{
				"size":     deps.Cache.Len(),
				"degraded": deps.Cache.Degraded(),
			}
		}

		c.JSON(http.StatusOK, resp)
	}
}
