package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/partsbay/harvester/internal/api"
	"github.com/partsbay/harvester/internal/batch"
	"github.com/partsbay/harvester/internal/catalog"
	"github.com/partsbay/harvester/internal/config"
	"github.com/partsbay/harvester/internal/coordination"
	"github.com/partsbay/harvester/internal/database"
	"github.com/partsbay/harvester/internal/dedup"
	"github.com/partsbay/harvester/internal/events"
	"github.com/partsbay/harvester/internal/logger"
	"github.com/partsbay/harvester/internal/metrics"
	"github.com/partsbay/harvester/internal/queue"
	"github.com/partsbay/harvester/internal/redis"
	"github.com/partsbay/harvester/internal/session"
	"github.com/partsbay/harvester/internal/throttle"
	"github.com/partsbay/harvester/internal/worker"
)

// Redis key prefixes shared by all processes.
const (
	delayKeyPrefix   = "proxy_delay:"
	sessionKeyPrefix = "session:"
)

func workerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a harvest worker",
		Long: `Consumes harvest jobs from the queue, scans the catalog for each job's
query and stores new listings. Runs until interrupted.`,
		RunE: runWorker,
	}
}

func newRedisClient(cfg config.RedisConfig, db int) (*goredis.Client, error) {
	return redis.NewClient(redis.Config{
		Address:  cfg.Address,
		Password: cfg.Password,
		DB:       db,
	})
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	workerID := processID(cfg.App.WorkerID)
	log = log.With(logger.String("worker_id", workerID))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Stores.
	db, err := database.NewPostgresConnection(database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	coordClient, err := newRedisClient(cfg.Redis, cfg.Redis.DB)
	if err != nil {
		return err
	}
	sessionClient, err := newRedisClient(cfg.Redis, cfg.Redis.SessionDB)
	if err != nil {
		return err
	}
	guardClient, err := newRedisClient(cfg.Redis, cfg.Redis.GuardDB)
	if err != nil {
		return err
	}
	controllerClient, err := newRedisClient(cfg.Redis, cfg.Redis.ControllerDB)
	if err != nil {
		return err
	}
	defer func() {
		coordClient.Close()
		sessionClient.Close()
		guardClient.Close()
		controllerClient.Close()
	}()

	itemRepo := database.NewItemRepository(db)
	counterRepo := database.NewCounterRepository(db)

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	// Queue.
	streams, err := queue.NewStreamsClient(queue.StreamsConfig{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Queue.Prefix,
	})
	if err != nil {
		return err
	}

	consumer, err := queue.NewConsumer(streams, queue.ConsumerConfig{
		ConsumerGroup: cfg.Queue.ConsumerGroup,
		ConsumerID:    workerID,
		BlockTimeout:  cfg.Queue.BlockTimeout,
		ClaimMinIdle:  cfg.Queue.ClaimMinIdle,
	})
	if err != nil {
		return err
	}

	producer := queue.NewProducer(streams, queue.ProducerConfig{
		MaxDepth: cfg.Queue.MaxDepth,
	})

	// Duplicate suppression.
	cache := dedup.NewCache(coordClient, itemRepo, log, dedup.CacheConfig{
		File:         cfg.Cache.File,
		SetKey:       cfg.Cache.SetKey,
		LockKey:      cfg.Cache.LockKey,
		DoneKey:      cfg.Cache.DoneKey,
		LockTTL:      cfg.Cache.LockTTL,
		DoneTTL:      cfg.Cache.DoneTTL,
		WaitTimeout:  cfg.Cache.WaitTimeout,
		WaitInterval: cfg.Cache.WaitInterval,
	})
	if cfg.Cache.Enabled {
		if bootErr := cache.Bootstrap(ctx); bootErr != nil {
			return fmt.Errorf("bootstrap duplicate cache: %w", bootErr)
		}
		log.Info("duplicate cache ready",
			logger.Int("numbers", cache.Len()),
			logger.Bool("degraded", cache.Degraded()))
	}

	guard := dedup.NewGuard(guardClient, log, cfg.Guard.Prefix, cfg.Guard.TTL)

	// Coordination.
	markers := coordination.NewMarkers(coordClient, coordination.MarkerConfig{
		ProcessingKey: cfg.Coordinator.ProcessingKey,
		OwnerKey:      cfg.Coordinator.OwnerKey,
		DedupSetKey:   cfg.Coordinator.DedupSetKey,
	})

	heartbeat := coordination.NewHeartbeat(controllerClient, log, workerID,
		cfg.Heartbeat.Interval, cfg.Heartbeat.TTL)
	if cfg.Heartbeat.Enabled {
		if hbErr := heartbeat.Start(ctx); hbErr != nil {
			return fmt.Errorf("start heartbeat: %w", hbErr)
		}
	}

	// Catalog pipeline.
	sessions := session.NewStore(sessionClient, sessionKeyPrefix, session.DefaultPollInterval)
	delay := throttle.NewDelay(controllerClient, log, throttle.Config{
		KeyPrefix: delayKeyPrefix,
		Default:   cfg.Throttle.Default,
		Step:      cfg.Throttle.Step,
		Floor:     cfg.Throttle.Floor,
		Ceiling:   cfg.Throttle.Ceiling,
		NoProxy:   cfg.Throttle.NoProxyDelay,
	})

	fetcher := catalog.NewFetcher(catalog.FetcherConfig{
		BaseURL:        cfg.Catalog.BaseURL,
		UserAgent:      cfg.Catalog.UserAgent,
		RequestTimeout: cfg.Catalog.Timeout,
	}, sessions, log)
	parser := catalog.NewParser(catalog.Selectors{})

	var cacheFilter catalog.DuplicateCache
	if cfg.Cache.Enabled {
		cacheFilter = cache
	}

	pipeline := catalog.NewPipeline(fetcher, parser, counterRepo, itemRepo,
		catalog.NewRechecker(itemRepo, log), guard, cacheFilter,
		events.NewLogSink(log), m, log, catalog.PipelineConfig{
			ArchiveCycleDistance: int64(cfg.Catalog.ArchiveCycleDistance),
			BlockedSellers:       cfg.Catalog.BlockedSellers,
			TitleBlocklist:       cfg.Catalog.TitleBlocklist,
			RecheckTitles:        cfg.Catalog.RecheckTitles,
			UseDuplicateCache:    cfg.Cache.Enabled && cfg.Catalog.UseDuplicateCache,
			MaxPages:             cfg.Catalog.MaxPages,
		})

	committer := batch.NewCommitter(itemRepo, log, batch.Config{
		Size:         cfg.Batch.Size,
		Debounce:     cfg.Batch.Debounce,
		FlushTimeout: cfg.Batch.FlushTimeout,
	})
	defer committer.Close()

	harvester := worker.NewHarvester(worker.HarvesterDeps{
		WorkerID:  workerID,
		Pipeline:  pipeline,
		Resolver:  catalog.NewResolver(fetcher, parser, cfg.Catalog.MarkupPercent),
		Guard:     guard,
		Cache:     cache,
		Delay:     delay,
		Sessions:  sessions,
		Committer: committer,
		Markers:   markers,
		Metrics:   m,
		Logger:    log,
	}, worker.DefaultTouchEvery, cfg.Worker.MaxAttempts, cfg.Worker.RetryDelay)

	// Pool and runner.
	pool, err := worker.NewPool(worker.Config{
		PoolSize:            cfg.Worker.PoolSize,
		DrainTimeout:        cfg.Worker.DrainTimeout,
		JobTimeout:          cfg.Worker.JobTimeout,
		HealthCheckInterval: worker.DefaultHealthCheckInterval,
		TouchEvery:          worker.DefaultTouchEvery,
	}, harvester.Handle, log)
	if err != nil {
		return err
	}
	if err = pool.Start(); err != nil {
		return err
	}

	monitor := worker.NewHealthMonitor(pool, worker.DefaultHealthCheckInterval, log)
	monitor.Start(ctx)

	// Operational HTTP surface.
	var apiServer *api.Server
	if cfg.API.Enabled {
		router := api.SetupRouter(api.Deps{
			Pool:     pool,
			Health:   monitor,
			Queue:    producer,
			Markers:  markers,
			Cache:    cache,
			Registry: registry,
			Logger:   log,
		})
		apiServer = api.NewServer(cfg.API.Address, router, log)
		go func() {
			if srvErr := apiServer.Start(); srvErr != nil {
				log.Error("api server failed", logger.Error(srvErr))
			}
		}()
	}

	log.Info("harvest worker started",
		logger.Int("pool_size", cfg.Worker.PoolSize),
		logger.String("queue", streams.StreamName()))

	runErr := worker.NewRunner(consumer, pool, m, log).Run(ctx)
	if runErr != nil && ctx.Err() == nil {
		log.Error("runner stopped", logger.Error(runErr))
	}

	// Shutdown: drain in-flight jobs, then tear everything down.
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		cfg.Worker.DrainTimeout+5*time.Second)
	defer cancel()

	if stopErr := pool.Stop(shutdownCtx); stopErr != nil {
		log.Warn("pool stop", logger.Error(stopErr))
	}
	monitor.Stop()
	if cfg.Heartbeat.Enabled {
		if hbErr := heartbeat.Stop(shutdownCtx); hbErr != nil {
			log.Warn("heartbeat stop", logger.Error(hbErr))
		}
	}
	if apiServer != nil {
		if srvErr := apiServer.Stop(shutdownCtx); srvErr != nil {
			log.Warn("api server stop", logger.Error(srvErr))
		}
	}

	log.Info("harvest worker stopped")
	return nil
}
