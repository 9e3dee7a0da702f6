package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/partsbay/harvester/internal/api"
	"github.com/partsbay/harvester/internal/config"
	"github.com/partsbay/harvester/internal/coordination"
	"github.com/partsbay/harvester/internal/database"
	"github.com/partsbay/harvester/internal/domain"
	"github.com/partsbay/harvester/internal/logger"
	"github.com/partsbay/harvester/internal/metrics"
	"github.com/partsbay/harvester/internal/queue"
)

func producerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "producer",
		Short: "Run the job producer",
		Long: `Leases queries from the task backlog and enqueues harvest jobs,
skipping queries already enqueued or in flight. Also runs the periodic
stale-marker recovery scan. Runs until interrupted.`,
		RunE: runProducer,
	}
}

// priceCeilingSource resolves a query's price ceiling from the parts price
// catalog. *database.PriceRepository satisfies it.
type priceCeilingSource interface {
	PriceCeiling(ctx context.Context, query string) (*float64, error)
}

// jobSource builds and enqueues harvest jobs for queries.
type jobSource struct {
	producer   *queue.Producer
	markers    *coordination.Markers
	ring       *domain.ProxyRing
	metrics    *metrics.Metrics
	logger     logger.Logger
	ceilings   priceCeilingSource
	maxPrice   float64
	retryDelay time.Duration
}

// priceLimit resolves the ceiling for one job: the price catalog when
// enabled, falling back to the static configured limit on a miss or error.
func (s *jobSource) priceLimit(ctx context.Context, query string) *float64 {
	if s.ceilings != nil {
		ceiling, err := s.ceilings.PriceCeiling(ctx, query)
		if err != nil {
			s.logger.Warn("price ceiling lookup failed, using static limit",
				logger.String("query", query), logger.Error(err))
		} else if ceiling != nil {
			return ceiling
		}
	}

	if s.maxPrice > 0 {
		maxPrice := s.maxPrice
		return &maxPrice
	}
	return nil
}

// enqueue pushes one job, waiting out a full queue.
func (s *jobSource) enqueue(ctx context.Context, query string) error {
	job := &domain.HarvestJob{
		ID:         uuid.NewString(),
		Query:      query,
		Proxy:      s.ring.Next(),
		EnqueuedAt: time.Now().UTC(),
		MaxPrice:   s.priceLimit(ctx, query),
	}

	for {
		_, err := s.producer.Enqueue(ctx, job)
		if err == nil {
			s.metrics.QueueEnqueued.WithLabelValues("ok").Inc()
			return nil
		}
		if !errors.Is(err, queue.ErrQueueFull) {
			s.metrics.QueueEnqueued.WithLabelValues("error").Inc()
			return err
		}

		s.metrics.QueueEnqueued.WithLabelValues("full").Inc()
		s.logger.Warn("queue full, waiting before retry",
			logger.String("query", query))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryDelay):
		}
	}
}

// submit enqueues a query unless it is already enqueued or in flight.
func (s *jobSource) submit(ctx context.Context, query string) error {
	fresh, err := s.markers.MarkEnqueued(ctx, query)
	if err != nil {
		return err
	}
	if !fresh {
		s.logger.Debug("query already in flight, skipping",
			logger.String("query", query))
		return nil
	}
	return s.enqueue(ctx, query)
}

func runProducer(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
	controllerClient, err := newRedisClient(cfg.Redis, cfg.Redis.ControllerDB)
	if err != nil {
		return err
	}
	defer func() {
		coordClient.Close()
		controllerClient.Close()
	}()

	streams, err := queue.NewStreamsClient(queue.StreamsConfig{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Queue.Prefix,
	})
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	markers := coordination.NewMarkers(coordClient, coordination.MarkerConfig{
		ProcessingKey: cfg.Coordinator.ProcessingKey,
		OwnerKey:      cfg.Coordinator.OwnerKey,
		DedupSetKey:   cfg.Coordinator.DedupSetKey,
	})

	source := &jobSource{
		producer: queue.NewProducer(streams, queue.ProducerConfig{
			MaxDepth: cfg.Queue.MaxDepth,
		}),
		markers:    markers,
		ring:       loadProxyRing(cfg, log),
		metrics:    m,
		logger:     log,
		maxPrice:   cfg.Catalog.MaxPrice,
		retryDelay: cfg.Queue.EnqueueRetryDelay,
	}
	if cfg.Producer.UseSmartPrice {
		source.ceilings = database.NewPriceRepository(db)
		log.Info("smart price ceilings enabled")
	}

	// Stale recovery: heartbeats live on the controller client. A recovered
	// query goes through submit so a concurrently re-enqueued one is not
	// duplicated.
	recovery := coordination.NewRecovery(controllerClient, markers, log,
		cfg.Coordinator.StaleAfter, func(ctx context.Context, query string) error {
			m.StaleRecovered.Inc()
			return source.submit(ctx, query)
		})

	scheduler := cron.New()
	if _, cronErr := scheduler.AddFunc(cfg.Coordinator.ScanSchedule, func() {
		if _, scanErr := recovery.Scan(ctx); scanErr != nil {
			log.Error("recovery scan failed", logger.Error(scanErr))
		}
	}); cronErr != nil {
		return cronErr
	}
	scheduler.Start()
	defer scheduler.Stop()

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API.Address,
			api.SetupRouter(api.Deps{
				Queue:    source.producer,
				Markers:  markers,
				Registry: registry,
				Logger:   log,
			}), log)
		go func() {
			if srvErr := apiServer.Start(); srvErr != nil {
				log.Error("api server failed", logger.Error(srvErr))
			}
		}()
	}

	log.Info("producer started",
		logger.String("queue", streams.StreamName()),
		logger.Duration("lease_interval", cfg.Producer.LeaseInterval))

	leaseLoop(ctx, cfg, database.NewTaskRepository(db), source, m, log)

	if apiServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if srvErr := apiServer.Stop(shutdownCtx); srvErr != nil {
			log.Warn("api server stop", logger.Error(srvErr))
		}
	}

	log.Info("producer stopped")
	return nil
}

// leaseLoop feeds the queue from the task backlog until ctx ends.
func leaseLoop(
	ctx context.Context,
	cfg *config.Config,
	tasks *database.TaskRepository,
	source *jobSource,
	m *metrics.Metrics,
	log logger.Logger,
) {
	ticker := time.NewTicker(cfg.Producer.LeaseInterval)
	defer ticker.Stop()

	for {
		leased, err := tasks.LeaseBatch(ctx, cfg.Producer.LeaseLimit)
		if err != nil {
			log.Error("failed to lease tasks", logger.Error(err))
		}

		for _, task := range leased {
			if submitErr := source.submit(ctx, task.Value); submitErr != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error("failed to enqueue task",
					logger.String("query", task.Value),
					logger.Error(submitErr))
			}
		}

		if depth, depthErr := source.producer.Depth(ctx); depthErr == nil {
			m.QueueDepth.Set(float64(depth))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// loadProxyRing loads the proxies file. A missing file is allowed: all
// requests then run direct.
func loadProxyRing(cfg *config.Config, log logger.Logger) *domain.ProxyRing {
	proxies, err := domain.LoadProxies(cfg.App.ProxiesFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to load proxies, running direct", logger.Error(err))
		}
		return domain.NewProxyRing(nil)
	}

	log.Info("proxies loaded", logger.Int("count", len(proxies)))
	return domain.NewProxyRing(proxies)
}
