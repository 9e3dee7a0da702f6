package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/partsbay/harvester/internal/database"
	"github.com/partsbay/harvester/internal/domain"
	"github.com/partsbay/harvester/internal/logger"
	"github.com/partsbay/harvester/internal/session"
	"github.com/partsbay/harvester/internal/throttle"
)

// bootstrapFlags collects the one-shot maintenance switches.
type bootstrapFlags struct {
	flushCoordination bool
	seedDefaults      bool
	resetDelays       bool
	seedSessions      []string
	dropSessions      []string
	addTasks          []string
}

func bootstrapCommand() *cobra.Command {
	var flags bootstrapFlags

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Prepare shared state for a fleet start",
		Long: `One-shot maintenance: clears leftover coordination keys from a previous
run, seeds proxy session cookies, restores proxy pacing and adds queries to
the task backlog.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBootstrap(cmd.Context(), flags)
		},
	}

	cmd.Flags().BoolVar(&flags.flushCoordination, "flush-coordination", false,
		"clear processing markers, owners and the enqueued-query set")
	cmd.Flags().BoolVar(&flags.seedDefaults, "seed-default-sessions", false,
		"seed an empty session cookie for every proxy in the proxies file")
	cmd.Flags().BoolVar(&flags.resetDelays, "reset-delays", false,
		"restore every proxy in the proxies file to the default pace")
	cmd.Flags().StringArrayVar(&flags.seedSessions, "seed-session", nil,
		"seed a session cookie, as proxy=cookie (repeatable; empty proxy for direct)")
	cmd.Flags().StringArrayVar(&flags.dropSessions, "drop-session", nil,
		"drop a proxy's session cookie so the seeder re-creates it (repeatable)")
	cmd.Flags().StringArrayVar(&flags.addTasks, "add-task", nil,
		"add a query to the task backlog (repeatable)")

	return cmd
}

// defaultSessionCookie is the empty cookie jar a fresh proxy starts from.
const defaultSessionCookie = "{}"

func runBootstrap(ctx context.Context, flags bootstrapFlags) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if flags.flushCoordination {
		coordClient, redisErr := newRedisClient(cfg.Redis, cfg.Redis.DB)
		if redisErr != nil {
			return redisErr
		}
		defer coordClient.Close()

		deleted, delErr := coordClient.Del(ctx,
			cfg.Coordinator.ProcessingKey,
			cfg.Coordinator.OwnerKey,
			cfg.Coordinator.DedupSetKey,
		).Result()
		if delErr != nil {
			return fmt.Errorf("flush coordination keys: %w", delErr)
		}
		log.Info("coordination keys flushed", logger.Int64("deleted", deleted))
	}

	if flags.seedDefaults || len(flags.seedSessions) > 0 || len(flags.dropSessions) > 0 {
		sessionClient, redisErr := newRedisClient(cfg.Redis, cfg.Redis.SessionDB)
		if redisErr != nil {
			return redisErr
		}
		defer sessionClient.Close()

		store := session.NewStore(sessionClient, sessionKeyPrefix, session.DefaultPollInterval)

		if flags.seedDefaults {
			proxies, loadErr := domain.LoadProxies(cfg.App.ProxiesFile)
			if loadErr != nil {
				return loadErr
			}
			for _, p := range proxies {
				if seedErr := store.Seed(ctx, p.Server, defaultSessionCookie); seedErr != nil {
					return seedErr
				}
			}
			log.Info("default sessions seeded", logger.Int("proxies", len(proxies)))
		}

		for _, seed := range flags.seedSessions {
			proxyKey, cookie, found := strings.Cut(seed, "=")
			if !found {
				return fmt.Errorf("malformed --seed-session %q, want proxy=cookie", seed)
			}
			if seedErr := store.Seed(ctx, proxyKey, cookie); seedErr != nil {
				return seedErr
			}
			log.Info("session seeded", logger.String("proxy", proxyKey))
		}

		for _, proxyKey := range flags.dropSessions {
			if dropErr := store.Drop(ctx, proxyKey); dropErr != nil {
				return dropErr
			}
			log.Info("session dropped", logger.String("proxy", proxyKey))
		}
	}

	if flags.resetDelays {
		controllerClient, redisErr := newRedisClient(cfg.Redis, cfg.Redis.ControllerDB)
		if redisErr != nil {
			return redisErr
		}
		defer controllerClient.Close()

		proxies, loadErr := domain.LoadProxies(cfg.App.ProxiesFile)
		if loadErr != nil {
			return loadErr
		}

		delay := throttle.NewDelay(controllerClient, log, throttle.Config{
			KeyPrefix: delayKeyPrefix,
			Default:   cfg.Throttle.Default,
			Step:      cfg.Throttle.Step,
			Floor:     cfg.Throttle.Floor,
			Ceiling:   cfg.Throttle.Ceiling,
			NoProxy:   cfg.Throttle.NoProxyDelay,
		})
		for _, p := range proxies {
			if resetErr := delay.Reset(ctx, p.Server); resetErr != nil {
				return resetErr
			}
		}
		log.Info("proxy delays reset", logger.Int("proxies", len(proxies)))
	}

	if len(flags.addTasks) > 0 {
		db, dbErr := database.NewPostgresConnection(database.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		})
		if dbErr != nil {
			return dbErr
		}
		defer db.Close()

		tasks := database.NewTaskRepository(db)
		for _, query := range flags.addTasks {
			if addErr := tasks.Add(ctx, query, 0); addErr != nil {
				return addErr
			}
			log.Info("task added", logger.String("query", query))
		}
	}

	return nil
}
