// Package cmd implements the harvester command-line interface: the worker
// and producer processes plus one-shot operational commands.
package cmd

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/partsbay/harvester/internal/config"
	"github.com/partsbay/harvester/internal/logger"
)

var (
	// cfgFile holds the path to the configuration file.
	cfgFile string

	// debug forces debug-level logging regardless of config.
	debug bool

	rootCmd = &cobra.Command{
		Use:   "harvester",
		Short: "Catalog harvesting coordination system",
		Long: `Harvester scans product catalogs for configured queries, filters the
listings and stores new items, coordinating duplicate suppression and
task recovery across a fleet of workers.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
)

// Execute runs the root command.
func Execute() error {
	// Load .env early so config sees its variables.
	_ = godotenv.Load()

	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is ./config.yaml or ./config/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("harvester version %s\n", "1.0.0")
		},
	})

	rootCmd.AddCommand(workerCommand())
	rootCmd.AddCommand(producerCommand())
	rootCmd.AddCommand(bootstrapCommand())
}

// loadConfig loads configuration and builds the process logger.
func loadConfig() (*config.Config, logger.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}

	level := cfg.Log.Level
	if debug {
		level = "debug"
	}

	log, err := logger.New(logger.Config{
		Level:       level,
		Development: cfg.Log.Development,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}

	return cfg, log, nil
}

// processID appends a random suffix so concurrent processes sharing one
// config get distinct worker identities.
func processID(base string) string {
	return base + "-" + uuid.NewString()[:8]
}
