package main

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/route-beacon/bmp-collector/internal/maintenance"
	"github.com/route-beacon/bmp-collector/internal/store"
)

var errNoDSN = errors.New("postgres.dsn is not configured")

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()
		if !cfg.PostgresEnabled() {
			return errNoDSN
		}

		logger.Info("running migrations",
			zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
			zap.String("dir", cfg.Postgres.MigrationsDir),
		)

		ctx := context.Background()
		pool, err := store.NewPool(ctx, poolConfig(cfg))
		if err != nil {
			logger.Error("failed to connect to database", zap.Error(err))
			return err
		}
		defer pool.Close()

		if err := store.RunMigrations(ctx, pool, os.DirFS(cfg.Postgres.MigrationsDir), logger); err != nil {
			logger.Error("migration failed", zap.Error(err))
			return err
		}
		logger.Info("migrations complete")
		return nil
	},
}

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Run partition maintenance (create new, drop old)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()
		if !cfg.PostgresEnabled() {
			return errNoDSN
		}

		logger.Info("running partition maintenance",
			zap.Int("retention_days", cfg.Retention.Days),
			zap.String("timezone", cfg.Retention.Timezone),
		)

		ctx := context.Background()
		pool, err := store.NewPool(ctx, poolConfig(cfg))
		if err != nil {
			logger.Error("failed to connect to database", zap.Error(err))
			return err
		}
		defer pool.Close()

		pm := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger)
		if err := pm.Run(ctx); err != nil {
			logger.Error("maintenance failed", zap.Error(err))
			return err
		}
		logger.Info("partition maintenance complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(maintenanceCmd)
}
