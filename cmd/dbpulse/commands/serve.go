package commands

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	// Supported database drivers.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/RevanthMeda/dbpulse/internal/config"
	"github.com/RevanthMeda/dbpulse/internal/database"
	"github.com/RevanthMeda/dbpulse/internal/logging"
	"github.com/RevanthMeda/dbpulse/internal/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the monitoring service",
	Long: `Connects to the configured database, starts the instrumentation
service with its housekeeping loop, serves Prometheus metrics, and
reloads configuration on file change.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := database.NewService(logger, cfg, db)
	svc.Start(ctx)
	defer svc.Stop()

	watcher := config.NewWatcher(logger.Named("config"), cfgFile, svc.ApplyConfig)
	go func() {
		if err := watcher.Run(ctx); err != nil {
			logger.Warn("Config watcher stopped", zap.Error(err))
		}
	}()

	if cfg.Metrics.Enabled {
		exporter := metrics.NewExporter(logger.Named("metrics"), cfg.Metrics, svc)
		go func() {
			if err := exporter.Start(ctx); err != nil {
				logger.Error("Metrics exporter failed", zap.Error(err))
			}
		}()
	}

	logger.Info("dbpulse started",
		zap.String("driver", cfg.Database.Driver),
		zap.String("version", Version))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))
	return nil
}

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	return db, nil
}
