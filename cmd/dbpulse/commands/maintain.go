package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/RevanthMeda/dbpulse/internal/config"
	"github.com/RevanthMeda/dbpulse/internal/database"
	"github.com/RevanthMeda/dbpulse/internal/logging"
)

var (
	maintainTables string
)

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run database maintenance routines",
	Long: `Runs vacuum, statistics refresh, and old-record cleanup against the
configured database and prints the per-operation results.`,
	RunE: runMaintain,
}

func init() {
	maintainCmd.Flags().StringVar(&maintainTables, "cleanup-tables", "",
		"comma-separated table:timestamp_column pairs for record cleanup")
	rootCmd.AddCommand(maintainCmd)
}

func runMaintain(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
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

	ctx := context.Background()
	runner := database.NewMaintenanceRunner(logger, db, cfg.Database.Driver)

	results := []database.MaintenanceResult{
		runner.Vacuum(ctx),
		runner.UpdateStatistics(ctx, nil),
	}
	if cleanup := parseCleanupTables(maintainTables); len(cleanup) > 0 {
		results = append(results, runner.CleanupOldRecords(ctx, cleanup, cfg.Maintenance.RetentionDays)...)
	}

	for _, r := range results {
		status := "ok"
		detail := r.Detail
		if !r.Success {
			status = "failed"
			detail = r.Error
		}
		fmt.Printf("%-24s %-8s %-12s %s\n", r.Operation, status, r.Duration.Round(0), detail)
	}
	return nil
}

func parseCleanupTables(arg string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(arg, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		table, column, found := strings.Cut(pair, ":")
		if !found || table == "" || column == "" {
			continue
		}
		out[table] = column
	}
	return out
}
