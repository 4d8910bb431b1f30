package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const Version = "1.2.0"

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "dbpulse",
	Short: "Database performance monitoring and tuning",
	Long: `dbpulse instruments a SQL database with query statistics, slow-query
sampling, connection pool monitoring with leak detection, a TTL query
result cache, and a heuristic query optimizer. It exposes the collected
data over Prometheus metrics and runs periodic maintenance routines.`,
	Version: Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
