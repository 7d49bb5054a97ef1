// Package main implements the e2eheal operator CLI: model service checks,
// healing report review and promotion, and standalone page measurement.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"e2eheal/internal/config"
	"e2eheal/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	configPath string
	envFiles   []string
	workspace  string

	logger *zap.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "e2eheal",
	Short: "Self-healing browser E2E harness tooling",
	Long: `e2eheal operates the self-healing E2E harness outside a test run.

It checks and manages the local model service, reviews healing reports and
promotes healed test candidates, and measures page performance on demand.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewDevelopmentConfig()
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.SetBase(logger)

		cfg, err = config.Load(configPath, envFiles...)
		if err != nil {
			return err
		}
		if workspace != "" {
			cfg.Workspace = workspace
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "e2eheal.yaml", "Config file (missing file uses defaults)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "Dotenv files to load (default: .env)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Artifacts workspace (overrides config)")

	healCmd.AddCommand(healShowCmd, healListCmd, healPromoteCmd, healWatchCmd)
	modelCmd.AddCommand(modelListCmd, modelStopCmd)
	perfCmd.AddCommand(perfMeasureCmd, perfSummaryCmd)

	rootCmd.AddCommand(doctorCmd, modelCmd, healCmd, perfCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
