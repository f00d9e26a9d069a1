// Package cmd defines and implements the CLI commands for the catalogcrawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/id/uuid"
	"github.com/JakeFAU/catalog-crawler/internal/logging"
)

// envKeyType is the key for storing the run environment in the context.
type envKeyType string

const envKey envKeyType = "env"

// runEnv is what every subcommand receives from the root command.
type runEnv struct {
	cfg    config.Config
	logger *zap.Logger
	runID  uuid.RunID
}

// newLogger is a variable so tests can capture output.
var newLogger = logging.New

func newRootCmd() *cobra.Command {
	var cfgFile, runIDFlag string

	cmd := &cobra.Command{
		Use:   "catalogcrawler",
		Short: "Crawls a retailer product sitemap into cached pages, records and images.",
		Long: `catalogcrawler reads a product sitemap, fetches every product page,
parses it into a JSON record and downloads the product images. Everything
is cached in the configured store, so an interrupted run resumes where it
stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := newLogger(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			runID, err := runIDFor(runIDFlag)
			if err != nil {
				return err
			}
			env := &runEnv{
				cfg:    cfg,
				logger: logging.ForRun(logger, cmd.Name(), runID),
				runID:  runID,
			}
			env.logger.Debug("run started", zap.Time("started", runID.Started()))
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, env))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if env, ok := cmd.Context().Value(envKey).(*runEnv); ok && env != nil {
				_ = env.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.PersistentFlags().StringVar(&runIDFlag, "run-id", "", "reuse a UUID v7 run id instead of issuing a new one")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newJoinCmd())
	cmd.AddCommand(newIndexCmd())

	return cmd
}

func runIDFor(flag string) (uuid.RunID, error) {
	if flag == "" {
		return uuid.NewRunID()
	}
	return uuid.ParseRunID(flag)
}

func resolveEnv(ctx context.Context) (*runEnv, error) {
	env, ok := ctx.Value(envKey).(*runEnv)
	if !ok || env == nil {
		return nil, errors.New("run environment not initialized")
	}
	return env, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "catalogcrawler: %v\n", err)
		stop()
		os.Exit(1)
	}
}
