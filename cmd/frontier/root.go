package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/app"
	"github.com/JakeFAU/crawl-frontier/internal/config"
	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/logging"
	"github.com/JakeFAU/crawl-frontier/internal/results"
	"github.com/JakeFAU/crawl-frontier/internal/urlfilter"
)

// App is what the commands need from the application container.
type App interface {
	Run(ctx context.Context) error
	Close() error
	Logger() *zap.Logger
	Frontier() *frontier.Service
	Results() *results.Service
	Filters() *urlfilter.Service
}

type appFactory func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error)

func defaultAppFactory(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

type appKeyType string

const appKey appKeyType = "app"

// newRootCmd builds the command tree. The app is created once the config is
// loaded and closed after the subcommand finishes.
func newRootCmd(factory appFactory) *cobra.Command {
	var cfgFile string
	var logger *zap.Logger

	cmd := &cobra.Command{
		Use:           "frontier",
		Short:         "Crawl frontier: URL queueing and dedup for crawl sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err = logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			a, err := factory(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if a, ok := cmd.Context().Value(appKey).(App); ok && a != nil {
				err = a.Close()
			}
			if logger != nil {
				if syncErr := logger.Sync(); syncErr != nil {
					fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
				}
			}
			if err != nil {
				return fmt.Errorf("close application services: %w", err)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); FRONTIER_* environment variables override it")

	cmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newReseedCmd(),
		newPurgeCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	a, ok := ctx.Value(appKey).(App)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}
