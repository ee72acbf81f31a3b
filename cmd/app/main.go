package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"MarketGate/internal/di"
	"MarketGate/internal/domain/models"
	"MarketGate/pkg/config"
	"MarketGate/pkg/util"

	"github.com/spf13/cobra"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "marketgate",
		Short:        "Market data and news gateway",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "config file path")

	root.AddCommand(
		newServeCmd(&configPath),
		newNewsCmd(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway, market feed and news cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWithEnv(*configPath)
			if err != nil {
				return fmt.Errorf("config load failed: %w", err)
			}

			app, cleanup, err := di.InitializeApp(cfg)
			if err != nil {
				return fmt.Errorf("app initialization failed: %w", err)
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx)
		},
	}
}

func newNewsCmd(configPath *string) *cobra.Command {
	var (
		filter  models.NewsFilter
		symbols string
		since   time.Duration
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "news",
		Short: "Fetch aggregated news once and print it as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWithEnv(*configPath)
			if err != nil {
				return fmt.Errorf("config load failed: %w", err)
			}

			agg, cleanup, err := di.InitializeAggregator(cfg)
			if err != nil {
				return fmt.Errorf("news initialization failed: %w", err)
			}
			defer cleanup()

			filter.Symbols = util.SplitCSV(symbols)
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			page, err := agg.Fetch(ctx, filter)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(page)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&filter.Query, "query", "q", "", "search text")
	f.StringVar(&filter.Category, "category", "", "category filter")
	f.StringVar(&symbols, "symbols", "", "comma separated symbols")
	f.DurationVar(&since, "since", 0, "only articles newer than this, e.g. 24h")
	f.IntVar(&filter.Page, "page", 1, "page number")
	f.IntVar(&filter.PageSize, "page-size", 20, "articles per page")
	f.DurationVar(&timeout, "timeout", 30*time.Second, "overall fetch timeout")
	return cmd
}
