package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newCrawlCmd creates the 'crawl' subcommand, which runs one crawl of the
// configured seeds and records the run.
func newCrawlCmd() *cobra.Command {
	var seeds []string
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawls the configured seeds once",
		Long: `Visits the configured seed URLs and the links they lead to, saves each
HTML page and its extracted text, records visits in the run state and stores a
new version whenever a page's content changed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawlCommand(cmd, seeds)
		},
	}
	cmd.Flags().StringSliceVar(&seeds, "seed", nil, "override crawler.seeds (repeatable)")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, seeds []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()

	cfg := appInstance.CrawlerConfig()
	if len(seeds) > 0 {
		cfg.Seeds = seeds
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid crawl configuration: %w", err)
	}

	w, err := appInstance.NewWriter(cmd.Context())
	if err != nil {
		return err
	}
	runner := appInstance.NewRunnerWithConfig(cfg, w)

	if err := runner.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawler: %w", err)
	}

	history := w.History()
	logger.Info("Crawl command finished.",
		zap.String("run_id", history.RunID),
		zap.Int("processed", history.Metrics.TotalProcessed),
		zap.Int("failed", history.Metrics.Failed),
	)
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d pages, %d failed\n",
		history.RunID, history.Metrics.TotalProcessed, history.Metrics.Failed)
	return err
}
