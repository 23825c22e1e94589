package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/InfinityXOneSystems/safecrawl/internal/app"
	"github.com/InfinityXOneSystems/safecrawl/internal/config"
	"github.com/InfinityXOneSystems/safecrawl/internal/crawler"
)

func newCrawlCmd() *cobra.Command {
	var compact bool

	cmd := &cobra.Command{
		Use:   "crawl <url>",
		Short: "Crawl one site and print the result as JSON",
		Long: `Runs a single bounded crawl starting at <url>. Only hosts on the configured
allow-list are fetched. Unset flags fall back to the configured job defaults.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			job := jobFromFlags(cmd, e.cfg.Crawler, args[0])
			if err := e.cfg.Crawler.CheckLimits(job); err != nil {
				return err
			}

			kernel, err := app.NewCrawler(e.cfg, e.logger)
			if err != nil {
				return err
			}
			result, crawlErr := kernel.Crawl(cmd.Context(), job)
			if crawlErr != nil && len(result.Pages) == 0 && len(result.Failures) == 0 {
				return fmt.Errorf("crawl %s: %w", job.StartURL, crawlErr)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			if !compact {
				enc.SetIndent("", "  ")
			}
			if err := enc.Encode(result); err != nil {
				return fmt.Errorf("encode result: %w", err)
			}
			e.logger.Info("Crawl command finished",
				zap.String("stop_reason", string(result.StopReason)),
				zap.Int("pages", len(result.Pages)),
			)
			if crawlErr != nil {
				return fmt.Errorf("crawl %s: %w", job.StartURL, crawlErr)
			}
			return nil
		},
	}

	fs := cmd.Flags()
	fs.Int("max-pages", 0, "maximum pages to emit")
	fs.Int("max-depth", 0, "maximum link depth from the start URL")
	fs.StringSlice("allowed-host", nil, "restrict the crawl to these hosts (repeatable)")
	fs.Float64("min-delay", 0, "minimum seconds between requests to one host")
	fs.Int("max-concurrency", 0, "concurrent fetches")
	fs.BoolVar(&compact, "compact", false, "print JSON on one line")
	return cmd
}

// jobFromFlags overlays explicitly set flags on the configured defaults.
func jobFromFlags(cmd *cobra.Command, defaults config.CrawlerConfig, startURL string) crawler.CrawlJob {
	job := defaults.DefaultJob(startURL)
	fs := cmd.Flags()
	if fs.Changed("max-pages") {
		job.MaxPages, _ = fs.GetInt("max-pages")
	}
	if fs.Changed("max-depth") {
		job.MaxDepth, _ = fs.GetInt("max-depth")
	}
	if fs.Changed("allowed-host") {
		job.AllowedHosts, _ = fs.GetStringSlice("allowed-host")
	}
	if fs.Changed("min-delay") {
		seconds, _ := fs.GetFloat64("min-delay")
		job.MinDelay = config.CrawlerConfig{MinDelaySeconds: seconds}.MinDelay()
	}
	if fs.Changed("max-concurrency") {
		job.MaxConcurrency, _ = fs.GetInt("max-concurrency")
	}
	return job
}
