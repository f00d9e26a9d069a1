package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/catalog-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
	"github.com/JakeFAU/catalog-crawler/internal/parser"
	"github.com/JakeFAU/catalog-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/catalog-crawler/internal/sitemap"
)

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Fetches and stores every product listed in the sitemap",
		Long: `Reads crawler.sitemap_path and, for each product URL in order, stores the
page, its parsed JSON record and its images. Products that already have a
record are skipped, and cached pages are reused instead of fetched again.`,
		RunE: runCrawlCommand,
	}
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	env, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	logger := env.logger

	store, closeStore, err := openStore(ctx, env.cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	engine, err := crawler.NewEngine(env.cfg.EngineConfig(), buildFetcher(env.cfg.Crawler, logger), store, parser.New(), logger)
	if err != nil {
		return err
	}

	if env.cfg.Metrics.Addr != "" {
		stopMetrics := serveMetrics(env.cfg.Metrics.Addr, logger)
		defer stopMetrics()
	}

	logger.Info("crawl started",
		zap.String("sitemap", env.cfg.Crawler.SitemapPath),
		zap.String("backend", env.cfg.Storage.Backend),
	)
	stats, err := engine.ProcessAll(ctx, sitemap.NewSource(env.cfg.Crawler.SitemapPath).All())
	logger.Info("crawl stats",
		zap.Int("processed", stats.Processed),
		zap.Int("skipped_done", stats.SkippedDone),
		zap.Int("skipped_gone", stats.SkippedGone),
		zap.Int("pages_fetched", stats.PagesFetched),
		zap.Int("pages_cached", stats.PagesCached),
		zap.Int("images_fetched", stats.ImagesFetched),
		zap.Int("images_cached", stats.ImagesCached),
		zap.Int("images_gone", stats.ImagesGone),
	)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("crawl interrupted; rerun to resume")
		}
		return fmt.Errorf("crawl: %w", err)
	}
	return nil
}

func buildFetcher(cfg config.CrawlerConfig, logger *zap.Logger) *collyfetcher.Fetcher {
	fetcherCfg := collyfetcher.Config{
		UserAgent:    cfg.UserAgent,
		Accept:       cfg.Accept,
		Timeout:      cfg.RequestTimeout,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Retry:        crawler.NewTimeoutRetryPolicy(cfg.MaxRetries, cfg.RetryDelay, cfg.RetryMaxDelay),
		Logger:       logger.Named("fetcher"),
	}
	if cfg.RequestsPerSecond > 0 {
		fetcherCfg.Limiter = ratelimit.New(ratelimit.Config{RPS: cfg.RequestsPerSecond, Burst: 1})
	}
	return collyfetcher.New(fetcherCfg)
}

// serveMetrics exposes /metrics and /healthz until the returned func is called.
func serveMetrics(addr string, logger *zap.Logger) func() {
	srv := &http.Server{
		Addr:              addr,
		Handler:           metrics.NewRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server started", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown error", zap.Error(err))
		}
	}
}
