package crawler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

const (
	htmlContentType = "text/html; charset=utf-8"
	jsonContentType = "application/json"
)

// Engine walks product refs one at a time, reusing whatever the store already holds.
type Engine struct {
	cfg     Config
	fetcher Fetcher
	store   BlobStore
	parser  Parser
	logger  *zap.Logger
}

// NewEngine wires an Engine. A nil logger is replaced with a no-op logger.
func NewEngine(cfg Config, fetcher Fetcher, store BlobStore, parser Parser, logger *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid crawler config: %w", err)
	}
	if fetcher == nil || store == nil || parser == nil {
		return nil, errors.New("fetcher, store and parser are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:     cfg,
		fetcher: fetcher,
		store:   store,
		parser:  parser,
		logger:  logger,
	}, nil
}

// imageCounts is updated from the download goroutines of one product.
type imageCounts struct {
	fetched atomic.Int64
	cached  atomic.Int64
	gone    atomic.Int64
}

// ProcessAll handles every ref in order. The first sequence, fetch, parse or
// store error stops the run; the returned Stats cover the work done until then.
func (e *Engine) ProcessAll(ctx context.Context, refs iter.Seq2[ProductRef, error]) (Stats, error) {
	var stats Stats
	for ref, err := range refs {
		if err != nil {
			return stats, fmt.Errorf("read product refs: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("crawl canceled: %w", err)
		}
		if err := e.process(ctx, ref, &stats); err != nil {
			return stats, fmt.Errorf("product %s: %w", ref.ID, err)
		}
	}
	e.logger.Info("crawl finished",
		zap.Int("processed", stats.Processed),
		zap.Int("skipped_done", stats.SkippedDone),
		zap.Int("skipped_gone", stats.SkippedGone),
		zap.Int("pages_fetched", stats.PagesFetched),
		zap.Int("images_fetched", stats.ImagesFetched),
	)
	return stats, nil
}

func (e *Engine) process(ctx context.Context, ref ProductRef, stats *Stats) error {
	logger := e.logger.With(zap.String("id", ref.ID), zap.String("url", ref.URL))

	done, err := e.store.Exists(ctx, e.cfg.JSONKey(ref.ID))
	if err != nil {
		return fmt.Errorf("check record: %w", err)
	}
	if done {
		stats.SkippedDone++
		metrics.ObserveProduct(metrics.OutcomeSkippedDone)
		logger.Debug("record exists; skipping")
		return nil
	}

	page, err := e.loadPage(ctx, ref, stats)
	if errors.Is(err, ErrGone) {
		stats.SkippedGone++
		metrics.ObserveProduct(metrics.OutcomeSkippedGone)
		logger.Info("product gone; skipping")
		return nil
	}
	if err != nil {
		return err
	}

	product, err := e.parser.Parse(ref.URL, page)
	if err != nil {
		return fmt.Errorf("parse page: %w", err)
	}
	product.ID = ref.ID

	var counts imageCounts
	err = e.downloadImages(ctx, ref.URL, product.Images, &counts, logger)
	stats.ImagesFetched += int(counts.fetched.Load())
	stats.ImagesCached += int(counts.cached.Load())
	stats.ImagesGone += int(counts.gone.Load())
	if err != nil {
		return err
	}

	if err := e.persist(ctx, product); err != nil {
		return err
	}
	stats.Processed++
	metrics.ObserveProduct(metrics.OutcomeProcessed)
	logger.Info("product stored", zap.Int("images", len(product.Images)))
	return nil
}

// loadPage returns the cached page, or fetches and caches it.
func (e *Engine) loadPage(ctx context.Context, ref ProductRef, stats *Stats) ([]byte, error) {
	key := e.cfg.HTMLKey(ref.ID)
	cached, err := e.store.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check page cache: %w", err)
	}
	if cached {
		page, err := e.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read cached page: %w", err)
		}
		stats.PagesCached++
		metrics.ObserveCacheHit("page")
		return page, nil
	}

	page, err := e.fetcher.Fetch(ctx, ref.URL)
	if err != nil {
		if errors.Is(err, ErrGone) {
			return nil, err
		}
		return nil, fmt.Errorf("fetch page: %w", err)
	}
	stats.PagesFetched++
	if _, err := e.store.PutObject(ctx, key, htmlContentType, bytes.NewReader(page)); err != nil {
		return nil, fmt.Errorf("cache page: %w", err)
	}
	return page, nil
}

// downloadImages fetches every image of one product concurrently and waits for all of them.
func (e *Engine) downloadImages(ctx context.Context, pageURL string, images []string, counts *imageCounts, logger *zap.Logger) error {
	base, _ := url.Parse(pageURL)
	seen := make(map[string]struct{}, len(images))

	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.ImageConcurrency > 0 {
		g.SetLimit(e.cfg.ImageConcurrency)
	}
	for _, raw := range images {
		name := ImageName(raw)
		if name == "" {
			logger.Warn("image url has no file name; skipping", zap.String("image", raw))
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		imageURL := resolveAgainst(base, raw)
		g.Go(func() error {
			return e.downloadImage(gctx, imageURL, name, counts, logger)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("download images: %w", err)
	}
	return nil
}

func (e *Engine) downloadImage(ctx context.Context, imageURL, name string, counts *imageCounts, logger *zap.Logger) error {
	key := e.cfg.ImageKey(name)
	exists, err := e.store.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("check image %s: %w", name, err)
	}
	if exists {
		counts.cached.Add(1)
		metrics.ObserveCacheHit("image")
		return nil
	}

	data, err := e.fetcher.Fetch(ctx, imageURL)
	if errors.Is(err, ErrGone) {
		counts.gone.Add(1)
		logger.Warn("image gone; skipping", zap.String("image", imageURL))
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch image %s: %w", imageURL, err)
	}
	if _, err := e.store.PutObject(ctx, key, "", bytes.NewReader(data)); err != nil {
		return fmt.Errorf("store image %s: %w", name, err)
	}
	counts.fetched.Add(1)
	return nil
}

// persist writes the record as two-space indented JSON. HTML in the
// description is kept verbatim.
func (e *Engine) persist(ctx context.Context, product Product) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(product); err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if _, err := e.store.PutObject(ctx, e.cfg.JSONKey(product.ID), jsonContentType, &buf); err != nil {
		return fmt.Errorf("store record: %w", err)
	}
	return nil
}

func resolveAgainst(base *url.URL, raw string) string {
	if base == nil {
		return raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return base.ResolveReference(ref).String()
}
