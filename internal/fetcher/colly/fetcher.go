// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

const defaultTimeout = 20 * time.Second

// Limiter paces outgoing requests.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Accept    string
	Timeout   time.Duration
	// MaxBodyBytes limits the response body size. 0 means unlimited.
	MaxBodyBytes int
	// Retry decides which failures are retried. Defaults to retrying timeouts forever.
	Retry crawler.RetryPolicy
	// Limiter is optional.
	Limiter Limiter
	Logger  *zap.Logger
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	retry         crawler.RetryPolicy
	logger        *zap.Logger
	sleep         func(ctx context.Context, d time.Duration) error
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// attempt holds what the colly callbacks observed for one request.
type attempt struct {
	status int
	body   []byte
	err    error
}

// New builds a Fetcher. The shared backend (transport, timeout, user agent) is
// configured once here; each Fetch works on a clone with its own callbacks.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Accept == "" {
		cfg.Accept = "*/*"
	}
	retry := cfg.Retry
	if retry == nil {
		retry = crawler.NewTimeoutRetryPolicy(0, 0, 0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.MaxBodySize = cfg.MaxBodyBytes
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		retry:         retry,
		logger:        logger,
		sleep:         sleepContext,
	}
}

// Fetch GETs rawURL, retrying the identical request while the retry policy allows.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	for n := 1; ; n++ {
		if f.cfg.Limiter != nil {
			if err := f.cfg.Limiter.Wait(ctx, rawURL); err != nil {
				return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
			}
		}

		start := time.Now()
		body, err := f.fetchOnce(ctx, rawURL)
		metrics.ObserveFetch(rawURL, resultLabel(err), len(body), time.Since(start))
		if err == nil || errors.Is(err, crawler.ErrGone) {
			return body, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("fetch %s canceled: %w", rawURL, ctxErr)
		}
		if !f.retry.ShouldRetry(err, n) {
			return nil, err
		}

		delay := f.retry.Backoff(n)
		metrics.ObserveRetry(rawURL)
		f.logger.Warn("fetch timed out; retrying",
			zap.String("url", rawURL),
			zap.Int("attempt", n),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := f.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("fetch %s canceled: %w", rawURL, err)
		}
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string) ([]byte, error) {
	var result attempt
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, &result)

	visitErr := runCollector(ctx, collector, rawURL)
	if visitErr != nil && ctx.Err() != nil {
		// The visit goroutine may still be writing result.
		return nil, visitErr
	}
	return classify(rawURL, result, visitErr)
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, result *attempt) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", f.cfg.Accept)
	})

	hooks.OnResponse(func(r *colly.Response) {
		result.status = r.StatusCode
		result.body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.status = r.StatusCode
		}
		result.err = err
	})
}

// classify maps one observed request to the crawler.Fetcher contract.
func classify(rawURL string, result attempt, visitErr error) ([]byte, error) {
	switch {
	case result.status == http.StatusGone:
		return nil, crawler.ErrGone
	case result.status != 0 && result.status != http.StatusOK:
		return nil, &crawler.StatusError{URL: rawURL, Code: result.status}
	case result.err != nil:
		return nil, fmt.Errorf("colly response failed: %w", result.err)
	case visitErr != nil:
		return nil, visitErr
	case result.status == 0:
		return nil, fmt.Errorf("colly visit %s produced no response", rawURL)
	}
	return result.body, nil
}

func runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func resultLabel(err error) string {
	var statusErr *crawler.StatusError
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, crawler.ErrGone):
		return metrics.ResultGone
	case errors.As(err, &statusErr):
		return metrics.ResultStatus
	case crawler.IsTimeout(err):
		return metrics.ResultTimeout
	default:
		return metrics.ResultError
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
