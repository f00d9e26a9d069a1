package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher fetches a URL and returns the raw body.
// It returns ErrGone for HTTP 410 and a *StatusError for any other non-200 status.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// BlobStore persists raw artifacts under slash-separated keys.
type BlobStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	PutObject(ctx context.Context, key string, contentType string, data io.Reader) (string, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Parser turns a product page into a Product.
type Parser interface {
	Parse(sourceURL string, body []byte) (Product, error)
}

// RetryPolicy decides whether a failed attempt is retried and how long to wait first.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}
