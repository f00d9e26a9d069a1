package crawler_test

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/storage/memory"
)

// MockFetcher is a mock implementation of crawler.Fetcher.
type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	args := m.Called(ctx, rawURL)
	body, _ := args.Get(0).([]byte)
	return body, args.Error(1)
}

// stubParser returns a product whose only image list comes from the page body:
// one image URL per line.
type stubParser struct {
	err error
}

func (p stubParser) Parse(sourceURL string, body []byte) (crawler.Product, error) {
	if p.err != nil {
		return crawler.Product{}, p.err
	}
	images := []string{}
	for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			images = append(images, line)
		}
	}
	return crawler.Product{
		Title:       "title of " + sourceURL,
		SourceURL:   sourceURL,
		Images:      images,
		Description: "<p>desc</p>",
	}, nil
}

var testConfig = crawler.Config{ProductPrefix: "product", ImagePrefix: "image"}

func refs(t *testing.T, urls ...string) iter.Seq2[crawler.ProductRef, error] {
	t.Helper()
	out := make([]crawler.ProductRef, 0, len(urls))
	for _, u := range urls {
		ref, err := crawler.NewProductRef(u)
		require.NoError(t, err)
		out = append(out, ref)
	}
	return func(yield func(crawler.ProductRef, error) bool) {
		for _, ref := range out {
			if !yield(ref, nil) {
				return
			}
		}
	}
}

func newEngine(t *testing.T, f crawler.Fetcher, store crawler.BlobStore, p crawler.Parser) *crawler.Engine {
	t.Helper()
	engine, err := crawler.NewEngine(testConfig, f, store, p, zaptest.NewLogger(t))
	require.NoError(t, err)
	return engine
}

func put(t *testing.T, store *memory.BlobStore, key, content string) {
	t.Helper()
	_, err := store.PutObject(context.Background(), key, "", strings.NewReader(content))
	require.NoError(t, err)
}

func TestProcessAll_DoneRecordMakesNoNetworkCalls(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	put(t, store, "product/a1.json", `{"id":"a1"}`)
	fetcher := &MockFetcher{}

	stats, err := newEngine(t, fetcher, store, stubParser{}).ProcessAll(context.Background(), refs(t, "https://shop.test/product/a1/"))
	require.NoError(t, err)
	assert.Equal(t, crawler.Stats{SkippedDone: 1}, stats)
	fetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
	assert.Equal(t, 1, store.Puts("product/a1.json"))
}

func TestProcessAll_CachedPageIsReused(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	put(t, store, "product/a1.html", "https://cdn.test/img/one.jpg\n")
	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, "https://cdn.test/img/one.jpg").Return([]byte("jpeg"), nil).Once()

	stats, err := newEngine(t, fetcher, store, stubParser{}).ProcessAll(context.Background(), refs(t, "https://shop.test/product/a1/"))
	require.NoError(t, err)
	fetcher.AssertExpectations(t)
	fetcher.AssertNotCalled(t, "Fetch", mock.Anything, "https://shop.test/product/a1/")

	assert.Equal(t, 1, stats.PagesCached)
	assert.Equal(t, 0, stats.PagesFetched)
	assert.Equal(t, 1, stats.ImagesFetched)
	assert.Equal(t, 1, store.Puts("product/a1.html"), "cached page must not be rewritten")

	exists, err := store.Exists(context.Background(), "product/a1.json")
	require.NoError(t, err)
	assert.True(t, exists)
	data, err := store.Get(context.Background(), "image/one.jpg")
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(data))
}

func TestProcessAll_GoneProductIsSkipped(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, "https://shop.test/product/gone/").Return(nil, crawler.ErrGone).Once()
	fetcher.On("Fetch", mock.Anything, "https://shop.test/product/ok/").Return([]byte(""), nil).Once()

	stats, err := newEngine(t, fetcher, store, stubParser{}).ProcessAll(context.Background(),
		refs(t, "https://shop.test/product/gone/", "https://shop.test/product/ok/"))
	require.NoError(t, err)
	fetcher.AssertExpectations(t)

	assert.Equal(t, 1, stats.SkippedGone)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, []string{"product/ok.html", "product/ok.json"}, store.Keys())
}

func TestProcessAll_StatusErrorAborts(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, "https://shop.test/product/bad/").
		Return(nil, &crawler.StatusError{URL: "https://shop.test/product/bad/", Code: 500}).Once()

	stats, err := newEngine(t, fetcher, store, stubParser{}).ProcessAll(context.Background(),
		refs(t, "https://shop.test/product/bad/", "https://shop.test/product/next/"))

	var statusErr *crawler.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 500, statusErr.Code)
	assert.Contains(t, err.Error(), "product bad")
	fetcher.AssertNotCalled(t, "Fetch", mock.Anything, "https://shop.test/product/next/")
	assert.Equal(t, crawler.Stats{}, stats)
	assert.Empty(t, store.Keys())
}

func TestProcessAll_OnlyMissingImagesAreFetched(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	put(t, store, "image/a.jpg", "old")
	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, "https://shop.test/product/p1").
		Return([]byte("https://cdn.test/x/a.jpg\nhttps://cdn.test/x/b.jpg?w=300\n"), nil).Once()
	fetcher.On("Fetch", mock.Anything, "https://cdn.test/x/b.jpg?w=300").Return([]byte("new"), nil).Once()

	stats, err := newEngine(t, fetcher, store, stubParser{}).ProcessAll(context.Background(), refs(t, "https://shop.test/product/p1"))
	require.NoError(t, err)
	fetcher.AssertExpectations(t)
	fetcher.AssertNotCalled(t, "Fetch", mock.Anything, "https://cdn.test/x/a.jpg")

	assert.Equal(t, 1, stats.ImagesCached)
	assert.Equal(t, 1, stats.ImagesFetched)
	data, err := store.Get(context.Background(), "image/b.jpg")
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestProcessAll_EndToEnd(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	put(t, store, "image/shared.png", "cached")
	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, "https://shop.test/product/one/").
		Return([]byte("https://cdn.test/one-a.png\nhttps://cdn.test/shared.png"), nil).Once()
	fetcher.On("Fetch", mock.Anything, "https://shop.test/product/gone/").Return(nil, crawler.ErrGone).Once()
	fetcher.On("Fetch", mock.Anything, "https://shop.test/product/two/").
		Return([]byte("https://cdn.test/two-a.png\n/relative/two-b.png"), nil).Once()
	for _, img := range []string{"https://cdn.test/one-a.png", "https://cdn.test/two-a.png", "https://shop.test/relative/two-b.png"} {
		fetcher.On("Fetch", mock.Anything, img).Return([]byte("img"), nil).Once()
	}

	stats, err := newEngine(t, fetcher, store, stubParser{}).ProcessAll(context.Background(),
		refs(t, "https://shop.test/product/one/", "https://shop.test/product/gone/", "https://shop.test/product/two/"))
	require.NoError(t, err)
	fetcher.AssertExpectations(t)
	fetcher.AssertNumberOfCalls(t, "Fetch", 6)

	assert.Equal(t, crawler.Stats{
		Processed:     2,
		SkippedGone:   1,
		PagesFetched:  2,
		ImagesFetched: 3,
		ImagesCached:  1,
	}, stats)
	assert.Equal(t, []string{
		"image/one-a.png",
		"image/shared.png",
		"image/two-a.png",
		"image/two-b.png",
		"product/one.html",
		"product/one.json",
		"product/two.html",
		"product/two.json",
	}, store.Keys())

	// A second run over the same store is a no-op.
	rerun := &MockFetcher{}
	stats, err = newEngine(t, rerun, store, stubParser{}).ProcessAll(context.Background(),
		refs(t, "https://shop.test/product/one/", "https://shop.test/product/two/"))
	require.NoError(t, err)
	assert.Equal(t, crawler.Stats{SkippedDone: 2}, stats)
	rerun.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
}

func TestProcessAll_GoneImageIsSkipped(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, "https://shop.test/product/p").
		Return([]byte("https://cdn.test/dead.jpg\nhttps://cdn.test/live.jpg"), nil).Once()
	fetcher.On("Fetch", mock.Anything, "https://cdn.test/dead.jpg").Return(nil, crawler.ErrGone).Once()
	fetcher.On("Fetch", mock.Anything, "https://cdn.test/live.jpg").Return([]byte("ok"), nil).Once()

	stats, err := newEngine(t, fetcher, store, stubParser{}).ProcessAll(context.Background(), refs(t, "https://shop.test/product/p"))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ImagesGone)
	assert.Equal(t, 1, stats.ImagesFetched)
	assert.Equal(t, 1, stats.Processed)
	exists, err := store.Exists(context.Background(), "image/dead.jpg")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestProcessAll_ImageErrorAbortsBeforeRecord(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, "https://shop.test/product/p").
		Return([]byte("https://cdn.test/broken.jpg"), nil).Once()
	fetcher.On("Fetch", mock.Anything, "https://cdn.test/broken.jpg").
		Return(nil, &crawler.StatusError{URL: "https://cdn.test/broken.jpg", Code: 503}).Once()

	_, err := newEngine(t, fetcher, store, stubParser{}).ProcessAll(context.Background(),
		refs(t, "https://shop.test/product/p", "https://shop.test/product/q"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "download images")
	fetcher.AssertNotCalled(t, "Fetch", mock.Anything, "https://shop.test/product/q")

	exists, err := store.Exists(context.Background(), "product/p.json")
	require.NoError(t, err)
	assert.False(t, exists, "record must not be written when an image fails")
	exists, err = store.Exists(context.Background(), "product/p.html")
	require.NoError(t, err)
	assert.True(t, exists, "fetched page stays cached for the next run")
}

func TestProcessAll_DuplicateImageNamesFetchedOnce(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, "https://shop.test/product/p").
		Return([]byte("https://cdn.test/a/pic.jpg\nhttps://cdn.test/b/pic.jpg"), nil).Once()
	fetcher.On("Fetch", mock.Anything, "https://cdn.test/a/pic.jpg").Return([]byte("a"), nil).Once()

	stats, err := newEngine(t, fetcher, store, stubParser{}).ProcessAll(context.Background(), refs(t, "https://shop.test/product/p"))
	require.NoError(t, err)
	fetcher.AssertExpectations(t)
	assert.Equal(t, 1, stats.ImagesFetched)
}

func TestProcessAll_ParseErrorAborts(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, "https://shop.test/product/p").Return([]byte("<html>"), nil).Once()
	parseErr := errors.New("no breadcrumb")

	_, err := newEngine(t, fetcher, store, stubParser{err: parseErr}).ProcessAll(context.Background(),
		refs(t, "https://shop.test/product/p", "https://shop.test/product/q"))
	require.ErrorIs(t, err, parseErr)
	fetcher.AssertNumberOfCalls(t, "Fetch", 1)
}

func TestProcessAll_SequenceErrorAborts(t *testing.T) {
	t.Parallel()

	seqErr := errors.New("malformed sitemap")
	seq := func(yield func(crawler.ProductRef, error) bool) {
		if !yield(crawler.ProductRef{URL: "https://shop.test/product/p", ID: "p"}, nil) {
			return
		}
		yield(crawler.ProductRef{}, seqErr)
	}

	store := memory.NewBlobStore()
	put(t, store, "product/p.json", "{}")
	stats, err := newEngine(t, &MockFetcher{}, store, stubParser{}).ProcessAll(context.Background(), seq)
	require.ErrorIs(t, err, seqErr)
	assert.Equal(t, 1, stats.SkippedDone)
}

func TestProcessAll_ContextCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fetcher := &MockFetcher{}

	_, err := newEngine(t, fetcher, memory.NewBlobStore(), stubParser{}).ProcessAll(ctx, refs(t, "https://shop.test/product/p"))
	require.ErrorIs(t, err, context.Canceled)
	fetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
}

func TestProcessAll_RecordFormat(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	fetcher := &MockFetcher{}
	fetcher.On("Fetch", mock.Anything, "https://shop.test/product/p").Return([]byte(""), nil).Once()

	_, err := newEngine(t, fetcher, store, stubParser{}).ProcessAll(context.Background(), refs(t, "https://shop.test/product/p"))
	require.NoError(t, err)

	data, err := store.Get(context.Background(), "product/p.json")
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.HasPrefix(text, "{\n  \"title\": "), "expected two-space indent, got %q", text)
	assert.Contains(t, text, `"description": "<p>desc</p>"`)
	assert.Contains(t, text, `"code": null`)

	var product crawler.Product
	require.NoError(t, json.Unmarshal(data, &product))
	assert.Equal(t, "p", product.ID)
	assert.Equal(t, "https://shop.test/product/p", product.SourceURL)
}

// overlapFetcher serves pages from a map and holds every image fetch until
// barrier image fetches have started, recording the order of events.
type overlapFetcher struct {
	pages   map[string]string
	barrier int
	release chan struct{}

	mu          sync.Mutex
	events      []string
	started     int
	inFlight    int
	maxInFlight int
}

func newOverlapFetcher(barrier int, pages map[string]string) *overlapFetcher {
	return &overlapFetcher{pages: pages, barrier: barrier, release: make(chan struct{})}
}

func (f *overlapFetcher) record(event string) {
	f.events = append(f.events, event)
}

func (f *overlapFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if body, ok := f.pages[rawURL]; ok {
		f.mu.Lock()
		f.record("page " + rawURL)
		f.mu.Unlock()
		return []byte(body), nil
	}

	f.mu.Lock()
	f.started++
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	if f.started == f.barrier {
		close(f.release)
	}
	f.record("start " + rawURL)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.record("end " + rawURL)
		f.mu.Unlock()
	}()

	select {
	case <-f.release:
		return []byte("img"), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("image fetches never overlapped: %s", rawURL)
	}
}

func (f *overlapFetcher) snapshot() ([]string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.events), f.maxInFlight
}

func TestProcessAll_ImagesOverlapWithinProductOnly(t *testing.T) {
	t.Parallel()

	const first, second = "https://shop.test/product/p1/", "https://shop.test/product/p2/"
	firstImages := []string{"https://cdn.test/p1/a.jpg", "https://cdn.test/p1/b.jpg", "https://cdn.test/p1/c.jpg"}
	fetcher := newOverlapFetcher(len(firstImages), map[string]string{
		first:  strings.Join(firstImages, "\n"),
		second: "https://cdn.test/p2/d.jpg\n",
	})
	store := memory.NewBlobStore()

	stats, err := newEngine(t, fetcher, store, stubParser{}).ProcessAll(context.Background(), refs(t, first, second))
	require.NoError(t, err)
	assert.Equal(t, 4, stats.ImagesFetched)

	events, maxInFlight := fetcher.snapshot()
	assert.Equal(t, len(firstImages), maxInFlight, "images of one product must be fetched concurrently")

	secondPage := slices.Index(events, "page "+second)
	require.NotEqual(t, -1, secondPage)
	for _, img := range firstImages {
		end := slices.Index(events, "end "+img)
		require.NotEqual(t, -1, end, img)
		assert.Less(t, end, secondPage, "%s still in flight when the next product started", img)
	}

	for _, key := range []string{"product/p1.json", "product/p2.json", "image/a.jpg", "image/d.jpg"} {
		ok, err := store.Exists(context.Background(), key)
		require.NoError(t, err)
		assert.True(t, ok, key)
	}
}

func TestProcessAll_ImageConcurrencyIsBounded(t *testing.T) {
	t.Parallel()

	const page = "https://shop.test/product/p1/"
	images := []string{
		"https://cdn.test/a.jpg", "https://cdn.test/b.jpg",
		"https://cdn.test/c.jpg", "https://cdn.test/d.jpg", "https://cdn.test/e.jpg",
	}
	fetcher := newOverlapFetcher(2, map[string]string{page: strings.Join(images, "\n")})
	cfg := testConfig
	cfg.ImageConcurrency = 2
	engine, err := crawler.NewEngine(cfg, fetcher, memory.NewBlobStore(), stubParser{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	stats, err := engine.ProcessAll(context.Background(), refs(t, page))
	require.NoError(t, err)
	assert.Equal(t, len(images), stats.ImagesFetched)

	_, maxInFlight := fetcher.snapshot()
	assert.Equal(t, 2, maxInFlight)
}

func TestNewEngine_Validation(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	_, err := crawler.NewEngine(crawler.Config{ProductPrefix: "x", ImagePrefix: "x"}, &MockFetcher{}, store, stubParser{}, nil)
	require.Error(t, err)

	_, err = crawler.NewEngine(testConfig, nil, store, stubParser{}, nil)
	require.Error(t, err)

	engine, err := crawler.NewEngine(testConfig, &MockFetcher{}, store, stubParser{}, nil)
	require.NoError(t, err)
	assert.NotNil(t, engine)
}
