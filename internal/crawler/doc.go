// Package crawler implements the catalog crawl: the product data model, the
// fetcher/store/parser contracts, the timeout retry policy, and the
// cache-aware Engine that walks a sitemap and persists every product.
package crawler
