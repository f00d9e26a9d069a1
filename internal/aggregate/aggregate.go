// Package aggregate loads persisted product records and reports on them.
package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

var paragraphMarker = regexp.MustCompile(`(?i)<p>`)

// Finding flags a record whose description does not hold exactly one paragraph.
type Finding struct {
	ID          string
	SourceURL   string
	Paragraphs  int
	Description string
}

// Report summarizes a Check run.
type Report struct {
	Products int
	Findings []Finding
}

// Load decodes every {id}.json stored directly under prefix, in key order.
func Load(ctx context.Context, store crawler.BlobStore, prefix string) ([]crawler.Product, error) {
	dir := strings.Trim(prefix, "/")
	keys, err := store.List(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	products := make([]crawler.Product, 0, len(keys))
	for _, key := range keys {
		if path.Ext(key) != ".json" || path.Dir(key) != dir {
			continue
		}
		data, err := store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read record %s: %w", key, err)
		}
		var product crawler.Product
		if err := json.Unmarshal(data, &product); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", key, err)
		}
		products = append(products, product)
	}
	return products, nil
}

// CountParagraphs counts case-insensitive <p> markers in an HTML fragment.
func CountParagraphs(description string) int {
	return len(paragraphMarker.FindAllStringIndex(description, -1))
}

// Check reports every product whose description has zero or several paragraphs.
func Check(products []crawler.Product) Report {
	report := Report{Products: len(products)}
	for _, p := range products {
		n := CountParagraphs(p.Description)
		if n == 1 {
			continue
		}
		report.Findings = append(report.Findings, Finding{
			ID:          p.ID,
			SourceURL:   p.SourceURL,
			Paragraphs:  n,
			Description: p.Description,
		})
	}
	return report
}
