// Package sitemap decodes a sitemap document into product references.
package sitemap

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"

	"github.com/antchfx/xmlquery"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

const urlElementPath = "/urlset/url"

// ParseError reports a sitemap that is not well-formed XML or lacks the
// urlset/url/loc structure.
type ParseError struct {
	Source string
	Entry  int
	Err    error
}

func (e *ParseError) Error() string {
	if e.Entry > 0 {
		return fmt.Sprintf("parse sitemap %s: entry %d: %v", e.Source, e.Entry, e.Err)
	}
	return fmt.Sprintf("parse sitemap %s: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Source yields the product references of a sitemap file.
type Source struct {
	path string
}

// NewSource returns a Source reading the sitemap at path.
func NewSource(path string) *Source {
	return &Source{path: path}
}

// All returns the references in document order. The file is opened lazily on
// each iteration, so the sequence can be ranged over more than once.
func (s *Source) All() iter.Seq2[crawler.ProductRef, error] {
	return func(yield func(crawler.ProductRef, error) bool) {
		f, err := os.Open(s.path)
		if err != nil {
			yield(crawler.ProductRef{}, fmt.Errorf("open sitemap: %w", err))
			return
		}
		defer f.Close()
		for ref, err := range Decode(s.path, f) {
			if !yield(ref, err) {
				return
			}
		}
	}
}

// Decode yields the url entries of r in document order. name labels errors.
// The whole document is checked before the first ref is yielded, so a
// truncated or malformed sitemap produces an error and no refs.
func Decode(name string, r io.Reader) iter.Seq2[crawler.ProductRef, error] {
	return func(yield func(crawler.ProductRef, error) bool) {
		data, err := io.ReadAll(r)
		if err != nil {
			yield(crawler.ProductRef{}, &ParseError{Source: name, Err: err})
			return
		}
		if err := scan(name, bytes.NewReader(data), func(crawler.ProductRef) bool { return true }); err != nil {
			yield(crawler.ProductRef{}, err)
			return
		}
		if err := scan(name, bytes.NewReader(data), func(ref crawler.ProductRef) bool {
			return yield(ref, nil)
		}); err != nil {
			yield(crawler.ProductRef{}, err)
		}
	}
}

// scan streams the url entries of r into emit until emit returns false.
func scan(name string, r io.Reader, emit func(crawler.ProductRef) bool) error {
	fail := func(entry int, err error) error {
		return &ParseError{Source: name, Entry: entry, Err: err}
	}
	parser, err := xmlquery.CreateStreamParser(r, urlElementPath)
	if err != nil {
		return fail(0, err)
	}
	entries := 0
	for {
		node, err := parser.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail(0, err)
		}
		entries++
		loc := node.SelectElement("loc")
		if loc == nil {
			return fail(entries, errors.New("missing loc element"))
		}
		ref, err := crawler.NewProductRef(strings.TrimSpace(loc.InnerText()))
		if err != nil {
			return fail(entries, err)
		}
		if !emit(ref) {
			return nil
		}
	}
	if entries == 0 {
		return fail(0, errors.New("no urlset/url entries"))
	}
	return nil
}
