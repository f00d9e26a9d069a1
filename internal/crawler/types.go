package crawler

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// ProductRef is a product page URL plus the id derived from it.
type ProductRef struct {
	URL string
	ID  string
}

// NewProductRef derives the product id (the last non-empty path segment) from rawURL.
func NewProductRef(rawURL string) (ProductRef, error) {
	id := lastSegment(rawURL)
	if id == "" {
		return ProductRef{}, fmt.Errorf("no product id in url %q", rawURL)
	}
	return ProductRef{URL: rawURL, ID: id}, nil
}

// Crumb is one intermediate breadcrumb link.
type Crumb struct {
	Href string `json:"href"`
	Name string `json:"name"`
}

// Characteristic is a single name/value row of a characteristics section.
type Characteristic struct {
	Name       string `json:"name"`
	Value      string `json:"value"`
	IsExtended bool   `json:"isExtended,omitempty"`
}

// Section groups characteristics under a title.
type Section struct {
	Title      string           `json:"title"`
	Items      []Characteristic `json:"items"`
	IsExtended bool             `json:"isExtended,omitempty"`
}

// Product is the parsed record persisted as {id}.json.
type Product struct {
	Title           string    `json:"title"`
	SourceURL       string    `json:"sourceUrl"`
	Breadcrumb      []Crumb   `json:"breadcrumb"`
	ID              string    `json:"id"`
	Code            *int64    `json:"code"`
	Price           *float64  `json:"price"`
	Images          []string  `json:"images"`
	Description     string    `json:"description"`
	Characteristics []Section `json:"characteristics"`
	Rating          *string   `json:"rating"`
	GUID            string    `json:"guid"`
}

// Stats summarizes a ProcessAll run.
type Stats struct {
	Processed     int `json:"processed"`
	SkippedDone   int `json:"skipped_done"`
	SkippedGone   int `json:"skipped_gone"`
	PagesFetched  int `json:"pages_fetched"`
	PagesCached   int `json:"pages_cached"`
	ImagesFetched int `json:"images_fetched"`
	ImagesCached  int `json:"images_cached"`
	ImagesGone    int `json:"images_gone"`
}

func lastSegment(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	parts := strings.Split(p, "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] != "" {
			return parts[i]
		}
	}
	return ""
}

// ImageName returns the file name an image URL is cached under.
func ImageName(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	name := path.Base(p)
	if name == "." || name == "/" {
		return ""
	}
	return name
}
