package crawler

import (
	"fmt"
	"path"
	"strings"
)

// Config captures the engine settings. It is built from internal/config and
// passed explicitly so the engine holds no global state.
type Config struct {
	// ProductPrefix is the key prefix for {id}.html and {id}.json.
	ProductPrefix string
	// ImagePrefix is the key prefix for downloaded images.
	ImagePrefix string
	// ImageConcurrency caps simultaneous image downloads of one product. 0 means no cap.
	ImageConcurrency int
}

// Validate checks for obviously bad configuration combinations.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ProductPrefix) == "" {
		return fmt.Errorf("product prefix must be set")
	}
	if strings.TrimSpace(c.ImagePrefix) == "" {
		return fmt.Errorf("image prefix must be set")
	}
	if c.ImageConcurrency < 0 {
		return fmt.Errorf("image concurrency must be >= 0")
	}
	if c.ProductPrefix == c.ImagePrefix {
		return fmt.Errorf("product and image prefixes must differ")
	}
	return nil
}

// HTMLKey is the store key of a cached product page.
func (c Config) HTMLKey(id string) string {
	return path.Join(c.ProductPrefix, id+".html")
}

// JSONKey is the store key of a parsed product record.
func (c Config) JSONKey(id string) string {
	return path.Join(c.ProductPrefix, id+".json")
}

// ImageKey is the store key of a downloaded image.
func (c Config) ImageKey(name string) string {
	return path.Join(c.ImagePrefix, name)
}
