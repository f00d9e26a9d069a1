// Package parser extracts product records from retailer product pages.
package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

const (
	breadcrumbListSelector = `[itemscope="http://schema.org/BreadcrumbList"]`
	crumbSelector          = `[itemprop="itemListElement"]`
	crumbItemSelector      = `[itemprop="item"]`
	crumbNameSelector      = `[itemprop="name"]`
	codeSelector           = `[data-product-param="code"]`
	priceSelector          = `meta[itemprop="price"]`
	descriptionSelector    = `[itemprop="description"]`
	characteristicsRows    = `#main-characteristics tr`
	ratingSelector         = `[itemprop="ratingValue"]`
	guidAttr               = "data-product-card"
	imageAttr              = "data-original"
)

var (
	imageContainers = []string{"#thumbsSliderWrap", "#mainImageSliderWrap"}
	// Everything up to and including the last closing h2.
	headingPrefix = regexp.MustCompile(`(?is).*</h2>`)
)

// MissingElementError reports that a page lacks an element every product page has.
type MissingElementError struct {
	URL     string
	Element string
}

func (e *MissingElementError) Error() string {
	return fmt.Sprintf("missing %s on %s", e.Element, e.URL)
}

// HTMLParser implements crawler.Parser with goquery.
type HTMLParser struct{}

// New returns an HTMLParser.
func New() *HTMLParser {
	return &HTMLParser{}
}

// Parse builds a Product from the page body fetched from sourceURL.
func (p *HTMLParser) Parse(sourceURL string, body []byte) (crawler.Product, error) {
	ref, err := crawler.NewProductRef(sourceURL)
	if err != nil {
		return crawler.Product{}, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.Product{}, fmt.Errorf("parse html %s: %w", sourceURL, err)
	}

	product := crawler.Product{
		SourceURL: sourceURL,
		ID:        ref.ID,
		Code:      parseCode(doc),
		Price:     parsePrice(doc),
		Rating:    parseRating(doc),
		GUID:      doc.Find("[" + guidAttr + "]").First().AttrOr(guidAttr, ""),
	}

	if product.Title, product.Breadcrumb, err = parseBreadcrumb(doc, sourceURL); err != nil {
		return crawler.Product{}, err
	}
	if product.Images, err = parseImages(doc, sourceURL); err != nil {
		return crawler.Product{}, err
	}
	if product.Description, err = parseDescription(doc, sourceURL); err != nil {
		return crawler.Product{}, err
	}
	if product.Characteristics, err = parseCharacteristics(doc); err != nil {
		return crawler.Product{}, fmt.Errorf("characteristics on %s: %w", sourceURL, err)
	}
	return product, nil
}

// parseBreadcrumb returns the leaf crumb as the title and the crumbs between
// the root and the leaf as the breadcrumb.
func parseBreadcrumb(doc *goquery.Document, sourceURL string) (string, []crawler.Crumb, error) {
	crumbs := doc.Find(breadcrumbListSelector).First().Find(crumbSelector)
	if crumbs.Length() == 0 {
		return "", nil, &MissingElementError{URL: sourceURL, Element: "breadcrumb"}
	}

	leaf := crumbs.Last().Find(crumbItemSelector).First()
	if leaf.Length() == 0 {
		return "", nil, &MissingElementError{URL: sourceURL, Element: "title"}
	}
	title, err := leaf.Html()
	if err != nil {
		return "", nil, fmt.Errorf("render title on %s: %w", sourceURL, err)
	}

	base, _ := url.Parse(sourceURL)
	breadcrumb := make([]crawler.Crumb, 0, max(crumbs.Length()-2, 0))
	for i := 1; i < crumbs.Length()-1; i++ {
		crumb := crumbs.Eq(i)
		name, err := crumb.Find(crumbNameSelector).First().Html()
		if err != nil {
			return "", nil, fmt.Errorf("render crumb %d on %s: %w", i, sourceURL, err)
		}
		href := crumb.Find(crumbItemSelector).First().AttrOr("href", "")
		breadcrumb = append(breadcrumb, crawler.Crumb{Href: resolve(base, href), Name: name})
	}
	return title, breadcrumb, nil
}

func parseCode(doc *goquery.Document) *int64 {
	raw, err := doc.Find(codeSelector).First().Html()
	if err != nil {
		return nil
	}
	code, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return nil
	}
	return &code
}

func parsePrice(doc *goquery.Document) *float64 {
	content, ok := doc.Find(priceSelector).First().Attr("content")
	if !ok {
		return nil
	}
	price, err := strconv.ParseFloat(strings.TrimSpace(content), 64)
	if err != nil {
		return nil
	}
	return &price
}

func parseImages(doc *goquery.Document, sourceURL string) ([]string, error) {
	for _, selector := range imageContainers {
		container := doc.Find(selector).First()
		if container.Length() == 0 {
			continue
		}
		images := []string{}
		container.Find("[" + imageAttr + "]").Each(func(_ int, s *goquery.Selection) {
			images = append(images, s.AttrOr(imageAttr, ""))
		})
		return images, nil
	}
	return nil, &MissingElementError{URL: sourceURL, Element: "image container"}
}

// parseDescription prefers the first paragraph and falls back to whatever
// follows the last h2 heading.
func parseDescription(doc *goquery.Document, sourceURL string) (string, error) {
	desc := doc.Find(descriptionSelector).First()
	if desc.Length() == 0 {
		return "", &MissingElementError{URL: sourceURL, Element: "description"}
	}
	if p := desc.Find("p").First(); p.Length() > 0 {
		out, err := goquery.OuterHtml(p)
		if err != nil {
			return "", fmt.Errorf("render description on %s: %w", sourceURL, err)
		}
		return out, nil
	}
	inner, err := desc.Html()
	if err != nil {
		return "", fmt.Errorf("render description on %s: %w", sourceURL, err)
	}
	return headingPrefix.ReplaceAllString(inner, ""), nil
}

func parseCharacteristics(doc *goquery.Document) ([]crawler.Section, error) {
	sections := []crawler.Section{}
	var rowErr error
	doc.Find(characteristicsRows).EachWithBreak(func(_ int, row *goquery.Selection) bool {
		if part := row.Find(".table-part").First(); part.Length() > 0 {
			title, err := part.Html()
			if err != nil {
				rowErr = err
				return false
			}
			sections = append(sections, crawler.Section{
				Title:      title,
				Items:      []crawler.Characteristic{},
				IsExtended: row.HasClass("hidden"),
			})
			return true
		}

		name, ok := firstText(row.Find(".dots span").First())
		if !ok {
			// Spacer and heading rows carry no name.
			return true
		}
		value, err := row.Find("td").Eq(1).Html()
		if err != nil {
			rowErr = err
			return false
		}
		if len(sections) == 0 {
			sections = append(sections, crawler.Section{Items: []crawler.Characteristic{}})
		}
		last := &sections[len(sections)-1]
		last.Items = append(last.Items, crawler.Characteristic{
			Name:       name,
			Value:      strings.TrimSpace(value),
			IsExtended: row.HasClass("extended-characteristic"),
		})
		return true
	})
	if rowErr != nil {
		return nil, rowErr
	}
	return sections, nil
}

func parseRating(doc *goquery.Document) *string {
	el := doc.Find(ratingSelector).First()
	if el.Length() == 0 {
		return nil
	}
	rating := strings.TrimSpace(el.AttrOr("content", ""))
	if rating == "" {
		rating = strings.TrimSpace(el.Text())
	}
	if rating == "" {
		return nil
	}
	return &rating
}

// firstText returns the trimmed data of the selection's first child when it is a text node.
func firstText(s *goquery.Selection) (string, bool) {
	if s.Length() == 0 {
		return "", false
	}
	child := s.Nodes[0].FirstChild
	if child == nil || child.Type != html.TextNode {
		return "", false
	}
	return strings.TrimSpace(child.Data), true
}

func resolve(base *url.URL, href string) string {
	if base == nil || href == "" {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
