// Package parse extracts candidates from listing pages and lead details
// from post pages.
package parse

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Candidate is a post summary taken from a listing page.
type Candidate struct {
	URL      string
	Title    string
	Snippet  string
	CityCode string
}

// ParseListing returns the candidates on a listing page, in page order, and
// the raw href of the next page if one is advertised. RSS listings are
// detected from the content. limit > 0 caps the number of candidates.
func ParseListing(content, cityCode string, limit int) ([]Candidate, string, error) {
	if strings.TrimSpace(content) == "" {
		return nil, "", nil
	}
	if isFeed(content) {
		cands, err := parseFeedListing(content, cityCode, limit)
		return cands, "", err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, "", fmt.Errorf("parsing listing html: %w", err)
	}

	c := newCollector(cityCode, limit)

	// Current result markup.
	doc.Find("div.cl-search-result").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		a := s.Find("a.posting-title").First()
		title := strings.TrimSpace(a.Find("span.label").First().Text())
		if title == "" {
			title = strings.TrimSpace(a.Text())
		}
		return c.add(a.AttrOr("href", ""), title, "")
	})

	// Static markup served to clients without JavaScript.
	if c.empty() {
		doc.Find("li.cl-static-search-result").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			a := s.Find("a[href]").First()
			title := strings.TrimSpace(s.Find("div.title").First().Text())
			if title == "" {
				title = strings.TrimSpace(s.AttrOr("title", ""))
			}
			return c.add(a.AttrOr("href", ""), title, "")
		})
	}

	// Older result rows.
	if c.empty() {
		doc.Find("li.result-row").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			a := s.Find("a.result-title").First()
			return c.add(a.AttrOr("href", ""), strings.TrimSpace(a.Text()), "")
		})
	}

	next := strings.TrimSpace(doc.Find("a.button.next").First().AttrOr("href", ""))
	if next == "" {
		next = strings.TrimSpace(doc.Find(`link[rel="next"]`).First().AttrOr("href", ""))
	}
	return c.out, next, nil
}

// collector dedups candidates and applies the per-page limit.
type collector struct {
	city  string
	limit int
	seen  map[string]bool
	out   []Candidate
}

func newCollector(city string, limit int) *collector {
	return &collector{city: city, limit: limit, seen: make(map[string]bool)}
}

func (c *collector) empty() bool { return len(c.out) == 0 }

// add records a candidate and reports whether collection should continue.
func (c *collector) add(href, title, snippet string) bool {
	href = strings.TrimSpace(href)
	// Relative links are skipped; the fetch service returns absolute ones.
	if !strings.HasPrefix(href, "http://") && !strings.HasPrefix(href, "https://") {
		return true
	}
	if title == "" || c.seen[href] {
		return true
	}
	c.seen[href] = true
	c.out = append(c.out, Candidate{URL: href, Title: title, Snippet: snippet, CityCode: c.city})
	return c.limit <= 0 || len(c.out) < c.limit
}
