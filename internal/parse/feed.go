package parse

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
)

const snippetMax = 300

func isFeed(content string) bool {
	head := strings.TrimSpace(content)
	if len(head) > 512 {
		head = head[:512]
	}
	head = strings.ToLower(head)
	return strings.HasPrefix(head, "<?xml") ||
		strings.Contains(head, "<rss") ||
		strings.Contains(head, "<rdf:rdf") ||
		strings.Contains(head, "<feed")
}

func parseFeedListing(content, cityCode string, limit int) ([]Candidate, error) {
	feed, err := gofeed.NewParser().ParseString(content)
	if err != nil {
		return nil, fmt.Errorf("parsing listing feed: %w", err)
	}

	c := newCollector(cityCode, limit)
	for _, item := range feed.Items {
		link := item.Link
		if link == "" {
			link = item.GUID
		}
		snippet := item.Description
		if snippet == "" {
			snippet = item.Content
		}
		if !c.add(link, strings.TrimSpace(item.Title), feedSnippet(snippet)) {
			break
		}
	}
	return c.out, nil
}

// feedSnippet flattens an HTML description to plain text.
func feedSnippet(html string) string {
	if html == "" {
		return ""
	}
	text := html
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(html)); err == nil {
		text = doc.Text()
	}
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > snippetMax {
		text = string(r[:snippetMax])
	}
	return text
}
