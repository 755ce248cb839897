package parse

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

// Details are the fields read from a post page.
type Details struct {
	Description    string
	DatePosted     *string
	ContactMethod  *string
	ContactEmail   *string
	ContactPhone   *string
	EstimatedValue *string
}

var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phoneRe = regexp.MustCompile(`(?:\+?1[\s.-]?)?\(?\b[2-9]\d{2}\)?[\s.-]?\d{3}[\s.-]?\d{4}\b`)
)

// ParseDetail extracts the description, posting time and contact data of a
// post. Missing fields stay nil; it never fails.
func ParseDetail(content string, c Candidate) Details {
	var d Details
	if strings.TrimSpace(content) == "" {
		return d
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return d
	}

	body := doc.Find("section#postingbody").First()
	if body.Length() > 0 {
		body.Find("div.print-qrcode-container").Remove()
		d.Description = cleanText(body.Text())
	}
	if d.Description == "" {
		d.Description = readableText(content, c.URL)
	}

	if dt, ok := doc.Find("time.date.timeago").First().Attr("datetime"); ok && dt != "" {
		d.DatePosted = &dt
	} else if dt, ok := doc.Find("time[datetime]").First().Attr("datetime"); ok && dt != "" {
		d.DatePosted = &dt
	}

	if href, ok := doc.Find(`a[href^="mailto:"]`).First().Attr("href"); ok {
		addr := strings.TrimPrefix(href, "mailto:")
		if i := strings.IndexByte(addr, '?'); i >= 0 {
			addr = addr[:i]
		}
		if addr != "" {
			d.ContactEmail = &addr
		}
	}
	if d.ContactEmail == nil {
		if m := emailRe.FindString(d.Description); m != "" {
			d.ContactEmail = &m
		}
	}
	if m := phoneRe.FindString(d.Description); m != "" {
		m = strings.TrimSpace(m)
		d.ContactPhone = &m
	}

	switch {
	case doc.Find("button.reply-button").Length() > 0:
		d.ContactMethod = strPtr("Reply Button")
	case d.ContactEmail != nil:
		d.ContactMethod = strPtr("Email")
	case d.ContactPhone != nil:
		d.ContactMethod = strPtr("Phone")
	}

	d.EstimatedValue = compensation(doc)
	return d
}

// compensation reads the "compensation: ..." attribute of a gig post.
func compensation(doc *goquery.Document) *string {
	var value *string
	doc.Find(".attrgroup span, .attrgroup .attr").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := cleanText(s.Text())
		label, rest, found := strings.Cut(text, ":")
		if !found || !strings.EqualFold(strings.TrimSpace(label), "compensation") {
			return true
		}
		v := strings.TrimSpace(rest)
		if b := strings.TrimSpace(s.Find("b").First().Text()); b != "" {
			v = b
		}
		if v != "" {
			value = &v
			return false
		}
		return true
	})
	return value
}

func readableText(content, pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	article, err := readability.FromReader(strings.NewReader(content), u)
	if err != nil {
		return ""
	}
	return cleanText(article.TextContent)
}

// cleanText trims every line and drops blank ones.
func cleanText(s string) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func strPtr(s string) *string { return &s }
