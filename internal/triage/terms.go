package triage

import (
	"regexp"
	"strings"
)

// Blacklist rejects titles containing any of its terms, case-insensitively.
type Blacklist struct {
	terms []string
}

func NewBlacklist(terms []string) *Blacklist {
	b := &Blacklist{}
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			b.terms = append(b.terms, t)
		}
	}
	return b
}

// Match returns the first term found in title.
func (b *Blacklist) Match(title string) (string, bool) {
	lower := strings.ToLower(title)
	for _, t := range b.terms {
		if strings.Contains(lower, t) {
			return t, true
		}
	}
	return "", false
}

// KeywordMatcher finds whole-word positive terms in a title. Spaces inside
// a term also match a slash, a hyphen or nothing, so "web design" matches
// "web-design" and "webdesign".
type KeywordMatcher struct {
	terms    []string
	patterns []*regexp.Regexp
}

func NewKeywordMatcher(terms []string) *KeywordMatcher {
	m := &KeywordMatcher{}
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		expr := strings.ReplaceAll(regexp.QuoteMeta(strings.ToLower(t)), " ", `[\s/-]?`)
		m.terms = append(m.terms, t)
		m.patterns = append(m.patterns, regexp.MustCompile(`(?i)\b`+expr+`\b`))
	}
	return m
}

// Match returns the first term matching title.
func (m *KeywordMatcher) Match(title string) (string, bool) {
	for i, re := range m.patterns {
		if re.MatchString(title) {
			return m.terms[i], true
		}
	}
	return "", false
}
