package research

import (
	"net/url"
	"strings"
	"unicode"
)

// NormalizeURL canonicalizes a URL for deduplication: scheme and host
// are case-insensitive, the path is case-sensitive, and fragments are
// stripped. Unparseable URLs fall back to a trimmed string compare.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Fragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String()
}

// NormalizeLearningText canonicalizes a learning for deduplication:
// lowercase, whitespace collapsed, trailing punctuation stripped.
func NormalizeLearningText(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	text = strings.Join(strings.Fields(text), " ")
	return strings.TrimRightFunc(text, func(r rune) bool {
		return unicode.IsPunct(r)
	})
}

// sourceSet tracks deduplicated URLs in first-appearance order.
type sourceSet struct {
	seen  map[string]struct{}
	order []string
}

func newSourceSet() *sourceSet {
	return &sourceSet{seen: make(map[string]struct{})}
}

// Add records a URL; returns true when it was new.
func (s *sourceSet) Add(raw string) bool {
	key := NormalizeURL(raw)
	if key == "" {
		return false
	}
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	s.order = append(s.order, raw)
	return true
}

// Has reports whether the URL was seen before.
func (s *sourceSet) Has(raw string) bool {
	_, ok := s.seen[NormalizeURL(raw)]
	return ok
}

// URLs returns the insertion-ordered source list.
func (s *sourceSet) URLs() []string {
	return append([]string(nil), s.order...)
}

// learningSet deduplicates learnings by normalized text.
type learningSet struct {
	seen  map[string]struct{}
	order []Learning
}

func newLearningSet() *learningSet {
	return &learningSet{seen: make(map[string]struct{})}
}

// Add records a learning; returns true when its text was new.
func (s *learningSet) Add(l Learning) bool {
	key := NormalizeLearningText(l.Text)
	if key == "" {
		return false
	}
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	s.order = append(s.order, l)
	return true
}

// All returns the insertion-ordered learnings.
func (s *learningSet) All() []Learning {
	return append([]Learning(nil), s.order...)
}
