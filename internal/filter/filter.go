// Package filter implements the deterministic keyword gate that pre-screens
// every fetched item before the classifier is paid for.
package filter

import (
	"strings"
	"unicode"

	ahocorasick "github.com/cloudflare/ahocorasick"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Gate screens text against an include-term set and an optional exclude-term
// set. Matching is case-insensitive, diacritic-folded substring matching via
// a single Aho-Corasick pass per set, so running it on every fetched item is
// cheap regardless of term count.
type Gate struct {
	include *ahocorasick.Matcher
	exclude *ahocorasick.Matcher
}

// New builds a Gate. Terms are folded the same way input text is; empty and
// duplicate terms are dropped. An empty include set accepts nothing.
func New(include, exclude []string) *Gate {
	return &Gate{
		include: newMatcher(include),
		exclude: newMatcher(exclude),
	}
}

// Accept reports whether the text matches at least one include term and no
// exclude term. The decision depends only on the text and the configured
// sets, never on call order.
func (g *Gate) Accept(text string) bool {
	if g.include == nil {
		return false
	}
	folded := Fold(text)
	if len(g.include.Match([]byte(folded))) == 0 {
		return false
	}
	if g.exclude != nil && len(g.exclude.Match([]byte(folded))) > 0 {
		return false
	}
	return true
}

// Matcher is a single folded term set. The comment judges use independent
// Matchers for domain, political, and profanity vocabularies.
type Matcher struct {
	matcher *ahocorasick.Matcher
}

// NewMatcher builds a Matcher from terms; nil-safe to call on empty input.
func NewMatcher(terms []string) *Matcher {
	return &Matcher{matcher: newMatcher(terms)}
}

// MatchAny reports whether any configured term occurs in the text.
func (m *Matcher) MatchAny(text string) bool {
	if m == nil || m.matcher == nil {
		return false
	}
	return len(m.matcher.Match([]byte(Fold(text)))) > 0
}

func newMatcher(terms []string) *ahocorasick.Matcher {
	folded := make([]string, 0, len(terms))
	seen := make(map[string]struct{}, len(terms))
	for _, term := range terms {
		f := Fold(strings.TrimSpace(term))
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		folded = append(folded, f)
	}
	if len(folded) == 0 {
		return nil
	}
	return ahocorasick.NewStringMatcher(folded)
}

// Fold lowercases the text and strips diacritical marks so that terms match
// regardless of case and accent spelling (е/ё collapse to the same rune).
// Terms and input text must go through the same fold to stay comparable.
// The transform chain is stateful, so it is built per call.
func Fold(s string) string {
	s = strings.ToLower(s)
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
