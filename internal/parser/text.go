package parser

import (
	"regexp"
	"strings"
	"unicode"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// CleanText collapses whitespace runs to single spaces, strips control
// characters and trims the result. Parsers run it on every title and body
// before length checks.
func CleanText(s string) string {
	if s == "" {
		return ""
	}
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	s = whitespaceRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// spamPatterns are promo phrases, link dumps and phone plugs typical of
// comment spam on the monitored communities.
var spamPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)подпишись`),
	regexp.MustCompile(`(?i)переходи по ссылке`),
	regexp.MustCompile(`(?i)заработок`),
	regexp.MustCompile(`(?i)без вложений`),
	regexp.MustCompile(`(?i)пиши в лс`),
	regexp.MustCompile(`(?i)розыгрыш`),
	regexp.MustCompile(`(?i)выиграй`),
	regexp.MustCompile(`(?i)акция`),
	regexp.MustCompile(`(?i)скидка \d+%`),
}

var (
	urlPattern   = regexp.MustCompile(`https?://[^\s<>"]+`)
	phonePattern = regexp.MustCompile(`(?:\+7|8)[\s(-]*\d{3}[\s)-]*\d{3}[\s-]*\d{2}[\s-]*\d{2}`)
)

// IsSpam reports whether a comment text matches a known spam signal: a promo
// phrase, more than one link, or a Russian phone number.
func IsSpam(text string) bool {
	if text == "" {
		return false
	}
	for _, p := range spamPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	if len(urlPattern.FindAllString(text, 2)) > 1 {
		return true
	}
	return phonePattern.MatchString(text)
}
