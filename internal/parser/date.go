package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// dateLayouts are tried in order against machine-readable date strings.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05",
	"02.01.2006 15:04",
	"02.01.2006",
	"2006-01-02",
}

// russianMonths maps genitive month names used in visible publication dates.
var russianMonths = map[string]time.Month{
	"января":   time.January,
	"февраля":  time.February,
	"марта":    time.March,
	"апреля":   time.April,
	"мая":      time.May,
	"июня":     time.June,
	"июля":     time.July,
	"августа":  time.August,
	"сентября": time.September,
	"октября":  time.October,
	"ноября":   time.November,
	"декабря":  time.December,
}

var (
	russianDateTime = regexp.MustCompile(`(\d{1,2})\s+([а-яё]+),?\s+(\d{4}),?\s+(\d{1,2}):(\d{2})`)
	russianDate     = regexp.MustCompile(`(\d{1,2})\s+([а-яё]+)\s+(\d{4})`)
)

// ParseDate extracts a publication time from the string forms news sites and
// feeds emit: RFC 3339, bare ISO, dotted numeric and spelled-out Russian
// dates. Strings without a zone are interpreted in loc. The second return is
// false when no format matches.
func ParseDate(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return parseRussianDate(strings.ToLower(s), loc)
}

func parseRussianDate(s string, loc *time.Location) (time.Time, bool) {
	if m := russianDateTime.FindStringSubmatch(s); m != nil {
		if t, ok := buildRussianDate(m[1], m[2], m[3], m[4], m[5], loc); ok {
			return t, true
		}
	}
	if m := russianDate.FindStringSubmatch(s); m != nil {
		if t, ok := buildRussianDate(m[1], m[2], m[3], "0", "0", loc); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func buildRussianDate(dayStr, monthName, yearStr, hourStr, minStr string, loc *time.Location) (time.Time, bool) {
	month, ok := russianMonths[monthName]
	if !ok {
		return time.Time{}, false
	}
	day, _ := strconv.Atoi(dayStr)
	year, _ := strconv.Atoi(yearStr)
	hour, _ := strconv.Atoi(hourStr)
	minute, _ := strconv.Atoi(minStr)
	if day < 1 || day > 31 || hour > 23 || minute > 59 {
		return time.Time{}, false
	}
	return time.Date(year, month, day, hour, minute, 0, 0, loc), true
}
