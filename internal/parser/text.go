package parser

import (
	"strings"
	"unicode/utf8"
)

var titleSeparators = []string{" | ", "|", " - ", " – ", " — "}

// CleanText collapses runs of whitespace.
func CleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// CleanTitle strips decorative suffixes such as "| Brand" or " - Shop" from a
// page title, then a trailing brand name.
func CleanTitle(pageTitle, brand string) string {
	title := CleanText(pageTitle)

	for _, sep := range titleSeparators {
		if idx := strings.Index(title, sep); idx > 0 {
			title = strings.TrimSpace(title[:idx])
		}
	}

	if brand != "" {
		suffix := " " + brand
		if len(title) > len(suffix) && strings.EqualFold(title[len(title)-len(suffix):], suffix) {
			title = strings.TrimSpace(title[:len(title)-len(suffix)])
		}
	}

	return title
}

// Truncate cuts s to at most max bytes without splitting a rune.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
