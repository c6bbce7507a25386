package textutil

import (
	"regexp"
	"strings"
	"unicode"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// Collapse trims a scraped cell and folds inner whitespace runs (including
// non-breaking spaces) into a single space.
func Collapse(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == ' ' {
			return ' '
		}
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(whitespaceRegex.ReplaceAllString(s, " "))
}
