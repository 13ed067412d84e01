package feature

import (
	"strings"
	"unicode"
)

// HasAlnum reports whether s contains at least one letter or digit.
// Values without one ("", "-", "?") carry no clinical signal of their own.
func HasAlnum(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// HasQuoteConflict reports whether s contains both a single and a double quote.
func HasQuoteConflict(s string) bool {
	return strings.ContainsRune(s, '\'') && strings.ContainsRune(s, '"')
}

// StripBrackets removes round, square and curly brackets from a value and
// collapses the whitespace left behind.
func StripBrackets(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '(', ')', '[', ']', '{', '}':
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
