package wsproxy

import (
	"strings"
	"unicode/utf8"
)

// DefaultBadWords are the words Censor hides.
var DefaultBadWords = []string{"job", "offer", "cv", "hr", "work", "milk", "cow", "dairy"}

func isDelimiter(r rune) bool {
	switch r {
	case ' ', '_', '-', '\n':
		return true
	}
	return false
}

// Censor replaces every rune of each of DefaultBadWords found in s
// with '#'. Words are delimited by space, underscore, hyphen and newline
// and matched case insensitively.
func Censor(s string) string {
	return NewCensor(DefaultBadWords)(s)
}

// NewCensor returns a function that censors words the way Censor does
// but with the given list of words.
func NewCensor(words []string) func(string) string {
	return func(s string) string {
		var b strings.Builder
		b.Grow(len(s))

		start := 0
		for i, r := range s {
			if !isDelimiter(r) {
				continue
			}
			writeWord(&b, words, s[start:i])
			b.WriteRune(r)
			start = i + utf8.RuneLen(r)
		}
		writeWord(&b, words, s[start:])
		return b.String()
	}
}

func writeWord(b *strings.Builder, words []string, w string) {
	for _, bad := range words {
		if strings.EqualFold(w, bad) {
			b.WriteString(strings.Repeat("#", utf8.RuneCountInString(w)))
			return
		}
	}
	b.WriteString(w)
}
