package normalize

import (
	"strings"
	"unicode"
)

// TitleCase lower-cases s and upper-cases the first letter of every word.
func TitleCase(s string) string {
	if s == "" {
		return ""
	}
	runes := []rune(strings.ToLower(s))
	prevWord := false
	for i, r := range runes {
		word := isWordRune(r)
		if word && !prevWord {
			runes[i] = unicode.ToUpper(r)
		}
		prevWord = word
	}
	return string(runes)
}

// SentenceCase upper-cases the first character of each ". "-separated sentence and leaves
// the rest of the text untouched.
func SentenceCase(s string) string {
	if s == "" {
		return s
	}
	parts := strings.Split(s, ". ")
	for i, p := range parts {
		runes := []rune(p)
		if len(runes) == 0 {
			continue
		}
		runes[0] = unicode.ToUpper(runes[0])
		parts[i] = string(runes)
	}
	return strings.Join(parts, ". ")
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
