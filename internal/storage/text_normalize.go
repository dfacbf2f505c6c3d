package storage

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

func normalizeName(input string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return ""
	}
	// Collapse any repeated whitespace (spaces/tabs/newlines) to a single space.
	return strings.Join(strings.Fields(trimmed), " ")
}

// Initials returns up to two upper-case initials for a display name:
// "Drex Santos" -> "DS", "ana" -> "AN", "" -> "?".
func Initials(name string) string {
	words := strings.Fields(normalizeName(name))
	switch len(words) {
	case 0:
		return "?"
	case 1:
		var out []rune
		for _, r := range words[0] {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				out = append(out, unicode.ToUpper(r))
			}
			if len(out) == 2 {
				break
			}
		}
		if len(out) == 0 {
			return "?"
		}
		return string(out)
	default:
		first, _ := utf8.DecodeRuneInString(words[0])
		last, _ := utf8.DecodeRuneInString(words[len(words)-1])
		return string([]rune{unicode.ToUpper(first), unicode.ToUpper(last)})
	}
}
