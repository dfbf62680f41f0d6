package analyzer

import (
	"strings"
)

// Normalize canonicalizes extracted text before chunking and hashing.
// Line endings become LF, tabs and non-breaking spaces become spaces, runs
// of spaces collapse, trailing spaces per line are removed, three or more
// newlines collapse to a paragraph break and the result is trimmed.
// Normalize(Normalize(s)) == Normalize(s).
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var b strings.Builder
	b.Grow(len(text))

	newlines := 0
	pendingSpace := false
	for _, r := range text {
		switch {
		case r == '\n':
			pendingSpace = false
			newlines++
		case isBlank(r):
			pendingSpace = true
		case r == '\ufeff' || r == '\u200b':
			// zero-width, dropped
		default:
			if b.Len() > 0 {
				switch {
				case newlines >= 2:
					b.WriteString("\n\n")
				case newlines == 1:
					b.WriteByte('\n')
				case pendingSpace:
					b.WriteByte(' ')
				}
			}
			newlines = 0
			pendingSpace = false
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isBlank(r rune) bool {
	switch r {
	case ' ', '\t', '\v', '\f', '\u00a0', '\u2007', '\u202f', '\u3000':
		return true
	}
	return false
}
