package scheduler

import (
	"strings"
	"unicode"

	"github.com/charmbracelet/x/ansi"
)

// MaxReasonLength bounds persisted blocked reasons, in runes.
const MaxReasonLength = 200

// SanitizeReason strips terminal escapes and control characters, collapses
// whitespace, and truncates to MaxReasonLength runes.
func SanitizeReason(reason string) string {
	stripped := ansi.Strip(reason)

	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsSpace(r):
			return ' '
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, stripped)

	cleaned = strings.Join(strings.Fields(cleaned), " ")

	runes := []rune(cleaned)
	if len(runes) > MaxReasonLength {
		return string(runes[:MaxReasonLength]) + "..."
	}
	return cleaned
}
