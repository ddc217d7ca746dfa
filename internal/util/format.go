// Package util provides small formatting helpers shared by the CLI, the epic
// summary and the daemon.
package util

import (
	"fmt"
	"strings"
	"time"
)

// FormatDuration formats a duration for human-readable display.
// - Under 1 minute: "45s"
// - Under 1 hour: "5m 30s"
// - 1 hour or more: "1h 23m"
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %02ds", minutes, seconds)
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh %02dm", hours, minutes)
}

// FormatDurationCompact formats a duration in a compact format for statistics.
// - Under 1 second: "500ms"
// - Under 1 minute: "45.5s"
// - Under 1 hour: "5m30s"
// - 1 hour or more: "1h23m"
func FormatDurationCompact(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		mins := int(d.Minutes())
		secs := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", mins, secs)
	}
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", hours, mins)
}

// TailLines returns the last n lines of s without a trailing newline.
func TailLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if n <= 0 || s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

// Plural returns "1 story" or "3 stories" style counts.
func Plural(n int, singular, plural string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, singular)
	}
	return fmt.Sprintf("%d %s", n, plural)
}
