// Package theme holds the lipgloss palette used for CLI reports.
package theme

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/patrob/ai-sdlc-sub001/internal/domain"
)

// Theme defines the color palette for reports
type Theme struct {
	Name string

	// Base colors
	Background lipgloss.Color
	Foreground lipgloss.Color
	Subtle     lipgloss.Color

	// Status colors
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Info    lipgloss.Color

	// Accent colors
	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Border    lipgloss.Color
}

// Catppuccin Mocha theme (default)
var Catppuccin = Theme{
	Name: "Catppuccin Mocha",

	Background: lipgloss.Color("#1e1e2e"),
	Foreground: lipgloss.Color("#cdd6f4"),
	Subtle:     lipgloss.Color("#6c7086"),

	Success: lipgloss.Color("#a6e3a1"),
	Warning: lipgloss.Color("#f9e2af"),
	Error:   lipgloss.Color("#f38ba8"),
	Info:    lipgloss.Color("#89b4fa"),

	Primary:   lipgloss.Color("#cba6f7"),
	Secondary: lipgloss.Color("#f5c2e7"),
	Border:    lipgloss.Color("#313244"),
}

// Nord theme
var Nord = Theme{
	Name: "Nord",

	Background: lipgloss.Color("#2e3440"),
	Foreground: lipgloss.Color("#eceff4"),
	Subtle:     lipgloss.Color("#4c566a"),

	Success: lipgloss.Color("#a3be8c"),
	Warning: lipgloss.Color("#ebcb8b"),
	Error:   lipgloss.Color("#bf616a"),
	Info:    lipgloss.Color("#81a1c1"),

	Primary:   lipgloss.Color("#88c0d0"),
	Secondary: lipgloss.Color("#b48ead"),
	Border:    lipgloss.Color("#3b4252"),
}

// Current is the active theme
var Current = Catppuccin

// SetTheme sets the current theme by name
func SetTheme(name string) {
	switch name {
	case "nord":
		Current = Nord
	default:
		Current = Catppuccin
	}
}

// Styles contains pre-built lipgloss styles using the current theme
type Styles struct {
	// Text styles
	Title    lipgloss.Style
	Subtitle lipgloss.Style
	Muted    lipgloss.Style
	Bold     lipgloss.Style

	// Status styles
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Info    lipgloss.Style

	// Borders
	BorderedBox lipgloss.Style

	badges map[domain.StoryStatus]lipgloss.Style
}

// NewStyles creates styles based on the current theme
func NewStyles() Styles {
	t := Current

	badge := func(bg lipgloss.Color) lipgloss.Style {
		return lipgloss.NewStyle().
			Foreground(t.Background).
			Background(bg).
			Padding(0, 1)
	}

	return Styles{
		Title: lipgloss.NewStyle().
			Foreground(t.Primary).
			Bold(true),

		Subtitle: lipgloss.NewStyle().
			Foreground(t.Secondary),

		Muted: lipgloss.NewStyle().
			Foreground(t.Subtle),

		Bold: lipgloss.NewStyle().
			Bold(true),

		Success: lipgloss.NewStyle().
			Foreground(t.Success),

		Warning: lipgloss.NewStyle().
			Foreground(t.Warning),

		Error: lipgloss.NewStyle().
			Foreground(t.Error),

		Info: lipgloss.NewStyle().
			Foreground(t.Info),

		BorderedBox: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(t.Border).
			Padding(0, 1),

		badges: map[domain.StoryStatus]lipgloss.Style{
			domain.StatusBacklog:    badge(t.Subtle),
			domain.StatusReady:      badge(t.Success).Bold(true),
			domain.StatusInProgress: badge(t.Warning).Bold(true),
			domain.StatusBlocked:    badge(t.Error).Bold(true),
			domain.StatusDone:       badge(t.Info),
		},
	}
}

// Badge renders a story status
func (s Styles) Badge(status domain.StoryStatus) string {
	style, ok := s.badges[status]
	if !ok {
		return string(status)
	}
	return style.Render(string(status))
}
