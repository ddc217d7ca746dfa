package commands

import (
	"os"

	"github.com/patrob/ai-sdlc-sub001/internal/config"
)

type Flags struct {
	LogLevel   string
	LogFile    string
	ConfigPath string
	Root       string
	Profile    string

	// Config is loaded in the Before hook and available to all commands
	Config *config.Config
}

// DefaultRoot returns the working directory, the project root unless
// --root says otherwise.
func DefaultRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// ResolveConfigPath returns the explicit --config path or the default
// location under root.
func (f *Flags) ResolveConfigPath() string {
	if f.ConfigPath != "" {
		return f.ConfigPath
	}
	return config.DefaultPath(f.Root)
}
