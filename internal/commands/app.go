package commands

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/patrob/ai-sdlc-sub001/internal/agent"
	"github.com/patrob/ai-sdlc-sub001/internal/checkpoint"
	"github.com/patrob/ai-sdlc-sub001/internal/config"
	"github.com/patrob/ai-sdlc-sub001/internal/executil"
	"github.com/patrob/ai-sdlc-sub001/internal/notify"
	"github.com/patrob/ai-sdlc-sub001/internal/runner"
	"github.com/patrob/ai-sdlc-sub001/internal/storage"
)

// App holds the collaborators shared by commands. Storage is opened on first
// use so commands like preflight never create a database.
type App struct {
	flags *Flags
	exec  executil.Executor

	mu      sync.Mutex
	backend *storage.Backend
}

// NewApp creates an App reading its config from flags
func NewApp(flags *Flags) *App {
	return &App{flags: flags, exec: &executil.RealExecutor{}}
}

// Config returns the config loaded by the Before hook
func (a *App) Config() *config.Config {
	return a.flags.Config
}

// Storage opens the configured story repository and history
func (a *App) Storage() (*storage.Backend, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.backend != nil {
		return a.backend, nil
	}
	b, err := storage.Open(a.Config(), log.Logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.backend = b
	return b, nil
}

// Notifier returns a desktop notifier honoring the notifications setting
func (a *App) Notifier() *notify.Notifier {
	return notify.New(a.Config().NotificationsEnabled, a.exec)
}

// NewRunner wires a pipeline runner over the configured storage and agents
func (a *App) NewRunner() (*runner.Runner, error) {
	cfg := a.Config()

	backend, err := a.Storage()
	if err != nil {
		return nil, err
	}

	registry := agent.NewRegistry(cfg.AgentDefinitionsPath(), log.Logger)
	if err := registry.Load(); err != nil {
		return nil, err
	}

	checkpoints, err := checkpoint.NewStore(cfg.CheckpointPath(), log.Logger)
	if err != nil {
		return nil, err
	}

	return runner.New(cfg, runner.Deps{
		Repo:        backend.Stories,
		Agent:       agent.NewCommandAgent(registry, cfg.Agents, log.Logger),
		Checkpoints: checkpoints,
		History:     backend.History,
		Notifier:    a.Notifier(),
	}, log.Logger)
}

// Close releases storage opened during the command
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.backend == nil {
		return nil
	}
	err := a.backend.Close()
	a.backend = nil
	return err
}
