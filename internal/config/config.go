package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/patrob/ai-sdlc-sub001/internal/domain"
)

// Default configuration values
const (
	DefaultStateDir       = ".ai-sdlc"
	DefaultStoryDir       = ".ai-sdlc/stories"
	DefaultConfigFile     = "config.yaml"
	DefaultCheckpointFile = "workflow-state.json"
	DefaultDatabaseFile   = "sdlc.db"
	DefaultDaemonLockFile = "daemon.lock"
	DefaultWorktreeDir    = ".ai-sdlc/worktrees"
	DefaultBaseBranch     = "main"
	DefaultStoryCommand   = "sdlc run --auto --story {{.StoryID}}"

	DefaultMaxConcurrent            = 3
	DefaultMaxRefinementIterations  = 3
	DefaultMaxRetries               = 3
	DefaultMaxRetriesUpperBound     = 10
	DefaultMaxTotalRecoveryAttempts = 10
	DefaultAPIPort                  = 8080

	DefaultAgentTimeout    = 30 * time.Minute
	DefaultCheckTimeout    = 30 * time.Minute
	DefaultCheckPoll       = 30 * time.Second
	DefaultDaemonPoll      = 60 * time.Second
	DefaultWatchDebounce   = 500 * time.Millisecond
	DefaultShutdownTimeout = 30 * time.Second
)

// Storage backends
const (
	BackendMarkdown = "markdown"
	BackendSQLite   = "sqlite"
)

// Report themes
const (
	ThemeCatppuccin = "catppuccin"
	ThemeNord       = "nord"
)

// Merge strategies
const (
	MergeSquash = "squash"
	MergeCommit = "merge"
	MergeRebase = "rebase"
)

// Config holds all application configuration
type Config struct {
	// Root is the project directory all relative paths resolve against.
	Root string `yaml:"-"`

	StoryDir string        `yaml:"story_dir"`
	Storage  StorageConfig `yaml:"storage"`

	MaxConcurrent     int  `yaml:"max_concurrent"`
	KeepSandboxes     bool `yaml:"keep_sandboxes"`
	ContinueOnFailure bool `yaml:"continue_on_failure"`

	Merge      MergeConfig      `yaml:"merge"`
	Refinement RefinementConfig `yaml:"refinement"`
	Review     ReviewConfig     `yaml:"review"`
	StageGates StageGatesConfig `yaml:"stage_gates"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Agents     AgentsConfig     `yaml:"agents"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	API        APIConfig        `yaml:"api"`

	NotificationsEnabled bool   `yaml:"notifications"`
	LogLevel             string `yaml:"log_level"`
	LogFile              string `yaml:"log_file"`
	Theme                string `yaml:"theme"`
}

// StorageConfig selects the story repository backend
type StorageConfig struct {
	Backend      string `yaml:"backend"`
	DatabasePath string `yaml:"database_path"`
	History      bool   `yaml:"history"`
}

// MergeConfig controls CI gating and PR merging after a story completes
type MergeConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Strategy         string        `yaml:"strategy"`
	DeleteBranch     bool          `yaml:"delete_branch"`
	CheckTimeout     time.Duration `yaml:"check_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	RequireAllChecks bool          `yaml:"require_all_checks"`
	GHPath           string        `yaml:"gh_path"`
}

// RefinementConfig bounds rework iterations after rejected reviews
type RefinementConfig struct {
	MaxIterations int `yaml:"max_iterations"`
}

// ReviewConfig bounds review retries and recovery
type ReviewConfig struct {
	MaxRetries               int  `yaml:"max_retries"`
	MaxRetriesUpperBound     int  `yaml:"max_retries_upper_bound"`
	MaxTotalRecoveryAttempts int  `yaml:"max_total_recovery_attempts"`
	AutoCompleteOnApproval   bool `yaml:"auto_complete_on_approval"`
}

// StageGatesConfig pauses automatic runs before selected actions
type StageGatesConfig struct {
	RequireApprovalBeforeImplementation bool       `yaml:"require_approval_before_implementation"`
	RequireApprovalBeforePR             bool       `yaml:"require_approval_before_pr"`
	Rules                               []GateRule `yaml:"rules"`
}

// GateRule stops an automatic run when When evaluates true for an action of
// one of Kinds (all kinds when empty).
type GateRule struct {
	Name  string              `yaml:"name"`
	Kinds []domain.ActionKind `yaml:"kinds"`
	When  string              `yaml:"when"`
}

// SandboxConfig configures isolated per-story worktrees
type SandboxConfig struct {
	WorktreeDir  string `yaml:"worktree_dir"`
	BaseBranch   string `yaml:"base_branch"`
	StoryCommand string `yaml:"story_command"`
	GitPath      string `yaml:"git_path"`
}

// AgentsConfig locates agent definitions
type AgentsConfig struct {
	DefinitionsDir string        `yaml:"definitions_dir"`
	Command        string        `yaml:"command"`
	Timeout        time.Duration `yaml:"timeout"`
}

// DaemonConfig controls the long-running watcher
type DaemonConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	Schedule        string        `yaml:"schedule"`
	Watch           bool          `yaml:"watch"`
	Debounce        time.Duration `yaml:"debounce"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// APIConfig controls the daemon status server
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	// Key, when set, is required as X-API-Key or a bearer token.
	Key            string   `yaml:"key"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// New creates a new Config with default values rooted at root. An empty root
// uses the working directory.
func New(root string) *Config {
	if root == "" {
		root, _ = os.Getwd()
	}

	return &Config{
		Root:     root,
		StoryDir: DefaultStoryDir,
		Storage: StorageConfig{
			Backend: BackendMarkdown,
			History: true,
		},
		MaxConcurrent: DefaultMaxConcurrent,
		Merge: MergeConfig{
			Strategy:     MergeSquash,
			DeleteBranch: true,
			CheckTimeout: DefaultCheckTimeout,
			PollInterval: DefaultCheckPoll,
			GHPath:       "gh",
		},
		Refinement: RefinementConfig{
			MaxIterations: DefaultMaxRefinementIterations,
		},
		Review: ReviewConfig{
			MaxRetries:               DefaultMaxRetries,
			MaxRetriesUpperBound:     DefaultMaxRetriesUpperBound,
			MaxTotalRecoveryAttempts: DefaultMaxTotalRecoveryAttempts,
			AutoCompleteOnApproval:   true,
		},
		Sandbox: SandboxConfig{
			WorktreeDir:  DefaultWorktreeDir,
			BaseBranch:   DefaultBaseBranch,
			StoryCommand: DefaultStoryCommand,
			GitPath:      "git",
		},
		Agents: AgentsConfig{
			DefinitionsDir: filepath.Join(DefaultStateDir, "agents"),
			Command:        "claude",
			Timeout:        DefaultAgentTimeout,
		},
		Daemon: DaemonConfig{
			PollInterval:    DefaultDaemonPoll,
			Watch:           true,
			Debounce:        DefaultWatchDebounce,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           DefaultAPIPort,
			AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		},
		NotificationsEnabled: true,
		LogLevel:             "info",
		Theme:                ThemeCatppuccin,
	}
}

// Load reads the YAML config at path over the defaults. A missing file yields
// the defaults.
func Load(path, root string) (*Config, error) {
	cfg := New(root)

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		cfg.normalize()
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultPath returns the config file location under root
func DefaultPath(root string) string {
	return filepath.Join(root, DefaultStateDir, DefaultConfigFile)
}

// normalize maps "unlimited" sentinels onto domain.Unlimited
func (c *Config) normalize() {
	c.Refinement.MaxIterations = domain.NormalizeLimit(c.Refinement.MaxIterations)
	c.Review.MaxRetries = domain.NormalizeLimit(c.Review.MaxRetries)
	c.Review.MaxRetriesUpperBound = domain.NormalizeLimit(c.Review.MaxRetriesUpperBound)
	c.Review.MaxTotalRecoveryAttempts = domain.NormalizeLimit(c.Review.MaxTotalRecoveryAttempts)
}

// Resolve returns p joined to Root unless it is already absolute
func (c *Config) Resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, p)
}

// StateDir returns the directory holding checkpoints, locks and the database
func (c *Config) StateDir() string {
	return filepath.Join(c.Root, DefaultStateDir)
}

// StoryDirPath returns the absolute story directory
func (c *Config) StoryDirPath() string {
	return c.Resolve(c.StoryDir)
}

// StoryFilePath returns the full path for a story file
func (c *Config) StoryFilePath(storyID string) string {
	return filepath.Join(c.StoryDirPath(), storyID+".md")
}

// CheckpointPath returns the workflow checkpoint file
func (c *Config) CheckpointPath() string {
	return filepath.Join(c.StateDir(), DefaultCheckpointFile)
}

// DaemonLockPath returns the single-instance lock file for the daemon
func (c *Config) DaemonLockPath() string {
	return filepath.Join(c.StateDir(), DefaultDaemonLockFile)
}

// DatabasePath returns the SQLite database file
func (c *Config) DatabasePath() string {
	if c.Storage.DatabasePath != "" {
		return c.Resolve(c.Storage.DatabasePath)
	}
	return filepath.Join(c.StateDir(), DefaultDatabaseFile)
}

// WorktreeDirPath returns the directory sandboxes are created under
func (c *Config) WorktreeDirPath() string {
	return c.Resolve(c.Sandbox.WorktreeDir)
}

// AgentDefinitionsPath returns the directory holding agent YAML files
func (c *Config) AgentDefinitionsPath() string {
	return c.Resolve(c.Agents.DefinitionsDir)
}

// WithRoot returns a copy of the config rooted elsewhere, used for sandboxes
func (c *Config) WithRoot(root string) *Config {
	cp := *c
	cp.Root = root
	return &cp
}
