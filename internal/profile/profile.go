// Package profile stores named config overlays, such as a "ci" profile that
// merges pull requests or a "solo" profile that runs one story at a time.
package profile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/patrob/ai-sdlc-sub001/internal/config"
	"github.com/patrob/ai-sdlc-sub001/internal/domain"
	"github.com/patrob/ai-sdlc-sub001/internal/storage"
)

// ErrNotFound is returned for an unknown profile name
var ErrNotFound = errors.New("profile not found")

const activeFile = ".active"

// Profile overrides selected config values. Nil and empty fields leave the
// config untouched. A negative max_retries means unlimited.
type Profile struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	StoryDir          string         `yaml:"story_dir,omitempty"`
	MaxConcurrent     int            `yaml:"max_concurrent,omitempty"`
	ContinueOnFailure *bool          `yaml:"continue_on_failure,omitempty"`
	KeepSandboxes     *bool          `yaml:"keep_sandboxes,omitempty"`
	Merge             *bool          `yaml:"merge,omitempty"`
	MaxRetries        *int           `yaml:"max_retries,omitempty"`
	AgentTimeout      time.Duration  `yaml:"agent_timeout,omitempty"`
	Theme             string         `yaml:"theme,omitempty"`
	Notifications     *bool          `yaml:"notifications,omitempty"`
	Gates             *GateOverrides `yaml:"stage_gates,omitempty"`
}

// GateOverrides toggles the built-in stage gates
type GateOverrides struct {
	BeforeImplementation *bool `yaml:"require_approval_before_implementation,omitempty"`
	BeforePR             *bool `yaml:"require_approval_before_pr,omitempty"`
}

// Apply overlays the profile onto cfg
func (p *Profile) Apply(cfg *config.Config) {
	if p.StoryDir != "" {
		cfg.StoryDir = p.StoryDir
	}
	if p.MaxConcurrent > 0 {
		cfg.MaxConcurrent = p.MaxConcurrent
	}
	setBool(&cfg.ContinueOnFailure, p.ContinueOnFailure)
	setBool(&cfg.KeepSandboxes, p.KeepSandboxes)
	setBool(&cfg.Merge.Enabled, p.Merge)
	setBool(&cfg.NotificationsEnabled, p.Notifications)
	if p.MaxRetries != nil {
		cfg.Review.MaxRetries = domain.NormalizeLimit(*p.MaxRetries)
	}
	if p.AgentTimeout > 0 {
		cfg.Agents.Timeout = p.AgentTimeout
	}
	if p.Theme != "" {
		cfg.Theme = p.Theme
	}
	if p.Gates != nil {
		setBool(&cfg.StageGates.RequireApprovalBeforeImplementation, p.Gates.BeforeImplementation)
		setBool(&cfg.StageGates.RequireApprovalBeforePR, p.Gates.BeforePR)
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// Store manages profile files under <state dir>/profiles
type Store struct {
	dir      string
	profiles map[string]*Profile
	active   string
}

// NewStore creates a store for the profiles of a project
func NewStore(stateDir string) *Store {
	return &Store{
		dir:      filepath.Join(stateDir, "profiles"),
		profiles: make(map[string]*Profile),
	}
}

// Dir returns the profile directory
func (s *Store) Dir() string {
	return s.dir
}

// Load reads every profile. A missing directory means no profiles.
func (s *Store) Load() error {
	files, err := filepath.Glob(filepath.Join(s.dir, "*.yaml"))
	if err != nil {
		return fmt.Errorf("failed to list profiles: %w", err)
	}

	for _, file := range files {
		p, err := loadProfile(file)
		if err != nil {
			return err
		}
		s.profiles[p.Name] = p
	}

	if data, err := os.ReadFile(filepath.Join(s.dir, activeFile)); err == nil {
		s.active = strings.TrimSpace(string(data))
	}
	return nil
}

func loadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}

	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), ".yaml")
	}
	return &p, nil
}

// validateName rejects names that would escape the profile directory
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("profile name cannot be empty")
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("profile name contains invalid characters: must not contain /, \\, or ..")
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("profile name cannot start with a dot")
	}
	return nil
}

// Save writes a profile to disk
func (s *Store) Save(p *Profile) error {
	if err := validateName(p.Name); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}

	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	if err := storage.WriteFileAtomic(filepath.Join(s.dir, p.Name+".yaml"), data, 0644); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}

	s.profiles[p.Name] = p
	return nil
}

// Delete removes a profile, clearing it as the active one
func (s *Store) Delete(name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	if err := os.Remove(filepath.Join(s.dir, name+".yaml")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete profile: %w", err)
	}
	delete(s.profiles, name)

	if s.active == name {
		return s.SetActive("")
	}
	return nil
}

// Get returns a profile by name
func (s *Store) Get(name string) (*Profile, bool) {
	p, ok := s.profiles[name]
	return p, ok
}

// List returns profile names in order
func (s *Store) List() []string {
	names := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetActive makes name the profile applied when none is given. An empty name
// clears it.
func (s *Store) SetActive(name string) error {
	path := filepath.Join(s.dir, activeFile)
	if name == "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to clear active profile: %w", err)
		}
		s.active = ""
		return nil
	}

	if _, ok := s.profiles[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(name), 0644); err != nil {
		return fmt.Errorf("failed to set active profile: %w", err)
	}

	s.active = name
	return nil
}

// Active returns the active profile name
func (s *Store) Active() string {
	return s.active
}

// Resolve returns the named profile, or the active one when name is empty.
// It returns nil, nil when neither is set.
func (s *Store) Resolve(name string) (*Profile, error) {
	if name == "" {
		name = s.active
	}
	if name == "" {
		return nil, nil
	}
	p, ok := s.profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p, nil
}
