package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/patrob/ai-sdlc-sub001/internal/config"
)

// Backend bundles the configured story repository with the optional action
// history. History is nil when disabled.
type Backend struct {
	Stories ClosableRepository
	History History

	closers []func() error
}

// Open builds the storage backend selected by cfg.Storage
func Open(cfg *config.Config, log zerolog.Logger) (*Backend, error) {
	b := &Backend{}

	stories, sqlite, err := openStories(cfg, log)
	if err != nil {
		return nil, err
	}
	b.Stories = stories
	b.closers = append(b.closers, stories.Close)

	if cfg.Storage.History {
		if sqlite != nil {
			b.History = sqlite
		} else {
			h, err := openSQLite(cfg.DatabasePath())
			if err != nil {
				_ = b.Close()
				return nil, err
			}
			b.History = h
			b.closers = append(b.closers, h.Close)
		}
	}

	return b, nil
}

// Close releases every store the backend opened
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// NewOpener returns an Opener that applies cfg's backend settings to another
// project root, such as a sandbox worktree.
func NewOpener(cfg *config.Config, log zerolog.Logger) Opener {
	return func(root string) (ClosableRepository, error) {
		repo, _, err := openStories(cfg.WithRoot(root), log)
		return repo, err
	}
}

func openStories(cfg *config.Config, log zerolog.Logger) (ClosableRepository, *SQLiteStorage, error) {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		s, err := openSQLite(cfg.DatabasePath())
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.BackendMarkdown, "":
		r, err := NewMarkdownRepository(cfg.StoryDirPath(), log)
		return r, nil, err
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func openSQLite(path string) (*SQLiteStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	return NewSQLiteStorage(path)
}
