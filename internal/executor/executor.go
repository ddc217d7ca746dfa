// Package executor runs a phase of stories concurrently, each inside its own
// sandbox, and optionally gates and merges the resulting pull requests.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"text/template"
	"time"

	"github.com/rs/zerolog"

	"github.com/patrob/ai-sdlc-sub001/internal/ci"
	"github.com/patrob/ai-sdlc-sub001/internal/config"
	"github.com/patrob/ai-sdlc-sub001/internal/domain"
	"github.com/patrob/ai-sdlc-sub001/internal/sandbox"
	"github.com/patrob/ai-sdlc-sub001/internal/storage"
	"github.com/patrob/ai-sdlc-sub001/internal/util"
)

// OutputTailLines is how much subprocess output a failed outcome keeps.
const OutputTailLines = 40

// MergeOptions controls CI gating and merging after a story completes
type MergeOptions struct {
	Enabled      bool
	Strategy     string
	DeleteBranch bool
	CheckTimeout time.Duration
	PollInterval time.Duration
	RequireAll   bool
}

// Options configures a PhaseExecutor
type Options struct {
	// StoryCommand is a text/template rendered with the story as data.
	StoryCommand   string
	KeepSandboxes  bool
	ResumeIfExists bool
	Merge          MergeOptions
	// ShutdownTimeout bounds how long active stories may keep running once
	// the phase context is cancelled.
	ShutdownTimeout time.Duration
}

// OptionsFromConfig maps the config onto executor options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		StoryCommand:    cfg.Sandbox.StoryCommand,
		KeepSandboxes:   cfg.KeepSandboxes,
		ResumeIfExists:  true,
		ShutdownTimeout: cfg.Daemon.ShutdownTimeout,
		Merge: MergeOptions{
			Enabled:      cfg.Merge.Enabled,
			Strategy:     cfg.Merge.Strategy,
			DeleteBranch: cfg.Merge.DeleteBranch,
			CheckTimeout: cfg.Merge.CheckTimeout,
			PollInterval: cfg.Merge.PollInterval,
			RequireAll:   cfg.Merge.RequireAllChecks,
		},
	}
}

// commandData is the template data for the story command
type commandData struct {
	StoryID string
	Title   string
	Branch  string
	Path    string
}

// PhaseExecutor runs stories in sandboxes with bounded concurrency. One
// instance tracks which story ids are currently running.
type PhaseExecutor struct {
	repo    storage.Repository
	sandbox sandbox.Sandbox
	merger  ci.Merger
	open    storage.Opener
	opts    Options
	command *template.Template
	log     zerolog.Logger

	active *idSet

	// OnSettle, when set, is called once per story outcome, including skips.
	OnSettle func(domain.StoryOutcome)
}

// New creates a phase executor. repo is the root repository that receives
// merge bookkeeping; open loads the story back from a sandbox. merger may be
// nil when merging is disabled.
func New(repo storage.Repository, sb sandbox.Sandbox, merger ci.Merger, open storage.Opener, opts Options, log zerolog.Logger) (*PhaseExecutor, error) {
	if opts.StoryCommand == "" {
		opts.StoryCommand = config.DefaultStoryCommand
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = config.DefaultShutdownTimeout
	}
	tmpl, err := template.New("story-command").Option("missingkey=error").Parse(opts.StoryCommand)
	if err != nil {
		return nil, fmt.Errorf("invalid story command template: %w", err)
	}
	if opts.Merge.Enabled && merger == nil {
		return nil, errors.New("merge enabled without a merger")
	}

	return &PhaseExecutor{
		repo:    repo,
		sandbox: sb,
		merger:  merger,
		open:    open,
		opts:    opts,
		command: tmpl,
		log:     log.With().Str("component", "executor").Logger(),
		active:  newIDSet(),
	}, nil
}

// storyFailure carries the classified reason a story failed
type storyFailure struct {
	kind   domain.FailureKind
	reason string
}

func failf(kind domain.FailureKind, format string, args ...any) *storyFailure {
	return &storyFailure{kind: kind, reason: fmt.Sprintf(format, args...)}
}

// executeStory drives one story from sandbox creation to teardown. A failed
// story keeps its sandbox for inspection and for resuming on the next run.
func (e *PhaseExecutor) executeStory(ctx context.Context, story domain.Story) (outcome domain.StoryOutcome) {
	start := time.Now()
	outcome = domain.StoryOutcome{StoryID: story.ID}
	log := e.log.With().Str("story_id", story.ID).Logger()

	ref, err := e.sandbox.Create(ctx, sandbox.CreateOptions{
		StoryID:        story.ID,
		ResumeIfExists: e.opts.ResumeIfExists,
	})
	if err != nil {
		return e.fail(outcome, start, failf(domain.FailureSandbox, "failed to create sandbox: %v", err))
	}

	forceTeardown := false
	defer func() {
		if outcome.Status != domain.OutcomeSucceeded {
			log.Info().Str("path", ref.Path).Msg("keeping sandbox of failed story")
			return
		}
		if e.opts.KeepSandboxes {
			return
		}
		if err := e.sandbox.Remove(context.WithoutCancel(ctx), ref, forceTeardown); err != nil {
			log.Warn().Err(err).Str("path", ref.Path).Msg("sandbox teardown failed")
		}
	}()

	if info, err := os.Stat(ref.Path); err != nil || !info.IsDir() {
		return e.fail(outcome, start, failf(domain.FailureSandbox, "sandbox directory missing: %s", ref.Path))
	}

	cmd, err := e.renderCommand(story, ref)
	if err != nil {
		return e.fail(outcome, start, failf(domain.FailureSubprocess, "%v", err))
	}

	log.Info().Str("path", ref.Path).Bool("resumed", ref.Resumed).Msg("running story")
	run, err := e.sandbox.RunIsolated(ctx, ref, cmd)
	outcome.Output = util.TailLines(run.Output, OutputTailLines)
	if err != nil {
		return e.fail(outcome, start, failf(domain.FailureSubprocess, "story command failed: %v", err))
	}
	if run.ExitCode != 0 {
		return e.fail(outcome, start, failf(domain.FailureSubprocess, "story command exited with code %d", run.ExitCode))
	}

	if f := e.verify(ctx, story.ID, ref); f != nil {
		return e.fail(outcome, start, f)
	}

	if e.opts.Merge.Enabled {
		merged, f := e.merge(ctx, story.ID, ref)
		if f != nil {
			return e.fail(outcome, start, f)
		}
		outcome.Merged = true
		forceTeardown = merged.BranchDeleted
	}

	outcome.Status = domain.OutcomeSucceeded
	outcome.Duration = time.Since(start)
	log.Info().Dur("duration", outcome.Duration).Bool("merged", outcome.Merged).Msg("story succeeded")
	return outcome
}

func (e *PhaseExecutor) fail(outcome domain.StoryOutcome, start time.Time, f *storyFailure) domain.StoryOutcome {
	outcome.Status = domain.OutcomeFailed
	outcome.Kind = f.kind
	outcome.Reason = f.reason
	outcome.Duration = time.Since(start)
	e.log.Warn().
		Str("story_id", outcome.StoryID).
		Str("kind", string(f.kind)).
		Str("reason", f.reason).
		Msg("story failed")
	return outcome
}

func (e *PhaseExecutor) renderCommand(story domain.Story, ref sandbox.Ref) (string, error) {
	var buf bytes.Buffer
	err := e.command.Execute(&buf, commandData{
		StoryID: story.ID,
		Title:   story.Title,
		Branch:  ref.Branch,
		Path:    ref.Path,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render story command: %w", err)
	}
	return buf.String(), nil
}

// verify reloads the story from the sandbox; the subprocess exit code alone
// does not prove the pipeline finished.
func (e *PhaseExecutor) verify(ctx context.Context, id string, ref sandbox.Ref) *storyFailure {
	repo, err := e.open(ref.Path)
	if err != nil {
		return failf(domain.FailurePostVerification, "failed to open sandbox stories: %v", err)
	}
	defer repo.Close()

	story, err := repo.Load(ctx, id)
	if err != nil {
		return failf(domain.FailurePostVerification, "failed to load story from sandbox: %v", err)
	}
	if story.Status != domain.StatusDone || !story.ReviewsComplete {
		return failf(domain.FailurePostVerification,
			"story not complete after run: status=%s reviewsComplete=%t", story.Status, story.ReviewsComplete)
	}
	return nil
}

func (e *PhaseExecutor) merge(ctx context.Context, id string, ref sandbox.Ref) (ci.MergeResult, *storyFailure) {
	m := e.opts.Merge

	checks, err := e.merger.WaitForChecks(ctx, ref.Branch, ci.CheckOptions{
		Timeout:      m.CheckTimeout,
		PollInterval: m.PollInterval,
		RequireAll:   m.RequireAll,
	})
	switch {
	case err != nil:
		return ci.MergeResult{}, failf(domain.FailureCheckTimeout, "stopped waiting for checks: %v", err)
	case checks.TimedOut:
		return ci.MergeResult{}, failf(domain.FailureCheckTimeout, "%s", firstNonEmpty(checks.Error, "timed out waiting for checks"))
	case !checks.AllPassed:
		return ci.MergeResult{}, failf(domain.FailureCheckFailure, "%s", firstNonEmpty(checks.Error, "checks failed"))
	}

	result, err := e.merger.Merge(ctx, ref.Branch, ci.MergeOptions{
		Strategy:     m.Strategy,
		DeleteBranch: m.DeleteBranch,
	})
	if err != nil {
		return ci.MergeResult{}, failf(domain.FailureMerge, "merge failed: %v", err)
	}
	if !result.Success {
		return ci.MergeResult{}, failf(domain.FailureMerge, "merge failed: %s", result.Error)
	}

	if err := e.recordMerge(ctx, id, ref.Branch); err != nil {
		e.log.Error().Err(err).Str("story_id", id).Msg("merged but failed to record merge")
	}
	return result, nil
}

// recordMerge marks the story merged in the root repository, where merge
// gating of dependents reads it.
func (e *PhaseExecutor) recordMerge(ctx context.Context, id, branch string) error {
	story, err := e.repo.Load(ctx, id)
	if err != nil {
		return err
	}
	story.PRMerged = true
	story.Branch = branch
	return e.repo.Save(ctx, &story)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
