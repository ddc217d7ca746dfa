package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/patrob/ai-sdlc-sub001/internal/agent"
	"github.com/patrob/ai-sdlc-sub001/internal/ci"
	"github.com/patrob/ai-sdlc-sub001/internal/domain"
	"github.com/patrob/ai-sdlc-sub001/internal/sandbox"
	"github.com/patrob/ai-sdlc-sub001/internal/storage"
)

// FakeSandbox is an in-process sandbox.Sandbox. Each sandbox gets a real
// directory and its own MemoryRepository seeded from Source, standing in for
// the story files of a fresh worktree. A successful run marks the story done
// with reviews complete in that repository.
type FakeSandbox struct {
	mu sync.Mutex

	dir    string
	source *MemoryRepository
	repos  map[string]*MemoryRepository

	// Delay is how long each RunIsolated call takes.
	Delay time.Duration
	// ExitCodes maps story ids to a non-zero exit code.
	ExitCodes map[string]int
	// CreateErrs maps story ids to a Create failure.
	CreateErrs map[string]error
	// Incomplete lists stories whose run succeeds without finishing the story.
	Incomplete map[string]bool

	Created []string
	Removed []string
	Forced  []string
	Runs    []string

	active    int
	maxActive int
}

// NewFakeSandbox creates a fake rooted in a temp directory.
func NewFakeSandbox(dir string, source *MemoryRepository) *FakeSandbox {
	return &FakeSandbox{
		dir:        dir,
		source:     source,
		repos:      make(map[string]*MemoryRepository),
		ExitCodes:  make(map[string]int),
		CreateErrs: make(map[string]error),
		Incomplete: make(map[string]bool),
	}
}

// Create makes the sandbox directory and its repository.
func (f *FakeSandbox) Create(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Created = append(f.Created, opts.StoryID)
	if err := f.CreateErrs[opts.StoryID]; err != nil {
		return sandbox.Ref{}, err
	}

	ref := sandbox.Ref{
		StoryID: opts.StoryID,
		Path:    filepath.Join(f.dir, opts.StoryID),
		Branch:  sandbox.BranchPrefix + opts.StoryID,
	}
	if err := os.MkdirAll(ref.Path, 0755); err != nil {
		return sandbox.Ref{}, err
	}

	all, _ := f.source.All(ctx)
	f.repos[ref.Path] = NewMemoryRepository(all...)
	return ref, nil
}

// Remove records the teardown.
func (f *FakeSandbox) Remove(_ context.Context, ref sandbox.Ref, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Removed = append(f.Removed, ref.StoryID)
	if force {
		f.Forced = append(f.Forced, ref.StoryID)
	}
	return nil
}

// RunIsolated sleeps for Delay and then settles the story.
func (f *FakeSandbox) RunIsolated(ctx context.Context, ref sandbox.Ref, command string) (sandbox.RunResult, error) {
	f.mu.Lock()
	f.Runs = append(f.Runs, ref.StoryID)
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	start := time.Now()
	select {
	case <-time.After(f.Delay):
	case <-ctx.Done():
		return sandbox.RunResult{ExitCode: -1, Duration: time.Since(start)}, ctx.Err()
	}

	f.mu.Lock()
	code := f.ExitCodes[ref.StoryID]
	incomplete := f.Incomplete[ref.StoryID]
	repo := f.repos[ref.Path]
	f.mu.Unlock()

	result := sandbox.RunResult{
		ExitCode: code,
		Output:   fmt.Sprintf("ran %q for %s\n", command, ref.StoryID),
		Duration: time.Since(start),
	}
	if code != 0 || incomplete || repo == nil {
		return result, nil
	}

	story, err := repo.Load(ctx, ref.StoryID)
	if err != nil {
		return result, nil
	}
	story.Status = domain.StatusDone
	story.ResearchComplete = true
	story.PlanComplete = true
	story.ImplementationComplete = true
	story.ReviewsComplete = true
	_ = repo.Save(ctx, &story)
	return result, nil
}

// Opener opens the repository of a created sandbox.
func (f *FakeSandbox) Opener() storage.Opener {
	return func(root string) (storage.ClosableRepository, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		repo, ok := f.repos[root]
		if !ok {
			return nil, fmt.Errorf("no sandbox at %s", root)
		}
		return repo, nil
	}
}

// MaxActive returns the highest number of concurrent runs observed.
func (f *FakeSandbox) MaxActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

// RunCount returns the number of RunIsolated calls.
func (f *FakeSandbox) RunCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Runs)
}

var _ sandbox.Sandbox = (*FakeSandbox)(nil)

// FakeMerger is a scripted ci.Merger. Unscripted refs pass and merge.
type FakeMerger struct {
	mu sync.Mutex

	Checks map[string]ci.CheckResult
	Merges map[string]ci.MergeResult

	Waited []string
	Merged []string
}

// NewFakeMerger creates a merger where every check passes.
func NewFakeMerger() *FakeMerger {
	return &FakeMerger{
		Checks: make(map[string]ci.CheckResult),
		Merges: make(map[string]ci.MergeResult),
	}
}

// WaitForChecks returns the scripted result for ref.
func (m *FakeMerger) WaitForChecks(_ context.Context, ref string, _ ci.CheckOptions) (ci.CheckResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Waited = append(m.Waited, ref)
	if r, ok := m.Checks[ref]; ok {
		return r, nil
	}
	return ci.CheckResult{AllPassed: true}, nil
}

// Merge returns the scripted result for ref.
func (m *FakeMerger) Merge(_ context.Context, ref string, opts ci.MergeOptions) (ci.MergeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Merged = append(m.Merged, ref)
	if r, ok := m.Merges[ref]; ok {
		return r, nil
	}
	return ci.MergeResult{Success: true, MergeID: "merge-" + ref, BranchDeleted: opts.DeleteBranch}, nil
}

var _ ci.Merger = (*FakeMerger)(nil)

// FakeAgent is a scripted agent.Agent. Each kind returns its queued results
// in order and repeats the last one; kinds with nothing queued succeed, and
// reviews approve.
type FakeAgent struct {
	mu      sync.Mutex
	results map[domain.ActionKind][]agent.Result

	// Errs maps kinds to a failure to start the agent.
	Errs map[domain.ActionKind]error
	// OnRun is called before the result is returned.
	OnRun func(opts agent.Options)

	Calls []domain.Action
}

// NewFakeAgent creates an agent that succeeds at everything
func NewFakeAgent() *FakeAgent {
	return &FakeAgent{
		results: make(map[domain.ActionKind][]agent.Result),
		Errs:    make(map[domain.ActionKind]error),
	}
}

// Queue appends results for a kind
func (f *FakeAgent) Queue(kind domain.ActionKind, results ...agent.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[kind] = append(f.results[kind], results...)
}

// Run records the call and returns the next scripted result. Like a killed
// agent process, a run whose ctx is done by the time OnRun returns fails with
// the ctx error.
func (f *FakeAgent) Run(ctx context.Context, _, _ string, opts agent.Options) (agent.Result, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, opts.Action)
	kind := opts.Action.Kind

	var res agent.Result
	switch queued := f.results[kind]; {
	case len(queued) > 1:
		res = queued[0]
		f.results[kind] = queued[1:]
	case len(queued) == 1:
		res = queued[0]
	default:
		res = agent.Result{Success: true, ChangesMade: true}
		if kind == domain.ActionReview {
			res.Decision = domain.DecisionApproved
		}
	}
	err := f.Errs[kind]
	onRun := f.OnRun
	f.mu.Unlock()

	if onRun != nil {
		onRun(opts)
	}
	if err == nil && ctx.Err() != nil {
		return agent.Result{}, ctx.Err()
	}
	return res, err
}

// Kinds returns the kinds of every call in order
func (f *FakeAgent) Kinds() []domain.ActionKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]domain.ActionKind, len(f.Calls))
	for i, c := range f.Calls {
		kinds[i] = c.Kind
	}
	return kinds
}

var _ agent.Agent = (*FakeAgent)(nil)
