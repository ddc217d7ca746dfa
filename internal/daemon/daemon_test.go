package daemon

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrob/ai-sdlc-sub001/internal/checkpoint"
	"github.com/patrob/ai-sdlc-sub001/internal/config"
	"github.com/patrob/ai-sdlc-sub001/internal/domain"
	"github.com/patrob/ai-sdlc-sub001/internal/runner"
	"github.com/patrob/ai-sdlc-sub001/internal/scheduler"
	tu "github.com/patrob/ai-sdlc-sub001/internal/testutil"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []runner.Options
	fn    func(ctx context.Context, opts runner.Options) (runner.Report, error)
}

func (f *fakeRunner) Run(ctx context.Context, opts runner.Options) (runner.Report, error) {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	fn := f.fn
	f.mu.Unlock()

	if fn == nil {
		return runner.Report{Drained: true}, nil
	}
	return fn(ctx, opts)
}

func (f *fakeRunner) stories() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.calls))
	for i, c := range f.calls {
		ids[i] = c.StoryID
	}
	return ids
}

// fakeAssessor hands out its actions once, then reports no work.
type fakeAssessor struct {
	mu      sync.Mutex
	actions []domain.Action
}

func (f *fakeAssessor) Assess(context.Context) (scheduler.Assessment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	actions := f.actions
	f.actions = nil
	return scheduler.Assessment{RecommendedActions: actions}, nil
}

func (f *fakeAssessor) set(actions ...domain.Action) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = actions
}

func action(kind domain.ActionKind, storyID string) domain.Action {
	return domain.Action{Kind: kind, StoryID: storyID, Reason: "test"}
}

func newTestConfig(t *testing.T) *config.Config {
	cfg := tu.NewTestConfig(t)
	cfg.Daemon.Watch = false
	cfg.Daemon.PollInterval = time.Hour
	cfg.Daemon.ShutdownTimeout = 2 * time.Second
	return cfg
}

func startDaemon(t *testing.T, cfg *config.Config, r *fakeRunner, a *fakeAssessor) *Daemon {
	t.Helper()
	d, err := New(cfg, r, a, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Stop() })
	return d
}

func TestDaemon_RunsEachQueuedStoryOnce(t *testing.T) {
	r := &fakeRunner{}
	a := &fakeAssessor{}
	a.set(action(domain.ActionRefine, "S-1"), action(domain.ActionResearch, "S-1"), action(domain.ActionPlan, "S-2"))

	d := startDaemon(t, newTestConfig(t), r, a)

	require.Eventually(t, func() bool { return len(r.stories()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"S-1", "S-2"}, r.stories())

	r.mu.Lock()
	opts := r.calls[0]
	r.mu.Unlock()
	assert.True(t, opts.Auto)
	assert.True(t, opts.Resume)

	require.Eventually(t, func() bool {
		queue := d.Status().Queue
		return len(queue) == 2 && queue[0].Status == domain.QueueCompleted && queue[1].Status == domain.QueueCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDaemon_TriggerPollsAgain(t *testing.T) {
	r := &fakeRunner{}
	a := &fakeAssessor{}
	d := startDaemon(t, newTestConfig(t), r, a)
	require.Eventually(t, func() bool { return !d.Status().LastPoll.IsZero() }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, r.stories())

	a.set(action(domain.ActionPlan, "S-3"))
	d.Trigger()
	require.Eventually(t, func() bool {
		return len(r.stories()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDaemon_AlreadyRunning(t *testing.T) {
	cfg := newTestConfig(t)
	startDaemon(t, cfg, &fakeRunner{}, &fakeAssessor{})

	other, err := New(cfg, &fakeRunner{}, &fakeAssessor{}, zerolog.Nop())
	require.NoError(t, err)
	err = other.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestDaemon_StopWaitsForInFlightStory(t *testing.T) {
	started := make(chan struct{})
	var cancelled bool
	r := &fakeRunner{fn: func(ctx context.Context, _ runner.Options) (runner.Report, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		cancelled = ctx.Err() != nil
		return runner.Report{Drained: true}, nil
	}}
	a := &fakeAssessor{}
	a.set(action(domain.ActionImplement, "S-1"))

	d, err := New(newTestConfig(t), r, a, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	<-started
	require.NoError(t, d.Stop())
	assert.False(t, cancelled)
	assert.False(t, d.Status().Running)

	// The lock is released, so a new daemon may start.
	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Stop())
}

func TestDaemon_StopTimesOut(t *testing.T) {
	started := make(chan struct{})
	released := make(chan error, 1)
	r := &fakeRunner{fn: func(ctx context.Context, _ runner.Options) (runner.Report, error) {
		close(started)
		<-ctx.Done()
		released <- ctx.Err()
		return runner.Report{}, ctx.Err()
	}}
	a := &fakeAssessor{}
	a.set(action(domain.ActionImplement, "S-1"))

	cfg := newTestConfig(t)
	cfg.Daemon.ShutdownTimeout = 50 * time.Millisecond

	d, err := New(cfg, r, a, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	<-started
	assert.ErrorIs(t, d.Stop(), ErrShutdownTimeout)

	select {
	case err := <-released:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight story was not cancelled after timeout")
	}
}

func TestDaemon_CancelledContextStopsAcquisition(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	r := &fakeRunner{fn: func(ctx context.Context, _ runner.Options) (runner.Report, error) {
		<-release
		return runner.Report{Drained: true}, ctx.Err()
	}}
	a := &fakeAssessor{}
	a.set(action(domain.ActionPlan, "S-1"), action(domain.ActionPlan, "S-2"))

	d, err := New(newTestConfig(t), r, a, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, d.Start(ctx))

	require.Eventually(t, func() bool { return len(r.stories()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	close(release)

	require.NoError(t, d.Stop())
	assert.Equal(t, []string{"S-1"}, r.stories())
	assert.Equal(t, 1, d.Status().Pending)
}

func TestDaemon_GateHoldsStory(t *testing.T) {
	r := &fakeRunner{fn: func(context.Context, runner.Options) (runner.Report, error) {
		return runner.Report{StoppedBy: "gate:" + runner.GateBeforePR}, nil
	}}
	a := &fakeAssessor{}
	a.set(action(domain.ActionCreatePR, "S-1"))

	d := startDaemon(t, newTestConfig(t), r, a)
	require.Eventually(t, func() bool { return len(d.Status().Held) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, runner.GateBeforePR, d.Status().Held["S-1"])

	// Held stories are not queued by polling.
	a.set(action(domain.ActionCreatePR, "S-1"))
	d.Trigger()
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, r.stories(), 1)

	// A manual request releases the hold and approves the gate.
	assert.True(t, d.Enqueue("S-1", "approved"))
	require.Eventually(t, func() bool { return len(r.stories()) == 2 }, 2*time.Second, 10*time.Millisecond)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Empty(t, r.calls[0].ApproveGate)
	assert.Equal(t, runner.GateBeforePR, r.calls[1].ApproveGate)
}

func TestDaemon_EnqueueApprovesGateForRunner(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.StageGates.RequireApprovalBeforeImplementation = true

	store, err := checkpoint.NewStore(cfg.CheckpointPath(), zerolog.Nop())
	require.NoError(t, err)
	repo := tu.NewMemoryRepository(tu.NewStory("S-1", domain.StatusReady, tu.WithFlags(true, true, false, false)))
	agent := tu.NewFakeAgent()
	r, err := runner.New(cfg, runner.Deps{Repo: repo, Agent: agent, Checkpoints: store}, zerolog.Nop())
	require.NoError(t, err)

	d, err := New(cfg, r, r.Scheduler(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Stop() })

	require.Eventually(t, func() bool { return d.Status().Held["S-1"] == runner.GateBeforeImplementation }, 2*time.Second, 10*time.Millisecond)
	assert.NotContains(t, agent.Kinds(), domain.ActionImplement)

	assert.True(t, d.Enqueue("S-1", "approved"))
	require.Eventually(t, func() bool {
		return slices.Contains(agent.Kinds(), domain.ActionImplement)
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return d.Status().Pending == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.NotContains(t, d.Status().Held, "S-1")
}

func TestDaemon_FailedStoryIsHeld(t *testing.T) {
	r := &fakeRunner{fn: func(context.Context, runner.Options) (runner.Report, error) {
		return runner.Report{
			StoppedBy: runner.StoppedByFailure,
			Executed:  []runner.ActionResult{{Action: domain.Action{Kind: domain.ActionImplement}, Error: "tests failed"}},
		}, nil
	}}
	a := &fakeAssessor{}
	a.set(action(domain.ActionImplement, "S-1"))

	d := startDaemon(t, newTestConfig(t), r, a)
	require.Eventually(t, func() bool { return d.Status().Held["S-1"] == HeldAfterFailure }, 2*time.Second, 10*time.Millisecond)

	a.set(action(domain.ActionImplement, "S-1"))
	d.Trigger()
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, r.stories(), 1)

	// An edit to the story file releases the hold.
	a.set(action(domain.ActionImplement, "S-1"))
	d.onStoriesChanged([]string{"/stories/S-1.md"})
	require.Eventually(t, func() bool { return len(r.stories()) == 2 }, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return d.Status().Held["S-1"] == HeldAfterFailure }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, d.Enqueue("S-1", "retry"))
	require.Eventually(t, func() bool { return len(r.stories()) == 3 }, 2*time.Second, 10*time.Millisecond)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Empty(t, r.calls[2].ApproveGate, "a failure hold approves no gate")
}

func TestDaemon_FailuresAreRecordedInQueue(t *testing.T) {
	r := &fakeRunner{fn: func(_ context.Context, opts runner.Options) (runner.Report, error) {
		if opts.StoryID == "S-1" {
			return runner.Report{
				StoppedBy: runner.StoppedByFailure,
				Executed: []runner.ActionResult{
					{Action: domain.Action{Kind: domain.ActionImplement}, Error: "tests failed"},
				},
			}, nil
		}
		return runner.Report{}, errors.New("story not found")
	}}
	a := &fakeAssessor{}
	a.set(action(domain.ActionImplement, "S-1"), action(domain.ActionPlan, "S-2"))

	var (
		mu     sync.Mutex
		events []runner.Event
	)
	d, err := New(newTestConfig(t), r, a, zerolog.Nop())
	require.NoError(t, err)
	d.OnEvent = func(e runner.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Stop() })

	require.Eventually(t, func() bool {
		return d.Status().Pending == 0 && len(r.stories()) == 2 && d.Status().Queue[1].Status == domain.QueueFailed
	}, 2*time.Second, 10*time.Millisecond)

	queue := d.Status().Queue
	assert.Equal(t, domain.QueueFailed, queue[0].Status)
	assert.Equal(t, "implement failed: tests failed", queue[0].Error)
	assert.Equal(t, "story not found", queue[1].Error)

	mu.Lock()
	defer mu.Unlock()
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{EventStoryQueued, EventStoryQueued, EventRunFinished, EventRunFinished}, types)
	assert.False(t, events[2].Success)
}

func TestDaemon_EnqueueDeduplicates(t *testing.T) {
	d, err := New(newTestConfig(t), &fakeRunner{}, &fakeAssessor{}, zerolog.Nop())
	require.NoError(t, err)

	assert.True(t, d.Enqueue("S-1", "manual"))
	assert.False(t, d.Enqueue("S-1", "manual"))
	assert.Equal(t, 1, d.Status().Pending)
	assert.False(t, d.Status().Running)
}

func TestDaemon_CronSchedule(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Daemon.Schedule = "0 * * * *"

	d, err := New(cfg, &fakeRunner{}, &fakeAssessor{}, zerolog.Nop())
	require.NoError(t, err)
	d.now = func() time.Time { return time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC) }

	assert.Equal(t, 45*time.Minute, d.untilNextPoll())
	assert.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), d.Status().NextPoll)

	cfg.Daemon.Schedule = "not a schedule"
	_, err = New(cfg, &fakeRunner{}, &fakeAssessor{}, zerolog.Nop())
	require.Error(t, err)
}

func TestDaemon_PollInterval(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Daemon.PollInterval = 5 * time.Minute

	d, err := New(cfg, &fakeRunner{}, &fakeAssessor{}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, d.untilNextPoll())
}
