// Package daemon keeps the pipeline moving without a user at the terminal.
//
// A single loop goroutine polls the scheduler on an interval or cron
// schedule, queues every story with pending work, and runs the queue one
// story at a time through the workflow runner. Story file changes wake the
// loop early.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/patrob/ai-sdlc-sub001/internal/config"
	"github.com/patrob/ai-sdlc-sub001/internal/domain"
	"github.com/patrob/ai-sdlc-sub001/internal/runner"
	"github.com/patrob/ai-sdlc-sub001/internal/scheduler"
	"github.com/patrob/ai-sdlc-sub001/internal/watcher"
)

var (
	// ErrAlreadyRunning is returned by Start when another daemon holds the lock
	ErrAlreadyRunning = errors.New("daemon is already running")
	// ErrShutdownTimeout is returned by Stop when the in-flight story outlives the shutdown timeout
	ErrShutdownTimeout = errors.New("timed out waiting for in-flight story")
)

// Daemon event types, sent alongside runner events
const (
	EventStoryQueued = "story_queued"
	EventRunFinished = "run_finished"
)

// HeldAfterFailure is the hold reason of a story whose run failed. Like a gate
// hold it lasts until the story file changes or the story is enqueued.
const HeldAfterFailure = "failure"

// StoryRunner runs the pipeline for one story
type StoryRunner interface {
	Run(ctx context.Context, opts runner.Options) (runner.Report, error)
}

// Assessor recommends the next actions across the repository
type Assessor interface {
	Assess(ctx context.Context) (scheduler.Assessment, error)
}

// Status is a point-in-time view of the daemon
type Status struct {
	Running  bool               `json:"running"`
	Queue    []domain.QueueItem `json:"queue"`
	Pending  int                `json:"pending"`
	ETA      time.Duration      `json:"eta"`
	// Held maps held story ids to the gate that stopped them or HeldAfterFailure.
	Held     map[string]string  `json:"held"`
	LastPoll time.Time          `json:"lastPoll"`
	NextPoll time.Time          `json:"nextPoll"`
}

// Daemon polls for work and runs stories one at a time
type Daemon struct {
	cfg      *config.Config
	runner   StoryRunner
	sched    Assessor
	schedule cron.Schedule
	lock     *flock.Flock
	log      zerolog.Logger
	now      func() time.Time

	// OnEvent receives daemon and forwarded runner events.
	OnEvent func(runner.Event)

	mu       sync.Mutex
	queue    *domain.Queue
	held     map[string]string // story id -> gate that stopped it, or HeldAfterFailure
	approved map[string]string // story id -> gate released by Enqueue
	lastPoll time.Time
	nextPoll time.Time
	watcher  *watcher.Watcher
	trigger  chan struct{}

	cancel    context.CancelFunc
	runCancel context.CancelFunc
	done      chan struct{}
}

// New creates a daemon. A configured cron schedule replaces the poll interval.
func New(cfg *config.Config, r StoryRunner, sched Assessor, log zerolog.Logger) (*Daemon, error) {
	d := &Daemon{
		cfg:      cfg,
		runner:   r,
		sched:    sched,
		lock:     flock.New(cfg.DaemonLockPath()),
		log:      log.With().Str("component", "daemon").Logger(),
		now:      time.Now,
		queue:    domain.NewQueue(),
		held:     make(map[string]string),
		approved: make(map[string]string),
		trigger:  make(chan struct{}, 1),
	}

	if cfg.Daemon.Schedule != "" {
		schedule, err := config.CronParser.Parse(cfg.Daemon.Schedule)
		if err != nil {
			return nil, fmt.Errorf("parse cron expression %q: %w", cfg.Daemon.Schedule, err)
		}
		d.schedule = schedule
	}
	return d, nil
}

// Start takes the instance lock and launches the polling loop. Cancelling ctx
// stops acquisition only; the in-flight story keeps running until Stop.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done != nil {
		return fmt.Errorf("daemon already started")
	}

	if err := os.MkdirAll(filepath.Dir(d.lock.Path()), 0755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock daemon: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}

	if d.cfg.Daemon.Watch {
		d.startWatcher()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	runCtx, runCancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	d.runCancel = runCancel
	d.done = make(chan struct{})

	go d.loop(loopCtx, runCtx, d.done)
	d.log.Info().Str("schedule", d.cfg.Daemon.Schedule).Dur("poll_interval", d.cfg.Daemon.PollInterval).Msg("daemon started")
	return nil
}

// startWatcher wakes the loop when story files change. Called with mu held.
func (d *Daemon) startWatcher() {
	dir := d.cfg.StoryDirPath()
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		d.log.Warn().Str("dir", dir).Msg("story directory missing, file watching disabled")
		return
	}

	w := watcher.WatchStories(dir, d.cfg.Daemon.Debounce, d.onStoriesChanged, d.log)
	if err := w.Start(); err != nil {
		d.log.Warn().Err(err).Msg("failed to watch story directory")
		return
	}
	d.watcher = w
}

// Stop halts acquisition and waits up to the shutdown timeout for the
// in-flight story. On timeout the story's context is cancelled and
// ErrShutdownTimeout is returned.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if d.done == nil {
		d.mu.Unlock()
		return nil
	}
	cancel, runCancel, done, w := d.cancel, d.runCancel, d.done, d.watcher
	d.cancel, d.runCancel, d.done, d.watcher = nil, nil, nil, nil
	d.mu.Unlock()

	defer func() { _ = d.lock.Unlock() }()

	cancel()
	if w != nil {
		if err := w.Stop(); err != nil {
			d.log.Warn().Err(err).Msg("failed to stop watcher")
		}
	}

	timer := time.NewTimer(d.cfg.Daemon.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		runCancel()
		d.log.Info().Msg("daemon stopped")
		return nil
	case <-timer.C:
		runCancel()
		d.log.Warn().Dur("timeout", d.cfg.Daemon.ShutdownTimeout).Msg("in-flight story did not finish")
		return ErrShutdownTimeout
	}
}

// Trigger wakes the loop for an immediate poll
func (d *Daemon) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Enqueue adds a story to the queue and wakes the loop. It clears any hold; a
// story held at a gate is approved to pass that gate once. It returns false
// when the story is already queued or running.
func (d *Daemon) Enqueue(storyID, reason string) bool {
	d.mu.Lock()
	if hold, ok := d.held[storyID]; ok && hold != HeldAfterFailure {
		d.approved[storyID] = hold
	}
	delete(d.held, storyID)
	added := d.queue.Add(storyID, reason)
	d.mu.Unlock()

	if added {
		d.emit(runner.Event{Type: EventStoryQueued, StoryID: storyID, Message: reason})
		d.Trigger()
	}
	return added
}

// Status returns a snapshot of the queue and schedule
func (d *Daemon) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	held := make(map[string]string, len(d.held))
	for id, gate := range d.held {
		held[id] = gate
	}
	return Status{
		Running:  d.done != nil,
		Queue:    d.queue.Snapshot(),
		Pending:  d.queue.PendingCount(),
		ETA:      d.queue.EstimatedTimeRemaining(),
		Held:     held,
		LastPoll: d.lastPoll,
		NextPoll: d.nextPoll,
	}
}

// Emit forwards an event to OnEvent. Runners are wired to it so their
// progress reaches the same observers.
func (d *Daemon) Emit(e runner.Event) {
	d.emit(e)
}

func (d *Daemon) emit(e runner.Event) {
	if e.Time.IsZero() {
		e.Time = d.now()
	}
	if d.OnEvent != nil {
		d.OnEvent(e)
	}
}

// onStoriesChanged releases holds on edited stories and wakes the loop
func (d *Daemon) onStoriesChanged(paths []string) {
	d.mu.Lock()
	for _, p := range paths {
		delete(d.held, watcher.StoryID(p))
	}
	d.mu.Unlock()

	d.log.Debug().Strs("paths", paths).Msg("story files changed")
	d.Trigger()
}

func (d *Daemon) loop(ctx, runCtx context.Context, done chan struct{}) {
	defer close(done)

	d.tick(ctx, runCtx)
	for {
		wait := d.untilNextPoll()
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-d.trigger:
			timer.Stop()
		}
		d.tick(ctx, runCtx)
	}
}

// untilNextPoll computes the wait from the cron schedule or poll interval
func (d *Daemon) untilNextPoll() time.Duration {
	now := d.now()
	next := now.Add(d.cfg.Daemon.PollInterval)
	if d.schedule != nil {
		next = d.schedule.Next(now)
	}

	d.mu.Lock()
	d.nextPoll = next
	d.mu.Unlock()
	return next.Sub(now)
}

// tick queues stories with pending work, then drains the queue one story at a time
func (d *Daemon) tick(ctx, runCtx context.Context) {
	if err := d.poll(ctx); err != nil && ctx.Err() == nil {
		d.log.Error().Err(err).Msg("failed to assess stories")
	}

	for ctx.Err() == nil {
		d.mu.Lock()
		item := d.queue.NextPending()
		d.mu.Unlock()
		if item == nil {
			return
		}
		d.runStory(runCtx, item.StoryID)
	}
}

// poll queues one entry per story the scheduler has work for
func (d *Daemon) poll(ctx context.Context) error {
	assessment, err := d.sched.Assess(ctx)

	d.mu.Lock()
	d.lastPoll = d.now()
	d.mu.Unlock()

	if err != nil {
		return err
	}

	for _, action := range assessment.RecommendedActions {
		d.mu.Lock()
		_, held := d.held[action.StoryID]
		added := !held && d.queue.Add(action.StoryID, string(action.Kind))
		d.mu.Unlock()

		if added {
			d.log.Debug().Str("story_id", action.StoryID).Str("action", string(action.Kind)).Msg("queued story")
			d.emit(runner.Event{Type: EventStoryQueued, StoryID: action.StoryID, Action: action.Kind, Message: action.Reason})
		}
	}
	return nil
}

// runStory drives one story until it drains, fails, or hits a gate
func (d *Daemon) runStory(ctx context.Context, storyID string) {
	log := d.log.With().Str("story_id", storyID).Logger()
	log.Info().Msg("running story")

	d.mu.Lock()
	approved := d.approved[storyID]
	delete(d.approved, storyID)
	d.mu.Unlock()

	report, err := d.runner.Run(ctx, runner.Options{Auto: true, Resume: true, StoryID: storyID, ApproveGate: approved})
	switch {
	case err != nil:
		log.Error().Err(err).Msg("story run failed")
	case report.Failed():
		err = runFailure(report)
		log.Warn().Err(err).Msg("story action failed")
	}

	hold := ""
	if gate, ok := report.Gate(); ok && err == nil {
		log.Info().Str("gate", gate).Msg("story held at stage gate")
		hold = gate
	}
	if err != nil && ctx.Err() == nil {
		log.Info().Msg("story held until its file changes or it is enqueued")
		hold = HeldAfterFailure
	}

	d.mu.Lock()
	if hold != "" {
		d.held[storyID] = hold
	}
	d.queue.Finish(storyID, err)
	d.mu.Unlock()

	e := runner.Event{Type: EventRunFinished, StoryID: storyID, Success: err == nil}
	if err != nil {
		e.Message = err.Error()
	}
	d.emit(e)
}

// runFailure describes the failed action that stopped a run
func runFailure(report runner.Report) error {
	if n := len(report.Executed); n > 0 {
		last := report.Executed[n-1]
		return fmt.Errorf("%s failed: %s", last.Action.Kind, last.Error)
	}
	return errors.New("run stopped on failure")
}
