// Package runner drives stories through the pipeline one action at a time,
// applying each action's effects and checkpointing progress.
package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/patrob/ai-sdlc-sub001/internal/agent"
	"github.com/patrob/ai-sdlc-sub001/internal/checkpoint"
	"github.com/patrob/ai-sdlc-sub001/internal/config"
	"github.com/patrob/ai-sdlc-sub001/internal/domain"
	"github.com/patrob/ai-sdlc-sub001/internal/notify"
	"github.com/patrob/ai-sdlc-sub001/internal/review"
	"github.com/patrob/ai-sdlc-sub001/internal/scheduler"
	"github.com/patrob/ai-sdlc-sub001/internal/storage"
	"github.com/patrob/ai-sdlc-sub001/internal/util"
)

// SafetyCap bounds the iterations of an automatic run
const SafetyCap = 100

// Stop reasons reported in Report.StoppedBy. Gate stops are "gate:<name>".
const (
	StoppedByFailure   = "failure"
	StoppedBySafetyCap = "safety-cap"
	gatePrefix         = "gate:"
)

// Options select how a run proceeds
type Options struct {
	// Auto keeps executing actions until none remain.
	Auto bool
	// Resume skips actions completed by the previous run's checkpoint.
	Resume bool
	// StoryID limits the run to one story.
	StoryID string
	// ApproveGate names a stage gate the run passes once, as if a person had
	// approved it.
	ApproveGate string
}

// ActionResult is the outcome of one executed action
type ActionResult struct {
	Action   domain.Action
	Success  bool
	Error    string
	Decision domain.ReviewDecision
	Duration time.Duration
}

// Report summarizes a run
type Report struct {
	WorkflowID string
	Executed   []ActionResult
	// Skipped lists actions the resumed checkpoint had already completed.
	Skipped []domain.Action
	// Blocked lists stories blocked by the recovery backstop.
	Blocked   []string
	Warnings  []checkpoint.Warning
	StoppedBy string
	// Drained is true when no actions remained and the checkpoint was removed.
	Drained bool
}

// Failed reports whether the run stopped on a failed action
func (r Report) Failed() bool {
	return r.StoppedBy == StoppedByFailure
}

// Gate returns the name of the gate that stopped the run, if any
func (r Report) Gate() (string, bool) {
	return strings.CutPrefix(r.StoppedBy, gatePrefix)
}

// Deps are the collaborators a Runner drives
type Deps struct {
	Repo        storage.Repository
	Agent       agent.Agent
	Checkpoints *checkpoint.Store
	// History is optional.
	History storage.History
	// Categorizer defaults to the keyword categorizer.
	Categorizer review.Categorizer
	Notifier    *notify.Notifier
}

// effect is what applying an action did to its story
type effect struct {
	// repeat is set when the story's earlier actions will be issued again,
	// so their checkpoint entries must be dropped.
	repeat bool
	// failure marks the action failed even though the agent succeeded.
	failure string
}

type handler struct {
	// before runs and is persisted ahead of the agent.
	before func(s *domain.Story)
	apply  func(s *domain.Story, a domain.Action, res agent.Result) effect
}

// Runner executes scheduler actions through agents
type Runner struct {
	cfg      *config.Config
	deps     Deps
	sched    *scheduler.Scheduler
	gates    []Gate
	handlers map[domain.ActionKind]handler
	log      zerolog.Logger
	now      func() time.Time

	// OnEvent receives progress events from the goroutine calling Run.
	OnEvent func(Event)
	// ShutdownTimeout is how long a started action keeps running after the
	// Run context is cancelled. Callers that bound shutdown themselves set
	// it to zero.
	ShutdownTimeout time.Duration
}

// New creates a runner
func New(cfg *config.Config, deps Deps, log zerolog.Logger) (*Runner, error) {
	if deps.Repo == nil || deps.Agent == nil || deps.Checkpoints == nil {
		return nil, errors.New("runner requires a repository, an agent and a checkpoint store")
	}
	if deps.Categorizer == nil {
		deps.Categorizer = review.NewKeywordCategorizer()
	}

	gates, err := CompileGates(cfg.StageGates)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:   cfg,
		deps:  deps,
		sched: scheduler.New(deps.Repo, deps.Categorizer, scheduler.LimitsFromConfig(cfg), log),
		gates: gates,
		log:   log.With().Str("component", "runner").Logger(),
		now:   time.Now,

		ShutdownTimeout: cfg.Daemon.ShutdownTimeout,
	}
	r.sched.OnCircuitBreak = func(s domain.Story) { r.blocked(context.Background(), s) }
	r.handlers = map[domain.ActionKind]handler{
		domain.ActionRefine:    {apply: r.applyRefine},
		domain.ActionResearch:  {apply: r.applyResearch},
		domain.ActionPlan:      {apply: r.applyPlan},
		domain.ActionImplement: {before: startImplementation, apply: r.applyImplement},
		domain.ActionReview:    {apply: r.applyReview},
		domain.ActionRework:    {apply: r.applyRework},
		domain.ActionCreatePR:  {apply: r.applyCreatePR},
	}
	return r, nil
}

// Scheduler returns the scheduler the runner assesses with
func (r *Runner) Scheduler() *scheduler.Scheduler {
	return r.sched
}

// run is the state of one Run call
type run struct {
	opts       Options
	state      *checkpoint.State
	resumeFrom *checkpoint.State
	skipped    map[domain.ActionKey]bool

	// approved is the gate still to be passed once; cleared when used.
	approved string
	report   Report
	log      zerolog.Logger
}

// Run executes one action, or with opts.Auto keeps going until no actions
// remain, a gate blocks, an action fails or SafetyCap is reached. Action
// failures are reported in the Report; the error return is for failures of
// the run itself.
func (r *Runner) Run(ctx context.Context, opts Options) (Report, error) {
	if opts.StoryID != "" {
		if _, err := r.deps.Repo.Load(ctx, opts.StoryID); err != nil {
			return Report{}, err
		}
	}

	if err := r.deps.Checkpoints.Lock(); err != nil {
		return Report{}, err
	}
	defer func() {
		if err := r.deps.Checkpoints.Unlock(); err != nil {
			r.log.Warn().Err(err).Msg("failed to release checkpoint lock")
		}
	}()

	rn, err := r.start(ctx, opts)
	if err != nil {
		return Report{}, err
	}

	for iteration := 0; ; iteration++ {
		if err := ctx.Err(); err != nil {
			return rn.report, err
		}
		if iteration >= SafetyCap {
			rn.log.Warn().Int("iterations", iteration).Msg("safety cap reached")
			rn.report.StoppedBy = StoppedBySafetyCap
			return rn.report, nil
		}

		action, ok, err := r.next(ctx, rn)
		if err != nil {
			return rn.report, err
		}
		if !ok {
			rn.report.Drained = true
			if err := r.deps.Checkpoints.Delete(); err != nil {
				return rn.report, err
			}
			rn.log.Info().Int("executed", len(rn.report.Executed)).Msg("no actions remaining")
			return rn.report, nil
		}

		story, err := r.deps.Repo.Load(ctx, action.StoryID)
		if err != nil {
			return rn.report, err
		}

		if r.exceedsRecovery(story) {
			if err := r.block(ctx, rn, story); err != nil {
				return rn.report, err
			}
			if !opts.Auto {
				return rn.report, nil
			}
			continue
		}

		if opts.Auto {
			if name, stop := r.checkGates(rn, action, story); stop {
				rn.report.StoppedBy = gatePrefix + name
				r.emit(Event{Type: EventGateStopped, StoryID: action.StoryID, Action: action.Kind, Message: name})
				return rn.report, nil
			}
		}

		result, err := r.execute(ctx, rn, action, story)
		rn.report.Executed = append(rn.report.Executed, result)
		if err != nil {
			return rn.report, err
		}
		if !result.Success {
			rn.report.StoppedBy = StoppedByFailure
			return rn.report, nil
		}
		if !opts.Auto {
			return rn.report, nil
		}
	}
}

// start creates the checkpoint state for a run, continuing the stored one
// when resuming.
func (r *Runner) start(ctx context.Context, opts Options) (*run, error) {
	rn := &run{
		opts:     opts,
		skipped:  make(map[domain.ActionKey]bool),
		approved: opts.ApproveGate,
	}
	cpOpts := checkpoint.Options{Auto: opts.Auto, StoryID: opts.StoryID}

	if opts.Resume {
		loaded, err := r.deps.Checkpoints.Load()
		if err != nil {
			return nil, err
		}
		if loaded != nil {
			// Checked against the story the checkpoint was written for,
			// before this run's options replace it.
			rn.report.Warnings = checkpoint.CheckResume(loaded, r.lastTouched(ctx, loaded), r.now())
			rn.resumeFrom = loaded.Clone()
			rn.state = loaded
			rn.state.Context.Options = cpOpts
		} else {
			r.log.Info().Msg("no checkpoint to resume, starting fresh")
		}
	}
	if rn.state == nil {
		rn.state = checkpoint.NewState(cpOpts, r.now())
	}

	rn.report.WorkflowID = rn.state.WorkflowID
	rn.log = r.log.With().Str("workflow_id", rn.state.WorkflowID).Logger()
	for _, w := range rn.report.Warnings {
		rn.log.Warn().Str("kind", w.Kind).Msg(w.Message)
	}
	if rn.resumeFrom != nil {
		rn.log.Info().Int("completed", len(rn.resumeFrom.CompletedActions)).Msg("resuming from checkpoint")
	}
	return rn, nil
}

// lastTouched loads the story a checkpoint was last written for
func (r *Runner) lastTouched(ctx context.Context, state *checkpoint.State) *domain.Story {
	id := state.Context.Options.StoryID
	if id == "" && len(state.CompletedActions) > 0 {
		id = state.CompletedActions[len(state.CompletedActions)-1].StoryID
	}
	if id == "" {
		return nil
	}
	story, err := r.deps.Repo.Load(ctx, id)
	if err != nil {
		return nil
	}
	return &story
}

// next assesses and returns the first action not filtered by story or by
// the resumed checkpoint
func (r *Runner) next(ctx context.Context, rn *run) (domain.Action, bool, error) {
	assessment, err := r.sched.Assess(ctx)
	if err != nil {
		return domain.Action{}, false, err
	}

	actions := assessment.RecommendedActions
	if rn.opts.StoryID != "" {
		scoped := actions[:0:0]
		for _, a := range actions {
			if a.StoryID == rn.opts.StoryID {
				scoped = append(scoped, a)
			}
		}
		actions = scoped
	}

	pending := checkpoint.FilterPending(actions, rn.resumeFrom)
	if len(pending) < len(actions) {
		for _, a := range actions {
			if rn.resumeFrom.IsCompleted(a.Key()) && !rn.skipped[a.Key()] {
				rn.skipped[a.Key()] = true
				rn.report.Skipped = append(rn.report.Skipped, a)
				rn.log.Info().Str("story_id", a.StoryID).Str("action", string(a.Kind)).Msg("skipping completed action")
			}
		}
	}

	if len(pending) == 0 {
		return domain.Action{}, false, nil
	}
	return pending[0], true, nil
}

// exceedsRecovery applies the lifetime recovery backstop
func (r *Runner) exceedsRecovery(story domain.Story) bool {
	limit := domain.NormalizeLimit(r.cfg.Review.MaxTotalRecoveryAttempts)
	return story.TotalRecoveryAttempts >= limit
}

func (r *Runner) block(ctx context.Context, rn *run, story domain.Story) error {
	reason := fmt.Sprintf("Max total recovery attempts (%d) reached", story.TotalRecoveryAttempts)
	if err := scheduler.Block(ctx, r.deps.Repo, &story, reason, r.now()); err != nil {
		return err
	}
	rn.report.Blocked = append(rn.report.Blocked, story.ID)
	rn.log.Warn().Str("story_id", story.ID).Str("reason", story.BlockedReason).Msg("story blocked")
	r.blocked(ctx, story)
	return nil
}

// blocked reports a story that was moved to the blocked state
func (r *Runner) blocked(ctx context.Context, story domain.Story) {
	r.emit(Event{Type: EventStoryBlocked, StoryID: story.ID, Message: story.BlockedReason})
	if err := r.deps.Notifier.NotifyBlocked(ctx, story); err != nil {
		r.log.Debug().Err(err).Msg("failed to send notification")
	}
}

func (r *Runner) checkGates(rn *run, action domain.Action, story domain.Story) (string, bool) {
	for _, g := range r.gates {
		stop, err := g.Blocks(action, story)
		if err != nil {
			rn.log.Error().Err(err).Msg("stage gate evaluation failed")
		}
		if stop && g.Name == rn.approved {
			rn.log.Info().Str("gate", g.Name).Str("story_id", story.ID).Msg("passing approved stage gate")
			rn.approved = ""
			continue
		}
		if stop {
			rn.log.Info().Str("gate", g.Name).Str("story_id", story.ID).Str("action", string(action.Kind)).Msg("stopped at stage gate")
			return g.Name, true
		}
	}
	return "", false
}

// execute runs one action through its agent and persists the effects. A
// started action is not interrupted by cancellation of ctx unless it outlives
// ShutdownTimeout.
func (r *Runner) execute(ctx context.Context, rn *run, action domain.Action, story domain.Story) (ActionResult, error) {
	ctx, cancel := util.WithGrace(ctx, r.ShutdownTimeout)
	defer cancel()

	result := ActionResult{Action: action}
	h, ok := r.handlers[action.Kind]
	if !ok {
		return result, fmt.Errorf("no handler for action %s", action.Kind)
	}

	log := rn.log.With().Str("story_id", action.StoryID).Str("action", string(action.Kind)).Logger()
	log.Info().Str("reason", action.Reason).Msg("executing action")
	r.emit(Event{Type: EventActionStarted, StoryID: action.StoryID, Action: action.Kind, Message: action.Reason})

	start := r.now()
	if h.before != nil {
		h.before(&story)
		if err := r.deps.Repo.Save(ctx, &story); err != nil {
			return result, fmt.Errorf("failed to save story %s: %w", story.ID, err)
		}
	}

	res, err := r.deps.Agent.Run(ctx, action.StoryRef, r.cfg.Root, agent.Options{
		Action:    action,
		Story:     story,
		StoryPath: r.storyPath(story),
	})
	if err != nil {
		res = agent.Result{Error: err.Error()}
	}
	result.Decision = res.Decision
	result.Error = res.Error

	if res.Success {
		// Reload so edits the agent made to the story are kept.
		current, err := r.deps.Repo.Load(ctx, action.StoryID)
		if err != nil {
			return result, err
		}
		eff := h.apply(&current, action, res)
		if err := r.deps.Repo.Save(ctx, &current); err != nil {
			return result, fmt.Errorf("failed to save story %s: %w", current.ID, err)
		}

		result.Success = eff.failure == ""
		if eff.failure != "" {
			result.Error = eff.failure
		}
		if result.Success {
			if err := r.checkpoint(rn, action, current, eff); err != nil {
				return result, err
			}
		}
	} else if result.Error == "" {
		result.Error = "agent reported failure"
	}
	result.Duration = r.now().Sub(start)

	ev := log.Info()
	if !result.Success {
		ev = log.Error().Str("error", result.Error)
	}
	ev.Dur("duration", result.Duration).Bool("success", result.Success).Msg("action finished")

	r.emit(Event{Type: EventActionFinished, StoryID: action.StoryID, Action: action.Kind, Success: result.Success, Message: result.Error})
	r.record(ctx, rn, result, res.Output, start)
	return result, nil
}

// checkpoint records a successful action and saves the checkpoint
func (r *Runner) checkpoint(rn *run, action domain.Action, story domain.Story, eff effect) error {
	if eff.repeat {
		rn.state.Forget(action.StoryRef)
		if rn.resumeFrom != nil {
			rn.resumeFrom.Forget(action.StoryRef)
		}
	} else {
		rn.state.Complete(action, r.now())
	}
	rn.state.Timestamp = r.now()
	rn.state.Context.StoryContentHash = checkpoint.Fingerprint(story)
	return r.deps.Checkpoints.Save(rn.state)
}

// record writes an action result to history when enabled
func (r *Runner) record(ctx context.Context, rn *run, result ActionResult, output []string, start time.Time) {
	if r.deps.History == nil {
		return
	}

	status := storage.RecordSucceeded
	if !result.Success {
		status = storage.RecordFailed
	}
	rec := &storage.ActionRecord{
		WorkflowID: rn.state.WorkflowID,
		StoryID:    result.Action.StoryID,
		Kind:       string(result.Action.Kind),
		Status:     status,
		StartTime:  start,
		EndTime:    start.Add(result.Duration),
		Duration:   result.Duration,
		Error:      result.Error,
		Output:     output,
	}
	if err := r.deps.History.RecordAction(context.WithoutCancel(ctx), rec); err != nil {
		rn.log.Warn().Err(err).Msg("failed to record history")
	}
}

// storyPath returns the story file for file-backed repositories
func (r *Runner) storyPath(story domain.Story) string {
	if filepath.IsAbs(story.Ref) {
		return story.Ref
	}
	return r.cfg.StoryFilePath(story.ID)
}

func (r *Runner) emit(e Event) {
	if r.OnEvent == nil {
		return
	}
	e.Time = r.now()
	r.OnEvent(e)
}
