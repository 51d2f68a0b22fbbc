// Package scheduler drives a plan to completion: pick a checkpoint, spawn a
// worker, interpret its result, run gates, mutate the plan, repeat until a
// terminal state.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ahenriksen/waypoint/internal/activity"
	"github.com/ahenriksen/waypoint/internal/config"
	"github.com/ahenriksen/waypoint/internal/gates"
	"github.com/ahenriksen/waypoint/internal/logging"
	"github.com/ahenriksen/waypoint/internal/model"
	"github.com/ahenriksen/waypoint/internal/planstore"
	"github.com/ahenriksen/waypoint/internal/resolver"
	"github.com/ahenriksen/waypoint/internal/vcs"
	"github.com/ahenriksen/waypoint/internal/worker"
)

// TerminalStatus is how a run ends. Exactly one of these is reported.
type TerminalStatus string

const (
	StatusComplete         TerminalStatus = "complete"
	StatusMaxIterations    TerminalStatus = "max-iterations"
	StatusError            TerminalStatus = "error"
	StatusTimeoutExhausted TerminalStatus = "timeout-exhausted"
)

// RunResult summarizes a finished run.
type RunResult struct {
	Status       TerminalStatus
	Iterations   int
	TotalCostUSD float64
	TokensIn     int64
	TokensOut    int64
}

// CommitFunc is the version-control snapshot seam. Failures are swallowed.
type CommitFunc func(repoPath, message string) error

// Scheduler owns one run over one plan.
type Scheduler struct {
	cfg      config.Config
	store    *planstore.Store
	executor worker.Executor
	gates    *gates.Runner
	probe    *activity.Probe
	logger   *logging.Logger
	commit   CommitFunc
}

func New(cfg config.Config, store *planstore.Store, executor worker.Executor, runner *gates.Runner, probe *activity.Probe, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		executor: executor,
		gates:    runner,
		probe:    probe,
		logger:   logger,
		commit:   vcs.CommitAll,
	}
}

// SetCommitFunc overrides the snapshot collaborator. Used in tests.
func (s *Scheduler) SetCommitFunc(f CommitFunc) { s.commit = f }

func (s *Scheduler) iterationTimeout() time.Duration {
	return time.Duration(s.cfg.Run.IterationTimeoutSec) * time.Second
}

func (s *Scheduler) idleTimeout() time.Duration {
	return time.Duration(s.cfg.Run.IdleTimeoutSec) * time.Second
}

func (s *Scheduler) pollInterval() time.Duration {
	if s.cfg.Run.PollIntervalMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(s.cfg.Run.PollIntervalMs) * time.Millisecond
}

// Run executes the loop until a terminal state. A missing plan or an invalid
// dependency graph ends the run immediately with StatusError.
func (s *Scheduler) Run(ctx context.Context) (*RunResult, error) {
	plan, err := s.store.Load()
	if err != nil {
		return &RunResult{Status: StatusError}, err
	}
	if _, err := resolver.TopoOrder(plan); err != nil {
		return &RunResult{Status: StatusError}, err
	}

	if s.idleTimeout() > 0 && s.probe != nil {
		if err := s.probe.Watch(ctx); err != nil {
			s.logger.Warnf("activity watch unavailable, idle detection falls back to mtime walks: %v", err)
		}
	}

	var deadline time.Time
	if s.cfg.Run.WallClockBudgetMin > 0 {
		deadline = time.Now().Add(time.Duration(s.cfg.Run.WallClockBudgetMin) * time.Minute)
	}

	var result *RunResult
	if s.cfg.Run.MaxConcurrency > 1 {
		result, err = s.runParallel(ctx, deadline)
	} else {
		result, err = s.runSequential(ctx, deadline)
	}
	if result != nil {
		s.fillTotals(result)
	}
	return result, err
}

func (s *Scheduler) fillTotals(result *RunResult) {
	plan, err := s.store.Load()
	if err != nil {
		return
	}
	result.Iterations = plan.Run.Iterations
	result.TotalCostUSD = plan.Run.TotalCostUSD
	result.TokensIn = plan.Run.TokensIn
	result.TokensOut = plan.Run.TokensOut
}

// startingIteration reads the persisted run counter so sign numbering stays
// monotonic across restarts. RecentSigns and PruneSigns order by iteration;
// a restart that renumbered from 1 would bury the newest signs.
func (s *Scheduler) startingIteration() (int, error) {
	plan, err := s.store.Load()
	if err != nil {
		return 0, err
	}
	return plan.Run.Iterations, nil
}

func (s *Scheduler) runSequential(ctx context.Context, deadline time.Time) (*RunResult, error) {
	base, err := s.startingIteration()
	if err != nil {
		return &RunResult{Status: StatusError}, err
	}
	for attempt := 1; ; attempt++ {
		plan, err := s.store.Load()
		if err != nil {
			return &RunResult{Status: StatusError}, err
		}
		if plan.AllDone() {
			return &RunResult{Status: StatusComplete}, nil
		}
		if attempt > s.cfg.Run.MaxIterations {
			return &RunResult{Status: StatusMaxIterations}, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return &RunResult{Status: StatusTimeoutExhausted}, nil
		}
		if ctx.Err() != nil {
			return &RunResult{Status: StatusTimeoutExhausted}, ctx.Err()
		}

		cp := planstore.CurrentCheckpoint(plan)
		if cp == nil {
			return &RunResult{Status: StatusError},
				fmt.Errorf("no runnable checkpoint: %d blocked, none in progress", len(resolver.Blocked(plan)))
		}
		if cp.Status == model.StatusPending {
			if err := s.store.MarkInProgress(cp.ID); err != nil {
				return &RunResult{Status: StatusError}, err
			}
		}

		iteration := base + attempt
		outcome := s.runIteration(ctx, iteration, plan, cp)
		if err := s.store.RecordAttempt(cp.ID, outcome.res); err != nil {
			s.logger.Warnf("record attempt checkpoint=%s: %v", cp.ID, err)
		}
		s.handleOutcome(ctx, iteration, cp, outcome)
	}
}

// iterationOutcome carries the worker result plus how the wait ended.
type iterationOutcome struct {
	res       *model.IterationResult
	timedOut  bool
	idled     bool
	cancelled bool
	spawnErr  error
}

// runIteration spawns one worker and waits with a select over worker-exit,
// the iteration timer, and idle checks. Timeouts kill this worker only.
func (s *Scheduler) runIteration(ctx context.Context, iteration int, plan *model.Plan, cp *model.Checkpoint) iterationOutcome {
	prompt := s.buildPrompt(plan, cp)

	handle, err := s.executor.Spawn(ctx, s.cfg.Project.Root, prompt, s.cfg.Worker.AllowedTools)
	if err != nil {
		s.logger.Errorf("iteration=%d checkpoint=%s spawn failed: %v", iteration, cp.ID, err)
		return iterationOutcome{spawnErr: err}
	}
	s.logger.Infof("iteration=%d checkpoint=%s worker spawned", iteration, cp.ID)

	var iterTimer <-chan time.Time
	if d := s.iterationTimeout(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		iterTimer = timer.C
	}

	idleTick := time.NewTicker(s.pollInterval())
	defer idleTick.Stop()
	idleWindow := s.idleTimeout()

	for {
		select {
		case <-handle.Done():
			return iterationOutcome{res: handle.Result()}

		case <-iterTimer:
			s.logger.Warnf("iteration=%d checkpoint=%s killed: iteration timeout", iteration, cp.ID)
			handle.Kill()
			<-handle.Done()
			return iterationOutcome{res: handle.Result(), timedOut: true}

		case <-idleTick.C:
			if idleWindow <= 0 || s.probe == nil {
				continue
			}
			if time.Since(s.probe.LastActivity()) > idleWindow && s.probe.PossiblyStuck(idleWindow) {
				s.logger.Warnf("iteration=%d checkpoint=%s killed: idle timeout", iteration, cp.ID)
				handle.Kill()
				<-handle.Done()
				return iterationOutcome{res: handle.Result(), idled: true}
			}

		case <-ctx.Done():
			handle.Kill()
			<-handle.Done()
			return iterationOutcome{res: handle.Result(), cancelled: true}
		}
	}
}

// handleOutcome applies the per-iteration state machine. Worker failures are
// never fatal to the loop; they only fail the iteration.
func (s *Scheduler) handleOutcome(ctx context.Context, iteration int, cp *model.Checkpoint, outcome iterationOutcome) {
	switch {
	case outcome.spawnErr != nil:
		s.appendSign(iteration, cp.ID, fmt.Sprintf("worker failed to start: %v", outcome.spawnErr),
			"check worker command configuration", model.SeverityError)

	case outcome.cancelled:
		// Run interrupted by the operator, not a worker failure. No sign.
		s.logger.Infof("iteration=%d checkpoint=%s action=interrupted cost=%.4f", iteration, cp.ID, cost(outcome.res))

	case outcome.timedOut || outcome.idled:
		reason := "iteration timeout"
		if outcome.idled {
			reason = "idle timeout: no filesystem activity"
		}
		s.logger.Infof("iteration=%d checkpoint=%s action=timeout cost=%.4f", iteration, cp.ID, cost(outcome.res))
		s.appendSign(iteration, cp.ID, fmt.Sprintf("worker killed (%s)", reason),
			"break the checkpoint into smaller steps or raise the timeout", model.SeverityWarning)

	case outcome.res == nil || !outcome.res.Success:
		s.logger.Infof("iteration=%d checkpoint=%s action=worker-failure cost=%.4f", iteration, cp.ID, cost(outcome.res))
		if outcome.res != nil && outcome.res.BlockedReason != "" {
			s.appendSign(iteration, cp.ID, outcome.res.BlockedReason,
				"resolve the blocker before retrying", model.SeverityError)
		}

	case outcome.res.CompletionMarker:
		s.handleCompletion(ctx, iteration, cp, outcome.res)

	default:
		// Worker ran clean but did not claim completion: partial progress,
		// the checkpoint stays in-progress.
		s.logger.Infof("iteration=%d checkpoint=%s action=partial-progress cost=%.4f", iteration, cp.ID, cost(outcome.res))
	}
}

func (s *Scheduler) handleCompletion(ctx context.Context, iteration int, cp *model.Checkpoint, res *model.IterationResult) {
	gateResult := s.gates.RunAll(ctx, cp.ID, cp.Gates)
	if !gateResult.AllPassed {
		s.logger.Infof("iteration=%d checkpoint=%s action=gates-failed summary=%q cost=%.4f",
			iteration, cp.ID, gateResult.Summary, res.CostUSD)
		fix := cp.Acceptance
		if fix == "" {
			fix = "satisfy the checkpoint gates before declaring completion"
		}
		s.appendSign(iteration, cp.ID,
			fmt.Sprintf("completion claimed but gates did not pass (%s)", gateResult.Summary),
			fix, model.SeverityError)
		return
	}

	if err := s.store.MarkDone(cp.ID); err != nil {
		s.logger.Errorf("iteration=%d checkpoint=%s mark done: %v", iteration, cp.ID, err)
		return
	}
	s.logger.Infof("iteration=%d checkpoint=%s action=done cost=%.4f", iteration, cp.ID, res.CostUSD)

	// Snapshot is best-effort: a non-versioned directory or empty diff is fine.
	if s.commit != nil {
		if err := s.commit(s.cfg.Project.Root, fmt.Sprintf("checkpoint %s complete", cp.ID)); err != nil &&
			!errors.Is(err, vcs.ErrNothingToCommit) {
			s.logger.Debugf("snapshot skipped for %s: %v", cp.ID, err)
		}
	}
}

func (s *Scheduler) appendSign(iteration int, checkpointID, issue, fix string, severity model.SignSeverity) {
	if err := s.store.AppendSign(iteration, checkpointID, issue, fix, severity); err != nil {
		s.logger.Warnf("append sign: %v", err)
	}
}

func cost(res *model.IterationResult) float64 {
	if res == nil {
		return 0
	}
	return res.CostUSD
}
