package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ahenriksen/waypoint/internal/model"
	"github.com/ahenriksen/waypoint/internal/resolver"
)

// runParallel runs a bounded worker pool. The dependency graph is the only
// ordering constraint across concurrent checkpoints; at-most-one active
// worker per checkpoint is a hard invariant, enforced by the inFlight set.
// All plan mutations go through the store's per-path critical section.
func (s *Scheduler) runParallel(ctx context.Context, deadline time.Time) (*RunResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	base, err := s.startingIteration()
	if err != nil {
		return &RunResult{Status: StatusError}, err
	}

	var (
		mu         sync.Mutex
		inFlight   = make(map[string]bool)
		iterations int
	)

	wake := make(chan struct{}, 1)
	notifyWake := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Run.MaxConcurrency)

	finish := func(status TerminalStatus, err error) (*RunResult, error) {
		cancel()
		_ = g.Wait()
		return &RunResult{Status: status}, err
	}

	for {
		plan, err := s.store.Load()
		if err != nil {
			return finish(StatusError, err)
		}
		if plan.AllDone() {
			_ = g.Wait()
			return &RunResult{Status: StatusComplete}, nil
		}

		mu.Lock()
		used := iterations
		active := len(inFlight)
		mu.Unlock()

		if used >= s.cfg.Run.MaxIterations && active == 0 {
			return finish(StatusMaxIterations, nil)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return finish(StatusTimeoutExhausted, nil)
		}
		if ctx.Err() != nil {
			return finish(StatusTimeoutExhausted, ctx.Err())
		}

		candidates := assignable(plan, &mu, inFlight)
		if active == 0 && len(candidates) == 0 {
			return finish(StatusError,
				fmt.Errorf("no runnable checkpoint: %d blocked, none in progress", len(resolver.Blocked(plan))))
		}

		for _, id := range candidates {
			mu.Lock()
			if iterations >= s.cfg.Run.MaxIterations || inFlight[id] {
				mu.Unlock()
				continue
			}
			iterations++
			iteration := base + iterations
			inFlight[id] = true
			mu.Unlock()

			// Dispatch is the explicit in-progress transition in parallel
			// mode; auto-advance alone cannot know which worker got what.
			if err := s.store.MarkInProgress(id); err != nil {
				s.logger.Warnf("assign checkpoint=%s: %v", id, err)
				mu.Lock()
				iterations--
				delete(inFlight, id)
				mu.Unlock()
				continue
			}

			id := id
			started := g.TryGo(func() error {
				defer func() {
					mu.Lock()
					delete(inFlight, id)
					mu.Unlock()
					notifyWake()
				}()
				s.runAssigned(runCtx, iteration, id)
				return nil
			})
			if !started {
				// Pool is full; release the reservation and stop dispatching.
				mu.Lock()
				iterations--
				delete(inFlight, id)
				mu.Unlock()
				break
			}
		}

		select {
		case <-wake:
		case <-time.After(s.pollInterval()):
		case <-ctx.Done():
		}
	}
}

func (s *Scheduler) runAssigned(ctx context.Context, iteration int, id string) {
	plan, err := s.store.Load()
	if err != nil {
		s.logger.Errorf("iteration=%d checkpoint=%s load: %v", iteration, id, err)
		return
	}
	cp := plan.CheckpointByID(id)
	if cp == nil {
		s.logger.Errorf("iteration=%d checkpoint=%s vanished from plan", iteration, id)
		return
	}

	outcome := s.runIteration(ctx, iteration, plan, cp)
	if err := s.store.RecordAttempt(id, outcome.res); err != nil {
		s.logger.Warnf("record attempt checkpoint=%s: %v", id, err)
	}
	s.handleOutcome(ctx, iteration, cp, outcome)
}

// assignable returns, in plan order, checkpoints eligible for a worker:
// in-progress ones nobody is running (e.g. resumed after a restart), then
// ready pending ones.
func assignable(plan *model.Plan, mu *sync.Mutex, inFlight map[string]bool) []string {
	mu.Lock()
	defer mu.Unlock()

	var out []string
	for i := range plan.Checkpoints {
		cp := &plan.Checkpoints[i]
		if cp.Status == model.StatusInProgress && !inFlight[cp.ID] {
			out = append(out, cp.ID)
		}
	}
	for _, id := range resolver.Ready(plan) {
		if !inFlight[id] {
			out = append(out, id)
		}
	}
	return out
}
