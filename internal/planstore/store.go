// Package planstore owns the durable plan file: load/save round-trips,
// checkpoint mutations, auto-advance, and the signs ledger. Every mutation is
// a read-modify-write serialized through a per-path mutex, so parallel
// workers never race each other over the plan.
package planstore

import (
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/ahenriksen/waypoint/internal/lock"
	"github.com/ahenriksen/waypoint/internal/logging"
	"github.com/ahenriksen/waypoint/internal/model"
	"github.com/ahenriksen/waypoint/internal/resolver"
	wyaml "github.com/ahenriksen/waypoint/internal/yaml"
)

// Position values accepted by AddCheckpoint.
const (
	PositionAuto = "auto"
	PositionEnd  = "end"
	PositionNext = "next"
)

var locks = lock.NewMutexMap()

// Store binds plan operations to one plan file.
type Store struct {
	path        string
	waypointDir string
	logger      *logging.Logger
}

// New creates a store for the plan file at path. waypointDir is where
// corrupt files get quarantined.
func New(path, waypointDir string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Store{path: path, waypointDir: waypointDir, logger: logger}
}

// Path returns the plan file path.
func (s *Store) Path() string { return s.path }

// Load reads and parses the plan file. A missing file is ErrPlanNotFound. A
// corrupt file is quarantined and restored from the .bak sibling when
// possible, matching the write-side backup discipline.
func (s *Store) Load() (*model.Plan, error) {
	content, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, s.path)
		}
		return nil, fmt.Errorf("read plan: %w", err)
	}

	var plan model.Plan
	if err := yamlv3.Unmarshal(content, &plan); err != nil {
		return s.recoverCorrupt(err)
	}
	return &plan, nil
}

func (s *Store) recoverCorrupt(parseErr error) (*model.Plan, error) {
	qPath, qErr := wyaml.Quarantine(s.waypointDir, s.path)
	if qErr != nil {
		return nil, fmt.Errorf("parse plan: %w (quarantine also failed: %v)", parseErr, qErr)
	}
	s.logger.Warnf("quarantined corrupt plan file to %s", qPath)

	if err := wyaml.RestoreFromBackup(s.path); err != nil {
		return nil, fmt.Errorf("parse plan: %w (backup restore failed: %v)", parseErr, err)
	}
	s.logger.Warnf("restored plan from backup after corrupt load")

	content, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read restored plan: %w", err)
	}
	var plan model.Plan
	if err := yamlv3.Unmarshal(content, &plan); err != nil {
		return nil, fmt.Errorf("parse restored plan: %w", err)
	}
	return &plan, nil
}

// Save writes the plan back atomically.
func (s *Store) Save(plan *model.Plan) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("ensure plan dir: %w", err)
	}
	return wyaml.AtomicWrite(s.path, plan)
}

// Create validates the checkpoint set and writes a fresh plan. The first
// checkpoint with no dependencies starts in-progress.
func (s *Store) Create(title string, checkpoints []model.Checkpoint) (*model.Plan, error) {
	plan := &model.Plan{
		SchemaVersion: model.SchemaVersion,
		Title:         title,
		Status:        model.PlanStatusPending,
		Created:       model.Now(),
		Checkpoints:   checkpoints,
		Signs:         []model.Sign{},
	}
	for i := range plan.Checkpoints {
		if plan.Checkpoints[i].Status == "" {
			plan.Checkpoints[i].Status = model.StatusPending
		}
	}

	if err := validatePlan(plan); err != nil {
		return nil, err
	}

	for i := range plan.Checkpoints {
		cp := &plan.Checkpoints[i]
		if len(cp.DependsOn) == 0 && cp.Status == model.StatusPending {
			cp.Status = model.StatusInProgress
			cp.Started = model.NowPtr()
			break
		}
	}
	recomputePlanStatus(plan)

	if err := s.Save(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// Mutate runs fn inside the plan's critical section: load, mutate, save.
// All public mutations go through here.
func (s *Store) Mutate(fn func(*model.Plan) error) error {
	locks.Lock(s.path)
	defer locks.Unlock(s.path)

	plan, err := s.Load()
	if err != nil {
		return err
	}
	if err := fn(plan); err != nil {
		return err
	}
	return s.Save(plan)
}

// ByID loads the plan and returns the checkpoint with the given id.
func (s *Store) ByID(id string) (*model.Checkpoint, error) {
	plan, err := s.Load()
	if err != nil {
		return nil, err
	}
	cp := plan.CheckpointByID(id)
	if cp == nil {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
	}
	return cp, nil
}

// CurrentCheckpoint returns the in-progress checkpoint, or else the first
// ready pending one in plan order, or nil when neither exists.
func CurrentCheckpoint(plan *model.Plan) *model.Checkpoint {
	for i := range plan.Checkpoints {
		if plan.Checkpoints[i].Status == model.StatusInProgress {
			return &plan.Checkpoints[i]
		}
	}
	ready := resolver.Ready(plan)
	if len(ready) == 0 {
		return nil
	}
	return plan.CheckpointByID(ready[0])
}

// CurrentCheckpoint is the store-level variant of the package function.
func (s *Store) CurrentCheckpoint() (*model.Checkpoint, error) {
	plan, err := s.Load()
	if err != nil {
		return nil, err
	}
	return CurrentCheckpoint(plan), nil
}

// AllComplete reports whether every checkpoint is done.
func (s *Store) AllComplete() (bool, error) {
	plan, err := s.Load()
	if err != nil {
		return false, err
	}
	return plan.AllDone(), nil
}

// MarkDone transitions id to done and auto-advances: the first ready pending
// checkpoint, if any, moves to in-progress. Auto-advance is the only
// implicit transition in the system.
func (s *Store) MarkDone(id string) error {
	return s.Mutate(func(plan *model.Plan) error {
		cp := plan.CheckpointByID(id)
		if cp == nil {
			return fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
		}
		if err := model.ValidateCheckpointTransition(cp.Status, model.StatusDone); err != nil {
			return err
		}
		cp.Status = model.StatusDone
		cp.Completed = model.NowPtr()
		cp.FailureReason = ""

		if ready := resolver.Ready(plan); len(ready) > 0 {
			next := plan.CheckpointByID(ready[0])
			next.Status = model.StatusInProgress
			next.Started = model.NowPtr()
		}

		recomputePlanStatus(plan)
		return nil
	})
}

// MarkFailed transitions id to failed with a reason and marks the plan
// failed. Failed is terminal for the checkpoint.
func (s *Store) MarkFailed(id, reason string) error {
	return s.Mutate(func(plan *model.Plan) error {
		cp := plan.CheckpointByID(id)
		if cp == nil {
			return fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
		}
		if err := model.ValidateCheckpointTransition(cp.Status, model.StatusFailed); err != nil {
			return err
		}
		cp.Status = model.StatusFailed
		cp.FailedAt = model.NowPtr()
		cp.FailureReason = reason
		plan.Status = model.PlanStatusFailed
		return nil
	})
}

// MarkInProgress is the explicit dispatch-time transition used by the
// parallel scheduler, where assignment rather than auto-advance decides what
// runs next.
func (s *Store) MarkInProgress(id string) error {
	return s.Mutate(func(plan *model.Plan) error {
		cp := plan.CheckpointByID(id)
		if cp == nil {
			return fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
		}
		if cp.Status == model.StatusInProgress {
			return nil
		}
		if err := model.ValidateCheckpointTransition(cp.Status, model.StatusInProgress); err != nil {
			return err
		}
		cp.Status = model.StatusInProgress
		cp.Started = model.NowPtr()
		recomputePlanStatus(plan)
		return nil
	})
}

// RecordAttempt increments the attempt counter and run accounting for one
// worker spawn against a checkpoint.
func (s *Store) RecordAttempt(id string, res *model.IterationResult) error {
	return s.Mutate(func(plan *model.Plan) error {
		cp := plan.CheckpointByID(id)
		if cp == nil {
			return fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
		}
		cp.Attempts++
		plan.Run.Iterations++
		if res != nil {
			plan.Run.TotalCostUSD += res.CostUSD
			plan.Run.TokensIn += res.TokensIn
			plan.Run.TokensOut += res.TokensOut
			if res.SessionID != "" {
				plan.Run.LastSessionID = res.SessionID
			}
		}
		return nil
	})
}

// AddCheckpoint inserts cp at the given position: "end", "next" (after the
// current in-progress checkpoint), an explicit checkpoint id (after it), or
// "auto": after the last dependency when cp has dependencies, else after the
// in-progress checkpoint, else at the end. This lets a running loop absorb
// new work without disturbing already-scheduled checkpoints.
func (s *Store) AddCheckpoint(cp model.Checkpoint, position string) error {
	if position == "" {
		position = PositionAuto
	}
	return s.Mutate(func(plan *model.Plan) error {
		if cp.ID == "" {
			return fmt.Errorf("checkpoint id is required")
		}
		if plan.CheckpointByID(cp.ID) != nil {
			return fmt.Errorf("duplicate checkpoint id %q", cp.ID)
		}
		for _, dep := range cp.DependsOn {
			if plan.CheckpointByID(dep) == nil {
				return fmt.Errorf("%w: dependency %s", ErrCheckpointNotFound, dep)
			}
		}
		if cp.Status == "" {
			cp.Status = model.StatusPending
		}

		idx := insertIndex(plan, &cp, position)
		if idx < 0 {
			return fmt.Errorf("%w: position %s", ErrCheckpointNotFound, position)
		}

		plan.Checkpoints = append(plan.Checkpoints, model.Checkpoint{})
		copy(plan.Checkpoints[idx+1:], plan.Checkpoints[idx:])
		plan.Checkpoints[idx] = cp

		if _, err := resolver.TopoOrder(plan); err != nil {
			return err
		}
		recomputePlanStatus(plan)
		return nil
	})
}

// insertIndex returns the slice index the new checkpoint should occupy, or
// -1 when position names an unknown id.
func insertIndex(plan *model.Plan, cp *model.Checkpoint, position string) int {
	switch position {
	case PositionEnd:
		return len(plan.Checkpoints)
	case PositionNext:
		for i := range plan.Checkpoints {
			if plan.Checkpoints[i].Status == model.StatusInProgress {
				return i + 1
			}
		}
		return len(plan.Checkpoints)
	case PositionAuto:
		if len(cp.DependsOn) > 0 {
			last := -1
			for _, dep := range cp.DependsOn {
				if i := plan.CheckpointIndex(dep); i > last {
					last = i
				}
			}
			return last + 1
		}
		for i := range plan.Checkpoints {
			if plan.Checkpoints[i].Status == model.StatusInProgress {
				return i + 1
			}
		}
		return len(plan.Checkpoints)
	default:
		if i := plan.CheckpointIndex(position); i >= 0 {
			return i + 1
		}
		return -1
	}
}

// validatePlan enforces the plan invariants at creation time: unique ids,
// dependencies referencing existing ids, and an acyclic graph.
func validatePlan(plan *model.Plan) error {
	seen := make(map[string]bool, len(plan.Checkpoints))
	for i := range plan.Checkpoints {
		id := plan.Checkpoints[i].ID
		if id == "" {
			return fmt.Errorf("checkpoint %d has no id", i)
		}
		if seen[id] {
			return fmt.Errorf("duplicate checkpoint id %q", id)
		}
		seen[id] = true
	}
	for i := range plan.Checkpoints {
		for _, dep := range plan.Checkpoints[i].DependsOn {
			if !seen[dep] {
				return fmt.Errorf("%w: %s depends on unknown %s",
					ErrCheckpointNotFound, plan.Checkpoints[i].ID, dep)
			}
		}
	}
	if _, err := resolver.TopoOrder(plan); err != nil {
		return err
	}
	return nil
}

// recomputePlanStatus derives plan status from checkpoint statuses: complete
// iff every checkpoint is done, failed only when explicitly marked, otherwise
// in-progress once anything has started.
func recomputePlanStatus(plan *model.Plan) {
	if plan.Status == model.PlanStatusFailed {
		return
	}
	if plan.AllDone() {
		plan.Status = model.PlanStatusComplete
		return
	}
	for i := range plan.Checkpoints {
		s := plan.Checkpoints[i].Status
		if s != model.StatusPending {
			plan.Status = model.PlanStatusInProgress
			return
		}
	}
	plan.Status = model.PlanStatusPending
}
