package planstore

import (
	"sort"

	"github.com/ahenriksen/waypoint/internal/model"
)

// AppendSign records a failure-memory entry. Signs are append-only; nothing
// ever rewrites an existing entry.
func (s *Store) AppendSign(iteration int, checkpoint, issue, fix string, severity model.SignSeverity) error {
	return s.Mutate(func(plan *model.Plan) error {
		plan.Signs = append(plan.Signs, model.Sign{
			Iteration:  iteration,
			Checkpoint: checkpoint,
			Issue:      issue,
			Fix:        fix,
			Severity:   severity,
			Timestamp:  model.Now(),
		})
		return nil
	})
}

// RecentSigns returns the last n signs by iteration number, oldest first.
func RecentSigns(plan *model.Plan, n int) []model.Sign {
	if n <= 0 || len(plan.Signs) == 0 {
		return nil
	}
	signs := make([]model.Sign, len(plan.Signs))
	copy(signs, plan.Signs)
	sort.SliceStable(signs, func(i, j int) bool {
		return signs[i].Iteration < signs[j].Iteration
	})
	if len(signs) > n {
		signs = signs[len(signs)-n:]
	}
	return signs
}

// PruneSigns discards signs older than the retention window: entries whose
// iteration is more than keepIterations behind the newest one.
func (s *Store) PruneSigns(keepIterations int) error {
	return s.Mutate(func(plan *model.Plan) error {
		if keepIterations <= 0 || len(plan.Signs) == 0 {
			return nil
		}
		latest := 0
		for i := range plan.Signs {
			if plan.Signs[i].Iteration > latest {
				latest = plan.Signs[i].Iteration
			}
		}
		cutoff := latest - keepIterations + 1
		kept := plan.Signs[:0]
		for _, sign := range plan.Signs {
			if sign.Iteration >= cutoff {
				kept = append(kept, sign)
			}
		}
		plan.Signs = kept
		return nil
	})
}
