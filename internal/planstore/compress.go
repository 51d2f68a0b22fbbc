package planstore

import (
	"fmt"
	"strings"

	"github.com/ahenriksen/waypoint/internal/model"
)

// CompressedCheckpoint is what a done checkpoint collapses to.
type CompressedCheckpoint struct {
	ID        string
	Status    model.Status
	Completed *string
}

// CompressedPlan bounds the context handed to workers: done checkpoints
// collapse to id/status/completed plus a one-line rollup, while everything
// still in flight keeps its full detail.
type CompressedPlan struct {
	Title     string
	Status    model.PlanStatus
	Done      []CompressedCheckpoint
	Rollup    string
	Remaining []model.Checkpoint
}

// Compress collapses the plan for prompt embedding.
func Compress(plan *model.Plan) *CompressedPlan {
	out := &CompressedPlan{
		Title:  plan.Title,
		Status: plan.Status,
	}
	var doneIDs []string
	for i := range plan.Checkpoints {
		cp := &plan.Checkpoints[i]
		if cp.Status == model.StatusDone {
			out.Done = append(out.Done, CompressedCheckpoint{
				ID:        cp.ID,
				Status:    cp.Status,
				Completed: cp.Completed,
			})
			doneIDs = append(doneIDs, cp.ID)
			continue
		}
		out.Remaining = append(out.Remaining, *cp)
	}

	switch {
	case plan.CompletedSummary != "":
		out.Rollup = plan.CompletedSummary
	case len(doneIDs) > 0:
		out.Rollup = fmt.Sprintf("%d checkpoint(s) already done: %s",
			len(doneIDs), strings.Join(doneIDs, ", "))
	}
	return out
}

// ContextText renders the compressed plan as the plan-context block of a
// worker prompt.
func (c *CompressedPlan) ContextText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan: %s (status: %s)\n", c.Title, c.Status)
	if c.Rollup != "" {
		fmt.Fprintf(&b, "Completed so far: %s\n", c.Rollup)
	}
	for i := range c.Remaining {
		cp := &c.Remaining[i]
		fmt.Fprintf(&b, "- [%s] %s: %s", cp.Status, cp.ID, cp.Description)
		if len(cp.DependsOn) > 0 {
			fmt.Fprintf(&b, " (depends on %s)", strings.Join(cp.DependsOn, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}
