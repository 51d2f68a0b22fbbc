// Package resolver computes ready/blocked sets and topological order over a
// plan snapshot. All functions are pure: they never touch the store.
package resolver

import (
	"fmt"
	"strings"

	"github.com/ahenriksen/waypoint/internal/model"
)

// CycleError reports a dependency cycle, with the offending path when one
// could be traced.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return "dependency cycle detected"
	}
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " → "))
}

// Blocked annotates a pending checkpoint with its unmet dependency ids.
type BlockedCheckpoint struct {
	ID        string
	UnmetDeps []string
}

// Ready returns, in plan order, the ids of pending checkpoints whose every
// dependency is done.
func Ready(p *model.Plan) []string {
	var ready []string
	for i := range p.Checkpoints {
		cp := &p.Checkpoints[i]
		if cp.Status != model.StatusPending {
			continue
		}
		if len(unmetDeps(p, cp)) == 0 {
			ready = append(ready, cp.ID)
		}
	}
	return ready
}

// Blocked returns pending checkpoints with at least one unmet dependency,
// each annotated with the specific unmet ids.
func Blocked(p *model.Plan) []BlockedCheckpoint {
	var blocked []BlockedCheckpoint
	for i := range p.Checkpoints {
		cp := &p.Checkpoints[i]
		if cp.Status != model.StatusPending {
			continue
		}
		unmet := unmetDeps(p, cp)
		if len(unmet) > 0 {
			blocked = append(blocked, BlockedCheckpoint{ID: cp.ID, UnmetDeps: unmet})
		}
	}
	return blocked
}

func unmetDeps(p *model.Plan, cp *model.Checkpoint) []string {
	var unmet []string
	for _, depID := range cp.DependsOn {
		dep := p.CheckpointByID(depID)
		if dep == nil || dep.Status != model.StatusDone {
			unmet = append(unmet, depID)
		}
	}
	return unmet
}

// TopoOrder returns all checkpoint ids in an order where every id appears
// after all of its dependencies, using Kahn's algorithm with plan order as
// the deterministic tie-break. A short order means a cycle; that is surfaced
// as a *CycleError rather than silently truncated.
func TopoOrder(p *model.Plan) ([]string, error) {
	if len(p.Checkpoints) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(p.Checkpoints))
	known := make(map[string]bool, len(p.Checkpoints))
	for i := range p.Checkpoints {
		ids = append(ids, p.Checkpoints[i].ID)
		known[p.Checkpoints[i].ID] = true
	}

	// dependency → dependents, in plan order
	inDegree := make(map[string]int, len(ids))
	forward := make(map[string][]string)
	for _, id := range ids {
		inDegree[id] = 0
	}
	for i := range p.Checkpoints {
		cp := &p.Checkpoints[i]
		for _, dep := range cp.DependsOn {
			if !known[dep] {
				// Unknown refs are caught by store validation; skip here.
				continue
			}
			inDegree[cp.ID]++
			forward[dep] = append(forward[dep], cp.ID)
		}
	}

	var queue []string
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(ids))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, dependent := range forward[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) < len(ids) {
		return nil, &CycleError{Path: findCycle(p, known)}
	}
	return order, nil
}

// findCycle runs a DFS over the dependency edges to recover one concrete
// cycle path for the error message.
func findCycle(p *model.Plan, known map[string]bool) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(p.Checkpoints))
	parent := make(map[string]string)

	deps := func(id string) []string {
		cp := p.CheckpointByID(id)
		if cp == nil {
			return nil
		}
		return cp.DependsOn
	}

	var cycle []string
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, dep := range deps(id) {
			if !known[dep] {
				continue
			}
			switch color[dep] {
			case white:
				parent[dep] = id
				if visit(dep) {
					return true
				}
			case gray:
				// Walk back from id to dep to reconstruct the cycle.
				cycle = []string{dep}
				for cur := id; cur != dep; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, dep)
				return true
			}
		}
		color[id] = black
		return false
	}

	for i := range p.Checkpoints {
		id := p.Checkpoints[i].ID
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}
