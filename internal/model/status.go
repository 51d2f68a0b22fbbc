package model

import "fmt"

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

type PlanStatus string

const (
	PlanStatusPending    PlanStatus = "pending"
	PlanStatusInProgress PlanStatus = "in-progress"
	PlanStatusComplete   PlanStatus = "complete"
	PlanStatusFailed     PlanStatus = "failed"
)

type SignSeverity string

const (
	SeverityError   SignSeverity = "error"
	SeverityWarning SignSeverity = "warning"
)

var terminalStatuses = map[Status]bool{
	StatusDone:   true,
	StatusFailed: true,
}

var terminalPlanStatuses = map[PlanStatus]bool{
	PlanStatusComplete: true,
	PlanStatusFailed:   true,
}

// Checkpoint transitions are forward-only: pending → in-progress → done|failed.
var validCheckpointTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusInProgress: true,
	},
	StatusInProgress: {
		StatusDone:   true,
		StatusFailed: true,
	},
}

var validPlanTransitions = map[PlanStatus]map[PlanStatus]bool{
	PlanStatusPending: {
		PlanStatusInProgress: true,
		PlanStatusComplete:   true,
		PlanStatusFailed:     true,
	},
	PlanStatusInProgress: {
		PlanStatusComplete: true,
		PlanStatusFailed:   true,
	},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func IsPlanTerminal(s PlanStatus) bool {
	return terminalPlanStatuses[s]
}

func ValidateCheckpointTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validCheckpointTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid checkpoint transition: %q → %q", from, to)
	}
	return nil
}

func ValidatePlanTransition(from, to PlanStatus) error {
	if from == to {
		return nil
	}
	if IsPlanTerminal(from) {
		return fmt.Errorf("cannot transition from terminal plan status %q", from)
	}
	allowed, ok := validPlanTransitions[from]
	if !ok {
		return fmt.Errorf("unknown plan status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid plan transition: %q → %q", from, to)
	}
	return nil
}
