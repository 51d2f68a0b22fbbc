// Package model defines the data structures for waypoint's plan, checkpoints,
// signs, and iteration results.
package model

import "time"

const SchemaVersion = 1

// Plan is the single source of truth for one project run. It is read at the
// start of every scheduling tick and written back after every mutation.
type Plan struct {
	SchemaVersion    int          `yaml:"schema_version"`
	Title            string       `yaml:"title"`
	Status           PlanStatus   `yaml:"status"`
	Created          string       `yaml:"created"`
	CompletedSummary string       `yaml:"completed_summary,omitempty"`
	Checkpoints      []Checkpoint `yaml:"checkpoints"`
	Signs            []Sign       `yaml:"signs"`
	Run              RunStats     `yaml:"run"`
}

// Checkpoint is one unit of work: a prompt handed to a worker plus the gates
// that must pass before it may be marked done.
type Checkpoint struct {
	ID            string   `yaml:"id"`
	Description   string   `yaml:"description"`
	File          string   `yaml:"file,omitempty"`
	Acceptance    string   `yaml:"acceptance,omitempty"`
	Gates         string   `yaml:"gates,omitempty"`
	DependsOn     []string `yaml:"depends_on,omitempty"`
	UI            *bool    `yaml:"ui,omitempty"`
	Status        Status   `yaml:"status"`
	Attempts      int      `yaml:"attempts,omitempty"`
	Started       *string  `yaml:"started,omitempty"`
	Completed     *string  `yaml:"completed,omitempty"`
	FailedAt      *string  `yaml:"failed_at,omitempty"`
	FailureReason string   `yaml:"failure_reason,omitempty"`
}

// Sign is an append-only failure-memory entry fed forward into later iterations.
type Sign struct {
	Iteration  int          `yaml:"iteration"`
	Checkpoint string       `yaml:"checkpoint,omitempty"`
	Issue      string       `yaml:"issue"`
	Fix        string       `yaml:"fix"`
	Severity   SignSeverity `yaml:"severity"`
	Timestamp  string       `yaml:"timestamp"`
}

// RunStats accumulates per-run accounting across iterations.
type RunStats struct {
	Iterations    int     `yaml:"iterations"`
	TotalCostUSD  float64 `yaml:"total_cost_usd"`
	TokensIn      int64   `yaml:"tokens_in"`
	TokensOut     int64   `yaml:"tokens_out"`
	LastSessionID string  `yaml:"last_session_id,omitempty"`
}

// CheckpointByID returns a pointer into p.Checkpoints, or nil.
func (p *Plan) CheckpointByID(id string) *Checkpoint {
	for i := range p.Checkpoints {
		if p.Checkpoints[i].ID == id {
			return &p.Checkpoints[i]
		}
	}
	return nil
}

// CheckpointIndex returns the index of id in p.Checkpoints, or -1.
func (p *Plan) CheckpointIndex(id string) int {
	for i := range p.Checkpoints {
		if p.Checkpoints[i].ID == id {
			return i
		}
	}
	return -1
}

// AllDone reports whether every checkpoint is done.
func (p *Plan) AllDone() bool {
	for i := range p.Checkpoints {
		if p.Checkpoints[i].Status != StatusDone {
			return false
		}
	}
	return len(p.Checkpoints) > 0
}

// Now returns the current UTC time in the RFC3339 format used throughout the
// plan file.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// NowPtr is Now as a pointer, for optional timestamp fields.
func NowPtr() *string {
	s := Now()
	return &s
}
