package model

import (
	"testing"
	"time"
)

func testPlan() *Plan {
	return &Plan{
		SchemaVersion: SchemaVersion,
		Title:         "test",
		Status:        PlanStatusInProgress,
		Checkpoints: []Checkpoint{
			{ID: "a", Status: StatusDone},
			{ID: "b", Status: StatusInProgress},
			{ID: "c", Status: StatusPending, DependsOn: []string{"b"}},
		},
	}
}

func TestCheckpointByID(t *testing.T) {
	p := testPlan()

	cp := p.CheckpointByID("b")
	if cp == nil || cp.ID != "b" {
		t.Fatalf("CheckpointByID(b) = %v", cp)
	}

	// The pointer must alias the plan so mutations stick.
	cp.Attempts = 3
	if p.Checkpoints[1].Attempts != 3 {
		t.Error("CheckpointByID should return a pointer into the plan")
	}

	if p.CheckpointByID("missing") != nil {
		t.Error("unknown id should return nil")
	}
}

func TestCheckpointIndex(t *testing.T) {
	p := testPlan()
	if got := p.CheckpointIndex("c"); got != 2 {
		t.Errorf("CheckpointIndex(c) = %d, want 2", got)
	}
	if got := p.CheckpointIndex("missing"); got != -1 {
		t.Errorf("CheckpointIndex(missing) = %d, want -1", got)
	}
}

func TestAllDone(t *testing.T) {
	p := testPlan()
	if p.AllDone() {
		t.Error("plan with pending checkpoints should not be all done")
	}

	for i := range p.Checkpoints {
		p.Checkpoints[i].Status = StatusDone
	}
	if !p.AllDone() {
		t.Error("plan with every checkpoint done should be all done")
	}

	empty := &Plan{}
	if empty.AllDone() {
		t.Error("empty plan should not count as done")
	}
}

func TestNowFormat(t *testing.T) {
	s := Now()
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("Now() = %q is not RFC3339: %v", s, err)
	}
	if parsed.Location() != time.UTC {
		t.Errorf("Now() should be UTC, got %v", parsed.Location())
	}
}
