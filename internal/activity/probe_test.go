package activity

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestProbe(t *testing.T) (*Probe, string) {
	t.Helper()
	root := t.TempDir()
	waypointDir := filepath.Join(root, ".waypoint")
	logDir := filepath.Join(waypointDir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		t.Fatal(err)
	}
	planPath := filepath.Join(waypointDir, "plan.yaml")
	if err := os.WriteFile(planPath, []byte("title: test\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return NewProbe(planPath, logDir, root, nil), root
}

func TestLatestActivity_SeesNewFiles(t *testing.T) {
	probe, root := newTestProbe(t)

	before := probe.LatestActivity()
	if before.IsZero() {
		t.Fatal("plan file mtime should register as activity")
	}

	time.Sleep(20 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0644); err != nil {
		t.Fatal(err)
	}

	after := probe.LatestActivity()
	if !after.After(before) {
		t.Errorf("LatestActivity did not advance: before=%v after=%v", before, after)
	}
}

func TestLatestActivity_SkipsNoiseDirs(t *testing.T) {
	probe, root := newTestProbe(t)

	before := probe.LatestActivity()
	time.Sleep(20 * time.Millisecond)

	gitDir := filepath.Join(root, ".git")
	if err := os.MkdirAll(gitDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(gitDir, "index"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	after := probe.LatestActivity()
	if after.After(before) {
		t.Error(".git churn should not count as activity")
	}
}

func TestPossiblyStuck(t *testing.T) {
	probe, _ := newTestProbe(t)

	if probe.PossiblyStuck(time.Hour) {
		t.Error("fresh files should not look stuck")
	}
	if probe.PossiblyStuck(0) {
		t.Error("zero window disables the check")
	}
}

func TestWatch_EventsUpdateLastActivity(t *testing.T) {
	probe, root := newTestProbe(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := probe.Watch(ctx); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	start := probe.LastActivity()
	time.Sleep(20 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(root, "change.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if probe.LastActivity().After(start) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("filesystem event never advanced LastActivity")
}

func TestTouch(t *testing.T) {
	probe, _ := newTestProbe(t)
	before := probe.LastActivity()
	time.Sleep(5 * time.Millisecond)
	probe.Touch()
	if !probe.LastActivity().After(before) {
		t.Error("Touch should advance LastActivity")
	}
}
