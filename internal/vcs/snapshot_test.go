package vcs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	git "github.com/go-git/go-git/v5"
)

func TestCommitAll_NotARepository(t *testing.T) {
	err := CommitAll(t.TempDir(), "snapshot")
	if err == nil {
		t.Fatal("non-repository should return an error")
	}
	if errors.Is(err, ErrNothingToCommit) {
		t.Error("missing repo must be distinguishable from a clean worktree")
	}
}

func TestCommitAll_CommitsDirtyWorktree(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := CommitAll(dir, "checkpoint setup complete"); err != nil {
		t.Fatalf("CommitAll failed: %v", err)
	}

	head, err := repo.Head()
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		t.Fatalf("CommitObject failed: %v", err)
	}
	if commit.Message != "checkpoint setup complete" {
		t.Errorf("commit message = %q", commit.Message)
	}

	// Second call with no new changes is the clean-worktree sentinel.
	if err := CommitAll(dir, "again"); !errors.Is(err, ErrNothingToCommit) {
		t.Errorf("clean worktree error = %v, want ErrNothingToCommit", err)
	}
}
