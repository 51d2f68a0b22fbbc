// Package vcs creates best-effort commit snapshots after checkpoint
// completion. Every error here is non-fatal by contract: the caller logs and
// moves on.
package vcs

import (
	"errors"
	"fmt"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ErrNothingToCommit is returned when the worktree is clean.
var ErrNothingToCommit = errors.New("nothing to commit")

// CommitAll stages everything under repoPath and commits it with message.
// A directory that is not a git repository or has an empty diff is a normal
// outcome, not a failure of the run.
func CommitAll(repoPath, message string) error {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if status.IsClean() {
		return ErrNothingToCommit
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return fmt.Errorf("stage changes: %w", err)
	}

	_, err = wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "waypoint",
			Email: "waypoint@localhost",
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
