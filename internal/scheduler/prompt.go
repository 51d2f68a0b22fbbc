package scheduler

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/ahenriksen/waypoint/internal/model"
	"github.com/ahenriksen/waypoint/internal/planstore"
	"github.com/ahenriksen/waypoint/internal/worker"
)

// uiKeywords is the fallback heuristic for checkpoints that predate the
// explicit ui field.
var uiKeywords = []string{
	"ui", "frontend", "css", "style", "styling", "component",
	"page", "button", "layout", "browser", "render", "screen",
}

func isUICheckpoint(cp *model.Checkpoint) bool {
	if cp.UI != nil {
		return *cp.UI
	}
	// Whole-word match only: "build" contains "ui" but is not a UI task.
	words := strings.FieldsFunc(strings.ToLower(cp.Description), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		for _, kw := range uiKeywords {
			if w == kw {
				return true
			}
		}
	}
	return false
}

// buildPrompt assembles the worker prompt: compressed plan context, the
// target checkpoint in full, and the most recent signs.
func (s *Scheduler) buildPrompt(plan *model.Plan, cp *model.Checkpoint) string {
	var b strings.Builder

	b.WriteString("You are completing one checkpoint of a larger plan. Work only on this checkpoint.\n\n")
	b.WriteString("== PLAN CONTEXT ==\n")
	b.WriteString(planstore.Compress(plan).ContextText())

	b.WriteString("\n== YOUR CHECKPOINT ==\n")
	fmt.Fprintf(&b, "ID: %s\nDescription: %s\n", cp.ID, cp.Description)
	if cp.File != "" {
		fmt.Fprintf(&b, "Target file: %s\n", cp.File)
	}
	if cp.Acceptance != "" {
		fmt.Fprintf(&b, "Acceptance: %s\n", cp.Acceptance)
	}
	if cp.Gates != "" {
		fmt.Fprintf(&b, "Validation gates that will be checked: %s\n", cp.Gates)
	}
	if cp.Attempts > 0 {
		fmt.Fprintf(&b, "Previous attempts on this checkpoint: %d\n", cp.Attempts)
	}

	if signs := planstore.RecentSigns(plan, s.cfg.Run.SignsWindow); len(signs) > 0 {
		b.WriteString("\n== LESSONS FROM EARLIER ITERATIONS ==\n")
		for _, sign := range signs {
			fmt.Fprintf(&b, "- [%s] %s (fix: %s)\n", sign.Severity, sign.Issue, sign.Fix)
		}
	}

	if isUICheckpoint(cp) {
		b.WriteString("\nThis checkpoint touches the UI. Verify changes visually in the browser before declaring completion.\n")
	}

	fmt.Fprintf(&b, `
== REPORTING ==
When the checkpoint is fully done and its acceptance criteria are met, print a line containing exactly:
%s
If you cannot proceed, print a line starting with:
BLOCKED: <short reason>
Do not print the completion marker for partial progress.
`, worker.CompletionMarker)

	return b.String()
}
