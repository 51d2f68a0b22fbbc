// Package gates parses and runs the validation directives attached to a
// checkpoint. A gate string is a sequence of items separated by "|" or
// newlines; each item is an expression check, a visual assertion, or a
// judged criterion.
package gates

import (
	"context"
	"time"
)

// ItemType tags a parsed gate directive.
type ItemType string

const (
	TypeExpression ItemType = "expression"
	TypeVisual     ItemType = "visual"
	TypeJudged     ItemType = "judged"
)

// Visual actions accepted after the visual: tag.
const (
	ActionScreenshot = "screenshot"
	ActionNavigate   = "navigate"
	ActionSnapshot   = "snapshot"
	ActionClick      = "click"
	ActionWait       = "wait"
)

// ValidationItem is one parsed gate directive.
type ValidationItem struct {
	Type ItemType

	// expression payload
	Expression string
	Expected   string // empty when no "=>" clause was given

	// visual payload
	Action   string
	Argument string

	// judged payload
	Criteria string

	Raw string
}

// Verdict is a judge's three-way answer.
type Verdict string

const (
	VerdictPass    Verdict = "pass"
	VerdictFail    Verdict = "fail"
	VerdictUnclear Verdict = "unclear"
)

// ItemResult is the outcome of evaluating one directive.
type ItemResult struct {
	Item     ValidationItem
	Passed   bool
	Pending  bool // unresolved (e.g. judge returned unclear)
	Actual   string
	Message  string
	Duration time.Duration
}

// Result aggregates a full gate-string run.
type Result struct {
	Items     []ItemResult
	Passed    int
	Failed    int
	Pending   int
	AllPassed bool
	Summary   string
}

// ExpressionEvaluator evaluates an expression through the REPL collaborator
// and returns its printed value.
type ExpressionEvaluator interface {
	Evaluate(ctx context.Context, expression string) (string, error)
}

// VisualChecker performs a browser-automation action and reports the
// SUCCESS/FAILED outcome plus any artifact it produced (screenshot path).
type VisualChecker interface {
	Check(ctx context.Context, action, argument string) (ok bool, artifact string, err error)
}

// Judge evaluates free-text criteria through an LLM collaborator, optionally
// looking at the most recent screenshot artifact.
type Judge interface {
	Judge(ctx context.Context, criteria, screenshotPath string) (Verdict, string, error)
}
