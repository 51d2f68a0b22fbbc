package gates

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ahenriksen/waypoint/internal/logging"
)

// Runner evaluates gate strings through the pluggable collaborators.
// Identical concurrent runs collapse through singleflight, and recent
// passing results are cached; failures always re-evaluate.
type Runner struct {
	expr   ExpressionEvaluator
	visual VisualChecker
	judge  Judge

	cache  *resultCache
	group  singleflight.Group
	logger *logging.Logger
}

// Option configures a Runner.
type Option func(*Runner)

func WithExpressionEvaluator(e ExpressionEvaluator) Option { return func(r *Runner) { r.expr = e } }
func WithVisualChecker(v VisualChecker) Option             { return func(r *Runner) { r.visual = v } }
func WithJudge(j Judge) Option                             { return func(r *Runner) { r.judge = j } }

func NewRunner(logger *logging.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = logging.Discard()
	}
	r := &Runner{
		cache:  newResultCache(256, 30*time.Second),
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GatesPassed is the checkpoint-completion gatekeeper: an empty gate string
// trivially passes, otherwise it defers to RunAll.
func (r *Runner) GatesPassed(ctx context.Context, checkpointID, gateString string) bool {
	if strings.TrimSpace(gateString) == "" {
		return true
	}
	return r.RunAll(ctx, checkpointID, gateString).AllPassed
}

// RunAll evaluates every item in the gate string and aggregates. Evaluation
// errors become failed items; they never abort the run.
func (r *Runner) RunAll(ctx context.Context, checkpointID, gateString string) *Result {
	key := cacheKey(checkpointID, gateString)
	if cached := r.cache.get(key); cached != nil {
		r.logger.Debugf("gate_cache_hit checkpoint=%s", checkpointID)
		return cached
	}

	v, _, _ := r.group.Do(key, func() (any, error) {
		result := r.runItems(ctx, checkpointID, gateString)
		// Gates read mutable project state. A failure may be fixed by the
		// very next attempt, so only passing results are worth caching.
		if result.AllPassed {
			r.cache.set(key, result)
		}
		return result, nil
	})
	return v.(*Result)
}

func (r *Runner) runItems(ctx context.Context, checkpointID, gateString string) *Result {
	items := Parse(gateString)
	result := &Result{}

	var lastScreenshot string
	for _, item := range items {
		start := time.Now()
		var ir ItemResult
		switch item.Type {
		case TypeExpression:
			ir = r.runExpression(ctx, item)
		case TypeVisual:
			ir = r.runVisual(ctx, item)
			if ir.Passed && item.Action == ActionScreenshot && ir.Actual != "" {
				lastScreenshot = ir.Actual
			}
		case TypeJudged:
			ir = r.runJudge(ctx, item, lastScreenshot)
		default:
			ir = ItemResult{Item: item, Message: fmt.Sprintf("unknown gate type %q", item.Type)}
		}
		ir.Duration = time.Since(start)

		result.Items = append(result.Items, ir)
		switch {
		case ir.Pending:
			result.Pending++
		case ir.Passed:
			result.Passed++
		default:
			result.Failed++
			r.logger.Infof("gate_failed checkpoint=%s gate=%q msg=%s", checkpointID, item.Raw, ir.Message)
		}
	}

	total := len(result.Items)
	result.AllPassed = result.Failed == 0 && result.Pending == 0
	switch {
	case result.Failed > 0:
		result.Summary = fmt.Sprintf("FAILED: %d of %d", result.Failed, total)
	case result.Pending > 0:
		result.Summary = fmt.Sprintf("PENDING: %d of %d unresolved", result.Pending, total)
	default:
		result.Summary = fmt.Sprintf("PASSED: %d of %d", result.Passed, total)
	}
	return result
}

func (r *Runner) runExpression(ctx context.Context, item ValidationItem) ItemResult {
	ir := ItemResult{Item: item}
	if r.expr == nil {
		ir.Message = "no expression evaluator configured"
		return ir
	}

	value, err := r.expr.Evaluate(ctx, item.Expression)
	if err != nil {
		ir.Message = fmt.Sprintf("evaluation error: %v", err)
		return ir
	}
	ir.Actual = strings.TrimSpace(value)

	if item.Expected == "" {
		ir.Passed = true
		return ir
	}
	if ir.Actual == strings.TrimSpace(item.Expected) {
		ir.Passed = true
		return ir
	}
	ir.Message = fmt.Sprintf("expected %q, got %q", item.Expected, ir.Actual)
	return ir
}

func (r *Runner) runVisual(ctx context.Context, item ValidationItem) ItemResult {
	ir := ItemResult{Item: item}
	if r.visual == nil {
		ir.Message = "no visual checker configured"
		return ir
	}

	ok, artifact, err := r.visual.Check(ctx, item.Action, item.Argument)
	if err != nil {
		ir.Message = fmt.Sprintf("visual check error: %v", err)
		return ir
	}
	ir.Actual = artifact
	ir.Passed = ok
	if !ok {
		ir.Message = fmt.Sprintf("visual %s %s reported FAILED", item.Action, item.Argument)
	}
	return ir
}

func (r *Runner) runJudge(ctx context.Context, item ValidationItem, screenshot string) ItemResult {
	ir := ItemResult{Item: item}
	if r.judge == nil {
		ir.Message = "no judge configured"
		return ir
	}

	verdict, reason, err := r.judge.Judge(ctx, item.Criteria, screenshot)
	if err != nil {
		ir.Message = fmt.Sprintf("judge error: %v", err)
		return ir
	}
	ir.Message = reason
	switch verdict {
	case VerdictPass:
		ir.Passed = true
	case VerdictUnclear:
		ir.Pending = true
	}
	return ir
}
