package gates

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ahenriksen/waypoint/internal/worker"
)

// AgentVisualChecker delegates visual assertions to a browser-capable worker
// process. The instruction pins the worker to a SUCCESS/FAILED textual
// contract so the outcome can be read back mechanically.
type AgentVisualChecker struct {
	Executor    worker.Executor
	ProjectPath string
	Timeout     time.Duration
}

var successLine = regexp.MustCompile(`(?m)^SUCCESS\b(?:[: ]\s*(.*))?$`)

func (c *AgentVisualChecker) Check(ctx context.Context, action, argument string) (bool, string, error) {
	if c.Executor == nil {
		return false, "", fmt.Errorf("no executor configured for visual checks")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}

	handle, err := c.Executor.Spawn(ctx, c.ProjectPath, buildVisualInstruction(action, argument), []string{"mcp__playwright"})
	if err != nil {
		return false, "", fmt.Errorf("spawn visual worker: %w", err)
	}
	res, err := handle.Wait(timeout)
	if err != nil {
		return false, "", fmt.Errorf("visual worker: %w", err)
	}

	m := successLine.FindStringSubmatch(res.RawText)
	if m == nil {
		return false, "", nil
	}
	// For screenshot actions the SUCCESS line carries the artifact path.
	artifact := strings.TrimSpace(m[1])
	return true, artifact, nil
}

func buildVisualInstruction(action, argument string) string {
	var task string
	switch action {
	case ActionScreenshot:
		task = fmt.Sprintf("Take a screenshot of %s and save it to a file.", argument)
	case ActionNavigate:
		task = fmt.Sprintf("Navigate the browser to %s.", argument)
	case ActionSnapshot:
		task = fmt.Sprintf("Capture an accessibility snapshot of %s.", argument)
	case ActionClick:
		task = fmt.Sprintf("Click the element matching %s.", argument)
	case ActionWait:
		task = fmt.Sprintf("Wait for %s to be visible.", argument)
	default:
		task = fmt.Sprintf("Perform the browser action %q with argument %q.", action, argument)
	}
	return task + `

When the action succeeds, print a line starting with "SUCCESS" (for screenshots: "SUCCESS: <absolute file path>").
If it cannot be completed, print a line starting with "FAILED" and a short reason.
Print nothing else on that line.`
}
