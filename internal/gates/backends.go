package gates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandContext creates the exec.Cmd instances the backends run. Replaced
// in tests to avoid spawning real processes.
var CommandContext = exec.CommandContext

// DefaultEvalTimeout bounds a single expression evaluation.
const DefaultEvalTimeout = 30 * time.Second

// ReplEvaluator evaluates expressions by handing them to a configured REPL
// command (e.g. a project-connected nREPL client). The expression is passed
// as the final argument; stdout is the printed value.
type ReplEvaluator struct {
	Command string
	Args    []string
	Timeout time.Duration
}

func (e *ReplEvaluator) Evaluate(ctx context.Context, expression string) (string, error) {
	if e.Command == "" {
		return "", errors.New("no REPL command configured")
	}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultEvalTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, e.Args...), expression)
	cmd := CommandContext(ctx, e.Command, args...)
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", errors.New("expression evaluation timed out")
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("evaluation failed: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("run evaluator: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// judgeResponse is the JSON verdict the judge model is instructed to return.
type judgeResponse struct {
	Verdict string `json:"verdict"`
	Reason  string `json:"reason"`
}

// ClaudeJudge asks a one-shot claude invocation to judge free-text criteria,
// optionally pointing it at the most recent screenshot artifact.
type ClaudeJudge struct {
	Command string // defaults to "claude"
	Model   string
	Timeout time.Duration
}

func (j *ClaudeJudge) Judge(ctx context.Context, criteria, screenshotPath string) (Verdict, string, error) {
	command := j.Command
	if command == "" {
		command = "claude"
	}
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"-p", j.buildPrompt(criteria, screenshotPath), "--output-format", "json", "--dangerously-skip-permissions"}
	if j.Model != "" {
		args = append(args, "--model", j.Model)
	}

	cmd := CommandContext(ctx, command, args...)
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return VerdictUnclear, "", errors.New("judge timed out")
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return VerdictUnclear, "", fmt.Errorf("judge failed: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return VerdictUnclear, "", fmt.Errorf("run judge: %w", err)
	}

	jsonData, err := extractJSON(output)
	if err != nil {
		return VerdictUnclear, "", fmt.Errorf("parse judge response: %w", err)
	}
	var resp judgeResponse
	if err := json.Unmarshal(jsonData, &resp); err != nil {
		return VerdictUnclear, "", fmt.Errorf("parse judge verdict: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(resp.Verdict)) {
	case "pass":
		return VerdictPass, resp.Reason, nil
	case "fail":
		return VerdictFail, resp.Reason, nil
	default:
		return VerdictUnclear, resp.Reason, nil
	}
}

func (j *ClaudeJudge) buildPrompt(criteria, screenshotPath string) string {
	var b strings.Builder
	b.WriteString("You are judging whether acceptance criteria are met.\n\nCRITERIA:\n")
	b.WriteString(criteria)
	b.WriteString("\n\n")
	if screenshotPath != "" {
		fmt.Fprintf(&b, "A screenshot of the current state is at: %s\nRead it before judging.\n\n", screenshotPath)
	}
	b.WriteString(`Return ONLY a JSON object, no markdown formatting:
{"verdict": "pass" | "fail" | "unclear", "reason": "one sentence"}`)
	return b.String()
}

// claudeWrapper matches the claude CLI --output-format json envelope.
type claudeWrapper struct {
	Type    string `json:"type"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
}

// extractJSON defensively pulls a JSON object out of potentially noisy CLI
// output (result envelopes, markdown fences, surrounding prose).
func extractJSON(data []byte) ([]byte, error) {
	var wrapper claudeWrapper
	if err := json.Unmarshal(data, &wrapper); err == nil && wrapper.Type == "result" {
		if wrapper.IsError {
			return nil, errors.New("claude returned an error: " + wrapper.Result)
		}
		data = []byte(wrapper.Result)
	}

	str := stripMarkdownFences(string(data))
	if json.Valid([]byte(str)) {
		return []byte(str), nil
	}

	start := strings.Index(str, "{")
	end := strings.LastIndex(str, "}")
	if start == -1 || end == -1 || start >= end {
		return nil, errors.New("no JSON object found in response")
	}
	extracted := str[start : end+1]
	if !json.Valid([]byte(extracted)) {
		return nil, errors.New("extracted content is not valid JSON")
	}
	return []byte(extracted), nil
}

func stripMarkdownFences(s string) string {
	s = strings.TrimSpace(s)
	if cut, found := strings.CutPrefix(s, "```json"); found {
		s = cut
	} else if cut, found := strings.CutPrefix(s, "```"); found {
		s = cut
	}
	if cut, found := strings.CutSuffix(s, "```"); found {
		s = cut
	}
	return strings.TrimSpace(s)
}
