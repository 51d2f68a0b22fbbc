package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"

	"github.com/ahenriksen/waypoint/internal/logging"
	"github.com/ahenriksen/waypoint/internal/model"
)

// CommandContext creates the exec.Cmd instances the executor runs. Replaced
// in tests to mock the worker process.
var CommandContext = exec.CommandContext

// CompletionMarker is the line a worker prints to explicitly signal that its
// checkpoint is finished. Anything less is treated as partial progress.
const CompletionMarker = "CHECKPOINT COMPLETE"

var blockedPattern = regexp.MustCompile(`(?m)^BLOCKED:\s*(.+)$`)

// ClaudeExecutor runs workers as one-shot claude CLI invocations with
// stream-json output.
type ClaudeExecutor struct {
	Command string // defaults to "claude"
	Logger  *logging.Logger
}

// IsAvailable checks that the worker command exists in PATH.
func (e *ClaudeExecutor) IsAvailable() bool {
	_, err := exec.LookPath(e.command())
	return err == nil
}

func (e *ClaudeExecutor) command() string {
	if e.Command != "" {
		return e.Command
	}
	return "claude"
}

func (e *ClaudeExecutor) logger() *logging.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logging.Discard()
}

// Spawn starts a worker process in projectPath and returns its handle. The
// process dies with the context; Handle.Kill cancels just this worker.
func (e *ClaudeExecutor) Spawn(ctx context.Context, projectPath, prompt string, allowedTools []string) (*Handle, error) {
	if !e.IsAvailable() {
		return nil, fmt.Errorf("worker command %q not found in PATH", e.command())
	}

	ctx, cancel := context.WithCancel(ctx)

	args := []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if len(allowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(allowedTools, ","))
	}

	cmd := CommandContext(ctx, e.command(), args...)
	cmd.Dir = projectPath

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start worker: %w", err)
	}

	handle := NewHandle(cancel)
	go e.consume(cmd, stdout, handle)
	return handle, nil
}

// streamLine is one stream-json event. Only the fields the orchestrator
// cares about are declared; the CLI emits plenty more.
type streamLine struct {
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype"`
	SessionID    string  `json:"session_id"`
	Result       string  `json:"result"`
	IsError      bool    `json:"is_error"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	Usage        *usage  `json:"usage"`
	Message      *struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

type usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (e *ClaudeExecutor) consume(cmd *exec.Cmd, stdout io.Reader, handle *Handle) {
	res := &model.IterationResult{}
	var text strings.Builder
	var sawError bool

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var line streamLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if applyLine(&line, res, &text) {
			sawError = true
		}
	}
	if err := scanner.Err(); err != nil {
		e.logger().Warnf("worker stream read error: %v", err)
	}

	waitErr := cmd.Wait()

	res.RawText = text.String()
	res.Success = waitErr == nil && !sawError
	res.CompletionMarker = strings.Contains(res.RawText, CompletionMarker)
	if m := blockedPattern.FindStringSubmatch(res.RawText); m != nil {
		res.BlockedReason = strings.TrimSpace(m[1])
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			e.logger().Warnf("worker exited with %s", exitErr.ProcessState)
		} else {
			e.logger().Warnf("worker wait: %v", waitErr)
		}
	}

	handle.Complete(res)
}

// applyLine folds one stream event into the accumulating result and reports
// whether the event flagged an error.
func applyLine(line *streamLine, res *model.IterationResult, text *strings.Builder) bool {
	if line.SessionID != "" {
		res.SessionID = line.SessionID
	}

	switch line.Type {
	case "assistant":
		if line.Message != nil {
			for _, block := range line.Message.Content {
				if block.Type == "text" && block.Text != "" {
					text.WriteString(block.Text)
					text.WriteString("\n")
				}
			}
		}
	case "result":
		if line.Result != "" {
			text.WriteString(line.Result)
			text.WriteString("\n")
		}
		res.CostUSD = line.TotalCostUSD
		if line.Usage != nil {
			res.TokensIn = line.Usage.InputTokens
			res.TokensOut = line.Usage.OutputTokens
		}
		if line.IsError {
			res.BlockedReason = firstNonEmpty(res.BlockedReason, strings.TrimSpace(line.Result))
			return true
		}
	}
	return false
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
