// Package worker spawns short-lived worker processes and turns their
// structured output into iteration results. The scheduler is backend
// agnostic: anything satisfying Executor can run checkpoints.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ahenriksen/waypoint/internal/model"
)

// ErrTimeout is returned by Wait when the worker was killed for exceeding
// its allotted wall clock.
var ErrTimeout = errors.New("worker timed out")

// Executor spawns one worker process per call. The returned handle owns the
// process lifetime.
type Executor interface {
	Spawn(ctx context.Context, projectPath, prompt string, allowedTools []string) (*Handle, error)
}

// Handle tracks one running worker. The scheduler selects on Done() so it
// can race the worker against timeout and idle timers; Wait is the blocking
// convenience used where no preemption beyond a deadline is needed.
type Handle struct {
	done chan struct{}
	kill context.CancelFunc

	mu     sync.Mutex
	result *model.IterationResult
}

// NewHandle wires a handle around a cancel function. complete must be called
// exactly once by the producer goroutine.
func NewHandle(kill context.CancelFunc) *Handle {
	return &Handle{
		done: make(chan struct{}),
		kill: kill,
	}
}

// Done is closed when the worker has exited and its result is available.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Kill terminates the worker process. The handle still completes with
// whatever result was assembled up to that point.
func (h *Handle) Kill() {
	if h.kill != nil {
		h.kill()
	}
}

// Result returns the iteration result once Done is closed; nil before that.
func (h *Handle) Result() *model.IterationResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Complete records the result and releases waiters.
func (h *Handle) Complete(res *model.IterationResult) {
	h.mu.Lock()
	h.result = res
	h.mu.Unlock()
	close(h.done)
}

// Wait blocks until the worker exits or timeout elapses. On timeout the
// worker is killed and ErrTimeout returned alongside the partial result.
func (h *Handle) Wait(timeout time.Duration) (*model.IterationResult, error) {
	if timeout <= 0 {
		<-h.done
		return h.Result(), nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.done:
		return h.Result(), nil
	case <-timer.C:
		h.Kill()
		<-h.done
		return h.Result(), ErrTimeout
	}
}
