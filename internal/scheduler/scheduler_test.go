package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahenriksen/waypoint/internal/activity"
	"github.com/ahenriksen/waypoint/internal/config"
	"github.com/ahenriksen/waypoint/internal/gates"
	"github.com/ahenriksen/waypoint/internal/model"
	"github.com/ahenriksen/waypoint/internal/planstore"
	"github.com/ahenriksen/waypoint/internal/worker"
)

// fakeExecutor scripts worker outcomes per checkpoint and records enough to
// assert on prompts and concurrency.
type fakeExecutor struct {
	mu        sync.Mutex
	prompts   []string
	active    map[string]int
	maxActive map[string]int
	script    func(checkpointID string) *model.IterationResult
	spawnErr  error
	delay     time.Duration
	hang      bool // worker never finishes on its own; only a kill ends it
}

func newFakeExecutor(script func(id string) *model.IterationResult) *fakeExecutor {
	return &fakeExecutor{
		active:    make(map[string]int),
		maxActive: make(map[string]int),
		script:    script,
	}
}

func alwaysComplete(string) *model.IterationResult {
	return &model.IterationResult{Success: true, CompletionMarker: true, CostUSD: 0.1, TokensIn: 10, TokensOut: 5}
}

// checkpointIDFromPrompt reads the "ID:" line out of a worker prompt.
func checkpointIDFromPrompt(prompt string) string {
	for _, line := range strings.Split(prompt, "\n") {
		if id, ok := strings.CutPrefix(line, "ID: "); ok {
			return id
		}
	}
	return ""
}

func (f *fakeExecutor) Spawn(_ context.Context, _, prompt string, _ []string) (*worker.Handle, error) {
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	id := checkpointIDFromPrompt(prompt)

	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.active[id]++
	if f.active[id] > f.maxActive[id] {
		f.maxActive[id] = f.active[id]
	}
	f.mu.Unlock()

	if f.hang {
		var once sync.Once
		var h *worker.Handle
		h = worker.NewHandle(func() {
			once.Do(func() {
				f.mu.Lock()
				f.active[id]--
				f.mu.Unlock()
				h.Complete(&model.IterationResult{Success: false, RawText: "killed mid-flight"})
			})
		})
		return h, nil
	}

	h := worker.NewHandle(func() {})
	go func() {
		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		res := f.script(id)
		f.mu.Lock()
		f.active[id]--
		f.mu.Unlock()
		h.Complete(res)
	}()
	return h, nil
}

func testConfig(root string) config.Config {
	cfg := config.Default()
	cfg.Project.Root = root
	cfg.Run.MaxIterations = 10
	cfg.Run.PollIntervalMs = 10
	return cfg
}

func newTestScheduler(t *testing.T, cfg config.Config, exec worker.Executor, runner *gates.Runner, cps []model.Checkpoint) (*Scheduler, *planstore.Store) {
	t.Helper()
	waypointDir := config.WaypointDir(cfg.Project.Root)
	require.NoError(t, os.MkdirAll(waypointDir, 0755))

	store := planstore.New(config.PlanPath(cfg.Project.Root), waypointDir, nil)
	_, err := store.Create("test plan", cps)
	require.NoError(t, err)

	if runner == nil {
		runner = gates.NewRunner(nil)
	}
	s := New(cfg, store, exec, runner, nil, nil)
	s.SetCommitFunc(func(string, string) error { return nil })
	return s, store
}

func chain() []model.Checkpoint {
	return []model.Checkpoint{
		{ID: "setup", Description: "scaffold the project"},
		{ID: "api", Description: "build the API", DependsOn: []string{"setup"}},
	}
}

func TestRun_SequentialChainCompletes(t *testing.T) {
	cfg := testConfig(t.TempDir())
	exec := newFakeExecutor(alwaysComplete)
	s, store := newTestScheduler(t, cfg, exec, nil, chain())

	result, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, result.Status)
	assert.Equal(t, 2, result.Iterations)
	assert.InDelta(t, 0.2, result.TotalCostUSD, 1e-9)

	plan, err := store.Load()
	require.NoError(t, err)
	assert.True(t, plan.AllDone())
	assert.Equal(t, model.PlanStatusComplete, plan.Status)

	// Dependency order must hold in dispatch order too.
	require.Len(t, exec.prompts, 2)
	assert.Equal(t, "setup", checkpointIDFromPrompt(exec.prompts[0]))
	assert.Equal(t, "api", checkpointIDFromPrompt(exec.prompts[1]))
}

func TestRun_CommitSnapshotPerCompletedCheckpoint(t *testing.T) {
	cfg := testConfig(t.TempDir())
	s, _ := newTestScheduler(t, cfg, newFakeExecutor(alwaysComplete), nil, chain())

	var mu sync.Mutex
	var messages []string
	s.SetCommitFunc(func(_, message string) error {
		mu.Lock()
		messages = append(messages, message)
		mu.Unlock()
		return nil
	})

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "checkpoint setup complete", messages[0])
	assert.Equal(t, "checkpoint api complete", messages[1])
}

func TestRun_MaxIterationsExhausted(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Run.MaxIterations = 2
	exec := newFakeExecutor(func(string) *model.IterationResult {
		return &model.IterationResult{Success: false, BlockedReason: "missing API key"}
	})
	s, store := newTestScheduler(t, cfg, exec, nil, chain())

	result, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusMaxIterations, result.Status)
	assert.Equal(t, 2, result.Iterations)

	plan, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, plan.CheckpointByID("setup").Status)
	require.NotEmpty(t, plan.Signs)
	assert.Equal(t, "missing API key", plan.Signs[0].Issue)
	assert.Equal(t, model.SeverityError, plan.Signs[0].Severity)
}

func TestRun_SignNumberingSurvivesRestart(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Run.MaxIterations = 2
	exec := newFakeExecutor(func(string) *model.IterationResult {
		return &model.IterationResult{Success: false, BlockedReason: "missing API key"}
	})
	s, store := newTestScheduler(t, cfg, exec, nil, chain())

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	plan, err := store.Load()
	require.NoError(t, err)
	require.Len(t, plan.Signs, 2)
	assert.Equal(t, 1, plan.Signs[0].Iteration)
	assert.Equal(t, 2, plan.Signs[1].Iteration)

	// A fresh process over the same plan must keep numbering where the
	// previous run left off, or the ledger would bury the newest signs.
	restarted := New(cfg, store, exec, gates.NewRunner(nil), nil, nil)
	restarted.SetCommitFunc(func(string, string) error { return nil })
	_, err = restarted.Run(context.Background())
	require.NoError(t, err)

	plan, err = store.Load()
	require.NoError(t, err)
	require.Len(t, plan.Signs, 4)
	assert.Equal(t, 3, plan.Signs[2].Iteration)
	assert.Equal(t, 4, plan.Signs[3].Iteration)

	recent := planstore.RecentSigns(plan, 2)
	require.Len(t, recent, 2)
	assert.Equal(t, 3, recent[0].Iteration)
	assert.Equal(t, 4, recent[1].Iteration)
}

func TestRun_PartialProgressLeavesCheckpointRunning(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Run.MaxIterations = 2
	exec := newFakeExecutor(func(string) *model.IterationResult {
		return &model.IterationResult{Success: true} // clean exit, no marker
	})
	s, store := newTestScheduler(t, cfg, exec, nil, chain())

	result, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusMaxIterations, result.Status)

	plan, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, plan.CheckpointByID("setup").Status)
	assert.Empty(t, plan.Signs, "partial progress is not a failure")
}

type stubEvaluator struct{ value string }

func (s stubEvaluator) Evaluate(context.Context, string) (string, error) { return s.value, nil }

func TestRun_GateFailureBlocksCompletion(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Run.MaxIterations = 1
	runner := gates.NewRunner(nil, gates.WithExpressionEvaluator(stubEvaluator{value: "41"}))
	exec := newFakeExecutor(alwaysComplete)
	s, store := newTestScheduler(t, cfg, exec, runner, []model.Checkpoint{{
		ID:          "calc",
		Description: "compute the answer",
		Acceptance:  "the computed answer must be 42",
		Gates:       "expr:(answer) => 42",
	}})

	result, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusMaxIterations, result.Status)

	plan, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, plan.CheckpointByID("calc").Status,
		"claimed completion must not stick while gates fail")
	require.NotEmpty(t, plan.Signs)
	assert.Contains(t, plan.Signs[0].Issue, "gates did not pass")
	assert.Equal(t, "the computed answer must be 42", plan.Signs[0].Fix)
}

func TestRun_GatePassMarksDone(t *testing.T) {
	cfg := testConfig(t.TempDir())
	runner := gates.NewRunner(nil, gates.WithExpressionEvaluator(stubEvaluator{value: "42"}))
	exec := newFakeExecutor(alwaysComplete)
	s, store := newTestScheduler(t, cfg, exec, runner, []model.Checkpoint{{
		ID:          "calc",
		Description: "compute the answer",
		Gates:       "expr:(answer) => 42",
	}})

	result, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, result.Status)

	plan, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, plan.CheckpointByID("calc").Status)
}

func TestRun_SpawnFailureRecordsSign(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Run.MaxIterations = 1
	exec := newFakeExecutor(alwaysComplete)
	exec.spawnErr = errors.New("command not found")
	s, store := newTestScheduler(t, cfg, exec, nil, chain())

	result, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusMaxIterations, result.Status)

	plan, err := store.Load()
	require.NoError(t, err)
	require.NotEmpty(t, plan.Signs)
	assert.Contains(t, plan.Signs[0].Issue, "worker failed to start")
}

func TestRun_PromptCarriesContext(t *testing.T) {
	cfg := testConfig(t.TempDir())
	exec := newFakeExecutor(alwaysComplete)
	s, store := newTestScheduler(t, cfg, exec, nil, []model.Checkpoint{{
		ID:          "auth",
		Description: "add login endpoint",
		Acceptance:  "POST /login returns a token",
	}})

	require.NoError(t, store.AppendSign(1, "auth", "bcrypt cost too high", "use cost 10", model.SeverityWarning))

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, exec.prompts)
	prompt := exec.prompts[0]
	assert.Contains(t, prompt, "Plan: test plan")
	assert.Contains(t, prompt, "ID: auth")
	assert.Contains(t, prompt, "POST /login returns a token")
	assert.Contains(t, prompt, "bcrypt cost too high")
	assert.Contains(t, prompt, worker.CompletionMarker)
	assert.Contains(t, prompt, "BLOCKED:")
}

func TestRun_FailedDependencyEndsWithError(t *testing.T) {
	cfg := testConfig(t.TempDir())
	s, store := newTestScheduler(t, cfg, newFakeExecutor(alwaysComplete), nil, chain())

	require.NoError(t, store.MarkFailed("setup", "abandoned"))

	result, err := s.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusError, result.Status)
}

func TestRun_CancelledContext(t *testing.T) {
	cfg := testConfig(t.TempDir())
	s, _ := newTestScheduler(t, cfg, newFakeExecutor(alwaysComplete), nil, chain())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := s.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, StatusTimeoutExhausted, result.Status)
}

func TestRun_InterruptLeavesNoTimeoutSign(t *testing.T) {
	cfg := testConfig(t.TempDir())
	exec := newFakeExecutor(alwaysComplete)
	exec.hang = true
	s, store := newTestScheduler(t, cfg, exec, nil, chain())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result, err := s.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, StatusTimeoutExhausted, result.Status)

	// An operator interrupt is not a worker failure.
	plan, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, plan.Signs)
	assert.Equal(t, model.StatusInProgress, plan.CheckpointByID("setup").Status)
}

func TestRun_WallClockBudgetExhausted(t *testing.T) {
	cfg := testConfig(t.TempDir())
	s, _ := newTestScheduler(t, cfg, newFakeExecutor(alwaysComplete), nil, chain())

	result, err := s.runSequential(context.Background(), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusTimeoutExhausted, result.Status)
}

func TestRun_IterationTimeoutKillsWorker(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Run.MaxIterations = 1
	cfg.Run.IterationTimeoutSec = 1
	exec := newFakeExecutor(alwaysComplete)
	exec.hang = true
	s, store := newTestScheduler(t, cfg, exec, nil, chain())

	result, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusMaxIterations, result.Status)

	plan, err := store.Load()
	require.NoError(t, err)
	require.NotEmpty(t, plan.Signs)
	assert.Contains(t, plan.Signs[0].Issue, "iteration timeout")
	assert.Equal(t, model.SeverityWarning, plan.Signs[0].Severity)
	assert.Equal(t, model.StatusInProgress, plan.CheckpointByID("setup").Status)
}

func TestRun_IdleTimeoutKillsStuckWorker(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Run.MaxIterations = 1
	cfg.Run.IdleTimeoutSec = 1
	exec := newFakeExecutor(alwaysComplete)
	exec.hang = true

	waypointDir := config.WaypointDir(cfg.Project.Root)
	require.NoError(t, os.MkdirAll(waypointDir, 0755))
	store := planstore.New(config.PlanPath(cfg.Project.Root), waypointDir, nil)
	_, err := store.Create("test plan", chain())
	require.NoError(t, err)

	// The probe tracks paths that do not exist, so it never sees activity.
	missing := filepath.Join(cfg.Project.Root, "does-not-exist")
	probe := activity.NewProbe(filepath.Join(missing, "plan.yaml"), missing, missing, nil)

	s := New(cfg, store, exec, gates.NewRunner(nil), probe, nil)
	s.SetCommitFunc(func(string, string) error { return nil })

	result, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusMaxIterations, result.Status)

	plan, err := store.Load()
	require.NoError(t, err)
	require.NotEmpty(t, plan.Signs)
	assert.Contains(t, plan.Signs[0].Issue, "idle timeout")
	assert.Equal(t, model.StatusInProgress, plan.CheckpointByID("setup").Status)
}

func TestRun_ParallelFanOutCompletes(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Run.MaxConcurrency = 2
	exec := newFakeExecutor(alwaysComplete)
	exec.delay = 30 * time.Millisecond
	s, store := newTestScheduler(t, cfg, exec, nil, []model.Checkpoint{
		{ID: "root", Description: "shared groundwork"},
		{ID: "left", Description: "left branch", DependsOn: []string{"root"}},
		{ID: "right", Description: "right branch", DependsOn: []string{"root"}},
	})

	result, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, result.Status)
	assert.Equal(t, 3, result.Iterations)

	plan, err := store.Load()
	require.NoError(t, err)
	assert.True(t, plan.AllDone())

	// The branches must never run before their dependency completes, and no
	// checkpoint may ever have two workers at once.
	assert.Equal(t, "root", checkpointIDFromPrompt(exec.prompts[0]))
	for id, max := range exec.maxActive {
		assert.LessOrEqual(t, max, 1, "checkpoint %s had concurrent workers", id)
	}
}

func TestRun_ParallelMaxIterations(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Run.MaxConcurrency = 2
	cfg.Run.MaxIterations = 3
	exec := newFakeExecutor(func(string) *model.IterationResult {
		return &model.IterationResult{Success: false, BlockedReason: "stuck"}
	})
	s, store := newTestScheduler(t, cfg, exec, nil, chain())

	result, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusMaxIterations, result.Status)
	assert.Equal(t, 3, result.Iterations)

	plan, err := store.Load()
	require.NoError(t, err)
	assert.False(t, plan.AllDone())
}
