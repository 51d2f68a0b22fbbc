package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ahenriksen/waypoint/internal/activity"
	"github.com/ahenriksen/waypoint/internal/config"
	"github.com/ahenriksen/waypoint/internal/gates"
	"github.com/ahenriksen/waypoint/internal/lock"
	"github.com/ahenriksen/waypoint/internal/logging"
	"github.com/ahenriksen/waypoint/internal/planstore"
	"github.com/ahenriksen/waypoint/internal/scheduler"
	"github.com/ahenriksen/waypoint/internal/worker"
)

func newRunCmd() *cobra.Command {
	var (
		maxIterations  int
		maxConcurrency int
		iterTimeout    int
		idleTimeout    int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the orchestration loop until the plan reaches a terminal state",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := projectRoot(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.Load(root)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("max-iterations") {
				cfg.Run.MaxIterations = maxIterations
			}
			if cmd.Flags().Changed("max-concurrency") {
				cfg.Run.MaxConcurrency = maxConcurrency
			}
			if cmd.Flags().Changed("iteration-timeout") {
				cfg.Run.IterationTimeoutSec = iterTimeout
			}
			if cmd.Flags().Changed("idle-timeout") {
				cfg.Run.IdleTimeoutSec = idleTimeout
			}
			return runLoop(cmd, root, cfg)
		},
	}

	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "iteration budget for this run")
	cmd.Flags().IntVar(&maxConcurrency, "max-concurrency", 0, "worker pool size (1 = sequential)")
	cmd.Flags().IntVar(&iterTimeout, "iteration-timeout", 0, "per-worker wall clock limit in seconds (0 disables)")
	cmd.Flags().IntVar(&idleTimeout, "idle-timeout", 0, "kill workers after this many seconds without filesystem activity (0 disables)")
	return cmd
}

func runLoop(cmd *cobra.Command, root string, cfg config.Config) error {
	if err := os.MkdirAll(config.LogDir(root), 0755); err != nil {
		return fmt.Errorf("ensure log dir: %w", err)
	}

	fileLock := lock.NewFileLock(config.LockPath(root))
	if err := fileLock.TryLock(); err != nil {
		return err
	}
	defer func() { _ = fileLock.Unlock() }()

	level := logging.ParseLevel(cfg.Logging.Level)
	logWriter := &lumberjack.Logger{
		Filename:   filepath.Join(config.LogDir(root), "run.log"),
		MaxSize:    10, // MB
		MaxBackups: 3,
	}
	defer logWriter.Close()
	logger := logging.New(logWriter, "scheduler", level)

	runID := uuid.NewString()
	logger.Infof("run_start run_id=%s max_iterations=%d max_concurrency=%d",
		runID, cfg.Run.MaxIterations, cfg.Run.MaxConcurrency)

	store := planstore.New(config.PlanPath(root), config.WaypointDir(root),
		logging.New(logWriter, "planstore", level))

	executor := &worker.ClaudeExecutor{
		Command: cfg.Worker.Command,
		Logger:  logging.New(logWriter, "worker", level),
	}

	runner := buildGateRunner(cfg, executor, logWriter, level, root)

	probe := activity.NewProbe(config.PlanPath(root), config.LogDir(root), root,
		logging.New(logWriter, "activity", level))

	sched := scheduler.New(cfg, store, executor, runner, probe, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := sched.Run(ctx)
	logger.Infof("run_end run_id=%s status=%s iterations=%d cost=%.4f",
		runID, result.Status, result.Iterations, result.TotalCostUSD)

	fmt.Fprintf(cmd.OutOrStdout(), "run finished: %s (%d iterations, $%.4f, %d in / %d out tokens)\n",
		result.Status, result.Iterations, result.TotalCostUSD, result.TokensIn, result.TokensOut)
	if err != nil {
		return err
	}
	if result.Status != scheduler.StatusComplete {
		return fmt.Errorf("run ended with status %s", result.Status)
	}
	return nil
}

func buildGateRunner(cfg config.Config, executor worker.Executor, w io.Writer, level logging.Level, root string) *gates.Runner {
	opts := []gates.Option{
		judgeOption(cfg),
	}
	if cfg.Gates.ReplCommand != "" {
		opts = append(opts, gates.WithExpressionEvaluator(&gates.ReplEvaluator{
			Command: cfg.Gates.ReplCommand,
			Args:    cfg.Gates.ReplArgs,
		}))
	}
	if cfg.Gates.Browser {
		opts = append(opts, gates.WithVisualChecker(&gates.AgentVisualChecker{
			Executor:    executor,
			ProjectPath: root,
		}))
	}
	return gates.NewRunner(logging.New(w, "gates", level), opts...)
}

func judgeOption(cfg config.Config) gates.Option {
	return gates.WithJudge(&gates.ClaudeJudge{
		Command: cfg.Worker.Command,
		Model:   cfg.Gates.JudgeModel,
	})
}
