package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/ahenriksen/waypoint/internal/activity"
	"github.com/ahenriksen/waypoint/internal/config"
	"github.com/ahenriksen/waypoint/internal/logging"
	"github.com/ahenriksen/waypoint/internal/model"
	"github.com/ahenriksen/waypoint/internal/planstore"
	"github.com/ahenriksen/waypoint/internal/resolver"
)

func newInitCmd() *cobra.Command {
	var planFile string
	var title string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold .waypoint/ with a default config and, optionally, a plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := projectRoot(cmd)
			if err != nil {
				return err
			}

			cfg := config.Default()
			cfg.Project.Root = root
			if err := config.Save(root, cfg); err != nil {
				return err
			}
			if err := os.MkdirAll(config.LogDir(root), 0755); err != nil {
				return err
			}

			if planFile != "" {
				checkpoints, planTitle, err := readPlanInput(planFile)
				if err != nil {
					return err
				}
				if title != "" {
					planTitle = title
				}
				store := newStore(root)
				if _, err := store.Create(planTitle, checkpoints); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created plan with %d checkpoint(s)\n", len(checkpoints))
			}

			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", config.WaypointDir(root))
			return nil
		},
	}

	cmd.Flags().StringVar(&planFile, "plan", "", "YAML file of checkpoints to seed the plan from")
	cmd.Flags().StringVar(&title, "title", "", "plan title (defaults to the input file's title)")
	return cmd
}

// planInput is the shape of the --plan seed file.
type planInput struct {
	Title       string             `yaml:"title"`
	Checkpoints []model.Checkpoint `yaml:"checkpoints"`
}

func readPlanInput(path string) ([]model.Checkpoint, string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read plan input: %w", err)
	}
	var input planInput
	if err := yamlv3.Unmarshal(content, &input); err != nil {
		return nil, "", fmt.Errorf("parse plan input: %w", err)
	}
	if input.Title == "" {
		input.Title = strings.TrimSuffix(path, ".yaml")
	}
	return input.Checkpoints, input.Title, nil
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show plan progress, ready/blocked checkpoints, and stuck diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := projectRoot(cmd)
			if err != nil {
				return err
			}
			store := newStore(root)
			plan, err := store.Load()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s)\n", plan.Title, plan.Status)

			done := 0
			for i := range plan.Checkpoints {
				cp := &plan.Checkpoints[i]
				if cp.Status == model.StatusDone {
					done++
				}
				marker := " "
				switch cp.Status {
				case model.StatusDone:
					marker = "x"
				case model.StatusInProgress:
					marker = ">"
				case model.StatusFailed:
					marker = "!"
				}
				fmt.Fprintf(out, "  [%s] %-20s %s\n", marker, cp.ID, cp.Description)
			}
			fmt.Fprintf(out, "%d/%d done, %d iterations, $%.4f spent\n",
				done, len(plan.Checkpoints), plan.Run.Iterations, plan.Run.TotalCostUSD)

			if ready := resolver.Ready(plan); len(ready) > 0 {
				fmt.Fprintf(out, "ready: %s\n", strings.Join(ready, ", "))
			}
			for _, blocked := range resolver.Blocked(plan) {
				fmt.Fprintf(out, "blocked: %s (waiting on %s)\n", blocked.ID, strings.Join(blocked.UnmetDeps, ", "))
			}

			probe := activity.NewProbe(config.PlanPath(root), config.LogDir(root), root, nil)
			if plan.Status == model.PlanStatusInProgress && probe.PossiblyStuck(10*time.Minute) {
				fmt.Fprintln(out, "warning: no filesystem activity in the last 10m; a worker may be stuck")
			}
			return nil
		},
	}
	return cmd
}

func newAddCmd() *cobra.Command {
	var (
		description string
		file        string
		acceptance  string
		gateStr     string
		dependsOn   []string
		position    string
		ui          bool
	)

	cmd := &cobra.Command{
		Use:   "add <checkpoint-id>",
		Short: "Add a checkpoint to the plan, optionally mid-run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := projectRoot(cmd)
			if err != nil {
				return err
			}
			cp := model.Checkpoint{
				ID:          args[0],
				Description: description,
				File:        file,
				Acceptance:  acceptance,
				Gates:       gateStr,
				DependsOn:   dependsOn,
				Status:      model.StatusPending,
			}
			if cmd.Flags().Changed("ui") {
				cp.UI = &ui
			}
			if err := newStore(root).AddCheckpoint(cp, position); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added checkpoint %s\n", cp.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "what this checkpoint does")
	cmd.Flags().StringVar(&file, "file", "", "target artifact path")
	cmd.Flags().StringVar(&acceptance, "acceptance", "", "human acceptance criterion")
	cmd.Flags().StringVar(&gateStr, "gates", "", "validation gate string")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "checkpoint ids this one depends on")
	cmd.Flags().StringVar(&position, "position", planstore.PositionAuto, "auto|end|next|<checkpoint-id>")
	cmd.Flags().BoolVar(&ui, "ui", false, "mark as a UI checkpoint")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func newSignsCmd() *cobra.Command {
	var prune int
	var recent int

	cmd := &cobra.Command{
		Use:   "signs",
		Short: "Inspect or prune the failure-memory ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := projectRoot(cmd)
			if err != nil {
				return err
			}
			store := newStore(root)

			if prune > 0 {
				if err := store.PruneSigns(prune); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned signs older than %d iteration(s)\n", prune)
				return nil
			}

			plan, err := store.Load()
			if err != nil {
				return err
			}
			signs := planstore.RecentSigns(plan, recent)
			if len(signs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no signs recorded")
				return nil
			}
			for _, sign := range signs {
				target := sign.Checkpoint
				if target == "" {
					target = "-"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "#%d [%s] %s: %s (fix: %s)\n",
					sign.Iteration, sign.Severity, target, sign.Issue, sign.Fix)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&prune, "prune", 0, "discard signs older than this many iterations")
	cmd.Flags().IntVar(&recent, "recent", 10, "number of recent signs to show")
	return cmd
}

func newStore(root string) *planstore.Store {
	return planstore.New(config.PlanPath(root), config.WaypointDir(root), logging.Discard())
}
