// Package config loads .waypoint/config.yaml and applies defaults. The
// scheduler receives this struct at construction; nothing reads environment
// variables to pick behavior.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	wyaml "github.com/ahenriksen/waypoint/internal/yaml"
)

const (
	// Dir is the project-relative directory holding all waypoint state.
	Dir = ".waypoint"

	ConfigFile = "config.yaml"
	PlanFile   = "plan.yaml"
	LogDirName = "logs"
	LockFile   = "run.lock"
)

type Config struct {
	Project ProjectConfig `yaml:"project"`
	Run     RunConfig     `yaml:"run"`
	Worker  WorkerConfig  `yaml:"worker"`
	Gates   GatesConfig   `yaml:"gates"`
	Logging LoggingConfig `yaml:"logging"`
}

type ProjectConfig struct {
	Name string `yaml:"name"`
	Root string `yaml:"root"`
}

type RunConfig struct {
	MaxIterations       int `yaml:"max_iterations"`
	IterationTimeoutSec int `yaml:"iteration_timeout_sec"` // 0 disables
	IdleTimeoutSec      int `yaml:"idle_timeout_sec"`      // 0 disables
	MaxConcurrency      int `yaml:"max_concurrency"`
	PollIntervalMs      int `yaml:"poll_interval_ms"`
	SignsWindow         int `yaml:"signs_window"`
	WallClockBudgetMin  int `yaml:"wall_clock_budget_min"` // 0 disables
}

type WorkerConfig struct {
	Command      string   `yaml:"command"`
	AllowedTools []string `yaml:"allowed_tools,omitempty"`
}

type GatesConfig struct {
	ReplCommand string   `yaml:"repl_command"`
	ReplArgs    []string `yaml:"repl_args,omitempty"`
	JudgeModel  string   `yaml:"judge_model"`
	Browser     bool     `yaml:"browser"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration written by `waypoint init`.
func Default() Config {
	return applyDefaults(Config{})
}

func applyDefaults(cfg Config) Config {
	if cfg.Run.MaxIterations <= 0 {
		cfg.Run.MaxIterations = 25
	}
	if cfg.Run.MaxConcurrency <= 0 {
		cfg.Run.MaxConcurrency = 1
	}
	if cfg.Run.PollIntervalMs <= 0 {
		cfg.Run.PollIntervalMs = 2000
	}
	if cfg.Run.SignsWindow <= 0 {
		cfg.Run.SignsWindow = 5
	}
	if cfg.Worker.Command == "" {
		cfg.Worker.Command = "claude"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	return cfg
}

// Load reads the config from projectRoot/.waypoint/config.yaml. A missing
// file yields the defaults.
func Load(projectRoot string) (Config, error) {
	path := filepath.Join(projectRoot, Dir, ConfigFile)
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			cfg.Project.Root = projectRoot
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yamlv3.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg = applyDefaults(cfg)
	if cfg.Project.Root == "" {
		cfg.Project.Root = projectRoot
	}
	return cfg, nil
}

// Save writes the config atomically.
func Save(projectRoot string, cfg Config) error {
	dir := filepath.Join(projectRoot, Dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("ensure waypoint dir: %w", err)
	}
	return wyaml.AtomicWrite(filepath.Join(dir, ConfigFile), cfg)
}

// Paths derived from the project root.

func WaypointDir(projectRoot string) string { return filepath.Join(projectRoot, Dir) }
func PlanPath(projectRoot string) string    { return filepath.Join(projectRoot, Dir, PlanFile) }
func LogDir(projectRoot string) string      { return filepath.Join(projectRoot, Dir, LogDirName) }
func LockPath(projectRoot string) string    { return filepath.Join(projectRoot, Dir, LockFile) }
