// Package config loads and validates the orchestrator's YAML configuration:
// issue categories, worker pool sizing, timeouts, worktree/backup locations,
// and the worker CLI invocation contract.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root orchestrator configuration.
type Config struct {
	IssuesRoot    string       `yaml:"issues_root"`
	WorktreeBase  string       `yaml:"worktree_base"`
	BackupRoot    string       `yaml:"backup_root"`
	StateFile     string       `yaml:"state_file"`
	Agent         AgentConfig  `yaml:"agent"`
	Categories    []Category   `yaml:"categories"`
	WorkerPool    WorkerPool   `yaml:"worker_pool"`
	Timeouts      Timeouts     `yaml:"timeouts"`
	MergeCoord    MergeCoord   `yaml:"merge_coordinator"`
	AuxiliaryCopy []string     `yaml:"auxiliary_copy,omitempty"`
	ExcludedRoots []string     `yaml:"excluded_roots,omitempty"`
	Permissions   *Permissions `yaml:"permissions,omitempty"`
}

// AgentConfig describes how to invoke the worker CLI.
type AgentConfig struct {
	Command                string   `yaml:"command"`
	Args                    []string `yaml:"args"`
	NoInteractivePermission bool     `yaml:"no_interactive_permissions"`
}

// Category maps a task ID prefix to an on-disk directory and action verb.
type Category struct {
	Name      string `yaml:"name"`
	Prefix    string `yaml:"prefix"`
	Directory string `yaml:"directory"`
	Verb      string `yaml:"verb"`
}

// WorkerPool controls worker-pool concurrency.
type WorkerPool struct {
	MaxWorkers      int  `yaml:"max_workers"`
	P0Sequential    bool `yaml:"p0_sequential"`
	MaxContinuation int  `yaml:"max_continuations"`
}

// Timeouts bounds every blocking operation in the system.
type Timeouts struct {
	TotalRun      Duration `yaml:"total_run"`
	IssueTotal    Duration `yaml:"issue_total"`
	IssueIdle     Duration `yaml:"issue_idle"`
	StallWarning  Duration `yaml:"stall_warning,omitempty"`
	SubprocessCmd Duration `yaml:"subprocess_cmd"`
	KillWait      Duration `yaml:"kill_wait"`
}

// MergeCoord tunes the merge coordinator's retry and circuit-breaker behavior.
type MergeCoord struct {
	MaxMergeRetries        int      `yaml:"max_merge_retries"`
	CircuitBreakerThresh   int      `yaml:"circuit_breaker_threshold"`
	DefaultPullStrategy    string   `yaml:"default_pull_strategy"` // "rebase" or "merge"
	ExcludedSampleSize     int      `yaml:"excluded_sample_size"`
	LifecycleCommitMessage string `yaml:"lifecycle_commit_message,omitempty"`
}

// Permissions mirrors the worker CLI's permission settings. It is parsed
// from the config file only; nothing writes it into worktrees or passes it
// to the worker CLI.
type Permissions struct {
	Allow []string `yaml:"allow" json:"allow"`
	Deny  []string `yaml:"deny,omitempty" json:"deny,omitempty"`
}

// Duration wraps time.Duration for YAML unmarshaling from strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Load reads and parses a YAML config file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.IssuesRoot == "" {
		cfg.IssuesRoot = "issues"
	}
	if cfg.WorktreeBase == "" {
		cfg.WorktreeBase = ".orchestrator/worktrees"
	}
	if cfg.BackupRoot == "" {
		cfg.BackupRoot = ".orchestrator/backups"
	}
	if cfg.StateFile == "" {
		cfg.StateFile = ".orchestrator-auto-state.json"
	}
	if cfg.WorkerPool.MaxWorkers == 0 {
		cfg.WorkerPool.MaxWorkers = 2
	}
	if cfg.Timeouts.TotalRun == 0 {
		cfg.Timeouts.TotalRun = Duration(6 * time.Hour)
	}
	if cfg.Timeouts.IssueTotal == 0 {
		cfg.Timeouts.IssueTotal = Duration(30 * time.Minute)
	}
	if cfg.Timeouts.IssueIdle == 0 {
		cfg.Timeouts.IssueIdle = Duration(5 * time.Minute)
	}
	if cfg.Timeouts.StallWarning == 0 {
		cfg.Timeouts.StallWarning = cfg.Timeouts.IssueIdle
	}
	if cfg.Timeouts.SubprocessCmd == 0 {
		cfg.Timeouts.SubprocessCmd = Duration(30 * time.Second)
	}
	if cfg.Timeouts.KillWait == 0 {
		cfg.Timeouts.KillWait = Duration(10 * time.Second)
	}
	if cfg.MergeCoord.MaxMergeRetries == 0 {
		cfg.MergeCoord.MaxMergeRetries = 3
	}
	if cfg.MergeCoord.CircuitBreakerThresh == 0 {
		cfg.MergeCoord.CircuitBreakerThresh = 3
	}
	if cfg.MergeCoord.DefaultPullStrategy == "" {
		cfg.MergeCoord.DefaultPullStrategy = "rebase"
	}
	if cfg.MergeCoord.ExcludedSampleSize == 0 {
		cfg.MergeCoord.ExcludedSampleSize = 10
	}
	if cfg.MergeCoord.LifecycleCommitMessage == "" {
		cfg.MergeCoord.LifecycleCommitMessage = "lifecycle: finalize completed issues"
	}
	if len(cfg.ExcludedRoots) == 0 {
		cfg.ExcludedRoots = []string{".issues/", "issues/", ".thoughts/", "thoughts/"}
	}
}

// Validate returns every configuration error found, rather than failing fast
// on the first one — callers print the whole batch before exiting.
func Validate(cfg *Config) []error {
	var errs []error

	if cfg.Agent.Command == "" {
		errs = append(errs, fmt.Errorf("agent.command is required"))
	}
	if len(cfg.Categories) == 0 {
		errs = append(errs, fmt.Errorf("at least one category is required"))
	}

	prefixes := make(map[string]bool)
	for i, c := range cfg.Categories {
		if c.Name == "" {
			errs = append(errs, fmt.Errorf("categories[%d]: name is required", i))
		}
		if c.Prefix == "" {
			errs = append(errs, fmt.Errorf("categories[%d] (%s): prefix is required", i, c.Name))
		} else if prefixes[c.Prefix] {
			errs = append(errs, fmt.Errorf("categories[%d]: duplicate prefix %q", i, c.Prefix))
		} else {
			prefixes[c.Prefix] = true
		}
		if c.Directory == "" {
			errs = append(errs, fmt.Errorf("categories[%d] (%s): directory is required", i, c.Name))
		}
	}

	if cfg.WorkerPool.MaxWorkers < 1 {
		errs = append(errs, fmt.Errorf("worker_pool.max_workers must be >= 1"))
	}
	if cfg.MergeCoord.DefaultPullStrategy != "rebase" && cfg.MergeCoord.DefaultPullStrategy != "merge" {
		errs = append(errs, fmt.Errorf("merge_coordinator.default_pull_strategy must be \"rebase\" or \"merge\""))
	}

	return errs
}

// CategoryByPrefix returns the category whose prefix matches, or nil.
func (cfg *Config) CategoryByPrefix(prefix string) *Category {
	for i := range cfg.Categories {
		if cfg.Categories[i].Prefix == prefix {
			return &cfg.Categories[i]
		}
	}
	return nil
}

// CategoryByDirectory returns the category whose directory name matches, or nil.
func (cfg *Config) CategoryByDirectory(dir string) *Category {
	for i := range cfg.Categories {
		if cfg.Categories[i].Directory == dir {
			return &cfg.Categories[i]
		}
	}
	return nil
}
