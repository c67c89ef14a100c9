package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/brennontwilliams/loopline/internal/config"
	"github.com/brennontwilliams/loopline/internal/logging"
)

// Exit codes, set by the orchestrator loop's final state per spec.
const (
	ExitSuccess        = 0
	ExitPartialFailure = 1
	ExitUsageError     = 2
	ExitCancelled      = 130
)

// loadAndValidateConfig loads a config file and validates it, printing every
// error to stderr before returning — callers never fail on just the first
// problem found.
func loadAndValidateConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return nil, err
	}

	errs := config.Validate(cfg)
	if len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "Error: %s\n", e)
		}
		return nil, fmt.Errorf("%d validation error(s)", len(errs))
	}

	logging.Init(jsonLogs, debugLogs)
	return cfg, nil
}

// resolveRepo finds the git repository root from a config file path.
func resolveRepo(configArg string) (string, error) {
	abs, err := filepath.Abs(configArg)
	if err != nil {
		return "", err
	}
	repoDir := findGitRoot(filepath.Dir(abs))
	if repoDir == "" {
		return "", fmt.Errorf("could not find git repository root from %s", filepath.Dir(abs))
	}
	return repoDir, nil
}

// findGitRoot walks up from dir looking for a .git directory.
func findGitRoot(dir string) string {
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// stateFilePath resolves cfg.StateFile against the repo root.
func stateFilePath(repoDir string, cfg *config.Config) string {
	if filepath.IsAbs(cfg.StateFile) {
		return cfg.StateFile
	}
	return filepath.Join(repoDir, cfg.StateFile)
}
