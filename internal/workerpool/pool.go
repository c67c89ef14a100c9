package workerpool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	ignore "github.com/sabhiram/go-gitignore"

	"github.com/brennontwilliams/loopline/internal/config"
	"github.com/brennontwilliams/loopline/internal/gitops"
	"github.com/brennontwilliams/loopline/internal/issuestore"
	"github.com/brennontwilliams/loopline/internal/logging"
	"github.com/brennontwilliams/loopline/internal/runner"
)

var log = logging.For("workerpool")

// leakPatterns covers both the dotted and undotted historical collaborator
// conventions for the issues-root and thought-scratchpad directories.
var leakPatterns = []string{".issues/", "issues/", ".thoughts/", "thoughts/"}

// Pool is a bounded concurrent executor: each Dispatch call runs one task to
// completion on its own goroutine, gated by a semaphore sized maxWorkers.
type Pool struct {
	cfg        *config.Config
	mainRepo   *gitops.Repo
	lock       *gitops.RepoLock
	sem        chan struct{}
	excludedGI *ignore.GitIgnore
}

// New returns a Pool bounded to maxWorkers concurrent tasks.
func New(cfg *config.Config, mainRepo *gitops.Repo, lock *gitops.RepoLock, maxWorkers int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	patterns := append([]string{}, cfg.ExcludedRoots...)
	return &Pool{
		cfg:        cfg,
		mainRepo:   mainRepo,
		lock:       lock,
		sem:        make(chan struct{}, maxWorkers),
		excludedGI: ignore.CompileIgnoreLines(patterns...),
	}
}

// Dispatch runs issue to completion, invoking onComplete exactly once with
// the resulting WorkerResult — even if the worker goroutine panics. The
// caller must treat onComplete as the only delivery channel; nothing else
// signals task completion.
func (p *Pool) Dispatch(ctx context.Context, issue *issuestore.Issue, onComplete func(WorkerResult)) {
	p.sem <- struct{}{}
	go func() {
		defer func() { <-p.sem }()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("issue_id", issue.ID).Interface("panic", r).Msg("worker goroutine panicked")
				onComplete(WorkerResult{
					IssueID:       issue.ID,
					Success:       false,
					FailureReason: fmt.Sprintf("worker crashed: %v", r),
				})
			}
		}()
		onComplete(p.run(ctx, issue))
	}()
}

func (p *Pool) run(ctx context.Context, issue *issuestore.Issue) (result WorkerResult) {
	logger := log.With().Str("issue_id", issue.ID).Logger()
	start := time.Now()
	// Duration covers the whole dispatch — worktree creation, every run/
	// continuation attempt, and verification — not just the runner's own
	// subprocess timing, which is reported separately via ExitCode/
	// StdoutExcerpt from the last attempt.
	defer func() { result.Duration = time.Since(start) }()

	// Step 1: baseline snapshot, under the repo lock.
	unlock := p.lock.Lock()
	baseline, err := p.mainRepo.Status()
	unlock()
	if err != nil {
		return failResult(issue.ID, "baseline snapshot: "+err.Error())
	}

	// Step 2: worktree creation, serialized by the repo lock. A uuid suffix
	// (rather than a timestamp) keeps branch/worktree names unique even when
	// two workers for the same issue race a retry in the same nanosecond.
	id := uuid.New().String()
	slug := slugify(issue.ID)
	branch := fmt.Sprintf("parallel/%s-%s", slug, id)
	wtPath := filepath.Join(p.cfg.WorktreeBase, fmt.Sprintf("worker-%s-%s", slug, id))

	unlock = p.lock.Lock()
	err = func() error {
		if err := os.MkdirAll(filepath.Dir(wtPath), 0755); err != nil {
			return fmt.Errorf("creating worktree parent: %w", err)
		}
		if err := p.mainRepo.WorktreeAdd(wtPath, branch, "HEAD"); err != nil {
			return fmt.Errorf("creating worktree: %w", err)
		}
		return nil
	}()
	unlock()
	if err != nil {
		return failResult(issue.ID, err.Error())
	}

	if err := copyAuxiliaryFiles(p.mainRepo.Dir, wtPath, p.cfg.AuxiliaryCopy); err != nil {
		logger.Warn().Err(err).Msg("copying auxiliary files into worktree")
	}

	result = WorkerResult{IssueID: issue.ID, BranchName: branch, WorktreePath: wtPath}

	// spec.md §4.B's worker-CLI contract: a --no-interactive-permissions flag
	// (when the agent wants it) and MAINTAIN_PROJECT_WORKING_DIR=1 so the
	// child CLI doesn't change process cwd out from under the worktree.
	args := p.cfg.Agent.Args
	if p.cfg.Agent.NoInteractivePermission {
		args = append([]string{"--no-interactive-permissions"}, args...)
	}
	env := append(os.Environ(), "MAINTAIN_PROJECT_WORKING_DIR=1")

	// Step 3: run, then re-run after each CONTEXT_HANDOFF signal, for up to
	// MaxContinuation continuations. runResult is declared before the loop
	// so the return path below never reads an unset value; for any
	// MaxContinuation >= 0 the loop body runs at least once.
	var runResult runner.Result
	for attempt := 0; attempt <= p.cfg.WorkerPool.MaxContinuation; attempt++ {
		runResult, err = runner.Run(ctx, runner.Options{
			Cmd:          p.cfg.Agent.Command,
			Args:         args,
			Dir:          wtPath,
			Env:          env,
			TotalTimeout: p.cfg.Timeouts.IssueTotal.Duration(),
			IdleTimeout:  p.cfg.Timeouts.IssueIdle.Duration(),
			StallWarning: p.cfg.Timeouts.StallWarning.Duration(),
		})
		if err != nil {
			return failResult(issue.ID, "invoking worker: "+err.Error())
		}
		if !runResult.Signals.ContextHandoffEmitted {
			break
		}
		logger.Info().Int("attempt", attempt+1).Msg("context handoff signaled, continuing")
	}

	result.StdoutExcerpt = excerpt(runResult.Stdout, 4096)
	result.ExitCode = runResult.ExitCode
	result.ContextHandoffEmitted = runResult.Signals.ContextHandoffEmitted

	if runResult.Signals.ShouldClose {
		result.Success = true
		result.ShouldClose = true
		result.CloseReason = runResult.Signals.CloseReason
		return result
	}

	if runResult.ExitCode != 0 {
		result.Success = false
		result.FailureReason = fmt.Sprintf("worker exited %d (terminated_by=%s)", runResult.ExitCode, runResult.TerminatedBy)
		return result
	}

	// Step 4: work verification.
	wtRepo := gitops.NewRepo(wtPath, p.cfg.Timeouts.SubprocessCmd.Duration())
	changed, err := changedFiles(wtRepo)
	if err != nil {
		return failResult(issue.ID, "listing changed files: "+err.Error())
	}
	result.FilesChanged = changed

	if len(changed) == 0 {
		result.Success = false
		result.FailureReason = "no changes produced"
		return result
	}

	if filesMatchIgnorePatterns(changed, p.excludedGI) {
		sample := changed
		if len(sample) > p.cfg.MergeCoord.ExcludedSampleSize {
			sample = sample[:p.cfg.MergeCoord.ExcludedSampleSize]
		}
		result.Success = false
		result.FailureReason = fmt.Sprintf("no meaningful work: all changed files excluded: %s", strings.Join(sample, ", "))
		return result
	}

	// The merge coordinator merges the branch, so the worker's changes are
	// committed on it first (under the repo lock: worktrees share the main
	// repo's object store).
	unlock = p.lock.Lock()
	_, err = wtRepo.Commit(changed, fmt.Sprintf("%s: worker changes", issue.ID))
	unlock()
	if err != nil {
		result.Success = false
		result.FailureReason = "committing worker changes: " + err.Error()
		return result
	}

	// Step 5: leak detection against the baseline.
	unlock = p.lock.Lock()
	leaked, err := p.detectAndCleanLeaks(baseline)
	unlock()
	if err != nil {
		logger.Warn().Err(err).Msg("leak detection/cleanup failed")
	}
	if len(leaked) > 0 {
		logger.Warn().Strs("paths", leaked).Msg("cleaned up files leaked into main repo")
	}

	result.Success = true
	return result
}

func failResult(issueID, reason string) WorkerResult {
	return WorkerResult{IssueID: issueID, Success: false, FailureReason: reason}
}

// changedFiles returns the union of tracked modifications and untracked
// paths currently present in the worktree.
func changedFiles(repo *gitops.Repo) ([]string, error) {
	status, err := repo.Status()
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range status.Entries {
		files = append(files, e.Path)
	}
	files = append(files, status.Untracked...)
	return files, nil
}

// filesMatchIgnorePatterns returns true only when every file in files
// matches gi and files is non-empty. A nil matcher or empty file list always
// returns false.
func filesMatchIgnorePatterns(files []string, gi *ignore.GitIgnore) bool {
	if gi == nil || len(files) == 0 {
		return false
	}
	for _, f := range files {
		if !gi.MatchesPath(f) {
			return false
		}
	}
	return true
}

// detectAndCleanLeaks compares the current main-repo status against the
// baseline snapshot and removes any newly-appeared path that matches a known
// leak pattern. Must be called with the repo lock held.
func (p *Pool) detectAndCleanLeaks(baseline *gitops.StatusReport) ([]string, error) {
	current, err := p.mainRepo.Status()
	if err != nil {
		return nil, err
	}

	baseSet := make(map[string]bool, len(baseline.Untracked)+len(baseline.Entries))
	for _, u := range baseline.Untracked {
		baseSet[u] = true
	}
	for _, e := range baseline.Entries {
		baseSet[e.Path] = true
	}

	var leaked []string
	for _, u := range current.Untracked {
		if baseSet[u] {
			continue
		}
		if matchesLeakPattern(u) {
			leaked = append(leaked, u)
		}
	}

	for _, path := range leaked {
		full := filepath.Join(p.mainRepo.Dir, path)
		if err := os.RemoveAll(full); err != nil {
			log.Warn().Err(err).Str("path", full).Msg("removing leaked path")
		}
	}
	return leaked, nil
}

func matchesLeakPattern(path string) bool {
	for _, pat := range leakPatterns {
		if strings.HasPrefix(path, pat) {
			return true
		}
	}
	return false
}

func slugify(id string) string {
	return strings.ToLower(strings.ReplaceAll(id, "_", "-"))
}

func excerpt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// copyAuxiliaryFiles copies each configured path (relative to repoDir) into
// the equivalent location under worktreeDir, e.g. local settings, env files,
// and the worker-CLI configuration directory.
func copyAuxiliaryFiles(repoDir, worktreeDir string, paths []string) error {
	for _, rel := range paths {
		src := filepath.Join(repoDir, rel)
		dst := filepath.Join(worktreeDir, rel)
		info, err := os.Stat(src)
		if err != nil {
			continue // auxiliary files are best-effort; absence is not an error
		}
		if info.IsDir() {
			if err := copyDir(src, dst); err != nil {
				return err
			}
		} else {
			if err := copyFileTo(src, dst); err != nil {
				return err
			}
		}
	}
	return nil
}
