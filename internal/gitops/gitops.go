// Package gitops is the typed wrapper around source-control and filesystem
// primitives the rest of the orchestrator depends on. Every mutating call on
// the main repository takes the shared RepoLock; worktree-local operations do
// not need it.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/brennontwilliams/loopline/internal/logging"
)

var log = logging.For("gitops")

// ErrTimedOut is returned when a subprocess call exceeds its timeout.
var ErrTimedOut = errors.New("git: command timed out")

// retry constants for transient git failures (stale index/ref locks left by
// a concurrently racing git process).
const (
	retryInitialDelay = 200 * time.Millisecond
	retryMaxAttempts  = 6
	retryMultiplier   = 2
)

var transientPatterns = []string{
	"index file open failed",
	"index.lock",
	"cannot lock ref",
}

func isTransient(errMsg string) bool {
	for _, p := range transientPatterns {
		if strings.Contains(errMsg, p) {
			return true
		}
	}
	return false
}

// RepoLock is the single process-wide mutual-exclusion primitive guarding
// every mutating source-control call on the main repository.
type RepoLock struct {
	mu sync.Mutex
}

// NewRepoLock returns a ready-to-use RepoLock.
func NewRepoLock() *RepoLock { return &RepoLock{} }

// Lock blocks until the lock is acquired, returning an unlock func.
func (l *RepoLock) Lock() func() {
	l.mu.Lock()
	return l.mu.Unlock
}

// Repo wraps git operations rooted at Dir. Dir may be the main repository or
// one of its worktrees; mutating calls against the main repo must be issued
// through a Repo guarded externally by the RepoLock.
type Repo struct {
	Dir         string
	cmdTimeout  time.Duration
	sleepFunc   func(time.Duration)
}

// NewRepo creates a Repo rooted at dir with the given default subprocess timeout.
func NewRepo(dir string, cmdTimeout time.Duration) *Repo {
	if cmdTimeout <= 0 {
		cmdTimeout = 30 * time.Second
	}
	return &Repo{Dir: dir, cmdTimeout: cmdTimeout, sleepFunc: time.Sleep}
}

// run executes a git command in the repo directory with a timeout, retrying
// transient lock-contention failures with exponential backoff.
func (r *Repo) run(args ...string) (string, error) {
	logger := r.logger()
	delay := retryInitialDelay
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		out, err := r.runOnce(args...)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, ErrTimedOut) {
			return "", err
		}
		errMsg := err.Error()
		if !isTransient(errMsg) || attempt == retryMaxAttempts-1 {
			return "", err
		}
		logger.Warn().Str("cmd", strings.Join(args, " ")).Int("attempt", attempt+1).Dur("delay", delay).Msg("transient git failure, retrying")
		r.sleepFunc(delay)
		delay *= retryMultiplier
	}
	return "", nil // unreachable
}

func (r *Repo) runOnce(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cmdTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Dir
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("%w: git %s", ErrTimedOut, strings.Join(args, " "))
	}
	if err != nil {
		return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (r *Repo) logger() zerolog.Logger { return log.With().Str("dir", r.Dir).Logger() }

// CmdTimeout returns the per-command timeout this Repo was constructed with.
func (r *Repo) CmdTimeout() time.Duration { return r.cmdTimeout }

// StatusEntry describes one path's index/worktree state from `git status --porcelain`.
// For a rename or copy, Path is the destination path.
type StatusEntry struct {
	Path         string
	IndexState   byte
	WorktreeState byte
}

// StatusReport is the result of Status().
type StatusReport struct {
	Entries   []StatusEntry
	Untracked []string
}

// Status returns a consistent baseline of tracked modifications and untracked
// paths. Never blocks indefinitely — bounded by the repo's command timeout.
func (r *Repo) Status() (*StatusReport, error) {
	// --branch puts a "## ..." header line first, so the whitespace trimming
	// in run never eats the leading status column of the first entry.
	out, err := r.run("status", "--porcelain", "--branch")
	if err != nil {
		return nil, err
	}
	report := &StatusReport{}
	if out == "" {
		return report, nil
	}
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 3 || strings.HasPrefix(line, "## ") {
			continue
		}
		code := line[:2]
		path := strings.TrimSpace(line[3:])
		if code == "??" {
			report.Untracked = append(report.Untracked, path)
			continue
		}
		if i := strings.Index(path, " -> "); i >= 0 && (code[0] == 'R' || code[0] == 'C') {
			path = path[i+len(" -> "):]
		}
		report.Entries = append(report.Entries, StatusEntry{Path: path, IndexState: code[0], WorktreeState: code[1]})
	}
	return report, nil
}

// Predicate decides whether a path should be included in a stash operation.
type Predicate func(path string) bool

// StashHandle identifies a taken stash entry by its stash-list reference
// (e.g. "stash@{0}") and a human-readable message for diagnostics.
type StashHandle struct {
	Ref     string
	Message string
}

// Stash stashes only tracked modifications (and, if includeUntracked, matching
// untracked paths) satisfying the predicate. Returns nil if nothing to stash.
// The predicate therefore is an *inclusion* filter over what Status() reports;
// paths it rejects are never passed to `git stash push`.
func (r *Repo) Stash(includeUntracked bool, include Predicate) (*StashHandle, error) {
	status, err := r.Status()
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, e := range status.Entries {
		if include == nil || include(e.Path) {
			paths = append(paths, e.Path)
		}
	}
	if includeUntracked {
		for _, p := range status.Untracked {
			if include == nil || include(p) {
				paths = append(paths, p)
			}
		}
	}
	if len(paths) == 0 {
		return nil, nil
	}

	msg := fmt.Sprintf("orchestrator-auto-stash-%d", time.Now().UnixNano())
	args := []string{"stash", "push", "-m", msg}
	if includeUntracked {
		args = append(args, "--include-untracked")
	}
	args = append(append(args, "--"), paths...)
	if _, err := r.run(args...); err != nil {
		return nil, fmt.Errorf("stashing: %w", err)
	}
	return &StashHandle{Ref: "stash@{0}", Message: msg}, nil
}

// PopOutcome is the result of popping a stash.
type PopOutcome int

const (
	PopClean PopOutcome = iota
	PopConflicted
	PopMissing
)

// PopStash applies and drops the given stash handle. On PopConflicted the
// working tree is cleaned up (checked out to HEAD for conflicting paths and
// the index reset) without touching anything already merged into HEAD; the
// stash entry is left intact so the caller can decide retention.
func (r *Repo) PopStash(handle *StashHandle) (PopOutcome, error) {
	if handle == nil {
		return PopMissing, nil
	}
	if _, err := r.run("stash", "pop", handle.Ref); err != nil {
		if strings.Contains(err.Error(), "No stash entries") {
			return PopMissing, nil
		}
		// Conflicted: reset the index and checkout-ours for the touched
		// paths without disturbing HEAD, leaving the stash entry present.
		_, _ = r.run("checkout", "--ours", "--", ".")
		_, _ = r.run("reset")
		return PopConflicted, nil
	}
	return PopClean, nil
}

// PullOutcome is the result of Pull().
type PullOutcome struct {
	Kind       PullKind
	CommitHash string // set for Conflicted
	Reason     string // set for Failed
}

type PullKind int

const (
	PullUpToDate PullKind = iota
	PullFastForwarded
	PullRebased
	PullMerged
	PullConflicted
	PullFailed
)

// PullStrategy selects rebase vs merge semantics for Pull.
type PullStrategy int

const (
	StrategyRebase PullStrategy = iota
	StrategyMerge
)

// Pull fetches and integrates remote/branch using the given strategy.
func (r *Repo) Pull(strategy PullStrategy, remote, branch string) (PullOutcome, error) {
	before, err := r.run("rev-parse", "HEAD")
	if err != nil {
		return PullOutcome{}, err
	}

	var args []string
	if strategy == StrategyRebase {
		args = []string{"pull", "--rebase", remote, branch}
	} else {
		args = []string{"pull", "--no-rebase", remote, branch}
	}

	out, err := r.run(args...)
	if err != nil {
		if strings.Contains(err.Error(), "local changes") || strings.Contains(err.Error(), "overwritten by merge") {
			return PullOutcome{Kind: PullFailed, Reason: "local changes would be overwritten"}, nil
		}
		hash := r.conflictedCommit(out, err.Error())
		if hash != "" {
			return PullOutcome{Kind: PullConflicted, CommitHash: hash}, nil
		}
		return PullOutcome{Kind: PullFailed, Reason: err.Error()}, nil
	}

	after, err := r.run("rev-parse", "HEAD")
	if err != nil {
		return PullOutcome{}, err
	}
	if before == after {
		return PullOutcome{Kind: PullUpToDate}, nil
	}
	if strings.Contains(out, "Fast-forward") {
		return PullOutcome{Kind: PullFastForwarded}, nil
	}
	if strategy == StrategyRebase {
		return PullOutcome{Kind: PullRebased}, nil
	}
	return PullOutcome{Kind: PullMerged}, nil
}

// conflictedCommit extracts the full 40-hex-char commit hash from a rebase
// conflict message, resolving any abbreviated hash it finds against this repo.
func (r *Repo) conflictedCommit(stdout, stderr string) string {
	combined := stdout + "\n" + stderr
	for _, line := range strings.Split(combined, "\n") {
		line = strings.TrimSpace(line)
		// Typical line: "Rebasing (2/3) ... could not apply abc1234... "
		// or "error: could not apply abcdef0... commit message"
		fields := strings.Fields(line)
		for _, f := range fields {
			h := strings.Trim(f, ".")
			if len(h) < 7 || len(h) > 40 || !isHex(h) {
				continue
			}
			if len(h) == 40 {
				return h
			}
			if full, err := r.run("rev-parse", h); err == nil && len(full) == 40 {
				return full
			}
		}
	}
	return ""
}

func isHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return len(s) > 0
}

// MergeOutcome is the result of MergeBranch.
type MergeOutcome struct {
	Kind            MergeKind
	UntrackedPaths  []string
}

type MergeKind int

const (
	MergeFastForwarded MergeKind = iota
	MergeMerged
	MergeNonFastForward
	MergeConflicted
	MergeUntrackedWouldBeOverwritten
)

// MergeBranch merges branch into the current HEAD of the repo.
func (r *Repo) MergeBranch(branch string) (MergeOutcome, error) {
	out, err := r.run("merge", "--no-edit", branch)
	if err == nil {
		if strings.Contains(out, "Fast-forward") {
			return MergeOutcome{Kind: MergeFastForwarded}, nil
		}
		return MergeOutcome{Kind: MergeMerged}, nil
	}

	msg := err.Error()
	if strings.Contains(msg, "would be overwritten by merge") {
		paths := extractOverwritePaths(msg)
		return MergeOutcome{Kind: MergeUntrackedWouldBeOverwritten, UntrackedPaths: paths}, nil
	}
	if strings.Contains(msg, "CONFLICT") || strings.Contains(msg, "Automatic merge failed") {
		return MergeOutcome{Kind: MergeConflicted}, nil
	}
	return MergeOutcome{Kind: MergeNonFastForward}, err
}

func extractOverwritePaths(msg string) []string {
	var paths []string
	for _, line := range strings.Split(msg, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "error:") || strings.HasPrefix(line, "Please") || strings.HasPrefix(line, "Aborting") {
			continue
		}
		paths = append(paths, line)
	}
	return paths
}

// RebaseOutcome is the result of RebaseOnto.
type RebaseOutcome int

const (
	RebaseOK RebaseOutcome = iota
	RebaseConflicted
)

// RebaseOnto rebases the current branch onto base.
func (r *Repo) RebaseOnto(base string) (RebaseOutcome, error) {
	if _, err := r.run("rebase", base); err != nil {
		return RebaseConflicted, nil
	}
	return RebaseOK, nil
}

// RebaseAbort aborts an in-progress rebase, ignoring errors (none may be active).
func (r *Repo) RebaseAbort() { _, _ = r.run("rebase", "--abort") }

// MergeAbort aborts an in-progress merge, ignoring errors.
func (r *Repo) MergeAbort() { _, _ = r.run("merge", "--abort") }

// ResetHard performs a hard reset to ref.
func (r *Repo) ResetHard(ref string) error {
	_, err := r.run("reset", "--hard", ref)
	return err
}

// WorktreeAdd creates a worktree at path checked out to a new branch from base.
func (r *Repo) WorktreeAdd(path, branch, base string) error {
	_, err := r.run("worktree", "add", "-b", branch, path, base)
	return err
}

// WorktreeRemove removes a worktree, optionally forcing removal of local changes.
func (r *Repo) WorktreeRemove(path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	_, err := r.run(args...)
	return err
}

// IndexHealth enumerates the possible recovery states of the main index.
type IndexHealth int

const (
	HealthOK IndexHealth = iota
	HealthMergeHeadPresent
	HealthRebaseInProgress
	HealthUnmergedEntries
)

// CheckIndexHealth inspects the repo for MERGE_HEAD, an in-progress rebase,
// or unmerged index entries (UU|AA|DD|AU|UA|DU|UD).
func (r *Repo) CheckIndexHealth() (IndexHealth, error) {
	if _, err := r.run("rev-parse", "--verify", "-q", "MERGE_HEAD"); err == nil {
		return HealthMergeHeadPresent, nil
	}
	if out, err := r.run("rev-parse", "--git-path", "rebase-merge"); err == nil {
		if pathExists(r.resolveGitPath(out)) {
			return HealthRebaseInProgress, nil
		}
	}
	if out, err := r.run("rev-parse", "--git-path", "rebase-apply"); err == nil {
		if pathExists(r.resolveGitPath(out)) {
			return HealthRebaseInProgress, nil
		}
	}

	status, err := r.Status()
	if err != nil {
		return HealthOK, err
	}
	unmergedCodes := map[string]bool{"UU": true, "AA": true, "DD": true, "AU": true, "UA": true, "DU": true, "UD": true}
	for _, e := range status.Entries {
		code := string([]byte{e.IndexState, e.WorktreeState})
		if unmergedCodes[code] {
			return HealthUnmergedEntries, nil
		}
	}
	return HealthOK, nil
}

// AssumeUnchanged toggles the assume-unchanged bit for a path, suppressing
// mtime-based change detection (used for the state file during pulls).
func (r *Repo) AssumeUnchanged(path string, assume bool) error {
	flag := "--no-assume-unchanged"
	if assume {
		flag = "--assume-unchanged"
	}
	_, err := r.run("update-index", flag, path)
	return err
}

// Mv performs a rename: a tracked `git mv` when underVC, otherwise a plain
// filesystem move (caller stages with `git add` separately if needed).
func (r *Repo) Mv(src, dst string, underVC bool) error {
	if underVC {
		_, err := r.run("mv", src, dst)
		return err
	}
	return plainRename(src, dst)
}

// Stage runs `git add` on the given paths without committing.
func (r *Repo) Stage(paths []string) error {
	args := append([]string{"add", "--"}, paths...)
	_, err := r.run(args...)
	return err
}

// Commit stages the given paths and commits with message.
func (r *Repo) Commit(paths []string, message string) (string, error) {
	args := append([]string{"add", "--"}, paths...)
	if _, err := r.run(args...); err != nil {
		return "", fmt.Errorf("staging: %w", err)
	}
	if _, err := r.run("commit", "--no-verify", "-m", message); err != nil {
		return "", fmt.Errorf("committing: %w", err)
	}
	return r.run("rev-parse", "HEAD")
}

// HeadCommit returns the commit hash at HEAD for the given ref.
func (r *Repo) HeadCommit(ref string) (string, error) { return r.run("rev-parse", ref) }

// BranchExists checks if a branch exists.
func (r *Repo) BranchExists(branch string) bool {
	_, err := r.run("rev-parse", "--verify", branch)
	return err == nil
}

// EnsureIdentity sets user.name/user.email in local config if unresolvable.
func (r *Repo) EnsureIdentity() {
	if _, err := r.run("config", "user.name"); err != nil {
		_, _ = r.run("config", "user.name", "orchestrator")
	}
	if _, err := r.run("config", "user.email"); err != nil {
		_, _ = r.run("config", "user.email", "orchestrator@localhost")
	}
}

// FetchRemote fetches from remote without merging.
func (r *Repo) FetchRemote(remote string) error {
	_, err := r.run("fetch", remote)
	return err
}

// StashList returns the current stash-list entries (ref, message).
func (r *Repo) StashList() ([]StashHandle, error) {
	out, err := r.run("stash", "list")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	var handles []StashHandle
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		handles = append(handles, StashHandle{Ref: strings.TrimSpace(parts[0]), Message: strings.TrimSpace(parts[1])})
	}
	return handles, nil
}
